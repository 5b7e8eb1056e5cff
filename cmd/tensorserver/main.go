package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelforge/pkg/artifacts"
	"k8s.io/examples/AI/modelforge/pkg/config"
	"k8s.io/examples/AI/modelforge/pkg/inference"
	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
	"k8s.io/examples/AI/modelforge/pkg/registry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	modelName := ""
	version := int(artifacts.Latest)
	fetch := false
	watch := true
	var overrides config.Overrides

	klog.InitFlags(nil)
	flag.StringVar(&modelName, "model", modelName, "name of the model to serve")
	flag.IntVar(&version, "version", version, "version to serve, -1 for the latest")
	flag.BoolVar(&fetch, "fetch", fetch, "fetch the version from the artifact mirror if it is not on disk")
	flag.BoolVar(&watch, "watch", watch, "load newer versions as they appear")
	flag.StringVar(&overrides.OutputRoot, "output-root", "", "model output root")
	flag.StringVar(&overrides.Listen, "listen", "", "gRPC listen address")
	flag.StringVar(&overrides.MetricsListen, "metrics-listen", "", "metrics listen address")
	flag.Parse()

	cfg.ApplyOverrides(overrides)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if modelName == "" {
		return fmt.Errorf("must specify --model")
	}

	log := klog.FromContext(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts, err := cfg.RegistryOptions(reg)
	if err != nil {
		return err
	}
	model, err := registry.New(modelName, opts)
	if err != nil {
		return err
	}
	defer model.Close()

	if fetch && version >= 0 {
		if _, err := model.Fetch(ctx, artifacts.Version(version)); err != nil {
			return fmt.Errorf("fetching version %d: %w", version, err)
		}
	}
	if err := model.LoadIfExists(ctx, artifacts.Version(version)); err != nil {
		if !mlerrors.Is(err, mlerrors.NotFound) || !watch {
			return fmt.Errorf("loading model %q: %w", modelName, err)
		}
		log.Info("no version available yet, waiting for one", "model", modelName, "root", model.ModelRoot())
		if err := os.MkdirAll(model.ModelRoot(), 0755); err != nil {
			return fmt.Errorf("creating model root: %w", err)
		}
	}

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", cfg.Listen, err)
	}
	grpcServer := grpc.NewServer()
	inference.Register(grpcServer, &inference.Server{Model: model})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.MetricsListen, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Starting tensorserver", "listen", cfg.Listen, "model", modelName)
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("serving GRPC: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		klog.Infof("serving metrics on %q", cfg.MetricsListen)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving metrics on %q: %w", cfg.MetricsListen, err)
		}
		return nil
	})
	if watch {
		g.Go(func() error {
			return model.WatchVersions(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		grpcServer.GracefulStop()
		return metricsServer.Close()
	})

	return g.Wait()
}
