package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelforge/pkg/artifacts"
	"k8s.io/examples/AI/modelforge/pkg/ionames"
	"k8s.io/examples/AI/modelforge/pkg/schema"
)

const (
	// LayoutFile is the model description consumed by Build.
	LayoutFile = "model_description.json"
	TrainDir   = "train"
	// ConfigFile, SupervisedFile and RewardFile live under TrainDir.
	ConfigFile     = "train_config.json"
	SupervisedFile = "s-train_data.json"
	RewardFile     = "r-train_data.json"
)

// Local is an in-process toolchain. It produces version directories that carry the layout
// and an io names sidecar, which is all the reference engine needs. Training validates the
// staged files and carries the previous version forward.
type Local struct{}

var _ Toolchain = &Local{}

// InternalInputName is the graph name Local assigns to a logical input.
func InternalInputName(logical string) string {
	return "serving_default_" + logical + ":0"
}

// InternalOutputName is the graph name Local assigns to the i'th output.
func InternalOutputName(i int) string {
	return fmt.Sprintf("StatefulPartitionedCall:%d", i)
}

func failed(format string, args ...any) Result {
	return Result{ExitCode: 1, Output: fmt.Sprintf(format, args...)}
}

func (l *Local) Build(ctx context.Context, root string, version int) (Result, error) {
	log := klog.FromContext(ctx)

	layout, err := schema.ReadLayoutFile(filepath.Join(root, LayoutFile))
	if err != nil {
		return failed("reading layout: %v", err), nil
	}

	dir := filepath.Join(root, artifacts.DirName(artifacts.Version(version)))
	if err := layout.WriteToFile(filepath.Join(dir, LayoutFile)); err != nil {
		return failed("writing layout: %v", err), nil
	}
	if err := sidecarFor(layout).WriteFile(dir); err != nil {
		return failed("writing io names: %v", err), nil
	}

	log.Info("built model", "model", layout.ModelName, "dir", dir)
	return Result{Output: fmt.Sprintf("built %s into %s\n", layout.ModelName, dir)}, nil
}

func sidecarFor(layout *schema.Layout) *ionames.IOMap {
	m := ionames.New()
	for _, in := range layout.Inputs {
		m.AddInput(in.Name, InternalInputName(in.Name))
	}
	for i, out := range layout.Outputs {
		m.AddOutput(InternalOutputName(i), out.Name)
	}
	return m
}

func (l *Local) Train(ctx context.Context, root string, from, to int) (Result, error) {
	log := klog.FromContext(ctx)

	src := filepath.Join(root, artifacts.DirName(artifacts.Version(from)))
	if _, err := os.Stat(src); err != nil {
		return failed("source version: %v", err), nil
	}

	trainDir := filepath.Join(root, TrainDir)
	cfg, err := schema.ReadTrainingConfigFile(filepath.Join(trainDir, ConfigFile))
	if err != nil {
		return failed("reading training config: %v", err), nil
	}
	if err := cfg.Validate(); err != nil {
		return failed("%v", err), nil
	}

	var out strings.Builder
	samples := 0
	if batch, err := schema.ReadLabeledTrainingBatchFile(filepath.Join(trainDir, SupervisedFile)); err == nil {
		samples += batch.NumSamples()
		fmt.Fprintf(&out, "supervised samples: %d\n", batch.NumSamples())
	} else if !errors.Is(err, fs.ErrNotExist) {
		return failed("reading supervised data: %v", err), nil
	}
	if batch, err := schema.ReadRewardTrainingBatchFile(filepath.Join(trainDir, RewardFile)); err == nil {
		samples += len(batch.Samples)
		fmt.Fprintf(&out, "reward samples: %d\n", len(batch.Samples))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return failed("reading reward data: %v", err), nil
	}
	if samples == 0 {
		return failed("no training data under %s", trainDir), nil
	}

	dst := filepath.Join(root, artifacts.DirName(artifacts.Version(to)))
	if err := copyDir(src, dst); err != nil {
		return failed("copying %s to %s: %v", src, dst, err), nil
	}

	fmt.Fprintf(&out, "epochs: %d, batch size: %d\n", cfg.Epochs, cfg.BatchSize)
	log.Info("trained model", "root", root, "from", from, "to", to, "samples", samples)
	return Result{Output: out.String()}, nil
}

func (l *Local) Convert(ctx context.Context, source, output string) (Result, error) {
	return failed("cannot convert %s: onnx conversion needs the python toolchain", source), nil
}

// ExtractInfo keeps an existing sidecar, or derives one from the layout in dir or its parent.
func (l *Local) ExtractInfo(ctx context.Context, dir string) (Result, error) {
	if _, err := os.Stat(ionames.Path(dir)); err == nil {
		return Result{Output: "io names already present\n"}, nil
	}

	var layout *schema.Layout
	var err error
	for _, candidate := range []string{filepath.Join(dir, LayoutFile), filepath.Join(filepath.Dir(dir), LayoutFile)} {
		layout, err = schema.ReadLayoutFile(candidate)
		if err == nil {
			break
		}
	}
	if layout == nil {
		return failed("no model description for %s: %v", dir, err), nil
	}
	if err := sidecarFor(layout).WriteFile(dir); err != nil {
		return failed("writing io names: %v", err), nil
	}
	return Result{Output: "io names extracted\n"}, nil
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
