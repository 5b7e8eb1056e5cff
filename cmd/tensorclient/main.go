package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelforge/pkg/inference"
	"k8s.io/examples/AI/modelforge/pkg/tensor"
)

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	serverAddr := "127.0.0.1:9876"
	timeout := 30 * time.Second
	inputs := tensor.LabeledFlag{}

	klog.InitFlags(nil)
	flag.StringVar(&serverAddr, "server", serverAddr, "tensorserver address")
	flag.DurationVar(&timeout, "timeout", timeout, "request timeout")
	flag.Var(inputs, "input", "input tensor as name=v1,v2,... (repeatable)")
	flag.Parse()

	if len(inputs) == 0 {
		return fmt.Errorf("must specify at least one --input")
	}

	log := klog.FromContext(ctx)

	conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to server %q: %w", serverAddr, err)
	}
	defer conn.Close()
	client := inference.NewClient(conn)

	log.Info("Starting tensorclient", "server", serverAddr)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	response, err := client.Run(ctx, tensor.Labeled(inputs))
	if err != nil {
		return fmt.Errorf("failed to run model: %w", err)
	}
	if len(response.SkippedInputs) != 0 {
		log.Info("server skipped inputs", "inputs", response.SkippedInputs)
	}

	fmt.Printf("version %d\n", response.Version)
	for _, name := range response.Outputs.Names() {
		fmt.Printf("%s: %v\n", name, response.Outputs[name])
	}
	return nil
}
