package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"k8s.io/klog/v2"
)

const (
	BuildScript   = "build_model_from_json.py"
	TrainScript   = "train_model_from_json.py"
	ConvertScript = "convert_onnx_to_saved_model.py"
	InfoScript    = "extract_model_info.py"
)

// Python runs the model scripts with a Python interpreter.
type Python struct {
	// Python is the interpreter, "python3" when empty.
	Python string
	// ScriptDir holds the four model scripts.
	ScriptDir string
	// Env is appended to the current environment.
	Env []string
	// WaitDelay bounds how long a cancelled script may keep its output open.
	WaitDelay time.Duration
}

var _ Toolchain = &Python{}

func (p *Python) Build(ctx context.Context, root string, version int) (Result, error) {
	return p.run(ctx, BuildScript, root, strconv.Itoa(version))
}

func (p *Python) Train(ctx context.Context, root string, from, to int) (Result, error) {
	return p.run(ctx, TrainScript, root, strconv.Itoa(from), strconv.Itoa(to))
}

func (p *Python) Convert(ctx context.Context, source, output string) (Result, error) {
	return p.run(ctx, ConvertScript, source, output)
}

func (p *Python) ExtractInfo(ctx context.Context, dir string) (Result, error) {
	return p.run(ctx, InfoScript, dir)
}

func (p *Python) run(ctx context.Context, script string, args ...string) (Result, error) {
	log := klog.FromContext(ctx)

	python := p.Python
	if python == "" {
		python = "python3"
	}
	scriptPath := filepath.Join(p.ScriptDir, script)
	if _, err := os.Stat(scriptPath); err != nil {
		return Result{}, fmt.Errorf("finding script: %w", err)
	}

	cmdArgs := append([]string{scriptPath}, args...)
	cmd := exec.CommandContext(ctx, python, cmdArgs...)
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.WaitDelay = p.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	log.Info("running model script", "script", script, "args", args)
	start := time.Now()

	err := cmd.Run()
	result := Result{Output: output.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			result.ExitCode = exitErr.ExitCode()
			log.Info("model script failed", "script", script, "exitCode", result.ExitCode, "duration", time.Since(start))
			return result, nil
		}
		if ctx.Err() != nil {
			return result, fmt.Errorf("running %s: %w", script, ctx.Err())
		}
		return result, fmt.Errorf("running %s: %w", script, err)
	}

	log.V(2).Info("model script finished", "script", script, "duration", time.Since(start), "output", result.Output)
	return result, nil
}
