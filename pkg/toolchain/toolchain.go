package toolchain

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
)

// Result is the outcome of one external step.
type Result struct {
	ExitCode int
	// Output is the captured combined stdout and stderr.
	Output string
}

func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Toolchain builds, trains, converts and inspects model artifacts outside this process.
// Each call blocks until the step finishes. A non-nil error means the step could not be run
// at all; a step that ran and failed reports a non-zero ExitCode instead.
type Toolchain interface {
	// Build consumes {root}/model_description.json and produces {root}/Saved_{version}.
	Build(ctx context.Context, root string, version int) (Result, error)
	// Train consumes {root}/train and {root}/Saved_{from}, and produces {root}/Saved_{to}.
	Train(ctx context.Context, root string, from, to int) (Result, error)
	// Convert turns a single-file model at source into a graph directory at output.
	Convert(ctx context.Context, source, output string) (Result, error)
	// ExtractInfo writes the io names sidecar for the graph directory dir.
	ExtractInfo(ctx context.Context, dir string) (Result, error)
}

// Check turns a failed step into a SubprocessFailure error carrying the captured output.
func Check(op, step string, result Result, err error) error {
	if err != nil {
		return mlerrors.E(mlerrors.SubprocessFailure, op, fmt.Errorf("running %s: %w", step, err))
	}
	if !result.Succeeded() {
		return &mlerrors.Error{
			Kind:   mlerrors.SubprocessFailure,
			Op:     op,
			Err:    fmt.Errorf("%s exited with code %d: %s", step, result.ExitCode, lastLine(result.Output)),
			Output: result.Output,
		}
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
