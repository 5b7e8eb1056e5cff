package toolchain

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/modelforge/pkg/ionames"
	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
	"k8s.io/examples/AI/modelforge/pkg/schema"
)

// shellToolchain runs the scripts with /bin/sh, so tests do not need python.
func shellToolchain(t *testing.T, scripts map[string]string) *Python {
	t.Helper()
	dir := t.TempDir()
	for name, body := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0755))
	}
	return &Python{Python: "/bin/sh", ScriptDir: dir, Env: []string{"FORGE_TEST=1"}}
}

func TestPythonPassesArguments(t *testing.T) {
	p := shellToolchain(t, map[string]string{
		BuildScript:   `echo "build $1 $2 $FORGE_TEST"`,
		TrainScript:   `echo "train $1 $2 $3"; echo "oops" >&2`,
		ConvertScript: `echo "convert $1 $2"`,
		InfoScript:    `echo "info $1"`,
	})
	ctx := context.Background()

	r, err := p.Build(ctx, "/models/m", 0)
	require.NoError(t, err)
	assert.True(t, r.Succeeded())
	assert.Equal(t, "build /models/m 0 1\n", r.Output)

	r, err = p.Train(ctx, "/models/m", 1, 2)
	require.NoError(t, err)
	assert.Contains(t, r.Output, "train /models/m 1 2")
	assert.Contains(t, r.Output, "oops")

	r, err = p.Convert(ctx, "a.onnx", "out")
	require.NoError(t, err)
	assert.Equal(t, "convert a.onnx out\n", r.Output)

	r, err = p.ExtractInfo(ctx, "dir")
	require.NoError(t, err)
	assert.Equal(t, "info dir\n", r.Output)
}

func TestPythonReportsExitCode(t *testing.T) {
	p := shellToolchain(t, map[string]string{
		BuildScript: "echo first\necho 'bad layout'\nexit 3",
	})
	r, err := p.Build(context.Background(), "root", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, r.ExitCode)
	assert.False(t, r.Succeeded())

	err = Check("registry.Create", "builder", r, nil)
	assert.True(t, mlerrors.Is(err, mlerrors.SubprocessFailure))
	assert.Contains(t, err.Error(), "bad layout")

	var merr *mlerrors.Error
	require.ErrorAs(t, err, &merr)
	assert.Contains(t, merr.Output, "first")
}

func TestPythonMissingScript(t *testing.T) {
	p := shellToolchain(t, nil)
	r, err := p.Build(context.Background(), "root", 0)
	require.Error(t, err)
	assert.True(t, mlerrors.Is(Check("op", "builder", r, err), mlerrors.SubprocessFailure))
}

func TestPythonCancellation(t *testing.T) {
	p := shellToolchain(t, map[string]string{TrainScript: "exec sleep 10"})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Train(ctx, "root", 0, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCheckPassesSuccess(t *testing.T) {
	assert.NoError(t, Check("op", "step", Result{}, nil))
}

func writeLayout(t *testing.T, root string) *schema.Layout {
	t.Helper()
	l := schema.NewLayout("adder")
	l.Inputs = append(l.Inputs,
		schema.Input{Name: "x", DType: schema.Float32, Shape: []int{-1}, Domain: schema.DomainData},
		schema.Input{Name: "y", DType: schema.Float32, Shape: []int{-1}, Domain: schema.DomainData},
	)
	l.Outputs = append(l.Outputs, schema.Output{Name: "add_result"})
	require.NoError(t, l.WriteToFile(filepath.Join(root, LayoutFile)))
	return l
}

func TestLocalBuild(t *testing.T) {
	root := t.TempDir()
	writeLayout(t, root)

	r, err := (&Local{}).Build(context.Background(), root, 0)
	require.NoError(t, err)
	require.True(t, r.Succeeded(), r.Output)

	m, err := ionames.Load(filepath.Join(root, "Saved_0"))
	require.NoError(t, err)
	internal, ok := m.InternalInput("x")
	assert.True(t, ok)
	assert.Equal(t, "serving_default_x:0", internal)
	assert.Equal(t, []string{"StatefulPartitionedCall:0"}, m.OutputNames)
	assert.FileExists(t, filepath.Join(root, "Saved_0", LayoutFile))
}

func TestLocalBuildWithoutLayoutFails(t *testing.T) {
	r, err := (&Local{}).Build(context.Background(), t.TempDir(), 0)
	require.NoError(t, err)
	assert.False(t, r.Succeeded())
}

func TestLocalTrain(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeLayout(t, root)
	local := &Local{}

	r, err := local.Build(ctx, root, 0)
	require.NoError(t, err)
	require.True(t, r.Succeeded())

	// No staged data yet.
	r, err = local.Train(ctx, root, 0, 1)
	require.NoError(t, err)
	assert.False(t, r.Succeeded())

	trainDir := filepath.Join(root, TrainDir)
	require.NoError(t, schema.DefaultTrainingConfig().WriteToFile(filepath.Join(trainDir, ConfigFile)))
	var batch schema.LabeledTrainingBatch
	batch.Add("x", schema.Floats(1, 2), "add_result", schema.Floats(3))
	require.NoError(t, batch.WriteToFile(filepath.Join(trainDir, SupervisedFile)))

	r, err = local.Train(ctx, root, 0, 1)
	require.NoError(t, err)
	require.True(t, r.Succeeded(), r.Output)
	assert.True(t, strings.Contains(r.Output, "supervised samples: 1"))
	assert.FileExists(t, filepath.Join(root, "Saved_1", ionames.SidecarName))

	r, err = local.Train(ctx, root, 7, 8)
	require.NoError(t, err)
	assert.False(t, r.Succeeded())
}

func TestLocalExtractInfo(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeLayout(t, root)
	dir := filepath.Join(root, "Saved_4")
	require.NoError(t, os.MkdirAll(dir, 0755))

	r, err := (&Local{}).ExtractInfo(ctx, dir)
	require.NoError(t, err)
	require.True(t, r.Succeeded(), r.Output)
	_, err = ionames.Load(dir)
	require.NoError(t, err)

	r, err = (&Local{}).ExtractInfo(ctx, t.TempDir())
	require.NoError(t, err)
	assert.False(t, r.Succeeded())
}

func TestLocalConvertFails(t *testing.T) {
	r, err := (&Local{}).Convert(context.Background(), "m.onnx", "out")
	require.NoError(t, err)
	assert.False(t, r.Succeeded())
}
