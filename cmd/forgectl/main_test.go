package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/modelforge/pkg/registry"
	"k8s.io/examples/AI/modelforge/pkg/toolchain"
)

const adderLayout = `{
  "model_name": "adder",
  "inputs": [
    {"name": "x", "dtype": "float32", "shape": [-1]},
    {"name": "y", "dtype": "float32", "shape": [-1]}
  ],
  "outputs": [{"name": "add_result"}],
  "layers": [
    {"type": "Add", "params": {"input_names": ["x", "y"], "output_name": "add_result"}}
  ]
}`

const adderBatch = `{"inputs": {"x": [[1, 2]]}, "labels": {"add_result": [[3]]}}`

func forgectl(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), args, &out), "forgectl %v", args)
	return out.String()
}

func TestLifecycle(t *testing.T) {
	for _, k := range []string{"MODELFORGE_CONFIG", "MODELFORGE_TOOLCHAIN", "CACHE_BUCKET", "BLOBSERVER_URL"} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	root := filepath.Join(dir, "models")
	mirror := filepath.Join(dir, "mirror")

	layoutPath := filepath.Join(dir, "layout.json")
	require.NoError(t, os.WriteFile(layoutPath, []byte(adderLayout), 0644))
	batchPath := filepath.Join(dir, "batch.json")
	require.NoError(t, os.WriteFile(batchPath, []byte(adderBatch), 0644))

	out := forgectl(t, "create", "-output-root", root, "-layout", layoutPath)
	assert.Contains(t, out, "created adder version 0")
	assert.FileExists(t, filepath.Join(root, "adder", toolchain.LayoutFile))

	out = forgectl(t, "run", "-output-root", root, "-model", "adder", "-input", "x=1,2", "-input", "y=3,4", "-input", "z=0")
	assert.Contains(t, out, "skipped input z")
	assert.Contains(t, out, "add_result: [4 6]")

	out = forgectl(t, "run", "-output-root", root, "-model", "adder", "-pad", "3", "-input", "x=1", "-input", "y=2,3,4,5")
	assert.Contains(t, out, "add_result: [3 3 4]")

	out = forgectl(t, "train", "-output-root", root, "-model", "adder", "-supervised", batchPath)
	assert.Contains(t, out, "trained adder version 1")

	out = forgectl(t, "versions", "-output-root", root, "-model", "adder")
	assert.Contains(t, out, "0\t")
	assert.Contains(t, out, "1\t")

	exportDir := filepath.Join(dir, "export")
	forgectl(t, "export", "-output-root", root, "-model", "adder", "-dir", exportDir, "-supervised", batchPath)
	assert.FileExists(t, filepath.Join(exportDir, registry.ExportLayoutFile))
	assert.FileExists(t, filepath.Join(exportDir, toolchain.SupervisedFile))

	out = forgectl(t, "publish", "-output-root", root, "-model", "adder", "-bucket", mirror)
	assert.Contains(t, out, "published")
	assert.FileExists(t, filepath.Join(mirror, "adder", "Saved_1", "MANIFEST.json"))
}

func TestErrors(t *testing.T) {
	t.Setenv("MODELFORGE_CONFIG", "")
	root := t.TempDir()
	ctx := context.Background()
	var out bytes.Buffer

	assert.Error(t, run(ctx, nil, &out))
	assert.ErrorContains(t, run(ctx, []string{"bogus"}, &out), "unknown command")
	assert.ErrorContains(t, run(ctx, []string{"versions", "-output-root", root}, &out), "--model")
	assert.ErrorContains(t, run(ctx, []string{"create", "-output-root", root}, &out), "--layout")
	assert.ErrorContains(t, run(ctx, []string{"run", "-output-root", root, "-model", "adder"}, &out), "--input")
	assert.Error(t, run(ctx, []string{"run", "-output-root", root, "-model", "adder", "-input", "x=1"}, &out))
}
