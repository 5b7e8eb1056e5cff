package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
)

func makeVersions(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0755))
	}
}

func TestStorePaths(t *testing.T) {
	s := Store{OutputRoot: "/models"}
	assert.Equal(t, "/models/adder", s.RootOf("adder"))
	assert.Equal(t, "/models/adder/Saved_3", s.VersionedPath("adder", 3))
	assert.Equal(t, "Saved_0", DirName(0))
}

func TestParseDirName(t *testing.T) {
	v, ok := ParseDirName("Saved_12")
	assert.True(t, ok)
	assert.Equal(t, Version(12), v)

	v, ok = ParseDirName("Saved_0")
	assert.True(t, ok)
	assert.Equal(t, Version(0), v)

	for _, name := range []string{"Saved_007", "Saved_00", "Saved_", "Saved_-1", "saved_1", "Saved_1x", "xSaved_1", "train", "Saved_99999999999999999999999"} {
		_, ok := ParseDirName(name)
		assert.False(t, ok, name)
	}
}

func TestDiscoverVersions(t *testing.T) {
	root := t.TempDir()
	makeVersions(t, root, "Saved_5", "Saved_0", "Saved_2", "train", "Saved_x")
	require.NoError(t, os.WriteFile(filepath.Join(root, "model_description.json"), []byte("{}"), 0644))

	versions, err := DiscoverVersions(root)
	require.NoError(t, err)
	assert.Equal(t, []Version{0, 2, 5}, versions)

	latest, err := LatestVersion(root)
	require.NoError(t, err)
	assert.Equal(t, Version(5), latest)

	_, err = Resolve(root, 3)
	assert.True(t, mlerrors.Is(err, mlerrors.NotFound), "got %v", err)

	v, err := Resolve(root, 2)
	require.NoError(t, err)
	assert.Equal(t, Version(2), v)

	v, err = Resolve(root, Latest)
	require.NoError(t, err)
	assert.Equal(t, Version(5), v)
}

func TestDiscoverIgnoresPaddedNames(t *testing.T) {
	root := t.TempDir()
	makeVersions(t, root, "Saved_7", "Saved_007", "Saved_01")

	versions, err := DiscoverVersions(root)
	require.NoError(t, err)
	assert.Equal(t, []Version{7}, versions)
}

func TestDiscoverMatchesFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "Saved_7"), nil, 0644))
	versions, err := DiscoverVersions(root)
	require.NoError(t, err)
	assert.Equal(t, []Version{7}, versions)
}

func TestDiscoverMissingRoot(t *testing.T) {
	_, err := DiscoverVersions(filepath.Join(t.TempDir(), "nope"))
	assert.True(t, mlerrors.Is(err, mlerrors.NotFound))

	_, err = LatestVersion(filepath.Join(t.TempDir(), "nope"))
	assert.True(t, mlerrors.Is(err, mlerrors.NotFound))
}

func TestDiscoverEmptyRoot(t *testing.T) {
	root := t.TempDir()
	versions, err := DiscoverVersions(root)
	require.NoError(t, err)
	assert.Empty(t, versions)

	_, err = LatestVersion(root)
	assert.True(t, mlerrors.Is(err, mlerrors.NotFound))
	assert.Contains(t, err.Error(), "no versions available")
}

func TestWatcherReportsNewVersion(t *testing.T) {
	root := t.TempDir()
	makeVersions(t, root, "Saved_0")

	w, err := NewWatcher(root, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	seen := make(chan Version, 4)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, 0, func(ctx context.Context, v Version) { seen <- v })
	}()

	// Give the watcher a moment to start before creating the version.
	time.Sleep(50 * time.Millisecond)
	makeVersions(t, root, "Saved_1")
	require.NoError(t, os.WriteFile(filepath.Join(root, "Saved_1", "cppflow_io_names.json"), []byte("{}"), 0644))

	select {
	case v := <-seen:
		assert.Equal(t, Version(1), v)
	case <-ctx.Done():
		t.Fatalf("timed out waiting for new version")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
