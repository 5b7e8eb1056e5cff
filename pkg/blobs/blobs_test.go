package blobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
}

func TestDirBlobstoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := &DirBlobstore{BaseDir: t.TempDir()}

	src := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0644))

	require.NoError(t, store.Upload(ctx, src, BlobInfo{Key: "m/Saved_1/a.txt"}))

	// A second upload of the same key is ignored.
	require.NoError(t, os.WriteFile(src, []byte("changed"), 0644))
	require.NoError(t, store.Upload(ctx, src, BlobInfo{Key: "m/Saved_1/a.txt"}))

	dest := filepath.Join(t.TempDir(), "out", "a.txt")
	require.NoError(t, store.Download(ctx, BlobInfo{Key: "m/Saved_1/a.txt"}, dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	err = store.Download(ctx, BlobInfo{Key: "m/Saved_2/a.txt"}, dest)
	assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)

	err = store.Upload(ctx, src, BlobInfo{Key: "../escape"})
	assert.Error(t, err)
}

func TestMirrorPublishFetch(t *testing.T) {
	ctx := context.Background()
	store := &DirBlobstore{BaseDir: t.TempDir()}
	mirror := &Mirror{Store: store}

	local := filepath.Join(t.TempDir(), "Saved_3")
	writeTree(t, local, map[string]string{
		"model_description.json": `{"model_name":"adder"}`,
		"cppflow_io_names.json":  `{"inputs":{},"outputs":{}}`,
		"variables/data":         strings.Repeat("x", 4096),
	})

	published, err := mirror.PublishDir(ctx, local, "adder/Saved_3")
	require.NoError(t, err)
	assert.Len(t, published.Files, 3)
	assert.NotEmpty(t, published.ID)

	dest := filepath.Join(t.TempDir(), "adder", "Saved_3")
	fetched, err := mirror.FetchDir(ctx, "adder/Saved_3", dest)
	require.NoError(t, err)
	assert.Equal(t, published.ID, fetched.ID)

	got, err := os.ReadFile(filepath.Join(dest, "variables", "data"))
	require.NoError(t, err)
	assert.Len(t, got, 4096)

	// Fetching again leaves the directory alone.
	again, err := mirror.FetchDir(ctx, "adder/Saved_3", dest)
	require.NoError(t, err)
	assert.Equal(t, published.ID, again.ID)
}

func TestMirrorFetchMissing(t *testing.T) {
	ctx := context.Background()
	mirror := &Mirror{Store: &DirBlobstore{BaseDir: t.TempDir()}}

	parent := t.TempDir()
	_, err := mirror.FetchDir(ctx, "adder/Saved_9", filepath.Join(parent, "Saved_9"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directory should be removed")
}

func TestMirrorDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	mirror := &Mirror{Store: &DirBlobstore{BaseDir: base}}

	local := filepath.Join(t.TempDir(), "Saved_1")
	writeTree(t, local, map[string]string{"weights": "abc"})
	_, err := mirror.PublishDir(ctx, local, "m/Saved_1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(base, "m", "Saved_1", "weights"), []byte("abd"), 0644))

	dest := filepath.Join(t.TempDir(), "Saved_1")
	_, err = mirror.FetchDir(ctx, "m/Saved_1", dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	_, statErr := os.Stat(dest)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestMirrorRejectsEscapingManifest(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	mirror := &Mirror{Store: &DirBlobstore{BaseDir: base}}

	writeTree(t, base, map[string]string{
		"evil.txt": "x",
		"m/Saved_1/" + ManifestName: `{"id":"bad","files":[{"path":"../../evil.txt","size":1,"sha256":"2d711642b726b04401627ca9fbac32f5c8530fb1903cc4db02258717921a4881"}]}`,
	})

	out := t.TempDir()
	dest := filepath.Join(out, "models", "m", "Saved_1")
	_, err := mirror.FetchDir(ctx, "m/Saved_1", dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid path")

	assert.NoFileExists(t, filepath.Join(out, "models", "evil.txt"))
	assert.NoFileExists(t, filepath.Join(out, "evil.txt"))
	assert.NoDirExists(t, dest)
}

func TestModelServerRetries(t *testing.T) {
	ctx := context.Background()

	base := t.TempDir()
	store := &DirBlobstore{BaseDir: base}
	local := filepath.Join(t.TempDir(), "Saved_1")
	writeTree(t, local, map[string]string{"weights": "abc"})
	_, err := (&Mirror{Store: store}).PublishDir(ctx, local, "m/Saved_1")
	require.NoError(t, err)

	var failures atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The first request for each file fails transiently.
		if strings.HasSuffix(r.URL.Path, "/weights") && failures.Add(1) == 1 {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		p, err := store.ServeFile(strings.TrimPrefix(r.URL.Path, "/"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.ServeFile(w, r, p)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	mirror := &Mirror{Reader: &ModelServer{BlobserverURL: u}}

	dest := filepath.Join(t.TempDir(), "Saved_1")
	_, err = mirror.FetchDir(ctx, "m/Saved_1", dest)
	require.NoError(t, err)
	assert.Equal(t, int32(2), failures.Load())

	_, err = mirror.FetchDir(ctx, "m/Saved_2", filepath.Join(t.TempDir(), "Saved_2"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)
}
