package blobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ManifestName is the object written after every other file of a published directory.
// A directory without a manifest is incomplete and is never fetched.
const ManifestName = "MANIFEST.json"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Manifest struct {
	ID          string         `json:"id"`
	PublishedAt time.Time      `json:"published_at"`
	Files       []ManifestFile `json:"files"`
}

type ManifestFile struct {
	// Path is slash-separated and relative to the published directory.
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Mirror copies version directories to and from a blobstore.
type Mirror struct {
	Store Blobstore
	// Reader is used by FetchDir; defaults to Store.
	Reader BlobReader
	// MaxAttempts bounds download retries; zero means 5.
	MaxAttempts int
	// Workers bounds concurrent transfers; zero means 4.
	Workers int
}

func (m *Mirror) workers() int {
	if m.Workers > 0 {
		return m.Workers
	}
	return 4
}

func (m *Mirror) reader() BlobReader {
	if m.Reader != nil {
		return m.Reader
	}
	return m.Store
}

// PublishDir uploads every regular file under localDir to keyPrefix, then the manifest.
func (m *Mirror) PublishDir(ctx context.Context, localDir string, keyPrefix string) (*Manifest, error) {
	log := klog.FromContext(ctx)

	if m.Store == nil {
		return nil, fmt.Errorf("mirror has no blobstore configured")
	}

	manifest := &Manifest{
		ID:          uuid.New().String(),
		PublishedAt: time.Now().UTC(),
	}

	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestName {
			return nil
		}
		sum, size, err := hashFile(p)
		if err != nil {
			return err
		}
		manifest.Files = append(manifest.Files, ManifestFile{Path: rel, Size: size, SHA256: sum})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %q: %w", localDir, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers())
	for _, f := range manifest.Files {
		g.Go(func() error {
			src := filepath.Join(localDir, filepath.FromSlash(f.Path))
			return m.Store.Upload(gctx, src, BlobInfo{Key: path.Join(keyPrefix, f.Path)})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("uploading %q: %w", localDir, err)
	}

	data, err := json.MarshalIndent(manifest, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	manifestPath := filepath.Join(localDir, ManifestName)
	if err := os.WriteFile(manifestPath, data, 0644); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}
	if err := m.Store.Upload(ctx, manifestPath, BlobInfo{Key: path.Join(keyPrefix, ManifestName)}); err != nil {
		return nil, fmt.Errorf("uploading manifest: %w", err)
	}

	log.Info("published directory", "dir", localDir, "prefix", keyPrefix, "files", len(manifest.Files), "id", manifest.ID)
	return manifest, nil
}

// FetchDir downloads the directory published under keyPrefix into localDir.
// Files are staged next to localDir and renamed into place once every checksum matches.
// If localDir already exists it is left untouched.
func (m *Mirror) FetchDir(ctx context.Context, keyPrefix string, localDir string) (*Manifest, error) {
	log := klog.FromContext(ctx)

	if m.reader() == nil {
		return nil, fmt.Errorf("mirror has no blob reader configured")
	}

	if _, err := os.Stat(localDir); err == nil {
		log.Info("directory already present, skipping fetch", "dir", localDir)
		manifest, err := readManifest(filepath.Join(localDir, ManifestName))
		if errors.Is(err, os.ErrNotExist) {
			// Trained locally and never published.
			return &Manifest{}, nil
		}
		return manifest, err
	}

	parent := filepath.Dir(localDir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %q: %w", parent, err)
	}
	staging, err := os.MkdirTemp(parent, ".fetch-")
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	shouldDeleteStaging := true
	defer func() {
		if shouldDeleteStaging {
			if err := os.RemoveAll(staging); err != nil {
				log.Error(err, "removing staging directory", "path", staging)
			}
		}
	}()

	manifestPath := filepath.Join(staging, ManifestName)
	if err := m.download(ctx, path.Join(keyPrefix, ManifestName), manifestPath); err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}
	manifest, err := readManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers())
	for _, f := range manifest.Files {
		g.Go(func() error {
			dest := filepath.Join(staging, filepath.FromSlash(f.Path))
			if err := m.download(gctx, path.Join(keyPrefix, f.Path), dest); err != nil {
				return err
			}
			sum, size, err := hashFile(dest)
			if err != nil {
				return err
			}
			if sum != f.SHA256 || size != f.Size {
				return fmt.Errorf("checksum mismatch for %q: got %s (%d bytes), want %s (%d bytes)", f.Path, sum, size, f.SHA256, f.Size)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetching %q: %w", keyPrefix, err)
	}

	if err := os.Rename(staging, localDir); err != nil {
		return nil, fmt.Errorf("renaming staging directory: %w", err)
	}
	shouldDeleteStaging = false

	log.Info("fetched directory", "prefix", keyPrefix, "dir", localDir, "files", len(manifest.Files), "id", manifest.ID)
	return manifest, nil
}

// download retries transient failures; a missing object fails immediately.
func (m *Mirror) download(ctx context.Context, key string, dest string) error {
	log := klog.FromContext(ctx)

	maxAttempts := m.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	attempt := 0
	operation := func() error {
		attempt++
		err := m.reader().Download(ctx, BlobInfo{Key: key}, dest)
		if err == nil {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		log.Info("download failed, will retry", "key", key, "attempt", attempt, "error", err)
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxAttempts-1)), ctx))
}

func readManifest(p string) (*Manifest, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	manifest := &Manifest{}
	if err := json.Unmarshal(data, manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest %q: %w", p, err)
	}
	for _, f := range manifest.Files {
		// Entries must stay inside the version directory.
		if !filepath.IsLocal(filepath.FromSlash(f.Path)) || f.Path != path.Clean(f.Path) {
			return nil, fmt.Errorf("manifest %q lists invalid path %q", p, f.Path)
		}
	}
	return manifest, nil
}

func hashFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hashing %q: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
