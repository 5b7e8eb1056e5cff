package blobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

// DirBlobstore keeps objects as files under BaseDir, one file per key.
type DirBlobstore struct {
	BaseDir string
}

var _ Blobstore = (*DirBlobstore)(nil)

func (d *DirBlobstore) pathFor(info BlobInfo) (string, error) {
	key := filepath.FromSlash(info.Key)
	if key == "" || filepath.IsAbs(key) || strings.HasPrefix(filepath.Clean(key), "..") {
		return "", fmt.Errorf("invalid object key %q", info.Key)
	}
	return filepath.Join(d.BaseDir, key), nil
}

func (d *DirBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	p, err := d.pathFor(info)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil {
		log.V(2).Info("object already exists", "path", p)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking for object %q: %w", p, err)
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	if _, err := writeToFile(ctx, src, p); err != nil {
		return fmt.Errorf("writing object %q: %w", info.Key, err)
	}
	return nil
}

func (d *DirBlobstore) Download(ctx context.Context, info BlobInfo, destPath string) error {
	p, err := d.pathFor(info)
	if err != nil {
		return err
	}
	src, err := os.Open(p)
	if err != nil {
		// os.Open errors already satisfy errors.Is(err, os.ErrNotExist) when missing.
		return fmt.Errorf("opening object %q: %w", info.Key, err)
	}
	defer src.Close()

	if _, err := writeToFile(ctx, src, destPath); err != nil {
		return fmt.Errorf("reading object %q: %w", info.Key, err)
	}
	return nil
}

// ServeFile maps a key to the file backing it, for serving over HTTP.
func (d *DirBlobstore) ServeFile(key string) (string, error) {
	return d.pathFor(BlobInfo{Key: key})
}
