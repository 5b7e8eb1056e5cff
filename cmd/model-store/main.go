package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelforge/pkg/artifacts"
	"k8s.io/examples/AI/modelforge/pkg/blobs"
	"k8s.io/examples/AI/modelforge/pkg/config"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := ":8080"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// We expect CACHE_DIR to be set when running on kubernetes, but default sensibly for local dev
		cacheDir = "~/.cache/modelforge/published"
	}
	klog.InitFlags(nil)
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory")
	flag.Parse()

	cacheDir, err := config.ExpandHome(cacheDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	var upstream blobs.BlobReader
	cacheBucket := os.Getenv("CACHE_BUCKET")
	if strings.HasPrefix(cacheBucket, "gs://") {
		cfg := &config.Config{Bucket: cacheBucket}
		bucket, prefix, _ := cfg.GCSBucket()
		log.Info("using GCS upstream", "bucket", bucket, "prefix", prefix)
		upstream = &blobs.GCSBlobstore{Bucket: bucket, Prefix: prefix}
	} else if cacheBucket != "" {
		return fmt.Errorf("CACHE_BUCKET must be a GCS bucket URL (gs://<bucketName>)")
	} else {
		log.Info("no CACHE_BUCKET set, serving only the local cache")
	}

	blobCache := &blobCache{
		local:    &blobs.DirBlobstore{BaseDir: cacheDir},
		upstream: upstream,
	}

	s := &httpServer{
		blobCache: blobCache,
	}

	klog.Infof("serving on %q", listen)
	if err := http.ListenAndServe(listen, s); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}

	return nil
}

type httpServer struct {
	blobCache *blobCache
}

// ServeHTTP serves GET /{model}/Saved_{n}/{file...}.
func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	tokens := strings.Split(key, "/")
	if len(tokens) < 3 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if _, ok := artifacts.ParseDirName(tokens[1]); !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	s.serveGETArtifact(w, r, key)
}

func (s *httpServer) serveGETArtifact(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()

	log := klog.FromContext(ctx)

	p, err := s.blobCache.GetArtifact(ctx, key)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Error(err, "error getting artifact", "key", key)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	klog.Infof("serving artifact %q", p)
	http.ServeFile(w, r, p)
}

// blobCache serves artifacts from a local directory, filling misses from upstream.
type blobCache struct {
	local    *blobs.DirBlobstore
	upstream blobs.BlobReader
}

func (c *blobCache) GetArtifact(ctx context.Context, key string) (string, error) {
	localPath, err := c.local.ServeFile(key)
	if err != nil {
		return "", status.Errorf(codes.NotFound, "artifact %q not found", key)
	}
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking artifact %q: %w", key, err)
	}

	if c.upstream == nil {
		return "", status.Errorf(codes.NotFound, "artifact %q not found", key)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}
	// Published versions are immutable.
	if err := c.upstream.Download(ctx, blobs.BlobInfo{Key: key}, localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", status.Errorf(codes.NotFound, "artifact %q not found", key)
		}
		return "", fmt.Errorf("downloading artifact %q: %w", key, err)
	}
	return localPath, nil
}
