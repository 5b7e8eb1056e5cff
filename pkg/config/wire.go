package config

import (
	"fmt"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"

	"k8s.io/examples/AI/modelforge/pkg/blobs"
	"k8s.io/examples/AI/modelforge/pkg/engine/reference"
	"k8s.io/examples/AI/modelforge/pkg/metrics"
	"k8s.io/examples/AI/modelforge/pkg/registry"
	"k8s.io/examples/AI/modelforge/pkg/toolchain"
)

func (c *Config) NewToolchain() toolchain.Toolchain {
	if c.Toolchain == ToolchainPython {
		return &toolchain.Python{
			Python:    c.Python,
			ScriptDir: c.ScriptDir,
		}
	}
	return &toolchain.Local{}
}

// NewBlobstore returns nil when no bucket is configured.
func (c *Config) NewBlobstore() blobs.Blobstore {
	if c.Bucket == "" {
		return nil
	}
	if bucket, prefix, ok := c.GCSBucket(); ok {
		return &blobs.GCSBlobstore{Bucket: bucket, Prefix: prefix}
	}
	return &blobs.DirBlobstore{BaseDir: c.Bucket}
}

// NewMirror returns nil when neither a bucket nor a blobserver is configured.
func (c *Config) NewMirror() (*blobs.Mirror, error) {
	mirror := &blobs.Mirror{Store: c.NewBlobstore()}
	if c.BlobserverURL != "" {
		u, err := url.Parse(c.BlobserverURL)
		if err != nil {
			return nil, fmt.Errorf("parsing blobserver url %q: %w", c.BlobserverURL, err)
		}
		mirror.Reader = &blobs.ModelServer{BlobserverURL: u}
	}
	if mirror.Store == nil && mirror.Reader == nil {
		return nil, nil
	}
	return mirror, nil
}

// RegistryOptions wires the configured toolchain, the reference engine, the mirror and,
// when reg is non-nil, metrics.
func (c *Config) RegistryOptions(reg prometheus.Registerer) (registry.Options, error) {
	mirror, err := c.NewMirror()
	if err != nil {
		return registry.Options{}, err
	}
	opts := registry.Options{
		OutputRoot: c.OutputRoot,
		Toolchain:  c.NewToolchain(),
		Loader:     &reference.Engine{},
		Mirror:     mirror,
	}
	if reg != nil {
		opts.Metrics = metrics.NewRecorder(reg)
	}
	return opts, nil
}
