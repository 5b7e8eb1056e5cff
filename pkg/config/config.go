package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ToolchainLocal  = "local"
	ToolchainPython = "python"
)

// Config holds the settings shared by the modelforge binaries.
type Config struct {
	// OutputRoot holds one directory per model.
	OutputRoot string `yaml:"output_root"`

	// Toolchain is "local" or "python".
	Toolchain string `yaml:"toolchain"`
	// ScriptDir holds the python model scripts.
	ScriptDir string `yaml:"script_dir"`
	Python    string `yaml:"python"`

	// Bucket is where versions are published: gs://<bucket>[/prefix] or a local directory.
	Bucket string `yaml:"bucket"`
	// BlobserverURL, if set, is used instead of Bucket for fetching.
	BlobserverURL string `yaml:"blobserver_url"`

	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`
}

// Overrides captures flag supplied values; empty fields are ignored.
type Overrides struct {
	OutputRoot    string
	Toolchain     string
	ScriptDir     string
	Python        string
	Bucket        string
	BlobserverURL string
	Listen        string
	MetricsListen string
}

func Default() *Config {
	return &Config{
		OutputRoot:    "~/.cache/modelforge/models",
		Toolchain:     ToolchainLocal,
		Python:        "python3",
		Listen:        ":9876",
		MetricsListen: ":9090",
	}
}

// Load reads a YAML file on top of the defaults. Keys absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}

// FromEnv loads MODELFORGE_CONFIG if set, then applies the environment variables.
func FromEnv() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("MODELFORGE_CONFIG"); path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyOverrides(Overrides{
		OutputRoot:    os.Getenv("MODELFORGE_OUTPUT_ROOT"),
		Toolchain:     os.Getenv("MODELFORGE_TOOLCHAIN"),
		ScriptDir:     os.Getenv("MODELFORGE_SCRIPT_DIR"),
		Python:        os.Getenv("MODELFORGE_PYTHON"),
		Bucket:        os.Getenv("CACHE_BUCKET"),
		BlobserverURL: os.Getenv("BLOBSERVER_URL"),
	})
	return cfg, nil
}

func (c *Config) ApplyOverrides(o Overrides) {
	if o.OutputRoot != "" {
		c.OutputRoot = o.OutputRoot
	}
	if o.Toolchain != "" {
		c.Toolchain = o.Toolchain
	}
	if o.ScriptDir != "" {
		c.ScriptDir = o.ScriptDir
	}
	if o.Python != "" {
		c.Python = o.Python
	}
	if o.Bucket != "" {
		c.Bucket = o.Bucket
	}
	if o.BlobserverURL != "" {
		c.BlobserverURL = o.BlobserverURL
	}
	if o.Listen != "" {
		c.Listen = o.Listen
	}
	if o.MetricsListen != "" {
		c.MetricsListen = o.MetricsListen
	}
}

// Validate expands ~/ in paths and checks the config is usable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.OutputRoot == "" {
		return errors.New("output_root must be set")
	}

	var err error
	if c.OutputRoot, err = ExpandHome(c.OutputRoot); err != nil {
		return err
	}
	if c.ScriptDir, err = ExpandHome(c.ScriptDir); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Bucket, "gs://") {
		if c.Bucket, err = ExpandHome(c.Bucket); err != nil {
			return err
		}
	}

	switch c.Toolchain {
	case ToolchainLocal:
	case ToolchainPython:
		if c.ScriptDir == "" {
			return errors.New("script_dir must be set for the python toolchain")
		}
	default:
		return fmt.Errorf("unknown toolchain %q (want %q or %q)", c.Toolchain, ToolchainLocal, ToolchainPython)
	}

	if c.Bucket == "gs://" {
		return errors.New("bucket must name a GCS bucket (gs://<bucketName>)")
	}
	return nil
}

// ExpandHome replaces a leading ~/ with the user's home directory.
func ExpandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(p, "~/")), nil
}

// GCSBucket splits a gs:// bucket URL into bucket and prefix. ok is false for local directories.
func (c *Config) GCSBucket() (bucket, prefix string, ok bool) {
	rest, found := strings.CutPrefix(c.Bucket, "gs://")
	if !found {
		return "", "", false
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	return bucket, strings.Trim(prefix, "/"), true
}
