package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelforge/pkg/artifacts"
	"k8s.io/examples/AI/modelforge/pkg/blobs"
	"k8s.io/examples/AI/modelforge/pkg/engine"
	"k8s.io/examples/AI/modelforge/pkg/ionames"
	"k8s.io/examples/AI/modelforge/pkg/metrics"
	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
	"k8s.io/examples/AI/modelforge/pkg/schema"
	"k8s.io/examples/AI/modelforge/pkg/toolchain"
)

// ExportLayoutFile is the layout file name written by Export.
const ExportLayoutFile = "model_layout.json"

type Options struct {
	// OutputRoot holds one directory per model.
	OutputRoot string
	Toolchain  toolchain.Toolchain
	Loader     engine.Loader

	// Mirror is needed only for Publish and Fetch.
	Mirror *blobs.Mirror
	// Metrics may be nil.
	Metrics *metrics.Recorder
}

// handle is one loaded version. It is never mutated after construction.
type handle struct {
	model   string
	version artifacts.Version
	dir     string
	graph   engine.Graph
	names   *ionames.IOMap
}

// Registry owns a model's layout, its pending training data and the loaded version.
type Registry struct {
	toolchain toolchain.Toolchain
	loader    engine.Loader
	mirror    *blobs.Mirror
	metrics   *metrics.Recorder

	// mu guards the layout, the model name and the output root.
	mu         sync.Mutex
	name       string
	outputRoot string
	layout     *schema.Layout

	// trainMu guards the pending batches and is held for the whole of Train.
	trainMu    sync.Mutex
	supervised schema.LabeledTrainingBatch
	reward     schema.RewardTrainingBatch

	// handleMu guards handle; Run holds it across the graph call.
	handleMu sync.Mutex
	handle   *handle
}

func New(name string, opts Options) (*Registry, error) {
	if name == "" {
		return nil, mlerrors.Errorf(mlerrors.InvalidArgument, "registry.New", "model name is required")
	}
	if opts.Toolchain == nil || opts.Loader == nil {
		return nil, mlerrors.Errorf(mlerrors.InvalidArgument, "registry.New", "toolchain and loader are required")
	}
	outputRoot := opts.OutputRoot
	if outputRoot == "" {
		outputRoot = filepath.Join(os.TempDir(), "modelforge")
	}
	return &Registry{
		toolchain:  opts.Toolchain,
		loader:     opts.Loader,
		mirror:     opts.Mirror,
		metrics:    opts.Metrics,
		name:       name,
		outputRoot: outputRoot,
		layout:     schema.NewLayout(name),
	}, nil
}

func (r *Registry) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

func (r *Registry) store() artifacts.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	return artifacts.Store{OutputRoot: r.outputRoot}
}

// ModelRoot is {outputRoot}/{name}.
func (r *Registry) ModelRoot() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return artifacts.Store{OutputRoot: r.outputRoot}.RootOf(r.name)
}

// Layout returns a copy of the current layout.
func (r *Registry) Layout() *schema.Layout {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.layout.Clone()
}

// Version reports the loaded version, if any.
func (r *Registry) Version() (artifacts.Version, bool) {
	r.handleMu.Lock()
	defer r.handleMu.Unlock()
	if r.handle == nil {
		return 0, false
	}
	return r.handle.version, true
}

// VersionedPath is the directory of version v, or of the loaded version when v is Latest.
func (r *Registry) VersionedPath(v artifacts.Version) (string, error) {
	if v == artifacts.Latest {
		current, ok := r.Version()
		if !ok {
			return "", mlerrors.Errorf(mlerrors.Precondition, "registry.VersionedPath", "no version is loaded")
		}
		v = current
	}
	return r.store().VersionedPath(r.Name(), v), nil
}

func (r *Registry) AddInput(name string, dtype schema.DataType, shape []int, domain schema.Domain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layout.Inputs = append(r.layout.Inputs, schema.Input{Name: name, DType: dtype, Shape: shape, Domain: domain})
}

func (r *Registry) AddOutput(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layout.Outputs = append(r.layout.Outputs, schema.Output{Name: name})
}

func (r *Registry) AddLayer(layerType schema.LayerType, params map[string]schema.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if params == nil {
		params = map[string]schema.Value{}
	}
	r.layout.Layers = append(r.layout.Layers, schema.Layer{Type: layerType, Params: params})
}

// DoesModelExist reports whether the model root holds at least one version.
func (r *Registry) DoesModelExist() bool {
	versions, err := artifacts.DiscoverVersions(r.ModelRoot())
	return err == nil && len(versions) > 0
}

// Create builds version 0 from the current layout and loads it.
func (r *Registry) Create(ctx context.Context) error {
	const op = "registry.Create"
	log := klog.FromContext(ctx)

	r.mu.Lock()
	layout := r.layout.Clone()
	name := r.name
	root := artifacts.Store{OutputRoot: r.outputRoot}.RootOf(name)
	r.mu.Unlock()

	if err := layout.WriteToFile(filepath.Join(root, toolchain.LayoutFile)); err != nil {
		return err
	}

	log.Info("building model", "model", name, "root", root)
	result, err := r.toolchain.Build(ctx, root, 0)
	if err := toolchain.Check(op, "builder", result, err); err != nil {
		return err
	}
	log.V(2).Info("builder output", "output", result.Output)

	h, err := r.open(ctx, name, filepath.Join(root, artifacts.DirName(0)), 0)
	if err != nil {
		return err
	}
	r.install(ctx, h)
	return nil
}

// LoadFrom loads a graph directory, or converts and loads a single-file .onnx model.
// outputOverride replaces the output root for converted models; when empty the source's
// parent directory is used.
func (r *Registry) LoadFrom(ctx context.Context, source string, outputOverride string) error {
	const op = "registry.LoadFrom"
	log := klog.FromContext(ctx)

	if _, err := os.Stat(source); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return mlerrors.Errorf(mlerrors.NotFound, op, "load path %q does not exist", source)
		}
		return mlerrors.Errorf(mlerrors.IO, op, "checking %q: %w", source, err)
	}

	var (
		name       string
		outputRoot string
		dir        string
		version    artifacts.Version
	)

	switch {
	case strings.EqualFold(filepath.Ext(source), ".onnx"):
		name = strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
		outputRoot = filepath.Dir(source)
		if outputOverride != "" {
			if err := os.MkdirAll(outputOverride, 0755); err != nil {
				return mlerrors.Errorf(mlerrors.IO, op, "creating output root %q: %w", outputOverride, err)
			}
			outputRoot = outputOverride
		}
		store := artifacts.Store{OutputRoot: outputRoot}
		if latest, err := artifacts.LatestVersion(store.RootOf(name)); err == nil {
			version = latest + 1
		}
		dir = store.VersionedPath(name, version)

		log.Info("converting model", "source", source, "output", dir)
		result, err := r.toolchain.Convert(ctx, source, dir)
		if err := toolchain.Check(op, "converter", result, err); err != nil {
			return err
		}

	default:
		dir = filepath.Clean(source)
		if v, ok := artifacts.ParseDirName(filepath.Base(dir)); ok {
			// {outputRoot}/{name}/Saved_{n}
			version = v
			name = filepath.Base(filepath.Dir(dir))
			outputRoot = filepath.Dir(filepath.Dir(dir))
		} else {
			name = filepath.Base(dir)
			outputRoot = filepath.Dir(dir)
		}
	}

	if err := r.loadDir(ctx, op, name, dir, version); err != nil {
		return err
	}

	r.mu.Lock()
	r.name = name
	r.outputRoot = outputRoot
	r.layout.ModelName = name
	r.mu.Unlock()
	return nil
}

// LoadIfExists loads version v from the model root; Latest picks the highest version.
func (r *Registry) LoadIfExists(ctx context.Context, v artifacts.Version) error {
	const op = "registry.LoadIfExists"

	name := r.Name()
	store := r.store()
	resolved, err := artifacts.Resolve(store.RootOf(name), v)
	if err != nil {
		return err
	}
	return r.loadDir(ctx, op, name, store.VersionedPath(name, resolved), resolved)
}

// loadDir runs info extraction for dir and installs the result.
func (r *Registry) loadDir(ctx context.Context, op, name, dir string, v artifacts.Version) error {
	result, err := r.toolchain.ExtractInfo(ctx, dir)
	if err := toolchain.Check(op, "info extraction", result, err); err != nil {
		return err
	}
	h, err := r.open(ctx, name, dir, v)
	if err != nil {
		return err
	}
	r.install(ctx, h)
	return nil
}

func (r *Registry) open(ctx context.Context, name, dir string, v artifacts.Version) (*handle, error) {
	names, err := ionames.Load(dir)
	if err != nil {
		return nil, err
	}
	graph, err := r.loader.Load(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("loading graph from %q: %w", dir, err)
	}
	return &handle{
		model:   name,
		version: v,
		dir:     dir,
		graph:   graph,
		names:   names,
	}, nil
}

// install swaps in h. The previous graph is closed after the lock is released.
func (r *Registry) install(ctx context.Context, h *handle) {
	log := klog.FromContext(ctx)

	r.handleMu.Lock()
	old := r.handle
	r.handle = h
	r.handleMu.Unlock()

	if old != nil {
		if err := old.graph.Close(); err != nil {
			log.Error(err, "closing previous graph", "dir", old.dir)
		}
	}
	r.metrics.SetVersion(h.model, int(h.version))
	log.Info("model loaded", "model", h.model, "version", h.version, "dir", h.dir)
}

// Close releases the loaded graph. Run fails with a precondition error afterwards.
func (r *Registry) Close() error {
	r.handleMu.Lock()
	old := r.handle
	r.handle = nil
	r.handleMu.Unlock()

	if old == nil {
		return nil
	}
	return old.graph.Close()
}
