package registry

import (
	"context"
	"path"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelforge/pkg/artifacts"
	"k8s.io/examples/AI/modelforge/pkg/blobs"
	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
)

// KeyPrefix is the blobstore prefix of a version: {name}/Saved_{n}.
func KeyPrefix(name string, v artifacts.Version) string {
	return path.Join(name, artifacts.DirName(v))
}

// Publish uploads version v (Latest for the highest on disk) through the mirror.
func (r *Registry) Publish(ctx context.Context, v artifacts.Version) (*blobs.Manifest, error) {
	const op = "registry.Publish"

	if r.mirror == nil {
		return nil, mlerrors.Errorf(mlerrors.Precondition, op, "no artifact mirror configured")
	}

	name := r.Name()
	store := r.store()
	resolved, err := artifacts.Resolve(store.RootOf(name), v)
	if err != nil {
		return nil, err
	}

	manifest, err := r.mirror.PublishDir(ctx, store.VersionedPath(name, resolved), KeyPrefix(name, resolved))
	if err != nil {
		return nil, mlerrors.E(mlerrors.IO, op, err)
	}
	return manifest, nil
}

// Fetch downloads a published version into the model root without loading it.
func (r *Registry) Fetch(ctx context.Context, v artifacts.Version) (*blobs.Manifest, error) {
	const op = "registry.Fetch"

	if r.mirror == nil {
		return nil, mlerrors.Errorf(mlerrors.Precondition, op, "no artifact mirror configured")
	}
	if v < 0 {
		return nil, mlerrors.Errorf(mlerrors.InvalidArgument, op, "an explicit version is required, got %v", v)
	}

	name := r.Name()
	manifest, err := r.mirror.FetchDir(ctx, KeyPrefix(name, v), r.store().VersionedPath(name, v))
	if err != nil {
		return nil, mlerrors.E(mlerrors.IO, op, err)
	}
	return manifest, nil
}

// WatchVersions loads each newer version that appears under the model root until ctx is done.
func (r *Registry) WatchVersions(ctx context.Context) error {
	log := klog.FromContext(ctx)

	since := artifacts.Latest
	if v, ok := r.Version(); ok {
		since = v
	}

	w, err := artifacts.NewWatcher(r.ModelRoot(), artifacts.DefaultDebounce)
	if err != nil {
		return err
	}
	defer w.Close()

	return w.Run(ctx, since, func(ctx context.Context, v artifacts.Version) {
		if current, ok := r.Version(); ok && current >= v {
			return
		}
		if err := r.LoadIfExists(ctx, v); err != nil {
			log.Error(err, "loading new version", "version", v)
		}
	})
}
