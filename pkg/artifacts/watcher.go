package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"
)

const DefaultDebounce = time.Second

// Watcher reports new versions appearing under a model root, for example from an
// out-of-band trainer.
type Watcher struct {
	root     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

func NewWatcher(root string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %q: %w", root, err)
	}
	return &Watcher{
		root:     root,
		debounce: debounce,
		watcher:  watcher,
	}, nil
}

// Run blocks until ctx is done, calling onVersion each time the highest version under the root
// increases past since. Events are debounced so files written into a new version directory
// can settle before the callback runs.
func (w *Watcher) Run(ctx context.Context, since Version, onVersion func(ctx context.Context, v Version)) error {
	log := klog.FromContext(ctx).WithValues("root", w.root)

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C

	last := since
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			log.V(2).Info("artifact change detected", "file", event.Name, "op", event.Op.String())
			if event.Op&fsnotify.Create != 0 && filepath.Dir(event.Name) == filepath.Clean(w.root) {
				// Also watch inside the new version so writes there extend the debounce.
				if err := w.watcher.Add(event.Name); err != nil {
					log.V(2).Info("not watching new entry", "path", event.Name, "err", err)
				}
			}
			debounceTimer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Error(err, "watcher error")

		case <-debounceTimer.C:
			latest, err := LatestVersion(w.root)
			if err != nil {
				log.Error(err, "discovering versions")
				continue
			}
			if latest > last {
				log.Info("new version available", "version", latest)
				last = latest
				onVersion(ctx, latest)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return false
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return false
	}
	top, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	_, ok := ParseDirName(top)
	return ok
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
