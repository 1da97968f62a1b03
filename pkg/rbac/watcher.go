package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

const defaultReloadDelay = 250 * time.Millisecond

// Watcher reloads directory manifests when files in the directory change.
type Watcher struct {
	dir       string
	manifests *Manifests
	logger    *observability.Logger
	delay     time.Duration
	onReload  func()
}

// NewWatcher creates a watcher for dir. onReload, if set, runs after every
// successful reload.
func NewWatcher(dir string, manifests *Manifests, logger *observability.Logger, onReload func()) *Watcher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Watcher{
		dir:       dir,
		manifests: manifests,
		logger:    logger.WithField("manifest_dir", dir),
		delay:     defaultReloadDelay,
		onReload:  onReload,
	}
}

// Run loads the directory once and then watches it until ctx is done.
// Bursts of events are collapsed into one reload.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.manifests.LoadDir(w.dir); err != nil {
		return fmt.Errorf("failed to load manifests: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching applet manifests")

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isManifestFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				pending = time.After(w.delay)
			}

		case <-pending:
			pending = nil
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("manifest watcher error")
		}
	}
}

func (w *Watcher) reload() {
	if err := w.manifests.LoadDir(w.dir); err != nil {
		w.logger.WithError(err).Error("failed to reload manifests, keeping previous set")
		return
	}
	w.logger.Info("applet manifests reloaded")
	if w.onReload != nil {
		w.onReload()
	}
}
