package wsconfig

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// EventPublisher is the narrow slice of streambus.Bus the watcher needs,
// kept as a local interface so this package does not depend on streambus
// for anything but this one side effect.
type EventPublisher interface {
	Publish(topic, resourceType, resourceID string, payload any)
}

// Watcher notifies an EventPublisher whenever ralph.yml changes on disk
// outside of a config.update RPC call (editor saves, git checkouts, a
// sibling process writing the file directly).
type Watcher struct {
	configPath string
	watcher    *fsnotify.Watcher
	logger     *slog.Logger
	done       chan struct{}
}

// NewWatcher builds (but does not start) a Watcher over d's config file.
func NewWatcher(d *Domain, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the containing directory rather than the file itself: editors
	// commonly replace a file via rename-into-place, which drops a watch
	// held on the original inode.
	if err := fw.Add(filepath.Dir(d.configPath)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{configPath: d.configPath, watcher: fw, logger: logger, done: make(chan struct{})}, nil
}

// Start runs the watch loop in a new goroutine, publishing "config.updated"
// with updatedBy="external" to bus on every write/create/rename of the
// config file. Call Stop to end the loop and release the fsnotify handle.
func (w *Watcher) Start(bus EventPublisher) {
	go func() {
		for {
			select {
			case <-w.done:
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					bus.Publish("config.updated", "config", "ralph.yml", map[string]any{
						"path":      "ralph.yml",
						"updatedBy": "external",
					})
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("config file watcher error", "error", err)
			}
		}
	}()
}

// Stop ends the watch loop and releases the underlying fsnotify handle.
func (w *Watcher) Stop() {
	close(w.done)
	w.watcher.Close()
}
