package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the bundle directory until ctx ends. When the directory,
// or any manifest file inside it, is removed or renamed away while no
// transfer is running, the downloader drops its ledger entries, returns to
// NotStarted and calls the OnRemoved hook.
func (d *Downloader) Watch(ctx context.Context) error {
	parent := filepath.Dir(d.dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", parent, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(parent); err != nil {
		return fmt.Errorf("watching %s: %w", parent, err)
	}
	if _, err := os.Stat(d.dir); err == nil {
		if err := w.Add(d.dir); err != nil {
			return fmt.Errorf("watching %s: %w", d.dir, err)
		}
	}

	tracked := make(map[string]bool, len(d.manifest.Files))
	for _, f := range d.manifest.Files {
		tracked[filepath.Join(d.dir, f.Name)] = true
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("bundle watcher error", "error", err)
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			switch {
			case ev.Name == d.dir && ev.Has(fsnotify.Create):
				// Re-created, e.g. by a new download; watch its contents again.
				if err := w.Add(d.dir); err != nil {
					d.logger.Warn("re-watching bundle directory", "error", err)
				}
			case (ev.Name == d.dir || tracked[ev.Name]) && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)):
				d.handleRemoved(ev.Name)
			}
		}
	}
}

func (d *Downloader) handleRemoved(path string) {
	d.mu.Lock()
	if d.run != nil || d.state.Phase == NotStarted {
		d.mu.Unlock()
		return
	}
	d.setLocked(State{Phase: NotStarted})
	hook := d.onRemoved
	d.mu.Unlock()

	d.logger.Warn("model bundle removed externally", "path", path)
	if err := d.ledger.ForgetModel(d.manifest.Model); err != nil {
		d.logger.Warn("forgetting transfer state", "error", err)
	}
	if hook != nil {
		hook()
	}
}
