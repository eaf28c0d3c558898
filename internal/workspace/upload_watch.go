package workspace

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// UploadEvent is emitted when a file under uploads/ is created or written,
// feeding registry.Registry.RegisterFromScan incrementally instead of
// relying solely on periodic full scans.
type UploadEvent struct {
	Path string
}

// WatchUploads starts an fsnotify watch on the workspace's uploads/
// directory and returns a channel of UploadEvent. The watch runs until stop
// is closed; the returned channel is closed when the watch goroutine exits.
func (w *Workspace) WatchUploads(stop <-chan struct{}) (<-chan UploadEvent, error) {
	uploadsDir := filepath.Join(w.root, "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(uploadsDir); err != nil {
		watcher.Close()
		return nil, err
	}

	out := make(chan UploadEvent, 16)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				select {
				case out <- UploadEvent{Path: ev.Name}:
				case <-time.After(time.Second):
					log.Printf("[Workspace] upload event channel full, dropping %s", ev.Name)
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[Workspace] upload watcher error: %v", werr)
			}
		}
	}()

	return out, nil
}
