package pack

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// watcher observes a committed container for modification by other
// processes. The parent directory is watched rather than the file itself
// so that write-and-rename replacements are still seen.
type watcher struct {
	fsw  *fsnotify.Watcher
	done chan struct{}
	gone chan struct{}
	once sync.Once
}

func newWatcher(path string, log *slog.Logger, onChange func()) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &watcher{fsw: fsw, done: make(chan struct{}), gone: make(chan struct{})}
	base := filepath.Base(path)
	go func() {
		defer close(w.gone)
		for {
			select {
			case <-w.done:
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
					event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					log.Debug("container modified externally", "path", event.Name, "op", event.Op)
					onChange()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warn("error watching container", "err", err)
			}
		}
	}()
	return w, nil
}

// stop shuts the watcher down and waits for its goroutine to exit, so no
// onChange call can land after stop returns.
func (w *watcher) stop() {
	w.once.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
	})
	<-w.gone
}
