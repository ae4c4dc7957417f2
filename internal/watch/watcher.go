package watch

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const defaultDebounce = 100 * time.Millisecond

// FileWatcher calls OnChange after the watched file is written, created,
// renamed over or removed. Bursts of events are collapsed into one call.
//
// The parent directory is watched rather than the file itself because atomic
// writers replace the file by rename, which would drop a watch on the old inode.
type FileWatcher struct {
	path     string
	debounce time.Duration
	onChange func()
}

func New(path string, debounce time.Duration, onChange func()) *FileWatcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &FileWatcher{path: filepath.Clean(path), debounce: debounce, onChange: onChange}
}

// Start installs the watch and returns once it is active. Events are handled
// until ctx ends.
func (w *FileWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	go w.loop(ctx, watcher)
	return nil
}

func (w *FileWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			log.Debug().Str("path", w.path).Msg("watched file changed")
			w.onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", w.path).Msg("watcher error")
		}
	}
}
