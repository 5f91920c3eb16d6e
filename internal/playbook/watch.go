package playbook

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces rapid successive writes (editors often save
// via write-then-rename) into a single reload per file.
const watchDebounce = 300 * time.Millisecond

// Watch starts an fsnotify watch on the store's directory and reloads
// affected playbooks as files are created, written, or removed. Blocks
// until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return err
	}

	var mu sync.Mutex
	timers := make(map[string]*time.Timer)

	schedule := func(path string, fn func()) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := timers[path]; ok {
			t.Stop()
		}
		timers[path] = time.AfterFunc(watchDebounce, fn)
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			for _, t := range timers {
				t.Stop()
			}
			mu.Unlock()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".md") {
				continue
			}
			path := event.Name
			switch {
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				schedule(path, func() { s.removeByPath(path) })
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				schedule(path, func() {
					if err := s.reloadOne(path); err != nil {
						slog.Warn("playbook: reload failed", "path", path, "err", err)
					}
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("playbook: watcher error", "err", err)
		}
	}
}
