package catalog

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch starts a background fsnotify watcher that drops cached metadata
// when the session store changes on disk. Purely an optimization: queries
// rescan either way, the watcher only keeps the parse cache honest without
// waiting for an mtime mismatch. Returns immediately; stops when ctx is
// cancelled or Close is called.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the root and any existing subdirectories. The store nests
	// records in date directories, and fsnotify is not recursive.
	if err := watcher.Add(s.root); err != nil {
		s.log.Warn("cannot watch session root", "root", s.root, "error", err)
	}
	_ = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		_ = watcher.Add(path) // best effort
		return nil
	})

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.watchCancel = cancel
	s.watchDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer watcher.Close()
		s.watchLoop(ctx, watcher)
	}()
	return nil
}

// Close stops the watcher if one is running.
func (s *Store) Close() {
	s.mu.Lock()
	cancel, done := s.watchCancel, s.watchDone
	s.watchCancel, s.watchDone = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	// Debounce per path: codex streams many small appends per turn
	debounce := make(map[string]*time.Timer)
	var debounceMu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			// New date directories need their own watch
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
					continue
				}
			}

			if !strings.HasSuffix(event.Name, ".jsonl") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			path := event.Name
			debounceMu.Lock()
			if timer, exists := debounce[path]; exists {
				timer.Stop()
			}
			debounce[path] = time.AfterFunc(300*time.Millisecond, func() {
				s.invalidate(path)
				debounceMu.Lock()
				delete(debounce, path)
				debounceMu.Unlock()
			})
			debounceMu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("session watcher error", "error", err)
		}
	}
}
