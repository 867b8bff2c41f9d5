package server

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/drunlade/go-oftp/fileservice"
)

const watchDebounce = 500 * time.Millisecond

// runWatcher connects a watched partner whenever a file is queued in its
// out directory, and once at start when files are waiting.
func (s *Server) runWatcher(ctx context.Context) error {
	dirs := make(map[string]string)
	for _, p := range s.cfg.Partner {
		if p.Watch {
			dirs[filepath.Clean(s.provider.OutDir(p.ID))] = p.ID
		}
	}
	if len(dirs) == 0 {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("server: failed to create file watcher: %w", err)
	}
	defer w.Close()
	for dir, id := range dirs {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("server: failed to watch %s: %w", dir, err)
		}
		s.log.Infof("watching %s for files to %s", dir, id)
		if s.provider.HasOutFiles(id) {
			s.connect(ctx, id, "queued")
		}
	}

	var mu sync.Mutex
	timers := make(map[string]*time.Timer)
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(event.Name, string(fileservice.OutQueued)) {
				continue
			}
			id, ok := dirs[filepath.Dir(event.Name)]
			if !ok {
				continue
			}
			mu.Lock()
			if t := timers[id]; t != nil {
				t.Stop()
			}
			timers[id] = time.AfterFunc(watchDebounce, func() { s.connect(ctx, id, "queued") })
			mu.Unlock()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Errorf("file watcher: %v", err)

		case <-ctx.Done():
			return nil
		}
	}
}
