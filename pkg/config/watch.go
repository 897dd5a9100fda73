package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lkcomu/lkcomu/pkg/log"
)

const watchDebounce = 100 * time.Millisecond

// Watch reloads the config whenever the file changes and passes every valid
// result to onChange. Invalid edits are logged and ignored. It returns once
// the watcher is running and stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// editors replace files on save, so watch the directory instead
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", l.path, err)
	}

	go func() {
		defer watcher.Close()

		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		reload := func() {
			cfg, err := l.Load()
			if err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "ignoring invalid config change", slog.String("path", l.path), slog.Any("error", err))
				return
			}
			log.Ctx(ctx).InfoContext(ctx, "config reloaded", slog.String("path", l.path))
			onChange(cfg)
		}

		base := filepath.Base(l.path)
		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, reload)
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Ctx(ctx).ErrorContext(ctx, "config watcher error", slog.Any("error", err))
			}
		}
	}()
	return nil
}
