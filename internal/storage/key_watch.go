package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the key directory whenever a key file is created or written,
// until ctx is done. Keys created or revoked by another process, such as the
// keys command, take effect without a restart.
func (s *KeyStore) Watch(ctx context.Context, onReload func(total, active int), onError func(error)) error {
	if s.keysDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.keysDir, 0755); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create key watcher: %w", err)
	}
	if err := w.Add(s.keysDir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", s.keysDir, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				// Key files are written as .tmp and renamed into place
				if filepath.Ext(ev.Name) != ".json" || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if err := s.Load(); err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				if onReload != nil {
					onReload(s.Count())
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("key watcher: %w", err))
				}
			}
		}
	}()
	return nil
}
