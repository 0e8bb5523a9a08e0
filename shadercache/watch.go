package shadercache

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/gogpu/rendercore/internal/logging"
)

// Watch invalidates cached shaders whose source file is written, created,
// renamed or removed under Root. It blocks until ctx is done and then
// returns nil. ready, if not nil, is closed once the watch is active.
func (c *Cache) Watch(ctx context.Context, ready chan<- struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("shadercache: watch: %w", err)
	}
	defer w.Close()

	root := c.root
	if root == "" {
		root = "."
	}
	if err := w.Add(root); err != nil {
		return fmt.Errorf("shadercache: watch %s: %w", root, err)
	}
	if ready != nil {
		close(ready)
	}

	const changed = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&changed == 0 {
				continue
			}
			rel, err := filepath.Rel(root, ev.Name)
			if err != nil {
				continue
			}
			c.Invalidate(rel)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logging.Logger().Warn("shadercache: watch error", "err", err)
		}
	}
}
