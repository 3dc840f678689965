package catalog

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch rescans the catalog whenever files under the root change, coalescing
// bursts (bulk uploads) into one rescan per debounce window. onChange, if
// non-nil, runs after each successful rescan. Blocks until ctx is cancelled.
func (c *Catalog) Watch(ctx context.Context, debounce time.Duration, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.opts.Root); err != nil {
		return fmt.Errorf("watch %s: %w", c.opts.Root, err)
	}
	entries, _ := os.ReadDir(c.opts.Root)
	for _, e := range entries {
		if e.IsDir() {
			if err := watcher.Add(filepath.Join(c.opts.Root, e.Name())); err != nil {
				log.Printf("CATALOG: cannot watch %s: %v", e.Name(), err)
			}
		}
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				timer.Reset(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("CATALOG: watcher error: %v", err)

		case <-timer.C:
			if err := c.Scan(ctx); err != nil {
				log.Printf("CATALOG: rescan failed: %v", err)
				continue
			}
			if onChange != nil {
				onChange()
			}
		}
	}
}
