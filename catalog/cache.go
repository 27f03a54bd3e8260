package catalog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Cache memoises parsed TODO.md files and invalidates entries when fsnotify
// reports a change to the underlying file.
type Cache struct {
	mu      sync.Mutex
	entries map[string][]Task
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewCache creates a Cache. The fsnotify watcher is optional: when it cannot
// be created every Load falls through to a fresh parse.
func NewCache(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		entries: map[string][]Task{},
		logger:  logger,
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("TODO watcher unavailable, caching disabled", "error", err)
		return c
	}
	c.watcher = watcher
	return c
}

// Run consumes watcher events until ctx is cancelled. Without a watcher it
// returns immediately.
func (c *Cache) Run(ctx context.Context) {
	if c.watcher == nil {
		return
	}

	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				c.invalidate(event.Name)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("TODO watcher error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

// Load returns the parsed catalog for a TODO.md path, reparsing only when the
// cache has no fresh entry.
func (c *Cache) Load(path string) ([]Task, error) {
	c.mu.Lock()
	if tasks, ok := c.entries[path]; ok {
		c.mu.Unlock()
		return tasks, nil
	}
	c.mu.Unlock()

	tasks, err := ParseFile(path)
	if err != nil {
		return nil, err
	}

	if c.watcher != nil {
		c.mu.Lock()
		c.entries[path] = tasks
		c.mu.Unlock()
		if err := c.watcher.Add(path); err != nil {
			// Missing files cannot be watched; drop the entry so the next
			// Load reparses.
			c.invalidate(path)
		}
	}
	return tasks, nil
}

func (c *Cache) invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[path]; ok {
		delete(c.entries, path)
		c.logger.Debug("TODO cache invalidated", "path", path)
	}
}

// Close releases the watcher.
func (c *Cache) Close() error {
	if c.watcher == nil {
		return nil
	}
	return c.watcher.Close()
}
