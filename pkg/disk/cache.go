package disk

import (
	"os"
	"sync"

	"github.com/downfa11-org/filemq/util"
)

type cachedFile struct {
	path  string
	flags int
	file  *os.File
}

// Cache keeps one open descriptor per (topic, role). A Get with a
// different path or open mode evicts the old descriptor first. The
// cache owns its handles; borrowers must not close them.
type Cache struct {
	mu      sync.Mutex
	handles map[string]map[string]*cachedFile // topic -> role -> handle
}

func NewCache() *Cache {
	return &Cache{handles: make(map[string]map[string]*cachedFile)}
}

// Get returns the cached descriptor for (topic, role) if its path and
// open mode match, opening a fresh one otherwise.
func (c *Cache) Get(topic, role, path string, flags int) (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	roles, ok := c.handles[topic]
	if !ok {
		roles = make(map[string]*cachedFile)
		c.handles[topic] = roles
	}

	if entry, ok := roles[role]; ok {
		if entry.path == path && entry.flags == flags {
			return entry.file, nil
		}
		c.release(entry)
		delete(roles, role)
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	roles[role] = &cachedFile{path: path, flags: flags, file: f}
	return f, nil
}

// Close releases the selected handles. An empty topic selects every
// topic; an empty role selects every role of the chosen topics.
func (c *Cache) Close(topic, role string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for t, roles := range c.handles {
		if topic != "" && t != topic {
			continue
		}
		for r, entry := range roles {
			if role != "" && r != role {
				continue
			}
			c.release(entry)
			delete(roles, r)
		}
		if len(roles) == 0 {
			delete(c.handles, t)
		}
	}
}

func (c *Cache) release(entry *cachedFile) {
	if err := unlockFile(entry.file); err != nil {
		util.Debug("unlock %s before close: %v", entry.path, err)
	}
	if err := entry.file.Close(); err != nil {
		util.Error("close %s: %v", entry.path, err)
	}
}
