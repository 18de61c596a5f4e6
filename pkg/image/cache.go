package image

import (
	"sync"

	"github.com/cinit/libunwindstack/pkg/logflags"
	"github.com/cinit/libunwindstack/pkg/memory"
)

// Key identifies a file backed image.
type Key struct {
	Dev    uint64
	Inode  uint64
	Path   string
	Offset uint64
}

type cacheEntry struct {
	img *Image
	err error
}

// Cache shares parsed images between mappings of the same file. Failed
// parses are cached too, an image that did not parse is not tried again
// under the same key. A nil or disabled Cache parses a new image on every
// call.
type Cache struct {
	enabled bool

	mu      sync.Mutex
	entries map[Key]cacheEntry
}

// NewCache returns a cache, enabled selects whether images are kept.
func NewCache(enabled bool) *Cache {
	return &Cache{enabled: enabled, entries: make(map[Key]cacheEntry)}
}

// Enabled reports whether c keeps images.
func (c *Cache) Enabled() bool {
	return c != nil && c.enabled
}

// Get returns the image stored under key, calling open and parsing the
// memory it returns on a miss.
func (c *Cache) Get(key Key, open func() (memory.Memory, error)) (*Image, error) {
	if !c.Enabled() {
		return load(open)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.img, e.err
	}
	img, err := load(open)
	c.entries[key] = cacheEntry{img: img, err: err}
	if err != nil && logflags.Elf() {
		logflags.ElfLogger().Debugf("caching invalid image %s@%#x: %v", key.Path, key.Offset, err)
	}
	return img, err
}

func load(open func() (memory.Memory, error)) (*Image, error) {
	mem, err := open()
	if err != nil {
		return nil, readFailed("image", err)
	}
	return Parse(mem)
}

// Len returns the number of cached images, valid or not.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every cached image.
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[Key]cacheEntry)
	c.mu.Unlock()
}
