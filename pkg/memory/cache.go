package memory

import (
	lru "github.com/hashicorp/golang-lru"
)

const (
	cachePageShift = 12
	cachePageSize  = 1 << cachePageShift
	cachePageMask  = ^uint64(cachePageSize - 1)

	// DefaultCachePages is the number of pages kept by NewCache when a
	// non-positive size is requested.
	DefaultCachePages = 256
)

// Cache decorates a Memory with a bounded LRU of page sized blocks.
// Entries only go away through eviction or Clear.
type Cache struct {
	mem   Memory
	pages *lru.Cache
}

// NewCache returns a page cache over mem holding at most maxPages pages.
func NewCache(mem Memory, maxPages int) (*Cache, error) {
	if maxPages <= 0 {
		maxPages = DefaultCachePages
	}
	pages, err := lru.New(maxPages)
	if err != nil {
		return nil, err
	}
	return &Cache{mem: mem, pages: pages}, nil
}

// Clear drops every cached page.
func (c *Cache) Clear() {
	c.pages.Purge()
}

// Underlying returns the decorated memory.
func (c *Cache) Underlying() Memory {
	return c.mem
}

func (c *Cache) page(addr uint64) ([]byte, bool) {
	if v, ok := c.pages.Get(addr); ok {
		return v.([]byte), true
	}
	data := make([]byte, cachePageSize)
	if err := ReadFully(c.mem, addr, data); err != nil {
		return nil, false
	}
	c.pages.Add(addr, data)
	return data, true
}

func (c *Cache) Read(addr uint64, dst []byte) (int, error) {
	if err := checkOverflow(addr, len(dst)); err != nil {
		return 0, err
	}
	if len(dst) > cachePageSize {
		return c.mem.Read(addr, dst)
	}
	n := 0
	for n < len(dst) {
		cur := addr + uint64(n)
		base := cur & cachePageMask
		if base == 0 {
			// never cache the null page, let the decorated memory decide
			m, err := c.mem.Read(cur, dst[n:])
			return n + m, err
		}
		data, ok := c.page(base)
		if !ok {
			m, err := c.mem.Read(cur, dst[n:])
			return n + m, err
		}
		n += copy(dst[n:], data[cur-base:])
	}
	return n, nil
}
