// Package bloblru caches decrypted blobs up to a total size.
package bloblru

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/packrat"
)

// estimated memory per cached blob besides its buffer
const overhead = len(packrat.ID{}) + 64

// A Cache is a fixed size LRU cache of blob contents.
// It is safe for concurrent access.
type Cache struct {
	mu sync.Mutex
	c  *simplelru.LRU[packrat.ID, []byte]

	free, size int // Current and max capacity, in bytes.
	inProgress map[packrat.ID]chan struct{}
}

// New constructs a blob cache that stores at most size bytes worth of blobs.
func New(size int) *Cache {
	c := &Cache{
		free:       size,
		size:       size,
		inProgress: make(map[packrat.ID]chan struct{}),
	}

	// the entry limit is an upper bound, Add evicts by size long before
	lru, err := simplelru.NewLRU(size/overhead, c.evict)
	if err != nil {
		panic(err) // Can only be maxEntries <= 0.
	}
	c.c = lru

	return c
}

// Add adds key id with value blob to c.
// It may return an evicted buffer for reuse.
func (c *Cache) Add(id packrat.ID, blob []byte) (old []byte) {
	debug.Log("bloblru.Cache: add %v", id)

	size := cap(blob) + overhead
	if size > c.size {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.c.Contains(id) { // Doesn't update the recency list.
		return
	}

	for size > c.free {
		_, b, _ := c.c.RemoveOldest()
		if cap(b) > cap(old) {
			// return the largest buffer for reuse
			old = b
		}
	}

	c.c.Add(id, blob)
	c.free -= size

	return old
}

// Get returns the cached blob for id.
func (c *Cache) Get(id packrat.ID) ([]byte, bool) {
	c.mu.Lock()
	blob, ok := c.c.Get(id)
	c.mu.Unlock()

	debug.Log("bloblru.Cache: get %v, hit %v", id, ok)

	return blob, ok
}

// GetOrCompute returns the cached blob for id or calls compute and caches
// its result. Concurrent calls for the same id run compute only once.
func (c *Cache) GetOrCompute(id packrat.ID, compute func() ([]byte, error)) ([]byte, error) {
	blob, ok := c.Get(id)
	if ok {
		return blob, nil
	}

	// wait for a concurrent computation or register our own
	finish := make(chan struct{})
	c.mu.Lock()
	waitForResult, isComputing := c.inProgress[id]
	if !isComputing {
		c.inProgress[id] = finish
	}
	c.mu.Unlock()

	if isComputing {
		<-waitForResult
	} else {
		defer func() {
			c.mu.Lock()
			delete(c.inProgress, id)
			c.mu.Unlock()
			close(finish)
		}()
	}

	// another goroutine may have finished between the first Get and
	// registering in inProgress
	blob, ok = c.Get(id)
	if ok {
		return blob, nil
	}

	blob, err := compute()
	if err == nil {
		c.Add(id, blob)
	}

	return blob, err
}

func (c *Cache) evict(key packrat.ID, blob []byte) {
	debug.Log("bloblru.Cache: evict %v, %d bytes", key, cap(blob))
	c.free += cap(blob) + overhead
}
