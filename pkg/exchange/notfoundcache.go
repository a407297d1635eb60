package exchange

import (
	"container/list"
	"sync"

	"github.com/mmalmi/hashtree-go/pkg/block"
)

// notFoundCache is a bounded, per-peer record of hashes that peer has
// recently reported NOT_FOUND for. It is a heuristic only: the request
// policy consults it to skip peers unlikely to have a hash, but a false
// negative (evicted entry) just costs one wasted round trip, never
// correctness.
type notFoundCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently marked
	index    map[block.Hash]*list.Element
}

func newNotFoundCache(capacity int) *notFoundCache {
	return &notFoundCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[block.Hash]*list.Element),
	}
}

func (c *notFoundCache) mark(h block.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[h]; ok {
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(h)
	c.index[h] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(block.Hash))
	}
}

func (c *notFoundCache) clear(h block.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[h]; ok {
		c.order.Remove(el)
		delete(c.index, h)
	}
}

func (c *notFoundCache) has(h block.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[h]
	return ok
}

// DefaultNotFoundCacheSize bounds how many recent NOT_FOUND hashes are
// remembered per peer for the round-robin peer-selection heuristic.
const DefaultNotFoundCacheSize = 4096
