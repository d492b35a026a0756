package symbol

import "container/list"

// mruCache is a fixed-capacity address→Location cache evicting the
// least-recently-used entry on overflow. It plays the same "bounded
// capacity, explicit eviction" role that jra3-system-agent's
// ringbuffer.RingBuffer[T] plays for FIFO data — here adapted to a keyed LRU
// rather than copied, since Resolve needs get-or-miss semantics a ring
// buffer doesn't provide.
//
// Not safe for concurrent use on its own; Resolver serializes access with a
// mutex.
type mruCache struct {
	capacity int
	ll       *list.List
	index    map[uint64]*list.Element
}

type cacheEntry struct {
	addr uint64
	loc  Location
}

func newMRUCache(capacity int) *mruCache {
	return &mruCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[uint64]*list.Element, capacity),
	}
}

func (c *mruCache) get(addr uint64) (Location, bool) {
	elem, ok := c.index[addr]
	if !ok {
		return Location{}, false
	}
	c.ll.MoveToFront(elem)
	return elem.Value.(*cacheEntry).loc, true
}

func (c *mruCache) put(addr uint64, loc Location) {
	if elem, ok := c.index[addr]; ok {
		elem.Value.(*cacheEntry).loc = loc
		c.ll.MoveToFront(elem)
		return
	}

	elem := c.ll.PushFront(&cacheEntry{addr: addr, loc: loc})
	c.index[addr] = elem

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(*cacheEntry).addr)
		}
	}
}
