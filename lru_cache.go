package ttclient

import (
	"github.com/hashicorp/golang-lru/simplelru"
)

// lruCache is a bounded set of recently seen values, used by the event processor to deduplicate
// user keys. It is not thread-safe; the event processor only accesses it from the dispatcher
// goroutine.
type lruCache struct {
	cache    *simplelru.LRU
	capacity int
}

func newLruCache(capacity int) lruCache {
	var cache *simplelru.LRU
	if capacity > 0 {
		cache, _ = simplelru.NewLRU(capacity, nil)
	}
	return lruCache{cache: cache, capacity: capacity}
}

// add stores a value in the cache, evicting the least recently used value if necessary, and
// returns true if the value was already there. A zero-capacity cache retains nothing, so add
// always returns false.
func (c *lruCache) add(value interface{}) bool {
	if c.cache == nil {
		return false
	}
	if c.cache.Contains(value) {
		c.cache.Add(value, nil)
		return true
	}
	c.cache.Add(value, nil)
	return false
}

func (c *lruCache) clear() {
	if c.cache != nil {
		c.cache.Purge()
	}
}
