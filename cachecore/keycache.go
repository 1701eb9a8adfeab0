package cachecore

import (
	"container/list"
	"net/http"
	"sync"
)

// keyCache memoizes cacheKey(request) per live *http.Request instance
// within one process. It is bounded by an LRU so a long-lived process
// handling many distinct requests does not grow this map without limit.
type keyCache struct {
	capacity int

	mu    sync.Mutex
	items map[*http.Request]*list.Element
	order *list.List
}

type keyCacheEntry struct {
	req *http.Request
	key string
}

func newKeyCache(capacity int) *keyCache {
	return &keyCache{
		capacity: capacity,
		items:    make(map[*http.Request]*list.Element),
		order:    list.New(),
	}
}

func (c *keyCache) get(r *http.Request) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[r]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(el)
	return el.Value.(*keyCacheEntry).key, true
}

func (c *keyCache) put(r *http.Request, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[r]; ok {
		el.Value.(*keyCacheEntry).key = key
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&keyCacheEntry{req: r, key: key})
	c.items[r] = el
	if c.capacity > 0 && c.order.Len() > c.capacity {
		back := c.order.Back()
		if back != nil {
			c.order.Remove(back)
			delete(c.items, back.Value.(*keyCacheEntry).req)
		}
	}
}
