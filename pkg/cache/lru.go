package cache

import (
	"container/list"
	"context"
	"sync"
)

// BoundedLRU caches at most limit statement names, evicting the
// least-recently-used entry (an access-ordered `container/list` plus a
// `map[Key]*list.Element`) to make room for a new one. Cache mutations
// are serialized by one mutex; parses run outside it, with concurrent
// callers for the same key waiting on the first caller's in-flight entry
// so a key is never parsed twice.
type BoundedLRU struct {
	mu      sync.Mutex
	limit   int
	order   *list.List // front = most recently used
	index   map[Key]*list.Element
	counter uint64
}

type lruEntry struct {
	key   Key
	name  string
	err   error
	ready chan struct{}
}

func NewBoundedLRU(limit int) *BoundedLRU {
	return &BoundedLRU{
		limit: limit,
		order: list.New(),
		index: map[Key]*list.Element{},
	}
}

func (c *BoundedLRU) GetName(ctx context.Context, key Key, parse ParseFunc, evict EvictFunc) (string, error) {
	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		c.order.MoveToFront(el)
		e := el.Value.(*lruEntry)
		c.mu.Unlock()
		<-e.ready
		if e.err != nil {
			return "", e.err
		}
		return e.name, nil
	}

	var eldest *lruEntry
	if c.order.Len() >= c.limit {
		back := c.order.Back()
		eldest = back.Value.(*lruEntry)
		c.order.Remove(back)
		delete(c.index, eldest.key)
	}

	e := &lruEntry{key: key, name: nameFor(c.counter), ready: make(chan struct{})}
	c.counter++
	el := c.order.PushFront(e)
	c.index[key] = el
	c.mu.Unlock()

	// The eviction's Close round-trip happens before the new Parse so the
	// two land on the wire in that order, but it is fire-and-forget relative
	// to cache consistency: the eldest entry is already gone from the map
	// above, and only this call's own Parse error is surfaced to the caller.
	if eldest != nil && evict != nil {
		<-eldest.ready
		evict(ctx, eldest.name)
	}

	e.err = parse(ctx, e.name)
	close(e.ready)

	if e.err != nil {
		c.mu.Lock()
		if cur, ok := c.index[key]; ok && cur == el {
			c.order.Remove(el)
			delete(c.index, key)
		}
		c.mu.Unlock()
		return "", e.err
	}

	return e.name, nil
}
