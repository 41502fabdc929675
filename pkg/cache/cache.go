// Package cache implements the statement-name cache contract shared by
// the Disabled, Unbounded, and BoundedLRU strategies: a map from
// (SQL, parameter types) to the server-assigned statement name, deciding
// whether a query needs to Parse at all.
package cache

import (
	"context"
	"fmt"
	"sync"
)

// Key identifies a prepared statement by its SQL text and declared
// parameter types.
type Key struct {
	SQL            string
	ParameterTypes string // joined OID list; comparable, cheap to hash as a map key
}

// NewKey builds a Key from SQL text and its declared parameter OIDs. OIDs
// are joined into a single comparable string since Key is used as a plain
// map key throughout this package.
func NewKey(sql string, parameterOIDs []uint32) Key {
	types := fmt.Sprint(parameterOIDs)
	return Key{SQL: sql, ParameterTypes: types}
}

// ParseFunc issues Parse(name, sql, parameterTypes)·Sync on the wire and
// awaits ParseComplete. Supplied by the caller (the extended-query
// executor) so this package has no dependency on the wire protocol itself.
type ParseFunc func(ctx context.Context, name string) error

// EvictFunc issues Close(Statement, name) for a statement falling out of
// a bounded cache. Errors are not surfaced to the caller that triggered
// the eviction.
type EvictFunc func(ctx context.Context, name string)

// StatementCache returns a server-assigned statement name for key, parsing
// it via parse only if it is not already cached, and guaranteeing
// at-most-one Parse per key even under concurrent callers.
type StatementCache interface {
	GetName(ctx context.Context, key Key, parse ParseFunc, evict EvictFunc) (string, error)
}

// New constructs the strategy named by limit: limit == 0 is Disabled,
// limit < 0 is Unbounded, limit > 0 is a BoundedLRU of that capacity.
func New(limit int) StatementCache {
	switch {
	case limit == 0:
		return &Disabled{}
	case limit < 0:
		return NewUnbounded()
	default:
		return NewBoundedLRU(limit)
	}
}

// Disabled always parses with the empty (unnamed) statement name, caching
// nothing.
type Disabled struct{}

func (d *Disabled) GetName(ctx context.Context, _ Key, parse ParseFunc, _ EvictFunc) (string, error) {
	if err := parse(ctx, ""); err != nil {
		return "", err
	}

	return "", nil
}

// entry is the cached value plus the in-flight synchronization needed to
// guarantee at-most-one Parse per key under concurrent callers: the first
// caller for a given key performs the parse and stores the result; any
// concurrent caller for the same key waits on ready and observes the same
// outcome.
type entry struct {
	name  string
	err   error
	ready chan struct{}
}

// Unbounded caches every statement name forever, assigning `S_<n>` names
// from a monotonic counter.
type Unbounded struct {
	mu      sync.Mutex
	entries map[Key]*entry
	counter uint64
}

func NewUnbounded() *Unbounded {
	return &Unbounded{entries: map[Key]*entry{}}
}

func (u *Unbounded) GetName(ctx context.Context, key Key, parse ParseFunc, _ EvictFunc) (string, error) {
	u.mu.Lock()
	if e, ok := u.entries[key]; ok {
		u.mu.Unlock()
		<-e.ready
		return e.name, e.err
	}

	e := &entry{name: nameFor(u.counter), ready: make(chan struct{})}
	u.counter++
	u.entries[key] = e
	u.mu.Unlock()

	e.err = parse(ctx, e.name)
	close(e.ready)

	if e.err != nil {
		u.mu.Lock()
		delete(u.entries, key)
		u.mu.Unlock()
		return "", e.err
	}

	return e.name, nil
}

func nameFor(n uint64) string {
	const digits = "0123456789"
	if n == 0 {
		return "S_0"
	}

	buf := make([]byte, 0, 20)
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}

	return "S_" + string(buf)
}
