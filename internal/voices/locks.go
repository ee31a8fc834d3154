package voices

import (
	"context"
	"sync"
)

// keyedMutex serializes holders of the same key while letting different keys
// proceed independently. Entries are dropped once nobody holds or awaits them.
type keyedMutex struct {
	entries map[string]*keyedEntry
	mu      sync.Mutex
}

type keyedEntry struct {
	slot chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock acquires key, giving up when ctx is done.
func (k *keyedMutex) Lock(ctx context.Context, key string) error {
	k.mu.Lock()

	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{slot: make(chan struct{}, 1)}
		k.entries[key] = entry
	}

	entry.refs++
	k.mu.Unlock()

	select {
	case entry.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.release(key, entry)

		return ctx.Err()
	}
}

// Unlock releases key. It must follow a successful Lock.
func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	entry := k.entries[key]
	k.mu.Unlock()

	<-entry.slot
	k.release(key, entry)
}

func (k *keyedMutex) release(key string, entry *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(k.entries, key)
	}
}

// size returns the number of live keys.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.entries)
}
