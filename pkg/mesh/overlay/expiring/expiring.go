// Package expiring provides a small table whose entries prune themselves after a deadline.
// The node uses it for per-peer link state (outstanding unicast probes) so that unanswered
// entries age out without a dedicated sweeper.
package expiring

import (
	"sync"
	"time"
)

type timedV[V any] struct {
	val V
	exp *time.Timer
}

// A Table maps keys to values that expire individually.
// The zero value is ready for use. Tables must not be copied after first use.
//
// Reading an entry at exactly its expiration time is inherently racy: an unexpired timer
// guarantees the entry is still present, but not the inverse.
type Table[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]timedV[V]
}

// Store saves the key/value pair and arranges for it to expire after ttl.
// A previous value under the same key is replaced and its timer stopped.
// Cleanup functions run in order after an expiry removes the key (not after Delete or
// replacement).
func (tbl *Table[K, V]) Store(key K, value V, ttl time.Duration, cleanup ...func()) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if tbl.m == nil {
		tbl.m = make(map[K]timedV[V])
	}
	if prev, ok := tbl.m[key]; ok {
		prev.exp.Stop()
	}
	tbl.m[key] = timedV[V]{
		val: value,
		exp: time.AfterFunc(ttl, func() {
			tbl.Delete(key)
			for _, f := range cleanup {
				f()
			}
		}),
	}
}

// Load fetches the value associated with the key, if it has not expired.
func (tbl *Table[K, V]) Load(key K) (value V, found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	if !found {
		return value, false
	}
	return tv.val, true
}

// Delete removes the key and stops its timer. Ineffectual if the key is absent.
func (tbl *Table[K, V]) Delete(key K) (found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	if !found {
		return false
	}
	tv.exp.Stop()
	delete(tbl.m, key)
	return true
}

// Refresh pushes the key's expiry out to ttl from now.
// Returns false if the key is absent or its timer already fired.
func (tbl *Table[K, V]) Refresh(key K, ttl time.Duration) (found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	if !found {
		return false
	}
	if !tv.exp.Stop() {
		return false
	}
	tv.exp.Reset(ttl)
	return true
}
