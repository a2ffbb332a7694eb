// Package lockshard implements a fixed-size shard-per-hash keyed lock
// table (spec §9 design notes: "Replace the 'map of string locks' pattern
// with a shard-per-hash lock table of fixed size to bound memory; logical
// key identity remains the locking contract").
package lockshard

import (
	"hash/maphash"
	"sync"
)

// defaultShards is the fixed shard count. It bounds memory regardless of
// how many distinct logical keys (e.g. "create_folder_<path>",
// "move_<newpath>", "upload:<key>") are ever locked.
const defaultShards = 256

// Table maps arbitrary string keys onto a fixed number of mutexes. Two
// different keys that hash to the same shard serialize against each other
// (a deliberate, bounded false-sharing tradeoff); a given key always maps
// to the same shard, which is all correctness requires.
type Table struct {
	seed   maphash.Seed
	shards []sync.Mutex
}

// New creates a Table with the default shard count.
func New() *Table {
	return NewSize(defaultShards)
}

// NewSize creates a Table with an explicit shard count (must be > 0).
func NewSize(n int) *Table {
	if n <= 0 {
		n = defaultShards
	}

	return &Table{
		seed:   maphash.MakeSeed(),
		shards: make([]sync.Mutex, n),
	}
}

func (t *Table) shardFor(key string) *sync.Mutex {
	var h maphash.Hash

	h.SetSeed(t.seed)
	h.WriteString(key)

	idx := h.Sum64() % uint64(len(t.shards))

	return &t.shards[idx]
}

// Lock acquires the mutex backing key's shard.
func (t *Table) Lock(key string) {
	t.shardFor(key).Lock()
}

// Unlock releases the mutex backing key's shard.
func (t *Table) Unlock(key string) {
	t.shardFor(key).Unlock()
}

// With runs fn while holding key's shard lock.
func (t *Table) With(key string, fn func()) {
	t.Lock(key)
	defer t.Unlock(key)

	fn()
}
