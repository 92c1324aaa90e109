package sync

import (
	gosync "sync"

	"github.com/statefeed/statefeed/core/types"
)

// DependencyTable maps a not-yet-persisted hash to the set of parent items
// blocked on it. A parent appears at most once per hash regardless of how
// many of its children point at it. All operations are constant-time per
// entry and safe for concurrent use.
type DependencyTable struct {
	mu   gosync.Mutex
	deps map[types.Hash][]*DependentItem
}

// NewDependencyTable creates an empty table.
func NewDependencyTable() *DependencyTable {
	return &DependencyTable{deps: make(map[types.Hash][]*DependentItem)}
}

// Add records that dependent needs hash to be persisted first. It returns
// whether the hash already had a dependency entry before this call, which is
// the signal that the hash is in flight and must not be enqueued again. The
// edge is recorded before that check resolves, so a second parent
// discovering the hash always becomes a dependent.
func (t *DependencyTable) Add(hash types.Hash, dependent *DependentItem) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	list, existed := t.deps[hash]
	if dependent != nil {
		duplicate := false
		for _, d := range list {
			if d.Item.Hash == dependent.Item.Hash {
				duplicate = true
				break
			}
		}
		if !duplicate {
			t.deps[hash] = append(list, dependent)
		}
	}
	return existed
}

// Contains reports whether any dependency entry exists for hash.
func (t *DependencyTable) Contains(hash types.Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.deps[hash]
	return ok
}

// Resolve removes the entry keyed by hash, decrements each dependent's
// counter, and returns those that reached zero and may now be written.
func (t *DependencyTable) Resolve(hash types.Hash) []*DependentItem {
	t.mu.Lock()
	defer t.mu.Unlock()

	list, ok := t.deps[hash]
	if !ok {
		return nil
	}
	delete(t.deps, hash)

	var ready []*DependentItem
	for _, d := range list {
		d.Counter--
		if d.Counter <= 0 {
			ready = append(ready, d)
		}
	}
	return ready
}

// Count returns the number of hashes with registered dependents.
func (t *DependencyTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.deps)
}

// Clear discards all entries.
func (t *DependencyTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deps = make(map[types.Hash][]*DependentItem)
}
