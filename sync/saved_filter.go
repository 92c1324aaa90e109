package sync

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/statefeed/statefeed/core/types"
)

// SavedFilter is a bounded LRU set of hashes known to be already persisted.
// It short-circuits database existence checks on the insertion path. False
// negatives only cost a database check; false positives would drop work and
// cannot occur since entries are added only after a confirmed write or read.
type SavedFilter struct {
	cache *lru.Cache[types.Hash, struct{}]
}

// NewSavedFilter creates a filter holding at most capacity hashes, evicting
// strictly by recency.
func NewSavedFilter(capacity int) (*SavedFilter, error) {
	cache, err := lru.New[types.Hash, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &SavedFilter{cache: cache}, nil
}

// Get reports membership and refreshes the hash's recency.
func (f *SavedFilter) Get(hash types.Hash) bool {
	_, ok := f.cache.Get(hash)
	return ok
}

// Set inserts a hash, evicting the least recently used on overflow.
func (f *SavedFilter) Set(hash types.Hash) {
	f.cache.Add(hash, struct{}{})
}

// Len returns the number of hashes currently held.
func (f *SavedFilter) Len() int {
	return f.cache.Len()
}
