package sync

import (
	"fmt"

	"github.com/statefeed/statefeed/core/types"
)

// NodeDataType identifies which backing store holds an item and how its
// response bytes are interpreted.
type NodeDataType byte

const (
	// StateNode is a node of the account state trie.
	StateNode NodeDataType = iota
	// StorageNode is a node of a per-account storage trie.
	StorageNode
	// Code is raw contract bytecode.
	Code
)

// String returns a human-readable type name.
func (t NodeDataType) String() string {
	switch t {
	case StateNode:
		return "state"
	case StorageNode:
		return "storage"
	case Code:
		return "code"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// SyncItem is a unit of download work: one content-addressed blob to fetch.
// Two items with equal hash and kind are interchangeable for fetching; the
// remaining fields only affect prioritization and progress reporting.
type SyncItem struct {
	Hash types.Hash
	Kind NodeDataType

	// Level is the depth in the owning trie (root = 0, hex trie leaves <= 64).
	Level int

	// Rightness measures how far right this subtree sits within its trie.
	// Higher values are preferred when a round is closing out.
	Rightness uint64

	// ParentBranchChildIndex and BranchChildIndex locate the item in the top
	// of the trie for branch-progress reporting. -1 when not applicable.
	ParentBranchChildIndex int
	BranchChildIndex       int

	// IsRoot is true iff this item's hash is the current target root.
	IsRoot bool
}

// NewSyncItem creates a SyncItem with unset branch indices.
func NewSyncItem(hash types.Hash, kind NodeDataType, level int, rightness uint64) *SyncItem {
	return &SyncItem{
		Hash:                   hash,
		Kind:                   kind,
		Level:                  level,
		Rightness:              rightness,
		ParentBranchChildIndex: -1,
		BranchChildIndex:       -1,
	}
}

// rightnessStep is the per-child rightness increment for a parent at the
// given level: 16^max(0, 7-level).
func rightnessStep(parentLevel int) uint64 {
	exp := 7 - parentLevel
	if exp < 0 {
		exp = 0
	}
	return uint64(1) << (4 * uint(exp))
}

// BranchChildRightness computes the rightness of a branch child at the given
// slot index.
func BranchChildRightness(parent *SyncItem, childIndex int) uint64 {
	return parent.Rightness + rightnessStep(parent.Level)*uint64(childIndex)
}

// ExtensionChildRightness computes the rightness of an extension's single
// child.
func ExtensionChildRightness(parent *SyncItem) uint64 {
	return parent.Rightness + rightnessStep(parent.Level)*16 - 1
}

// DependentItem is a parent node held in memory until all of its unsaved
// descendants are persisted. Two DependentItems are the same dependent iff
// their items share a hash.
type DependentItem struct {
	Item  *SyncItem
	Value []byte

	// Counter is the number of descendants not yet persisted. The parent may
	// be written once it reaches zero.
	Counter int

	// IsAccount marks an account leaf; its satisfaction also counts toward
	// the saved-accounts statistic.
	IsAccount bool
}
