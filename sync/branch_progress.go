package sync

import (
	gosync "sync"
)

// NodeProgressState is the completion status of one cell in the top of the
// state trie.
type NodeProgressState byte

const (
	ProgressUnknown NodeProgressState = iota
	ProgressRequested
	ProgressEmpty
	ProgressAlreadySaved
	ProgressSaved
)

// terminal reports whether a cell needs no further work.
func (s NodeProgressState) terminal() bool {
	return s == ProgressEmpty || s == ProgressAlreadySaved || s == ProgressSaved
}

// BranchProgress records completion status at the top two levels of the
// state trie. It exists for progress estimation and logging only; sync
// correctness does not depend on it.
type BranchProgress struct {
	mu          gosync.Mutex
	blockNumber uint64

	// level0 covers the 16 children of the root branch; level1 the children
	// of each of those.
	level0 [16]NodeProgressState
	level1 [16][16]NodeProgressState
}

// NewBranchProgress creates a progress map for a round targeting the state
// root of the given block.
func NewBranchProgress(blockNumber uint64) *BranchProgress {
	return &BranchProgress{blockNumber: blockNumber}
}

// CurrentBlock returns the block number whose state is being synced.
func (b *BranchProgress) CurrentBlock() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockNumber
}

// ReportSynced updates one cell. level is the reported item's own trie
// level; only state items at levels 1 and 2 are recorded.
func (b *BranchProgress) ReportSynced(level, parentIndex, childIndex int, kind NodeDataType, state NodeProgressState) {
	if kind != StateNode || childIndex < 0 || childIndex > 15 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch level {
	case 1:
		b.level0[childIndex] = state
	case 2:
		if parentIndex >= 0 && parentIndex <= 15 {
			b.level1[parentIndex][childIndex] = state
		}
	}
}

// Progress derives an estimated completion fraction in [0, 1], weighting
// each completed top-level branch child by 1/16 and partially completed ones
// by their level-1 cells.
func (b *BranchProgress) Progress() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0.0
	for i := 0; i < 16; i++ {
		if b.level0[i].terminal() {
			total += 1.0 / 16.0
			continue
		}
		done := 0
		for j := 0; j < 16; j++ {
			if b.level1[i][j].terminal() {
				done++
			}
		}
		total += float64(done) / 256.0
	}
	return total
}
