package sync

import (
	"fmt"
	"sort"
	gosync "sync"
	"time"
)

// Pending item streams, in default drain priority order. Shallow state nodes
// are preferred so breadth is discovered early; codes drain last since they
// unblock no further traversal.
type streamID int

const (
	streamStateShallow streamID = iota
	streamStorage
	streamStateDeep
	streamCodes
	streamCount
)

// PendingItems is the prioritized multi-stream queue of items still to
// fetch. It is safe for concurrent use.
type PendingItems struct {
	mu      gosync.Mutex
	streams [streamCount][]*SyncItem

	// Observed trie depth hints. A state leaf fixes maxStateLevel to 64.
	maxStateLevel   int
	maxStorageLevel int

	// closingOut is set by a priority review when progress is stalling;
	// draining then prefers items with higher rightness to finish trailing
	// subtrees.
	closingOut bool

	reviewPeriod time.Duration
	lastReview   time.Time
	lastSaved    int64
}

// NewPendingItems creates an empty queue. The review period rate-limits
// RecalculatePriorities.
func NewPendingItems(reviewPeriod time.Duration) *PendingItems {
	return &PendingItems{reviewPeriod: reviewPeriod}
}

// streamFor selects the stream an item is queued on.
func (p *PendingItems) streamFor(item *SyncItem) streamID {
	switch item.Kind {
	case Code:
		return streamCodes
	case StorageNode:
		return streamStorage
	default:
		if item.Level <= p.maxStateLevel/2 {
			return streamStateShallow
		}
		return streamStateDeep
	}
}

// Push queues an item for download.
func (p *PendingItems) Push(item *SyncItem) {
	if item == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch item.Kind {
	case StateNode:
		if item.Level > p.maxStateLevel {
			p.maxStateLevel = item.Level
		}
	case StorageNode:
		if item.Level > p.maxStorageLevel {
			p.maxStorageLevel = item.Level
		}
	}
	id := p.streamFor(item)
	p.streams[id] = append(p.streams[id], item)
}

// TakeBatch pops up to max items, drawing predominantly from the highest
// priority non-empty stream while letting the other streams advance.
func (p *PendingItems) TakeBatch(max int) []*SyncItem {
	p.mu.Lock()
	defer p.mu.Unlock()

	if max <= 0 {
		return nil
	}
	var out []*SyncItem

	// The primary stream keeps a quarter of the batch free for the others.
	primaryCap := max - max/4
	remaining := max
	first := true
	for id := streamID(0); id < streamCount; id++ {
		if remaining == 0 {
			break
		}
		if len(p.streams[id]) == 0 {
			continue
		}
		n := remaining
		if first {
			if n > primaryCap {
				n = primaryCap
			}
			first = false
		}
		taken := p.drainLocked(id, n)
		out = append(out, taken...)
		remaining -= len(taken)
	}
	// Backfill if the reserved share went unused.
	for id := streamID(0); id < streamCount && remaining > 0; id++ {
		taken := p.drainLocked(id, remaining)
		out = append(out, taken...)
		remaining -= len(taken)
	}
	return out
}

// drainLocked removes up to n items from a stream. FIFO within a stream,
// unless the last priority review signalled closing out, in which case items
// with higher rightness drain first.
func (p *PendingItems) drainLocked(id streamID, n int) []*SyncItem {
	s := p.streams[id]
	if len(s) == 0 || n <= 0 {
		return nil
	}
	if p.closingOut {
		sort.SliceStable(s, func(i, j int) bool {
			return s[i].Rightness > s[j].Rightness
		})
	}
	if n > len(s) {
		n = len(s)
	}
	taken := make([]*SyncItem, n)
	copy(taken, s[:n])
	p.streams[id] = s[n:]
	return taken
}

// PeekState returns the next state item without removing it, or nil.
func (p *PendingItems) PeekState() *SyncItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams[streamStateShallow]) > 0 {
		return p.streams[streamStateShallow][0]
	}
	if len(p.streams[streamStateDeep]) > 0 {
		return p.streams[streamStateDeep][0]
	}
	return nil
}

// Count returns the total number of queued items.
func (p *PendingItems) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for id := streamID(0); id < streamCount; id++ {
		total += len(p.streams[id])
	}
	return total
}

// Clear discards all queued items and depth hints.
func (p *PendingItems) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := streamID(0); id < streamCount; id++ {
		p.streams[id] = nil
	}
	p.maxStateLevel = 0
	p.maxStorageLevel = 0
	p.closingOut = false
}

// MaxStateLevel returns the deepest observed state trie level.
func (p *PendingItems) MaxStateLevel() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxStateLevel
}

// MaxStorageLevel returns the deepest observed storage trie level.
func (p *PendingItems) MaxStorageLevel() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxStorageLevel
}

// SetMaxStateLevel raises the state depth hint (a leaf fixes it to 64).
func (p *PendingItems) SetMaxStateLevel(level int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if level > p.maxStateLevel {
		p.maxStateLevel = level
	}
}

// SetMaxStorageLevel raises the storage depth hint.
func (p *PendingItems) SetMaxStorageLevel(level int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if level > p.maxStorageLevel {
		p.maxStorageLevel = level
	}
}

// RecalculatePriorities re-weights the streams based on observed progress.
// It runs at most once per review period; calls inside the period return an
// empty string. savedNodes is the cumulative saved-node count and
// branchProgress the current completion estimate.
func (p *PendingItems) RecalculatePriorities(savedNodes int64, branchProgress float64) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if !p.lastReview.IsZero() && now.Sub(p.lastReview) < p.reviewPeriod {
		return ""
	}
	p.lastReview = now

	delta := savedNodes - p.lastSaved
	p.lastSaved = savedNodes

	// Little forward movement over a whole review period means the round is
	// down to its trailing subtrees: close them out right-to-left.
	p.closingOut = delta < DefaultBatchSize

	total := 0
	for id := streamID(0); id < streamCount; id++ {
		total += len(p.streams[id])
	}
	return fmt.Sprintf(
		"priority review: saved %d (+%d), branch progress %.2f%%, pending %d (state %d/%d, storage %d, code %d), levels state<=%d storage<=%d, closing out %v",
		savedNodes, delta, branchProgress*100, total,
		len(p.streams[streamStateShallow]), len(p.streams[streamStateDeep]),
		len(p.streams[streamStorage]), len(p.streams[streamCodes]),
		p.maxStateLevel, p.maxStorageLevel, p.closingOut)
}
