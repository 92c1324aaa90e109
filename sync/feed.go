// Package sync implements the Merkle-Patricia state-trie synchronizer: given
// a target state root known to exist on the network, it reconstructs the
// full world state (trie nodes, contract code, storage tries) into two
// content-addressed stores while tolerating slow, malicious, or partially
// responsive peers.
//
// The feed is driven from outside: the dispatcher calls PrepareRequest to
// drain pending items into batches, hands the batches to peers, and calls
// HandleResponse when the payloads arrive. Responses for different batches
// may be handled concurrently.
package sync

import (
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/statefeed/statefeed/core/rawdb"
	"github.com/statefeed/statefeed/core/types"
	"github.com/statefeed/statefeed/crypto"
	"github.com/statefeed/statefeed/log"
	"github.com/statefeed/statefeed/trie"
)

// AddNodeResult reports what the insertion path did with a sync item.
type AddNodeResult int

const (
	// NodeAdded: the item was queued for download.
	NodeAdded AddNodeResult = iota
	// NodeAlreadyRequested: the hash is in flight; not enqueued again.
	NodeAlreadyRequested
	// NodeAlreadySaved: the hash is already persisted.
	NodeAlreadySaved
)

// Feed is the state-trie synchronizer core. It owns the pending-item queue,
// the dependency table, the deduplication layers and the progress model for
// one target root at a time.
type Feed struct {
	config Config
	lg     *log.Logger

	stateDB rawdb.KeyValueStore
	codeDB  rawdb.KeyValueStore

	// stateDBLock and codeDBLock guard all writes to the respective store
	// and the existence checks on the insertion path.
	stateDBLock gosync.Mutex
	codeDBLock  gosync.Mutex

	pending *PendingItems
	saved   *SavedFilter
	deps    *DependencyTable

	progress *DetailedProgress

	// codesSameAsNodes holds code hashes that coincide with a storage root;
	// when that storage node is saved its bytes are also written as code.
	codesMu          gosync.Mutex
	codesSameAsNodes map[types.Hash]struct{}

	inFlightMu gosync.Mutex
	inFlight   map[*Batch]struct{}

	// handleMu serializes the bookkeeping tail of HandleResponse so the
	// progress checkpoint and quality classification stay consistent.
	handleMu gosync.Mutex

	// mu guards the per-round fields below.
	mu             gosync.Mutex
	currentRoot    types.Hash
	blockNumber    uint64
	roundStart     time.Time
	secondsBase    int64
	branchProgress *BranchProgress

	rootSaved  atomic.Bool
	finished   atomic.Bool
	resetHints atomic.Int32
}

// progressKey is the code-store key the serialized DetailedProgress record
// is checkpointed under: the all-zero hash.
func progressKey() []byte {
	return make([]byte, types.HashLength)
}

// NewFeed creates a synchronizer over the given state and code stores. The
// progress record usually comes from LoadDetailedProgress over the previous
// checkpoint so counters survive restarts.
func NewFeed(config Config, stateDB, codeDB rawdb.KeyValueStore, progress *DetailedProgress, lg *log.Logger) (*Feed, error) {
	config = config.sanitize()
	saved, err := NewSavedFilter(config.SavedFilterCapacity)
	if err != nil {
		return nil, err
	}
	if progress == nil {
		progress = &DetailedProgress{ChainID: config.ChainID}
	}
	if lg == nil {
		lg = log.Default().Module("statesync")
	}
	return &Feed{
		config:           config,
		lg:               lg,
		stateDB:          stateDB,
		codeDB:           codeDB,
		pending:          NewPendingItems(config.PriorityReviewPeriod),
		saved:            saved,
		deps:             NewDependencyTable(),
		progress:         progress,
		codesSameAsNodes: make(map[types.Hash]struct{}),
		inFlight:         make(map[*Batch]struct{}),
		branchProgress:   NewBranchProgress(0),
	}, nil
}

// Root returns the current target state root.
func (f *Feed) Root() types.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentRoot
}

// BlockNumber returns the block whose state root is being pursued.
func (f *Feed) BlockNumber() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockNumber
}

// Finished reports whether the current round is over: the root was saved,
// found trivially complete, or abandoned after repeated stalls.
func (f *Feed) Finished() bool {
	return f.finished.Load()
}

// RootSaved reports whether the target root itself has been persisted.
func (f *Feed) RootSaved() bool {
	return f.rootSaved.Load()
}

// Progress returns the feed's counter record.
func (f *Feed) Progress() *DetailedProgress {
	return f.progress
}

// Pending returns the number of items still queued.
func (f *Feed) Pending() int {
	return f.pending.Count()
}

// InFlight returns the number of batches awaiting responses.
func (f *Feed) InFlight() int {
	f.inFlightMu.Lock()
	defer f.inFlightMu.Unlock()
	return len(f.inFlight)
}

// DependencyCount returns the number of hashes with blocked parents.
func (f *Feed) DependencyCount() int {
	return f.deps.Count()
}

func (f *Feed) branchProgressRef() *BranchProgress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branchProgress
}

// PrepareRequest drains up to the configured batch size of pending items
// into a new batch and registers it in flight. It returns nil when there is
// nothing to request, which happens when the round is complete or the queue
// is momentarily empty. Repeated empty drains past the response grace period
// accumulate stall hints; reaching the hint threshold ends the round so the
// controller can pick a fresh root.
func (f *Feed) PrepareRequest() *Batch {
	f.mu.Lock()
	root := f.currentRoot
	roundStart := f.roundStart
	f.mu.Unlock()

	if root == types.EmptyRootHash {
		// The empty trie needs no download at all.
		f.finished.Store(true)
		return nil
	}
	if f.rootSaved.Load() {
		f.finished.Store(true)
		return nil
	}
	if int(f.resetHints.Load()) >= f.config.ResetHintThreshold {
		f.lg.Info("state sync stalling, abandoning current root",
			"root", root, "hints", f.resetHints.Load())
		f.finished.Store(true)
		return nil
	}
	f.stateDBLock.Lock()
	has, _ := f.stateDB.Has(root.Bytes())
	f.stateDBLock.Unlock()
	if has {
		f.rootSaved.Store(true)
		f.finished.Store(true)
		return nil
	}

	items := f.pending.TakeBatch(f.config.BatchSize)
	if len(items) == 0 {
		if !roundStart.IsZero() && time.Since(roundStart) > f.config.ResponseGrace {
			f.resetHints.Add(1)
		}
		return nil
	}
	batch := &Batch{Requested: items}
	f.inFlightMu.Lock()
	f.inFlight[batch] = struct{}{}
	f.inFlightMu.Unlock()
	f.progress.RequestedNodes.Add(int64(len(items)))
	return batch
}

// HandleResponse verifies and consumes the payloads of a previously emitted
// batch. Safe for concurrent invocation on distinct batches and concurrent
// with PrepareRequest. A batch that is no longer in flight is a benign
// duplicate and yields OK without side effects.
func (f *Feed) HandleResponse(batch *Batch) Result {
	if batch == nil {
		return ResultInternalError
	}
	f.inFlightMu.Lock()
	_, known := f.inFlight[batch]
	delete(f.inFlight, batch)
	f.inFlightMu.Unlock()
	if !known {
		return ResultOK
	}

	f.maybeReviewPriorities()

	if batch.Requested == nil {
		f.lg.Error("state sync batch without request payload")
		return ResultInternalError
	}
	if batch.Responses == nil {
		// No peer was assigned; everything goes back to the queue.
		for _, item := range batch.Requested {
			f.pending.Push(item)
		}
		f.progress.NotAssignedCount.Add(1)
		return ResultNotAssigned
	}

	nonEmpty, invalid := 0, 0
	for i, item := range batch.Requested {
		if i >= len(batch.Responses) || batch.Responses[i] == nil {
			f.pending.Push(item)
			continue
		}
		data := batch.Responses[i]
		nonEmpty++
		f.progress.HandledNodes.Add(1)

		// Peers routinely send wrong data; only the hash proves the payload.
		if crypto.Keccak256Hash(data) != item.Hash {
			f.pending.Push(item)
			invalid++
			continue
		}
		if item.Kind == Code {
			f.saveNode(item, data)
			continue
		}
		if bad := f.handleTrieNode(item, data); bad {
			invalid++
		}
	}

	f.handleMu.Lock()
	defer f.handleMu.Unlock()

	f.persistProgress()

	denom := float64(len(batch.Requested))
	if denom < 1 {
		denom = 1
	}
	isEmptish := float64(nonEmpty)/denom < emptishRatio
	isBadQuality := nonEmpty > badQualityFloor && float64(invalid)/denom > badQualityRatio
	isEmpty := nonEmpty == 0 && !isBadQuality

	if isEmptish {
		f.resetHints.Add(1)
		f.progress.EmptishCount.Add(1)
	} else {
		f.resetHints.Store(0)
	}
	switch {
	case isEmpty:
		return ResultNoProgress
	case isBadQuality:
		f.progress.BadQualityCount.Add(1)
		return ResultLesserQuality
	case isEmptish:
		return ResultEmptish
	default:
		f.progress.OKCount.Add(1)
		return ResultOK
	}
}

// ResetStateRoot points the feed at a new target root. It must not be called
// while a round is active. Resetting to the same root re-enqueues every
// in-flight batch's items and keeps the in-memory state; a different root
// clears everything and seeds the queue with the new root.
func (f *Feed) ResetStateRoot(blockNumber uint64, root types.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sameRoot := root == f.currentRoot

	f.inFlightMu.Lock()
	if sameRoot {
		for batch := range f.inFlight {
			for _, item := range batch.Requested {
				f.pending.Push(item)
			}
		}
	}
	f.inFlight = make(map[*Batch]struct{})
	f.inFlightMu.Unlock()

	if !sameRoot {
		f.deps.Clear()
		f.codesMu.Lock()
		f.codesSameAsNodes = make(map[types.Hash]struct{})
		f.codesMu.Unlock()
		f.pending.Clear()
		f.rootSaved.Store(false)
		f.branchProgress = NewBranchProgress(blockNumber)
	}
	f.currentRoot = root
	f.blockNumber = blockNumber
	f.roundStart = time.Now()
	f.secondsBase = f.progress.SecondsInSync.Load()
	f.resetHints.Store(0)
	f.finished.Store(false)

	if root != types.EmptyRootHash {
		if peek := f.pending.PeekState(); peek == nil || peek.Hash != root {
			item := NewSyncItem(root, StateNode, 0, 0)
			item.IsRoot = true
			f.pending.Push(item)
		}
	}
}

// VerifyPostSyncCleanUp asserts the dependency table drained with the round.
// A non-empty table at a clean round end signals corruption; it is reported
// and cleared rather than failing the round.
func (f *Feed) VerifyPostSyncCleanUp() {
	if n := f.deps.Count(); n != 0 {
		f.lg.Warn("dependency table not empty at round end, clearing",
			"entries", n, "root", f.Root())
	}
	f.deps.Clear()
}

// maybeReviewPriorities triggers the rate-limited pending-queue priority
// recalculation and logs the outcome.
func (f *Feed) maybeReviewPriorities() {
	desc := f.pending.RecalculatePriorities(
		f.progress.SavedNodes.Load(), f.branchProgressRef().Progress())
	if desc != "" {
		f.lg.Info("state sync priorities reviewed",
			"block", f.branchProgressRef().CurrentBlock(), "detail", desc)
	}
}

// persistProgress checkpoints the counter record into the code store under
// the progress key. Checkpoint failures are logged, never propagated.
func (f *Feed) persistProgress() {
	f.mu.Lock()
	roundStart := f.roundStart
	base := f.secondsBase
	f.mu.Unlock()
	if !roundStart.IsZero() {
		f.progress.SecondsInSync.Store(base + int64(time.Since(roundStart).Seconds()))
	}
	f.progress.LastReportTime.Store(time.Now().UnixNano())

	data := f.progress.Serialize()
	f.codeDBLock.Lock()
	err := f.codeDB.Put(progressKey(), data)
	f.codeDBLock.Unlock()
	if err != nil {
		f.lg.Error("failed to checkpoint sync progress", "err", err)
	}
}

// handleTrieNode parses a verified payload as a trie node and schedules its
// children. It returns true when the payload is not a well-formed node.
func (f *Feed) handleTrieNode(item *SyncItem, data []byte) bool {
	node, err := trie.ParseNode(data)
	if err != nil {
		f.progress.InvalidFormatCount.Add(1)
		return true
	}
	switch node.Kind {
	case trie.NodeBranch:
		f.handleBranch(item, data, node)
	case trie.NodeExtension:
		f.handleExtension(item, data, node)
	case trie.NodeLeaf:
		return f.handleLeaf(item, data, node)
	default:
		f.progress.InvalidFormatCount.Add(1)
		return true
	}
	return false
}

// handleBranch schedules the children of a branch node, deduplicating child
// hashes within the branch, and saves the branch once no child blocks it.
// The value slot is not a child reference. Embedded children travel inside
// the parent's bytes and need no separate fetch.
func (f *Feed) handleBranch(item *SyncItem, data []byte, node *trie.ParsedNode) {
	dep := &DependentItem{Item: item, Value: data}
	seen := make(map[types.Hash]struct{})

	for i := 15; i >= 0; i-- {
		child := node.Children[i]
		if child == nil {
			f.branchProgressRef().ReportSynced(
				item.Level+1, item.BranchChildIndex, i, item.Kind, ProgressEmpty)
			continue
		}
		if child.IsEmbedded() {
			continue
		}
		if _, dup := seen[child.Hash]; dup {
			continue
		}
		seen[child.Hash] = struct{}{}

		childItem := &SyncItem{
			Hash:                   child.Hash,
			Kind:                   item.Kind,
			Level:                  item.Level + 1,
			Rightness:              BranchChildRightness(item, i),
			ParentBranchChildIndex: item.BranchChildIndex,
			BranchChildIndex:       i,
		}
		if res := f.addNodeToPending(childItem, dep); res != NodeAlreadySaved {
			dep.Counter++
		}
	}
	if dep.Counter == 0 {
		f.saveNode(item, data)
	}
}

// handleExtension schedules the single child of an extension node. The child
// sits len(path) nibbles deeper. An embedded child makes the extension
// immediately savable.
func (f *Feed) handleExtension(item *SyncItem, data []byte, node *trie.ParsedNode) {
	if node.Child.IsEmbedded() {
		f.saveNode(item, data)
		return
	}
	dep := &DependentItem{Item: item, Value: data}
	childItem := NewSyncItem(
		node.Child.Hash, item.Kind, item.Level+len(node.Path), ExtensionChildRightness(item))
	if res := f.addNodeToPending(childItem, dep); res != NodeAlreadySaved {
		dep.Counter++
	} else {
		f.saveNode(item, data)
	}
}

// handleLeaf saves a storage leaf directly and resolves an account leaf's
// code and storage dependencies. Returns true when the account payload does
// not decode.
func (f *Feed) handleLeaf(item *SyncItem, data []byte, node *trie.ParsedNode) bool {
	if item.Kind == StorageNode {
		// Storage leaves carry no child references.
		f.pending.SetMaxStorageLevel(64)
		f.saveNode(item, data)
		return false
	}

	// We have reached the bottom of the account trie.
	f.pending.SetMaxStateLevel(64)

	acct, err := trie.DecodeAccount(node.Value)
	if err != nil {
		f.progress.InvalidFormatCount.Add(1)
		return true
	}
	dep := &DependentItem{Item: item, Value: data, IsAccount: true}

	codeHash := acct.CodeHashValue()
	switch {
	case codeHash == types.EmptyCodeHash:
		// No code dependency.
	case codeHash == acct.Root:
		// The code bytes coincide with the storage root node; commit to
		// writing both when that node arrives instead of fetching twice.
		f.codesMu.Lock()
		f.codesSameAsNodes[codeHash] = struct{}{}
		f.codesMu.Unlock()
	default:
		codeItem := NewSyncItem(codeHash, Code, 0, 0)
		if res := f.addNodeToPending(codeItem, dep); res != NodeAlreadySaved {
			dep.Counter++
		}
	}
	if acct.Root != types.EmptyRootHash {
		storageItem := NewSyncItem(acct.Root, StorageNode, 0, 0)
		if res := f.addNodeToPending(storageItem, dep); res != NodeAlreadySaved {
			dep.Counter++
		}
	}
	if dep.Counter == 0 {
		f.progress.SavedAccounts.Add(1)
		f.saveNode(item, data)
	}
	return false
}

// addNodeToPending runs the deduplicated insertion path: recently-saved
// filter, store membership, dependency registration, queue push. The parent
// edge is recorded before the in-flight check so a second parent discovering
// the hash always becomes a dependent.
func (f *Feed) addNodeToPending(item *SyncItem, dependent *DependentItem) AddNodeResult {
	if f.saved.Get(item.Hash) {
		f.progress.SavedFilterHits.Add(1)
		f.reportAlreadySaved(item)
		return NodeAlreadySaved
	}

	f.progress.DBChecks.Add(1)
	var has bool
	if item.Kind == Code {
		f.codeDBLock.Lock()
		has, _ = f.codeDB.Has(item.Hash.Bytes())
		f.codeDBLock.Unlock()
	} else {
		f.stateDBLock.Lock()
		has, _ = f.stateDB.Has(item.Hash.Bytes())
		f.stateDBLock.Unlock()
	}
	if has {
		f.progress.StateWasThere.Add(1)
		f.saved.Set(item.Hash)
		f.reportAlreadySaved(item)
		return NodeAlreadySaved
	}
	f.progress.StateWasNotThere.Add(1)

	if f.deps.Add(item.Hash, dependent) {
		return NodeAlreadyRequested
	}
	f.pending.Push(item)
	f.branchProgressRef().ReportSynced(
		item.Level, item.ParentBranchChildIndex, item.BranchChildIndex,
		item.Kind, ProgressRequested)
	return NodeAdded
}

// reportAlreadySaved records branch progress for a hash found persisted on
// the insertion path.
func (f *Feed) reportAlreadySaved(item *SyncItem) {
	f.branchProgressRef().ReportSynced(
		item.Level, item.ParentBranchChildIndex, item.BranchChildIndex,
		item.Kind, ProgressAlreadySaved)
}

// saveNode writes verified bytes to the appropriate store and cascades into
// any parents whose last missing descendant this was.
func (f *Feed) saveNode(item *SyncItem, data []byte) {
	switch item.Kind {
	case Code:
		f.codeDBLock.Lock()
		err := f.codeDB.Put(item.Hash.Bytes(), data)
		f.codeDBLock.Unlock()
		if err != nil {
			f.lg.Error("failed to write code", "hash", item.Hash, "err", err)
			return
		}
		f.progress.SavedCode.Add(1)

	default:
		f.stateDBLock.Lock()
		err := f.stateDB.Put(item.Hash.Bytes(), data)
		f.stateDBLock.Unlock()
		if err != nil {
			f.lg.Error("failed to write trie node", "hash", item.Hash, "err", err)
			return
		}
		if item.Kind == StateNode {
			f.progress.SavedStateNodes.Add(1)
		} else {
			f.progress.SavedStorageNodes.Add(1)
		}
		if item.Kind == StorageNode {
			f.codesMu.Lock()
			_, alsoCode := f.codesSameAsNodes[item.Hash]
			if alsoCode {
				delete(f.codesSameAsNodes, item.Hash)
			}
			f.codesMu.Unlock()
			if alsoCode {
				// An account pre-committed to these bytes doubling as its code.
				f.codeDBLock.Lock()
				if err := f.codeDB.Put(item.Hash.Bytes(), data); err != nil {
					f.lg.Error("failed to write code alias", "hash", item.Hash, "err", err)
				}
				f.codeDBLock.Unlock()
				f.progress.SavedCode.Add(1)
			}
		}
	}
	f.progress.SavedNodes.Add(1)
	f.progress.DataSize.Add(int64(len(data)))
	f.saved.Set(item.Hash)
	f.branchProgressRef().ReportSynced(
		item.Level, item.ParentBranchChildIndex, item.BranchChildIndex,
		item.Kind, ProgressSaved)

	if item.IsRoot {
		f.rootSaved.Store(true)
		f.lg.Info("state sync target root persisted",
			"root", item.Hash, "block", f.branchProgressRef().CurrentBlock())
	}
	f.possiblySaveDependentNodes(item.Hash)
}

// possiblySaveDependentNodes drains the dependency entry of a just-saved
// hash and writes every parent whose counter reached zero. Saving a parent
// recurses through saveNode, so a chain of completed ancestors persists in a
// single call.
func (f *Feed) possiblySaveDependentNodes(hash types.Hash) {
	for _, d := range f.deps.Resolve(hash) {
		if d.IsAccount {
			f.progress.SavedAccounts.Add(1)
		}
		f.saveNode(d.Item, d.Value)
	}
}
