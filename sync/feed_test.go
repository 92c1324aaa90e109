package sync

import (
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/statefeed/statefeed/core/rawdb"
	"github.com/statefeed/statefeed/core/types"
	"github.com/statefeed/statefeed/crypto"
	"github.com/statefeed/statefeed/log"
	"github.com/statefeed/statefeed/trie"
)

func testLogger() *log.Logger {
	return log.NewWithHandler(slog.NewTextHandler(io.Discard, nil))
}

func newTestFeed(t *testing.T) (*Feed, *rawdb.MemoryDB, *rawdb.MemoryDB) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ChainID = 1
	stateDB := rawdb.NewMemoryDB()
	codeDB := rawdb.NewMemoryDB()
	feed, err := NewFeed(cfg, stateDB, codeDB, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return feed, stateDB, codeDB
}

// hpKey hex-prefix encodes a nibble path for inclusion in a test node.
func hpKey(nibbles []byte, leaf bool) []byte {
	flag := byte(0)
	if leaf {
		flag = 0x20
	}
	if len(nibbles)%2 == 1 {
		buf := make([]byte, len(nibbles)/2+1)
		buf[0] = flag | 0x10 | nibbles[0]
		packNibbles(nibbles[1:], buf[1:])
		return buf
	}
	buf := make([]byte, len(nibbles)/2+1)
	buf[0] = flag
	packNibbles(nibbles, buf[1:])
	return buf
}

func packNibbles(nibbles, out []byte) {
	for i := 0; i+1 < len(nibbles); i += 2 {
		out[i/2] = nibbles[i]<<4 | nibbles[i+1]
	}
}

func encodeTestNode(t *testing.T, elems []interface{}) (types.Hash, []byte) {
	t.Helper()
	data, err := rlp.EncodeToBytes(elems)
	if err != nil {
		t.Fatal(err)
	}
	return crypto.Keccak256Hash(data), data
}

// leafNode builds a leaf carrying an arbitrary value.
func leafNode(t *testing.T, nibbles []byte, value []byte) (types.Hash, []byte) {
	return encodeTestNode(t, []interface{}{hpKey(nibbles, true), value})
}

// accountLeaf builds a state trie leaf for the given account.
func accountLeaf(t *testing.T, nibbles []byte, acct types.Account) (types.Hash, []byte) {
	t.Helper()
	value, err := trie.EncodeAccount(acct)
	if err != nil {
		t.Fatal(err)
	}
	return leafNode(t, nibbles, value)
}

// branchNode builds a branch whose occupied slots reference the given hashes.
func branchNode(t *testing.T, slots map[int]types.Hash) (types.Hash, []byte) {
	elems := make([]interface{}, 17)
	for i := range elems {
		elems[i] = []byte{}
	}
	for i, h := range slots {
		elems[i] = h.Bytes()
	}
	return encodeTestNode(t, elems)
}

// extensionNode builds an extension pointing at the given child hash.
func extensionNode(t *testing.T, nibbles []byte, child types.Hash) (types.Hash, []byte) {
	return encodeTestNode(t, []interface{}{hpKey(nibbles, false), child.Bytes()})
}

// respond fills a batch's responses from a hash-indexed payload map.
func respond(batch *Batch, payloads map[types.Hash][]byte) {
	batch.Responses = make([][]byte, len(batch.Requested))
	for i, item := range batch.Requested {
		if data, ok := payloads[item.Hash]; ok {
			batch.Responses[i] = data
		}
	}
}

// eoa returns an account with no code and no storage.
func eoa() types.Account {
	acct := types.NewAccount()
	acct.Nonce = 1
	acct.Balance = uint256.NewInt(1000)
	return acct
}

// --- Scenario: empty trie ---

func TestFeed_EmptyTrieRoot(t *testing.T) {
	feed, stateDB, codeDB := newTestFeed(t)
	feed.ResetStateRoot(5, types.EmptyRootHash)

	if batch := feed.PrepareRequest(); batch != nil {
		t.Fatal("empty trie produced a request")
	}
	if !feed.Finished() {
		t.Fatal("empty trie round not finished")
	}
	if stateDB.Len() != 0 || codeDB.Len() != 0 {
		t.Fatal("empty trie round wrote to a store")
	}
}

// --- Scenario: single account leaf ---

func TestFeed_SingleLeaf(t *testing.T) {
	feed, stateDB, _ := newTestFeed(t)
	nibbles := make([]byte, 64)
	root, data := accountLeaf(t, nibbles, eoa())

	feed.ResetStateRoot(1, root)
	batch := feed.PrepareRequest()
	if batch == nil || len(batch.Requested) != 1 {
		t.Fatalf("want exactly one requested item")
	}
	if batch.Requested[0].Hash != root || !batch.Requested[0].IsRoot {
		t.Fatal("root item not requested")
	}

	respond(batch, map[types.Hash][]byte{root: data})
	if res := feed.HandleResponse(batch); res != ResultOK {
		t.Fatalf("want OK, got %s", res)
	}
	if ok, _ := stateDB.Has(root.Bytes()); !ok {
		t.Fatal("leaf not persisted")
	}
	if stateDB.Len() != 1 {
		t.Fatalf("want exactly one state write, got %d", stateDB.Len())
	}
	if got := feed.Progress().SavedAccounts.Load(); got != 1 {
		t.Fatalf("saved accounts: want 1, got %d", got)
	}
	if !feed.RootSaved() {
		t.Fatal("root-saved flag not set")
	}
	if batch := feed.PrepareRequest(); batch != nil || !feed.Finished() {
		t.Fatal("round not finalized after root save")
	}
	if feed.Pending() != 0 || feed.InFlight() != 0 {
		t.Fatal("round ended with leftover work")
	}
}

// --- Scenario: branch with duplicate children ---

func TestFeed_BranchDuplicateChildren(t *testing.T) {
	feed, stateDB, _ := newTestFeed(t)
	childHash, childData := accountLeaf(t, make([]byte, 63), eoa())
	root, rootData := branchNode(t, map[int]types.Hash{3: childHash, 7: childHash})

	feed.ResetStateRoot(1, root)
	batch := feed.PrepareRequest()
	respond(batch, map[types.Hash][]byte{root: rootData})
	if res := feed.HandleResponse(batch); res != ResultOK {
		t.Fatalf("want OK, got %s", res)
	}

	// The duplicated child must be enqueued exactly once.
	if feed.Pending() != 1 {
		t.Fatalf("want 1 pending child, got %d", feed.Pending())
	}
	next := feed.PrepareRequest()
	if len(next.Requested) != 1 || next.Requested[0].Hash != childHash {
		t.Fatal("child not requested")
	}
	respond(next, map[types.Hash][]byte{childHash: childData})
	if res := feed.HandleResponse(next); res != ResultOK {
		t.Fatalf("want OK, got %s", res)
	}
	if ok, _ := stateDB.Has(root.Bytes()); !ok {
		t.Fatal("branch not saved after its child")
	}
	if !feed.RootSaved() {
		t.Fatal("root-saved flag not set")
	}
	if feed.DependencyCount() != 0 {
		t.Fatal("dependency table not drained")
	}
}

// --- Scenario: peer returns wrong data ---

func TestFeed_HashMismatchNeverWritten(t *testing.T) {
	feed, stateDB, _ := newTestFeed(t)
	target := crypto.Keccak256Hash([]byte("wanted"))

	feed.ResetStateRoot(1, target)
	batch := feed.PrepareRequest()
	batch.Responses = [][]byte{[]byte("something else entirely")}

	if res := feed.HandleResponse(batch); res != ResultOK {
		t.Fatalf("single mismatch in a small batch: want OK, got %s", res)
	}
	if ok, _ := stateDB.Has(target.Bytes()); ok {
		t.Fatal("mismatched payload written to the store")
	}
	if feed.Pending() != 1 {
		t.Fatal("mismatched item not re-queued")
	}
}

// --- Scenario: account with code and storage ---

func TestFeed_AccountWithCodeAndStorage(t *testing.T) {
	feed, stateDB, codeDB := newTestFeed(t)

	code := []byte{0x60, 0x80, 0x60, 0x40, 0x52}
	codeHash := crypto.Keccak256Hash(code)
	storageHash, storageData := leafNode(t, make([]byte, 64), []byte{0x2a})

	acct := types.Account{
		Nonce:    1,
		Balance:  uint256.NewInt(5),
		Root:     storageHash,
		CodeHash: codeHash.Bytes(),
	}
	root, rootData := accountLeaf(t, make([]byte, 64), acct)

	feed.ResetStateRoot(1, root)
	batch := feed.PrepareRequest()
	respond(batch, map[types.Hash][]byte{root: rootData})
	if res := feed.HandleResponse(batch); res != ResultOK {
		t.Fatalf("want OK, got %s", res)
	}

	// Both dependencies registered; the account leaf is held back.
	if feed.DependencyCount() != 2 {
		t.Fatalf("want 2 dependency entries, got %d", feed.DependencyCount())
	}
	if ok, _ := stateDB.Has(root.Bytes()); ok {
		t.Fatal("account leaf written before its dependencies")
	}

	next := feed.PrepareRequest()
	if len(next.Requested) != 2 {
		t.Fatalf("want code and storage requested, got %d", len(next.Requested))
	}
	respond(next, map[types.Hash][]byte{codeHash: code, storageHash: storageData})
	if res := feed.HandleResponse(next); res != ResultOK {
		t.Fatalf("want OK, got %s", res)
	}

	if ok, _ := codeDB.Has(codeHash.Bytes()); !ok {
		t.Fatal("code not persisted")
	}
	if ok, _ := stateDB.Has(storageHash.Bytes()); !ok {
		t.Fatal("storage node not persisted")
	}
	if ok, _ := stateDB.Has(root.Bytes()); !ok {
		t.Fatal("account leaf not persisted after dependencies")
	}
	if got := feed.Progress().SavedAccounts.Load(); got != 1 {
		t.Fatalf("saved accounts: want 1, got %d", got)
	}
	if feed.DependencyCount() != 0 {
		t.Fatal("dependency table not drained")
	}
	if !feed.RootSaved() {
		t.Fatal("root-saved flag not set")
	}
}

// --- Code hash coinciding with the storage root ---

func TestFeed_CodeSameAsStorageRoot(t *testing.T) {
	feed, stateDB, codeDB := newTestFeed(t)

	storageHash, storageData := leafNode(t, make([]byte, 64), []byte{0x2a})
	acct := types.Account{
		Nonce:    1,
		Balance:  uint256.NewInt(5),
		Root:     storageHash,
		CodeHash: storageHash.Bytes(),
	}
	root, rootData := accountLeaf(t, make([]byte, 64), acct)

	feed.ResetStateRoot(1, root)
	batch := feed.PrepareRequest()
	respond(batch, map[types.Hash][]byte{root: rootData})
	feed.HandleResponse(batch)

	// Only the storage node is fetched; the code write happens on its save.
	if feed.Pending() != 1 {
		t.Fatalf("want 1 pending item, got %d", feed.Pending())
	}
	next := feed.PrepareRequest()
	respond(next, map[types.Hash][]byte{storageHash: storageData})
	feed.HandleResponse(next)

	if ok, _ := stateDB.Has(storageHash.Bytes()); !ok {
		t.Fatal("storage node not persisted")
	}
	if ok, _ := codeDB.Has(storageHash.Bytes()); !ok {
		t.Fatal("coinciding code not written alongside the storage node")
	}
	if ok, _ := stateDB.Has(root.Bytes()); !ok {
		t.Fatal("account leaf not persisted")
	}
	if got := feed.Progress().SavedCode.Load(); got != 1 {
		t.Fatalf("saved code: want 1, got %d", got)
	}
}

// --- Topological order: parents strictly after children ---

func TestFeed_ParentsSavedAfterChildren(t *testing.T) {
	feed, stateDB, _ := newTestFeed(t)
	leafA, dataA := accountLeaf(t, make([]byte, 63), eoa())
	acctB := eoa()
	acctB.Nonce = 2
	leafB, dataB := accountLeaf(t, make([]byte, 63), acctB)
	root, rootData := branchNode(t, map[int]types.Hash{1: leafA, 9: leafB})

	feed.ResetStateRoot(1, root)
	batch := feed.PrepareRequest()
	respond(batch, map[types.Hash][]byte{root: rootData})
	feed.HandleResponse(batch)

	// Deliver only the first child; the branch must stay unwritten.
	next := feed.PrepareRequest()
	respond(next, map[types.Hash][]byte{leafA: dataA})
	feed.HandleResponse(next)
	if ok, _ := stateDB.Has(root.Bytes()); ok {
		t.Fatal("branch written with an unsaved child")
	}
	if ok, _ := stateDB.Has(leafA.Bytes()); !ok {
		t.Fatal("first child not persisted")
	}

	// The missing child was re-queued; deliver it now.
	last := feed.PrepareRequest()
	respond(last, map[types.Hash][]byte{leafB: dataB})
	feed.HandleResponse(last)
	if ok, _ := stateDB.Has(root.Bytes()); !ok {
		t.Fatal("branch not written after both children")
	}
	if feed.DependencyCount() != 0 {
		t.Fatal("dependency table not drained")
	}
}

// --- Extension nodes ---

func TestFeed_ExtensionChildLevels(t *testing.T) {
	feed, stateDB, _ := newTestFeed(t)
	leafHash, leafData := accountLeaf(t, make([]byte, 61), eoa())
	root, rootData := extensionNode(t, []byte{1, 2, 3}, leafHash)

	feed.ResetStateRoot(1, root)
	batch := feed.PrepareRequest()
	respond(batch, map[types.Hash][]byte{root: rootData})
	feed.HandleResponse(batch)

	next := feed.PrepareRequest()
	if len(next.Requested) != 1 {
		t.Fatalf("want 1 requested child, got %d", len(next.Requested))
	}
	// The child sits one nibble per path element deeper.
	if got := next.Requested[0].Level; got != 3 {
		t.Fatalf("extension child level: want 3, got %d", got)
	}
	respond(next, map[types.Hash][]byte{leafHash: leafData})
	feed.HandleResponse(next)
	if ok, _ := stateDB.Has(root.Bytes()); !ok {
		t.Fatal("extension not saved after its child")
	}
}

// --- Already-persisted children short-circuit ---

func TestFeed_AlreadySavedChild(t *testing.T) {
	feed, stateDB, _ := newTestFeed(t)
	childHash, childData := accountLeaf(t, make([]byte, 63), eoa())
	stateDB.Put(childHash.Bytes(), childData)
	root, rootData := branchNode(t, map[int]types.Hash{4: childHash})

	feed.ResetStateRoot(1, root)
	batch := feed.PrepareRequest()
	respond(batch, map[types.Hash][]byte{root: rootData})
	feed.HandleResponse(batch)

	if ok, _ := stateDB.Has(root.Bytes()); !ok {
		t.Fatal("branch with persisted child not saved immediately")
	}
	if feed.Pending() != 0 {
		t.Fatal("persisted child re-queued")
	}
	if got := feed.Progress().StateWasThere.Load(); got != 1 {
		t.Fatalf("db-hit counter: want 1, got %d", got)
	}
}

// --- Error paths ---

func TestFeed_UnknownBatchIsBenign(t *testing.T) {
	feed, _, _ := newTestFeed(t)
	feed.ResetStateRoot(1, crypto.Keccak256Hash([]byte("root")))

	stray := &Batch{Requested: []*SyncItem{NewSyncItem(types.Hash{}, StateNode, 0, 0)}}
	if res := feed.HandleResponse(stray); res != ResultOK {
		t.Fatalf("unknown batch: want OK, got %s", res)
	}
	if got := feed.Progress().SavedNodes.Load(); got != 0 {
		t.Fatal("unknown batch produced writes")
	}
}

func TestFeed_HandleResponseIdempotent(t *testing.T) {
	feed, stateDB, _ := newTestFeed(t)
	root, data := accountLeaf(t, make([]byte, 64), eoa())

	feed.ResetStateRoot(1, root)
	batch := feed.PrepareRequest()
	respond(batch, map[types.Hash][]byte{root: data})
	feed.HandleResponse(batch)

	saved := feed.Progress().SavedNodes.Load()
	stateLen := stateDB.Len()
	if res := feed.HandleResponse(batch); res != ResultOK {
		t.Fatalf("replayed batch: want OK, got %s", res)
	}
	if feed.Progress().SavedNodes.Load() != saved || stateDB.Len() != stateLen {
		t.Fatal("replayed batch changed state")
	}
}

func TestFeed_MalformedBatch(t *testing.T) {
	feed, _, _ := newTestFeed(t)
	root, _ := accountLeaf(t, make([]byte, 64), eoa())
	feed.ResetStateRoot(1, root)

	batch := feed.PrepareRequest()
	batch.Requested = nil
	if res := feed.HandleResponse(batch); res != ResultInternalError {
		t.Fatalf("want internal error, got %s", res)
	}
}

func TestFeed_NotAssigned(t *testing.T) {
	feed, _, _ := newTestFeed(t)
	root, _ := accountLeaf(t, make([]byte, 64), eoa())
	feed.ResetStateRoot(1, root)

	batch := feed.PrepareRequest()
	if res := feed.HandleResponse(batch); res != ResultNotAssigned {
		t.Fatalf("want not assigned, got %s", res)
	}
	if feed.Pending() != 1 {
		t.Fatal("unassigned items not re-queued")
	}
	if got := feed.Progress().NotAssignedCount.Load(); got != 1 {
		t.Fatalf("not-assigned counter: want 1, got %d", got)
	}
}

func TestFeed_TruncatedResponses(t *testing.T) {
	feed, _, _ := newTestFeed(t)
	leafA, dataA := accountLeaf(t, make([]byte, 63), eoa())
	acctB := eoa()
	acctB.Nonce = 7
	leafB, _ := accountLeaf(t, make([]byte, 63), acctB)
	root, rootData := branchNode(t, map[int]types.Hash{0: leafA, 1: leafB})

	feed.ResetStateRoot(1, root)
	batch := feed.PrepareRequest()
	respond(batch, map[types.Hash][]byte{root: rootData})
	feed.HandleResponse(batch)

	next := feed.PrepareRequest()
	if len(next.Requested) != 2 {
		t.Fatalf("want 2 requested, got %d", len(next.Requested))
	}
	// Peer truncated the response to a single payload.
	var first []byte
	if next.Requested[0].Hash == leafA {
		first = dataA
	}
	next.Responses = [][]byte{first}
	feed.HandleResponse(next)

	if feed.Pending() == 0 {
		t.Fatal("truncated items not re-queued")
	}
}

func TestFeed_InvalidNodeCounted(t *testing.T) {
	feed, _, _ := newTestFeed(t)
	junk := []byte{0x01, 0x02, 0x03}
	root := crypto.Keccak256Hash(junk)

	feed.ResetStateRoot(1, root)
	batch := feed.PrepareRequest()
	batch.Responses = [][]byte{junk}
	feed.HandleResponse(batch)

	if got := feed.Progress().InvalidFormatCount.Load(); got != 1 {
		t.Fatalf("invalid-format counter: want 1, got %d", got)
	}
}

// --- Reset semantics ---

func TestFeed_ResetSameRootKeepsState(t *testing.T) {
	feed, _, _ := newTestFeed(t)
	root, rootData := branchNode(t, map[int]types.Hash{
		2: crypto.Keccak256Hash([]byte("a")),
		5: crypto.Keccak256Hash([]byte("b")),
	})

	feed.ResetStateRoot(1, root)
	batch := feed.PrepareRequest()
	respond(batch, map[types.Hash][]byte{root: rootData})
	feed.HandleResponse(batch)

	// Children in flight, then a same-root reset: items must come back.
	inflight := feed.PrepareRequest()
	if inflight == nil || feed.Pending() != 0 {
		t.Fatal("setup: children should be in flight")
	}
	deps := feed.DependencyCount()
	feed.ResetStateRoot(1, root)

	if feed.InFlight() != 0 {
		t.Fatal("in-flight set not cleared")
	}
	// Both in-flight children return, plus the root is re-seeded since it is
	// not at the head of the queue.
	if feed.Pending() != 3 {
		t.Fatalf("in-flight items not re-queued: %d pending", feed.Pending())
	}
	if feed.DependencyCount() != deps {
		t.Fatal("same-root reset dropped dependency state")
	}
}

func TestFeed_ResetNewRootClears(t *testing.T) {
	feed, _, _ := newTestFeed(t)
	oldRoot, oldData := branchNode(t, map[int]types.Hash{
		2: crypto.Keccak256Hash([]byte("a")),
	})
	feed.ResetStateRoot(1, oldRoot)
	batch := feed.PrepareRequest()
	respond(batch, map[types.Hash][]byte{oldRoot: oldData})
	feed.HandleResponse(batch)
	if feed.DependencyCount() == 0 {
		t.Fatal("setup: expected dependency state")
	}

	newRoot := crypto.Keccak256Hash([]byte("fresh"))
	feed.ResetStateRoot(2, newRoot)

	if feed.DependencyCount() != 0 {
		t.Fatal("dependency table survived a new root")
	}
	if feed.Pending() != 1 {
		t.Fatalf("want exactly the new root queued, got %d", feed.Pending())
	}
	next := feed.PrepareRequest()
	if next.Requested[0].Hash != newRoot || !next.Requested[0].IsRoot {
		t.Fatal("new root not queued as the initial item")
	}
}

func TestFeed_ResetSameRootIdempotent(t *testing.T) {
	feed, _, _ := newTestFeed(t)
	root := crypto.Keccak256Hash([]byte("root"))
	feed.ResetStateRoot(1, root)
	feed.ResetStateRoot(1, root)

	if feed.Pending() != 1 {
		t.Fatalf("root duplicated by repeated reset: %d pending", feed.Pending())
	}
}

// --- Progress checkpointing ---

func TestFeed_ProgressCheckpointed(t *testing.T) {
	feed, _, codeDB := newTestFeed(t)
	root, data := accountLeaf(t, make([]byte, 64), eoa())

	feed.ResetStateRoot(1, root)
	batch := feed.PrepareRequest()
	respond(batch, map[types.Hash][]byte{root: data})
	feed.HandleResponse(batch)

	raw, err := codeDB.Get(progressKey())
	if err != nil {
		t.Fatal("progress record not checkpointed:", err)
	}
	restored := LoadDetailedProgress(1, raw)
	if restored.SavedNodes.Load() != feed.Progress().SavedNodes.Load() {
		t.Fatal("checkpointed counters diverge from live counters")
	}
	if restored.SavedAccounts.Load() != 1 {
		t.Fatalf("restored saved accounts: want 1, got %d", restored.SavedAccounts.Load())
	}
}

// --- Quality classification ---

func TestFeed_QualityClassification(t *testing.T) {
	feed, _, _ := newTestFeed(t)

	// Build a wide branch so batches have many requested items.
	slots := make(map[int]types.Hash)
	payloads := make(map[types.Hash][]byte)
	for i := 0; i < 16; i++ {
		acct := eoa()
		acct.Nonce = uint64(i + 1)
		h, d := accountLeaf(t, make([]byte, 63), acct)
		slots[i] = h
		payloads[h] = d
	}
	root, rootData := branchNode(t, slots)

	feed.ResetStateRoot(1, root)
	batch := feed.PrepareRequest()
	respond(batch, map[types.Hash][]byte{root: rootData})
	feed.HandleResponse(batch)

	// 16 children requested, none answered: an empty batch is no progress.
	next := feed.PrepareRequest()
	next.Responses = make([][]byte, len(next.Requested))
	if res := feed.HandleResponse(next); res != ResultNoProgress {
		t.Fatalf("empty responses: want no progress, got %s", res)
	}
	if got := feed.Progress().EmptishCount.Load(); got != 1 {
		t.Fatalf("emptish counter: want 1, got %d", got)
	}

	// A partial response below the threshold is emptish.
	partial := feed.PrepareRequest()
	partial.Responses = make([][]byte, len(partial.Requested))
	partial.Responses[0] = payloads[partial.Requested[0].Hash]
	if res := feed.HandleResponse(partial); res != ResultEmptish {
		t.Fatalf("thin responses: want emptish, got %s", res)
	}

	// A full response resets the stall hints and reports OK.
	full := feed.PrepareRequest()
	respond(full, payloads)
	if res := feed.HandleResponse(full); res != ResultOK {
		t.Fatalf("full responses: want OK, got %s", res)
	}
	// The root batch and the full batch both classified OK.
	if got := feed.Progress().OKCount.Load(); got != 2 {
		t.Fatalf("ok counter: want 2, got %d", got)
	}
}

func TestFeed_BadQualityBatch(t *testing.T) {
	feed, _, _ := newTestFeed(t)

	// Two branch levels wide enough to push a batch past the bad-quality
	// response floor: 16 branches of 16 leaves each.
	rootSlots := make(map[int]types.Hash)
	branchData := make(map[types.Hash][]byte)
	for i := 0; i < 16; i++ {
		slots := make(map[int]types.Hash)
		for j := 0; j < 16; j++ {
			acct := eoa()
			acct.Nonce = uint64(i*16 + j + 1)
			h, _ := accountLeaf(t, make([]byte, 62), acct)
			slots[j] = h
		}
		bh, bd := branchNode(t, slots)
		rootSlots[i] = bh
		branchData[bh] = bd
	}
	root, rootData := branchNode(t, rootSlots)

	feed.ResetStateRoot(1, root)
	batch := feed.PrepareRequest()
	respond(batch, map[types.Hash][]byte{root: rootData})
	feed.HandleResponse(batch)

	mid := feed.PrepareRequest()
	respond(mid, branchData)
	feed.HandleResponse(mid)

	// 256 leaves requested; every payload fails hash verification.
	leaves := feed.PrepareRequest()
	if len(leaves.Requested) <= badQualityFloor {
		t.Fatalf("setup: want > %d requested, got %d", badQualityFloor, len(leaves.Requested))
	}
	leaves.Responses = make([][]byte, len(leaves.Requested))
	for i := range leaves.Responses {
		leaves.Responses[i] = []byte("garbage payload")
	}
	if res := feed.HandleResponse(leaves); res != ResultLesserQuality {
		t.Fatalf("want lesser quality, got %s", res)
	}
	if got := feed.Progress().BadQualityCount.Load(); got != 1 {
		t.Fatalf("bad-quality counter: want 1, got %d", got)
	}
	// Every mismatched leaf must be back in the queue.
	if feed.Pending() != len(leaves.Requested) {
		t.Fatalf("want %d re-queued, got %d", len(leaves.Requested), feed.Pending())
	}
}
