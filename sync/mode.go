package sync

import "strings"

// Mode is the bitmask of sync activities currently enabled by the outer
// sync-mode controller.
type Mode uint32

// ModeNone has no sync activity enabled.
const ModeNone Mode = 0

const (
	ModeHeaders Mode = 1 << iota
	ModeBodies
	ModeReceipts
	// ModeStateNodes enables the state-trie synchronizer.
	ModeStateNodes
	ModeFull
)

// Has reports whether all bits of flag are set.
func (m Mode) Has(flag Mode) bool {
	return m&flag == flag
}

// String returns a human-readable mode description.
func (m Mode) String() string {
	if m == ModeNone {
		return "none"
	}
	var parts []string
	for _, e := range []struct {
		bit  Mode
		name string
	}{
		{ModeHeaders, "headers"},
		{ModeBodies, "bodies"},
		{ModeReceipts, "receipts"},
		{ModeStateNodes, "state_nodes"},
		{ModeFull, "full"},
	} {
		if m.Has(e.bit) {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}

// ModeChange is the event emitted by the sync-mode controller when the
// enabled activities change.
type ModeChange struct {
	Old Mode
	New Mode
}
