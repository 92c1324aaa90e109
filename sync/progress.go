package sync

import (
	"encoding/binary"
	"sync/atomic"
)

// DetailedProgress accumulates the synchronizer's counters. All counters are
// updated atomically so concurrent response handlers do not lose counts. The
// whole record serializes to a stable byte layout and is checkpointed into
// the code store so counters survive restarts.
type DetailedProgress struct {
	ChainID uint64

	RequestedNodes     atomic.Int64
	HandledNodes       atomic.Int64
	SavedNodes         atomic.Int64
	SavedAccounts      atomic.Int64
	SavedStateNodes    atomic.Int64
	SavedStorageNodes  atomic.Int64
	SavedCode          atomic.Int64
	DBChecks           atomic.Int64
	SavedFilterHits    atomic.Int64
	StateWasThere      atomic.Int64
	StateWasNotThere   atomic.Int64
	EmptishCount       atomic.Int64
	BadQualityCount    atomic.Int64
	InvalidFormatCount atomic.Int64
	NotAssignedCount   atomic.Int64
	OKCount            atomic.Int64
	SecondsInSync      atomic.Int64
	DataSize           atomic.Int64
	LastReportTime     atomic.Int64 // unix nanoseconds
}

// progressCounterCount is the number of serialized counters.
const progressCounterCount = 19

// progressRecordSize is the serialized record length: the chain-id prefix
// followed by fixed-width little-endian counters.
const progressRecordSize = 8 + progressCounterCount*8

// counters returns the counter fields in their stable serialization order.
func (p *DetailedProgress) counters() [progressCounterCount]*atomic.Int64 {
	return [progressCounterCount]*atomic.Int64{
		&p.RequestedNodes, &p.HandledNodes, &p.SavedNodes, &p.SavedAccounts,
		&p.SavedStateNodes, &p.SavedStorageNodes, &p.SavedCode, &p.DBChecks,
		&p.SavedFilterHits, &p.StateWasThere, &p.StateWasNotThere,
		&p.EmptishCount, &p.BadQualityCount, &p.InvalidFormatCount,
		&p.NotAssignedCount, &p.OKCount, &p.SecondsInSync, &p.DataSize,
		&p.LastReportTime,
	}
}

// Serialize encodes the record into its stable byte layout.
func (p *DetailedProgress) Serialize() []byte {
	buf := make([]byte, 0, progressRecordSize)
	buf = binary.LittleEndian.AppendUint64(buf, p.ChainID)
	for _, c := range p.counters() {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(c.Load()))
	}
	return buf
}

// LoadDetailedProgress reconstructs a record from checkpoint bytes. Missing,
// short, or foreign-chain data yields a fresh record for the given chain.
func LoadDetailedProgress(chainID uint64, data []byte) *DetailedProgress {
	p := &DetailedProgress{ChainID: chainID}
	if len(data) < progressRecordSize {
		return p
	}
	if binary.LittleEndian.Uint64(data[:8]) != chainID {
		return p
	}
	offset := 8
	for _, c := range p.counters() {
		c.Store(int64(binary.LittleEndian.Uint64(data[offset : offset+8])))
		offset += 8
	}
	return p
}
