package sync

import (
	"errors"
	"sync/atomic"

	"github.com/statefeed/statefeed/core/rawdb"
	"github.com/statefeed/statefeed/core/types"
	"github.com/statefeed/statefeed/log"
)

// Controller errors.
var (
	// ErrRoundActive is returned when the state root is reset while a sync
	// round is still running.
	ErrRoundActive = errors.New("statesync: round active, cannot reset state root")
)

// FeedState is the controller's lifecycle state.
type FeedState int32

const (
	// StateDormant: the feed is idle, waiting for activation.
	StateDormant FeedState = iota
	// StateActive: a sync round is running.
	StateActive
)

// String returns a human-readable state name.
func (s FeedState) String() string {
	switch s {
	case StateDormant:
		return "dormant"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// SuggestedHeader is the best header the block tree currently knows.
type SuggestedHeader struct {
	Number    uint64
	StateRoot types.Hash
}

// HeaderSource exposes the block tree to the synchronizer.
type HeaderSource interface {
	// BestSuggestedHeader returns the best-known header, or ok=false when
	// none is available yet.
	BestSuggestedHeader() (SuggestedHeader, bool)
}

// Controller owns the feed lifecycle: it activates on sync-mode changes that
// enable state-node download, selects the target root from the block tree,
// detects round exhaustion and stalls, and puts the feed back to sleep ready
// for the next activation.
type Controller struct {
	lg      *log.Logger
	feed    *Feed
	headers HeaderSource
	state   atomic.Int32

	quit chan struct{}
}

// NewController wires a controller around a new feed over the given stores.
// A previously checkpointed DetailedProgress record is restored from the
// code store so counters survive restarts.
func NewController(config Config, stateDB, codeDB rawdb.KeyValueStore, headers HeaderSource, lg *log.Logger) (*Controller, error) {
	if lg == nil {
		lg = log.Default().Module("statesync")
	}
	var checkpoint []byte
	if data, err := codeDB.Get(progressKey()); err == nil {
		checkpoint = data
	}
	progress := LoadDetailedProgress(config.ChainID, checkpoint)

	feed, err := NewFeed(config, stateDB, codeDB, progress, lg)
	if err != nil {
		return nil, err
	}
	return &Controller{
		lg:      lg,
		feed:    feed,
		headers: headers,
		quit:    make(chan struct{}),
	}, nil
}

// Feed returns the controller's feed.
func (c *Controller) Feed() *Feed {
	return c.feed
}

// State returns the current lifecycle state.
func (c *Controller) State() FeedState {
	return FeedState(c.state.Load())
}

// Subscribe consumes sync-mode change events from the given channel until
// Close is called or the channel is closed.
func (c *Controller) Subscribe(events <-chan ModeChange) {
	go func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				c.HandleModeChange(ev)
			case <-c.quit:
				return
			}
		}
	}()
}

// Close tears down the mode subscription.
func (c *Controller) Close() {
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
}

// HandleModeChange activates the feed when state-node download is newly
// enabled and a usable header is known, and falls dormant when it is
// disabled. In-flight batches keep draining through HandleResponse.
func (c *Controller) HandleModeChange(ev ModeChange) {
	if ev.Old.Has(ModeStateNodes) && !ev.New.Has(ModeStateNodes) {
		if c.state.CompareAndSwap(int32(StateActive), int32(StateDormant)) {
			c.lg.Info("state sync deactivated", "root", c.feed.Root())
		}
		return
	}
	if ev.Old.Has(ModeStateNodes) || !ev.New.Has(ModeStateNodes) {
		return
	}
	header, ok := c.headers.BestSuggestedHeader()
	if !ok || header.Number < 1 {
		return
	}
	if err := c.ResetStateRoot(header.Number, header.StateRoot); err != nil {
		c.lg.Warn("cannot retarget state sync", "err", err)
		return
	}
	c.Activate()
}

// Activate starts a sync round against the previously set root.
func (c *Controller) Activate() {
	if !c.state.CompareAndSwap(int32(StateDormant), int32(StateActive)) {
		return
	}
	c.lg.Info("state sync activated",
		"root", c.feed.Root(), "block", c.feed.BlockNumber())
}

// ResetStateRoot points the feed at a new target root. Forbidden while a
// round is active.
func (c *Controller) ResetStateRoot(blockNumber uint64, root types.Hash) error {
	if c.State() == StateActive {
		return ErrRoundActive
	}
	c.feed.ResetStateRoot(blockNumber, root)
	return nil
}

// PrepareRequest drains the next batch while active. When the feed reports
// the round finished, the controller verifies cleanup, falls dormant, and
// re-targets the same root in preparation for the next activation.
func (c *Controller) PrepareRequest() *Batch {
	if c.State() != StateActive {
		return nil
	}
	batch := c.feed.PrepareRequest()
	if batch == nil && c.feed.Finished() {
		c.endRound()
	}
	return batch
}

// HandleResponse forwards a response batch to the feed. In-flight batches
// are drained even after the round ended or the feed fell dormant.
func (c *Controller) HandleResponse(batch *Batch) Result {
	return c.feed.HandleResponse(batch)
}

// endRound closes the current round: assert the dependency table drained,
// fall dormant, and retarget the same root so a re-activation can resume.
func (c *Controller) endRound() {
	c.feed.VerifyPostSyncCleanUp()
	c.state.Store(int32(StateDormant))
	c.lg.Info("state sync round ended",
		"root", c.feed.Root(), "block", c.feed.BlockNumber(),
		"saved", c.feed.Progress().SavedNodes.Load(),
		"rootSaved", c.feed.RootSaved())
	c.feed.ResetStateRoot(c.feed.BlockNumber(), c.feed.Root())
}
