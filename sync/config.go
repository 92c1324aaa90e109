package sync

import "time"

// Synchronizer tuning constants.
const (
	// DefaultBatchSize is the maximum number of items requested from a
	// single peer in one batch.
	DefaultBatchSize = 384

	// DefaultSavedFilterCapacity bounds the recently-saved hash filter.
	DefaultSavedFilterCapacity = 1 << 20

	// emptishRatio is the non-empty response ratio below which a batch is
	// classified as emptish.
	emptishRatio = 384.0 / 1024.0 * 0.75

	// badQualityFloor is the minimum number of non-empty responses before a
	// batch can be classified as bad quality.
	badQualityFloor = 64

	// badQualityRatio is the invalid response ratio above which a batch is
	// classified as bad quality.
	badQualityRatio = 0.5

	// DefaultResetHintThreshold is the number of stall hints after which the
	// current round is abandoned and a fresh root is chosen.
	DefaultResetHintThreshold = 32

	// DefaultPriorityReviewPeriod rate-limits pending-queue priority
	// recalculation.
	DefaultPriorityReviewPeriod = 60 * time.Second

	// DefaultResponseGrace is how long an empty drain is tolerated after a
	// round starts before it counts as a stall hint.
	DefaultResponseGrace = 5 * time.Second
)

// Config holds the synchronizer tunables.
type Config struct {
	ChainID              uint64
	BatchSize            int
	SavedFilterCapacity  int
	ResetHintThreshold   int
	PriorityReviewPeriod time.Duration
	ResponseGrace        time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:            DefaultBatchSize,
		SavedFilterCapacity:  DefaultSavedFilterCapacity,
		ResetHintThreshold:   DefaultResetHintThreshold,
		PriorityReviewPeriod: DefaultPriorityReviewPeriod,
		ResponseGrace:        DefaultResponseGrace,
	}
}

// sanitize fills in zero fields with defaults.
func (c Config) sanitize() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.SavedFilterCapacity <= 0 {
		c.SavedFilterCapacity = d.SavedFilterCapacity
	}
	if c.ResetHintThreshold <= 0 {
		c.ResetHintThreshold = d.ResetHintThreshold
	}
	if c.PriorityReviewPeriod <= 0 {
		c.PriorityReviewPeriod = d.PriorityReviewPeriod
	}
	if c.ResponseGrace <= 0 {
		c.ResponseGrace = d.ResponseGrace
	}
	return c
}
