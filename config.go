package groove

// Config holds the knobs observed by the write scheduler and the LSM
// trees it manages.
type Config struct {
	// WriteThreads is the total number of background worker threads.
	// A quarter of them (at least one) is reserved for dump tasks, the
	// rest handle compaction.
	WriteThreads int `json:"writeThreads"`

	// BloomFPR is the target false positive rate of per-run bloom
	// filters. Snapshotted into each task when it is created.
	BloomFPR float64 `json:"bloomFpr"`

	// PageSize is the uncompressed size of a run file page in bytes.
	PageSize int `json:"pageSize"`

	// RunCountPerLevel is the number of runs a range level may hold
	// before the range becomes eligible for compaction.
	RunCountPerLevel int `json:"runCountPerLevel"`

	// RangeSizeMB is the target size of a range. A range twice this
	// size is split before compaction; ranges far below it are
	// coalesced with their neighbors.
	RangeSizeMB int `json:"rangeSizeMB"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WriteThreads:     4,
		BloomFPR:         0.05,
		PageSize:         8 * 1024,
		RunCountPerLevel: 2,
		RangeSizeMB:      1024,
	}
}

// Validate checks if configuration values are reasonable.
func (c *Config) Validate() error {
	if c.WriteThreads < 2 {
		return errInvalidConfig("writeThreads must be >= 2")
	}
	if c.BloomFPR <= 0 || c.BloomFPR >= 1 {
		return errInvalidConfig("bloomFpr must be in (0, 1)")
	}
	if c.PageSize <= 0 {
		return errInvalidConfig("pageSize must be > 0")
	}
	if c.RunCountPerLevel < 1 {
		return errInvalidConfig("runCountPerLevel must be >= 1")
	}
	if c.RangeSizeMB <= 0 {
		return errInvalidConfig("rangeSizeMB must be > 0")
	}
	return nil
}
