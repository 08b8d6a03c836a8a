package cache

// Config mirrors the driver-facing constructor in spec.md §6:
// Cache::new(block_size, max_size_bytes, wait_for_flush, flush_timer_ms,
// flush_threshold_percent). It is a plain struct the core receives fully
// populated -- parsing it from flags/INI/YAML is an explicit Non-goal
// (spec.md §1's "Out of scope: Configuration parsing, CLI").
type Config struct {
	BlockSize             int
	MaxSizeBytes          int64
	WaitForFlush          bool
	FlushTimerMs          uint32
	FlushThresholdPercent uint32
}

func (c Config) maxBlocks() int {
	if c.BlockSize == 0 {
		return 0
	}
	return int(c.MaxSizeBytes / int64(c.BlockSize))
}

// flushThresholdBlocks is clamped to at least 1 whenever the cache holds any
// blocks at all: max_blocks * percent / 100 rounds down to 0 for any small
// cache (e.g. max_blocks=4, flush_threshold_percent=20), and a threshold of
// 0 would make writeback's "dirty count >= threshold" trigger fire on an
// empty dirty set.
func (c Config) flushThresholdBlocks() int {
	max := c.maxBlocks()
	if max <= 0 {
		return 0
	}
	t := max * int(c.FlushThresholdPercent) / 100
	if t < 1 {
		t = 1
	}
	return t
}
