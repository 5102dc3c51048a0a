package recovery

import "time"

// Config holds retry timing. Durations are whole milliseconds and the
// multiplier is fixed-point per-mille (2000 = 2.0x).
type Config struct {
	BaseBackoffMs      int64 `json:"baseBackoffMs"`
	MaxBackoffMs       int64 `json:"maxBackoffMs"`
	MultiplierPermille int64 `json:"multiplierPermille"`
	Jitter             bool  `json:"jitter"`
}

func DefaultConfig() Config {
	return Config{
		BaseBackoffMs:      1000,
		MaxBackoffMs:       30000,
		MultiplierPermille: 2000,
		Jitter:             true,
	}
}

// BackoffMs returns the un-jittered delay after the failed attempt with the
// given zero-based index: min(max, base * multiplier^attempt).
func (c Config) BackoffMs(attempt int) int64 {
	b := c.BaseBackoffMs
	if b <= 0 {
		return 0
	}
	if c.MaxBackoffMs > 0 && b >= c.MaxBackoffMs {
		return c.MaxBackoffMs
	}
	for i := 0; i < attempt; i++ {
		b = b * c.MultiplierPermille / 1000
		if c.MaxBackoffMs > 0 && b >= c.MaxBackoffMs {
			return c.MaxBackoffMs
		}
		if b <= 0 {
			return 0
		}
	}
	return b
}

// Backoff returns the delay before the next attempt. When jitter is enabled a
// value in [0, backoff/4) drawn from rnd is added; the result never exceeds
// MaxBackoffMs.
func (c Config) Backoff(attempt int, rnd func(n int64) int64) time.Duration {
	b := c.BackoffMs(attempt)
	if c.Jitter && rnd != nil && b/4 > 0 {
		b += rnd(b / 4)
		if c.MaxBackoffMs > 0 && b > c.MaxBackoffMs {
			b = c.MaxBackoffMs
		}
	}
	return time.Duration(b) * time.Millisecond
}
