package handoff

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines how the store poll interval grows while waiting.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config tunes reader polling.
type Config struct {
	Poll BackoffConfig
}

// DefaultConfig keeps the worst-case extra latency of the poll path under
// a quarter second.
func DefaultConfig() Config {
	return Config{
		Poll: BackoffConfig{
			InitialDelay: 25 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     250 * time.Millisecond,
			Jitter:       false,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Poll.InitialDelay <= 0 {
		c.Poll.InitialDelay = def.Poll.InitialDelay
	}
	if c.Poll.Multiplier < 1.0 {
		c.Poll.Multiplier = def.Poll.Multiplier
	}
	if c.Poll.MaxDelay <= 0 {
		c.Poll.MaxDelay = def.Poll.MaxDelay
	}
	return c
}

// NextBackoffDelay returns the poll delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
