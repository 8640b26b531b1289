// Package backoff implements the exponential connection backoff strategy
// used by subchannels between reconnection attempts.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Config holds the parameters of the exponential backoff schedule.
type Config struct {
	// BaseDelay is the delay before the first retry, and the value the
	// schedule resets to after a successful connection.
	BaseDelay time.Duration
	// Multiplier scales the delay after each failed attempt.
	Multiplier float64
	// Jitter bounds the random factor applied to each delay; a delay d
	// becomes a uniform sample from [d*(1-Jitter), d*(1+Jitter)].
	Jitter float64
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// MinConnectTimeout is the minimum interval granted to a single
	// connection attempt, so a burst of fast failures cannot spin.
	MinConnectTimeout time.Duration
}

// DefaultConfig matches the canonical gRPC connection backoff parameters.
var DefaultConfig = Config{
	BaseDelay:         1 * time.Second,
	Multiplier:        1.6,
	Jitter:            0.2,
	MaxDelay:          120 * time.Second,
	MinConnectTimeout: 20 * time.Second,
}

// Strategy produces successive retry delays. Not safe for concurrent use;
// callers serialize on the subchannel lock.
type Strategy struct {
	cfg Config
	// cur is the un-jittered delay for the next attempt.
	cur time.Duration
}

// NewStrategy returns a strategy at the start of the schedule. Zero or
// negative durations and multiplier fall back to [DefaultConfig]; a Jitter
// outside [0, 1) falls back too, while a zero Jitter is kept and disables
// jitter.
func NewStrategy(cfg Config) *Strategy {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig.BaseDelay
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultConfig.Multiplier
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = DefaultConfig.Jitter
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	if cfg.MinConnectTimeout <= 0 {
		cfg.MinConnectTimeout = DefaultConfig.MinConnectTimeout
	}
	return &Strategy{cfg: cfg, cur: cfg.BaseDelay}
}

// Next returns the delay to apply before the next attempt and advances the
// schedule.
func (s *Strategy) Next() time.Duration {
	d := s.cur
	next := time.Duration(float64(s.cur) * s.cfg.Multiplier)
	if next > s.cfg.MaxDelay {
		next = s.cfg.MaxDelay
	}
	s.cur = next
	if s.cfg.Jitter == 0 {
		return d
	}
	f := 1 + s.cfg.Jitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}

// Reset returns the schedule to the base delay. Called when a connection
// attempt succeeds, and by the application's explicit backoff reset.
func (s *Strategy) Reset() {
	s.cur = s.cfg.BaseDelay
}

// MinConnectTimeout returns the minimum duration granted to one attempt.
func (s *Strategy) MinConnectTimeout() time.Duration {
	return s.cfg.MinConnectTimeout
}
