// Package backoff computes reconnection delays: exponential growth from a
// base delay, optionally jittered by a fraction, capped at a maximum.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Config defines the backoff schedule.
type Config struct {
	// Min is the delay before the first attempt.
	Min time.Duration
	// Max caps every delay.
	Max time.Duration
	// Factor multiplies the delay after each attempt.
	Factor float64
	// Jitter is the randomization fraction in (0, 1]. Zero disables jitter.
	Jitter float64
}

// DefaultConfig returns the default schedule: 100ms doubling up to 10s, no jitter.
func DefaultConfig() Config {
	return Config{
		Min:    100 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
	}
}

// Backoff tracks the number of attempts made against a Config.
// It is not safe for concurrent use.
type Backoff struct {
	cfg      Config
	attempts int
	random   func() float64
}

// New returns a Backoff. Zero fields of cfg take their DefaultConfig values;
// a Jitter outside (0, 1] disables jitter.
func New(cfg Config) *Backoff {
	def := DefaultConfig()
	if cfg.Min <= 0 {
		cfg.Min = def.Min
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Factor <= 0 {
		cfg.Factor = def.Factor
	}
	if cfg.Jitter <= 0 || cfg.Jitter > 1 {
		cfg.Jitter = 0
	}
	return &Backoff{cfg: cfg, random: rand.Float64}
}

// Duration returns the delay for the next attempt and counts the attempt.
func (b *Backoff) Duration() time.Duration {
	maxMS := float64(b.cfg.Max.Milliseconds())
	ms := float64(b.cfg.Min.Milliseconds()) * math.Pow(b.cfg.Factor, float64(b.attempts))
	b.attempts++
	// Factor^attempts reaches +Inf after enough attempts
	if ms > maxMS || math.IsNaN(ms) {
		ms = maxMS
	}

	if b.cfg.Jitter > 0 {
		r := b.random()
		deviation := math.Floor(r * b.cfg.Jitter * ms)
		if int(math.Floor(r*10))&1 == 1 {
			ms += deviation
		} else {
			ms -= deviation
		}
	}

	ms = min(max(ms, 0), maxMS)
	return time.Duration(ms) * time.Millisecond
}

// Attempts returns how many delays were handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset restarts the schedule from Min.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// SetMin changes the base delay.
func (b *Backoff) SetMin(d time.Duration) {
	b.cfg.Min = d
}

// SetMax changes the delay cap.
func (b *Backoff) SetMax(d time.Duration) {
	b.cfg.Max = d
}

// SetJitter changes the randomization fraction.
func (b *Backoff) SetJitter(j float64) {
	if j <= 0 || j > 1 {
		j = 0
	}
	b.cfg.Jitter = j
}
