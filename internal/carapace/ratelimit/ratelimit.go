// Package ratelimit implements the per-session token bucket used by stage 4
// of the request pipeline. Each bucket refills continuously based on
// elapsed wall-clock time rather than on a fixed tick, so bursts are
// admitted up to capacity and the steady-state admission rate converges on
// the configured refill rate.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config holds the parameters for one bucket.
type Config struct {
	// RequestsPerMinute is the steady-state refill rate.
	RequestsPerMinute float64
	// BurstSize is the bucket capacity.
	BurstSize float64
}

func (c Config) refillPerSecond() float64 {
	return c.RequestsPerMinute / 60.0
}

func (c Config) validate() error {
	if c.RequestsPerMinute <= 0 {
		return fmt.Errorf("ratelimit: requestsPerMinute must be positive, got %v", c.RequestsPerMinute)
	}
	if c.BurstSize <= 0 {
		return fmt.Errorf("ratelimit: burstSize must be positive, got %v", c.BurstSize)
	}
	return nil
}

// bucket is one session's token bucket. now is injected so refill is
// deterministic and testable; production callers pass time.Now.
type bucket struct {
	mu         sync.Mutex
	cfg        Config
	tokens     float64
	lastRefill time.Time
}

func newBucket(cfg Config, now time.Time) *bucket {
	return &bucket{cfg: cfg, tokens: cfg.BurstSize, lastRefill: now}
}

// tryConsume refills the bucket for elapsed time since the last call, then
// attempts to take one token. On denial it returns the seconds until the
// next token would be available.
func (b *bucket) tryConsume(now time.Time) (allowed bool, retryAfter float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		if b.tokens < b.cfg.BurstSize {
			b.tokens += elapsed * b.cfg.refillPerSecond()
			if b.tokens > b.cfg.BurstSize {
				b.tokens = b.cfg.BurstSize
			}
		}
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	refillPerSecond := b.cfg.refillPerSecond()
	if refillPerSecond <= 0 {
		return false, 0
	}
	return false, (1 - b.tokens) / refillPerSecond
}

func (b *bucket) setConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

// Limiter holds one bucket per session, plus an optional per-group config
// override map. Buckets for different sessions never block each other:
// each has its own mutex, and the limiter's own mutex only guards the map
// of bucket pointers, not bucket state.
type Limiter struct {
	mu       sync.RWMutex
	buckets  map[string]*bucket
	bygroup  map[string]Config
	defaults Config
	now      func() time.Time
}

// New creates a Limiter. defaults is used for any session whose group has
// no override. Construction rejects a non-positive rate or capacity.
func New(defaults Config) (*Limiter, error) {
	if err := defaults.validate(); err != nil {
		return nil, err
	}
	return &Limiter{
		buckets:  make(map[string]*bucket),
		bygroup:  make(map[string]Config),
		defaults: defaults,
		now:      time.Now,
	}, nil
}

// SetGroupConfig installs a per-group override, validated the same way as
// the defaults. It applies to future refills only: a session's existing
// token count is preserved, but the new capacity caps subsequent refills.
func (l *Limiter) SetGroupConfig(group string, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.bygroup[group] = cfg
	l.mu.Unlock()
	return nil
}

func (l *Limiter) configFor(group string) Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cfg, ok := l.bygroup[group]; ok {
		return cfg
	}
	return l.defaults
}

// TryConsume attempts to take one token from sessionID's bucket, creating
// it on first use with group's configuration.
func (l *Limiter) TryConsume(sessionID, group string) (allowed bool, retryAfter float64) {
	cfg := l.configFor(group)
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[sessionID]
	if !ok {
		b = newBucket(cfg, now)
		l.buckets[sessionID] = b
	} else if cfg != b.cfg {
		b.setConfig(cfg)
	}
	l.mu.Unlock()

	return b.tryConsume(now)
}

// ResetSession clears sessionID's bucket so the next TryConsume starts at
// full capacity.
func (l *Limiter) ResetSession(sessionID string) {
	l.mu.Lock()
	delete(l.buckets, sessionID)
	l.mu.Unlock()
}

// Cleanup clears all buckets.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	l.buckets = make(map[string]*bucket)
	l.mu.Unlock()
}
