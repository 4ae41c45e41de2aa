// Package ratelimit implements the per-key token bucket limiter with
// strike/ban escalation used to bound registration, lookup, and relay
// traffic from any single node or IP.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nodemesh/relay/internal/recovery"
)

// Outcome is the verdict of a Check call.
type Outcome int

const (
	// Allowed means a token was consumed; the caller may proceed.
	Allowed Outcome = iota
	// RateLimited means no token was available but the key is not banned.
	RateLimited
	// Banned means the key has accumulated enough strikes to be
	// temporarily blocked outright.
	Banned
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case RateLimited:
		return "rate_limited"
	case Banned:
		return "banned"
	default:
		return "unknown"
	}
}

// Result is the full outcome of a Check call, including the ban's
// remaining duration when applicable.
type Result struct {
	Outcome   Outcome
	Remaining time.Duration
}

// Config parameterizes a Limiter.
type Config struct {
	// Burst is the token bucket's maximum size.
	Burst int
	// RefillRate is the number of tokens added per second.
	RefillRate float64
	// StrikeThreshold is the number of consecutive denied checks within
	// StrikeWindow that triggers a ban.
	StrikeThreshold int
	// StrikeWindow bounds how long a run of strikes stays live, measured
	// from its first strike; a denied check later than this after the
	// first strike restarts the count at one.
	StrikeWindow time.Duration
	// BanDuration is how long a key stays banned once it trips the
	// strike threshold.
	BanDuration time.Duration
	// EvictionTTL is how long a key may sit idle before its bucket is
	// evicted by the janitor.
	EvictionTTL time.Duration
}

// DefaultConfig returns limiter parameters suited to interactive node
// traffic: a modest burst with a one-per-second refill and a short ban
// after repeated abuse.
func DefaultConfig() Config {
	return Config{
		Burst:           20,
		RefillRate:      1,
		StrikeThreshold: 10,
		StrikeWindow:    30 * time.Second,
		BanDuration:     time.Minute,
		EvictionTTL:     10 * time.Minute,
	}
}

type entry struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	strikes     int
	firstStrike time.Time
	banUntil    time.Time
	lastSeen    time.Time
}

// Limiter is a per-key token bucket rate limiter with strike/ban
// escalation. Each key's state lives behind its own short-lived lock; the
// key map itself is guarded by one RWMutex, read-locked for lookups and
// write-locked only when a new key is added or the janitor evicts.
type Limiter struct {
	cfg    Config
	mu     sync.RWMutex
	byKey  map[string]*entry
	logger *slog.Logger
	done   chan struct{}
}

// New creates a Limiter and starts its background eviction janitor.
func New(cfg Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		cfg:    cfg,
		byKey:  make(map[string]*entry),
		logger: logger,
		done:   make(chan struct{}),
	}
	go l.janitorLoop()
	return l
}

// Check consumes one token for key, returning Allowed, RateLimited, or
// Banned. Concurrent checks against distinct, already-tracked keys never
// block each other.
func (l *Limiter) Check(key string) Result {
	e := l.getOrCreate(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.lastSeen = now

	if now.Before(e.banUntil) {
		return Result{Outcome: Banned, Remaining: e.banUntil.Sub(now)}
	}

	if e.limiter.Allow() {
		e.strikes = 0
		return Result{Outcome: Allowed}
	}

	if e.strikes == 0 || now.Sub(e.firstStrike) > l.cfg.StrikeWindow {
		e.firstStrike = now
		e.strikes = 1
	} else {
		e.strikes++
	}

	if e.strikes >= l.cfg.StrikeThreshold {
		e.banUntil = now.Add(l.cfg.BanDuration)
		e.strikes = 0
		return Result{Outcome: Banned, Remaining: l.cfg.BanDuration}
	}

	return Result{Outcome: RateLimited}
}

func (l *Limiter) getOrCreate(key string) *entry {
	l.mu.RLock()
	e, ok := l.byKey[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.byKey[key]; ok {
		return e
	}
	e = &entry{
		limiter:  rate.NewLimiter(rate.Limit(l.cfg.RefillRate), l.cfg.Burst),
		lastSeen: time.Now(),
	}
	l.byKey[key] = e
	return e
}

// Close stops the background janitor.
func (l *Limiter) Close() {
	close(l.done)
}

func (l *Limiter) janitorLoop() {
	defer recovery.RecoverWithLog(l.logger, "ratelimit.janitor")

	ticker := time.NewTicker(l.cfg.EvictionTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictStale()
		}
	}
}

func (l *Limiter) evictStale() {
	cutoff := time.Now().Add(-l.cfg.EvictionTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.byKey {
		e.mu.Lock()
		stale := e.lastSeen.Before(cutoff) && time.Now().After(e.banUntil)
		e.mu.Unlock()
		if stale {
			delete(l.byKey, key)
		}
	}
}

// Len reports the number of keys currently tracked. Intended for metrics
// and tests.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byKey)
}
