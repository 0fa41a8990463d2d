package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Class names a limit with its own window and ceiling.
type Class string

const (
	ClassConnection Class = "connection"
	ClassMessage    Class = "message"
)

// Rule is the window size and the number of allowed hits per window.
type Rule struct {
	Window  time.Duration
	Ceiling int
}

// Store counts hits in fixed windows. Allow adds n to the bucket for
// (class, identity, window index) unless that would pass the ceiling, in
// which case the bucket is left unchanged.
type Store interface {
	Allow(ctx context.Context, class Class, identity string, rule Rule, now time.Time, n int) (bool, error)
}

// Limiter applies per-class rules on top of a Store. When the primary store
// errors it falls back to the in-process store so that a Redis outage does
// not lock users out.
type Limiter struct {
	rules    map[Class]Rule
	store    Store
	fallback *MemoryStore
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Limiter)

// WithStore replaces the default in-process store.
func WithStore(s Store) Option {
	return func(l *Limiter) { l.store = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(rules map[Class]Rule, logger *slog.Logger, opts ...Option) *Limiter {
	mem := NewMemoryStore()
	l := &Limiter{
		rules:    rules,
		store:    mem,
		fallback: mem,
		now:      time.Now,
		logger:   logger.With("component", "ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check reports whether one more hit for identity is allowed in class.
// Unknown classes are always allowed.
func (l *Limiter) Check(ctx context.Context, identity string, class Class) bool {
	return l.CheckN(ctx, identity, class, 1)
}

// CheckN takes n hits at once. Either all of them fit in the current window
// or none is counted.
func (l *Limiter) CheckN(ctx context.Context, identity string, class Class, n int) bool {
	rule, ok := l.rules[class]
	if !ok || rule.Ceiling <= 0 || rule.Window <= 0 || n <= 0 {
		return true
	}

	now := l.now()
	allowed, err := l.store.Allow(ctx, class, identity, rule, now, n)
	if err != nil {
		l.logger.Warn("Rate limit store failed, using local counters",
			"class", class,
			"identity", identity,
			"error", err)
		allowed, _ = l.fallback.Allow(ctx, class, identity, rule, now, n)
	}

	if !allowed {
		l.logger.Debug("Rate limit exceeded",
			"class", class,
			"identity", identity,
			"cost", n,
			"ceiling", rule.Ceiling,
			"window", rule.Window)
	}
	return allowed
}

// Run sweeps expired local buckets every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.fallback.Sweep(l.now()); n > 0 {
				l.logger.Debug("Swept rate windows", "evicted", n)
			}
		}
	}
}

// windowIndex is floor(now / window) over unix nanoseconds.
func windowIndex(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / int64(window)
}

type bucketKey struct {
	class    Class
	identity string
}

type bucket struct {
	index  int64
	window time.Duration
	count  int
}

// MemoryStore keeps one bucket per (class, identity). A bucket whose window
// index is stale is reset on access and evicted by Sweep.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[bucketKey]*bucket)}
}

func (s *MemoryStore) Allow(_ context.Context, class Class, identity string, rule Rule, now time.Time, n int) (bool, error) {
	idx := windowIndex(now, rule.Window)
	key := bucketKey{class: class, identity: identity}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || b.index != idx {
		b = &bucket{index: idx, window: rule.Window}
		s.buckets[key] = b
	}

	if b.count+n > rule.Ceiling {
		return false, nil
	}
	b.count += n
	return true, nil
}

// Sweep removes buckets whose window has fully elapsed and returns how many
// were evicted.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, b := range s.buckets {
		if windowIndex(now, b.window) > b.index {
			delete(s.buckets, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.buckets)
}
