// Package replay implements the handshake-id replay-protection cache of
// §4.5: bounded, TTL-expiring, LRU-evicting tracking of handshake attempts,
// usable both per-session (in-process) and process-wide (optionally backed
// by disk via Bolt, see bolt.go).
package replay

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HandshakeIDSize is the fixed length of a handshake id: 12 random bytes
// followed by a 4-byte big-endian Unix-seconds timestamp.
const HandshakeIDSize = 16

const (
	// DefaultTTL is how long a handshake id is remembered.
	DefaultTTL = 24 * time.Hour
	// DefaultMaxSize bounds the cache; least recently seen entries are
	// evicted first.
	DefaultMaxSize = 10000
	// DefaultCleanupEvery triggers a sweep after this many insertions.
	DefaultCleanupEvery = 100
	// DefaultWindowPast rejects handshake ids timestamped further in the past.
	DefaultWindowPast = 1 * time.Hour
	// DefaultWindowFuture rejects handshake ids timestamped further in the future.
	DefaultWindowFuture = 5 * time.Minute
)

// Result is the outcome of a replay check.
type Result int

const (
	// Ok means the handshake id was not seen before and is within the
	// acceptable clock window; it has now been recorded.
	Ok Result = iota
	// Replayed means the handshake id was already recorded within TTL.
	Replayed
	// Expired means the handshake id's embedded timestamp is older than
	// window_past.
	Expired
	// ClockSkew means the handshake id's embedded timestamp is further in
	// the future than window_future.
	ClockSkew
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "ok"
	case Replayed:
		return "replayed"
	case Expired:
		return "expired"
	case ClockSkew:
		return "clock_skew"
	default:
		return "unknown"
	}
}

// ErrMissing reports a handshake id with no entry. No function in this
// package returns it; the Backend interface has no lookup operation.
var ErrMissing = errors.New("replay: entry not found")

type entry struct {
	firstSeen    time.Time
	attemptCount int
}

// Cache is a TTL-bounded, LRU-evicting handshake-id replay cache. The zero
// value is not usable; construct with New. Safe for concurrent use.
type Cache struct {
	mu sync.Mutex

	entries map[[HandshakeIDSize]byte]*entry
	order   []([HandshakeIDSize]byte)

	ttl          time.Duration
	maxSize      int
	cleanupEvery int
	windowPast   time.Duration
	windowFuture time.Duration

	insertsSinceCleanup int
	now                 func() time.Time

	persist Backend
	logger  *slog.Logger
}

// Backend is an optional durable store a Cache can mirror writes to, so a
// process-wide cache survives restarts. See bolt.go for a Bolt-backed
// implementation.
type Backend interface {
	Put(id [HandshakeIDSize]byte, firstSeen time.Time, attemptCount int) error
	Delete(id [HandshakeIDSize]byte) error
	ForEach(fn func(id [HandshakeIDSize]byte, firstSeen time.Time, attemptCount int) error) error
}

// Option configures a Cache at construction.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option { return func(c *Cache) { c.ttl = ttl } }

// WithMaxSize overrides DefaultMaxSize.
func WithMaxSize(n int) Option { return func(c *Cache) { c.maxSize = n } }

// WithClockWindows overrides DefaultWindowPast/DefaultWindowFuture.
func WithClockWindows(past, future time.Duration) Option {
	return func(c *Cache) { c.windowPast = past; c.windowFuture = future }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithBackend attaches a durable Backend and loads any existing entries
// from it.
func WithBackend(b Backend) Option { return func(c *Cache) { c.persist = b } }

// WithLogger attaches a logger for cleanup/eviction diagnostics. A nil
// logger (the default) disables this logging rather than falling back to
// slog.Default(), since a replay cache is frequently constructed in tests.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

// New constructs a Cache with the §4.5 defaults, as overridden by opts.
func New(opts ...Option) (*Cache, error) {
	c := &Cache{
		entries:      make(map[[HandshakeIDSize]byte]*entry),
		ttl:          DefaultTTL,
		maxSize:      DefaultMaxSize,
		cleanupEvery: DefaultCleanupEvery,
		windowPast:   DefaultWindowPast,
		windowFuture: DefaultWindowFuture,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.persist != nil {
		if err := c.loadFromBackend(); err != nil {
			return nil, fmt.Errorf("loading replay cache backend: %w", err)
		}
	}
	return c, nil
}

func (c *Cache) loadFromBackend() error {
	return c.persist.ForEach(func(id [HandshakeIDSize]byte, firstSeen time.Time, attemptCount int) error {
		c.entries[id] = &entry{firstSeen: firstSeen, attemptCount: attemptCount}
		c.order = append(c.order, id)
		return nil
	})
}

// NewHandshakeID generates a fresh handshake id: 12 random bytes followed by
// the current Unix-seconds timestamp, big-endian.
func NewHandshakeID(now time.Time) ([HandshakeIDSize]byte, error) {
	var id [HandshakeIDSize]byte
	if _, err := rand.Read(id[:12]); err != nil {
		return id, fmt.Errorf("generating handshake id randomness: %w", err)
	}
	binary.BigEndian.PutUint32(id[12:], uint32(now.Unix()))
	return id, nil
}

// timestampOf extracts the embedded Unix-seconds timestamp from a handshake
// id's last 4 bytes.
func timestampOf(id [HandshakeIDSize]byte) time.Time {
	sec := binary.BigEndian.Uint32(id[12:])
	return time.Unix(int64(sec), 0)
}

// CheckAndRecord validates id's embedded timestamp against the clock
// windows, then checks and records it against the cache, per §4.5.
func (c *Cache) CheckAndRecord(id [HandshakeIDSize]byte) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ts := timestampOf(id)
	if now.Sub(ts) > c.windowPast {
		return Expired
	}
	if ts.Sub(now) > c.windowFuture {
		return ClockSkew
	}

	if e, ok := c.entries[id]; ok {
		if now.Sub(e.firstSeen) <= c.ttl {
			e.attemptCount++
			if c.persist != nil {
				_ = c.persist.Put(id, e.firstSeen, e.attemptCount)
			}
			// Move the id to the back of the eviction order (LRU).
			for i, k := range c.order {
				if k == id {
					c.order = append(c.order[:i], c.order[i+1:]...)
					break
				}
			}
			c.order = append(c.order, id)
			return Replayed
		}
		// Expired entry: treat as a fresh handshake, replacing the record.
		c.removeLocked(id)
	}

	c.entries[id] = &entry{firstSeen: now, attemptCount: 1}
	c.order = append(c.order, id)
	if c.persist != nil {
		_ = c.persist.Put(id, now, 1)
	}

	c.insertsSinceCleanup++
	if c.insertsSinceCleanup >= c.cleanupEvery || len(c.entries) > c.maxSize {
		c.cleanupLocked()
	}

	return Ok
}

func (c *Cache) removeLocked(id [HandshakeIDSize]byte) {
	delete(c.entries, id)
	for i, k := range c.order {
		if k == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if c.persist != nil {
		_ = c.persist.Delete(id)
	}
}

// cleanupLocked sweeps expired entries and, if still over capacity, evicts
// the least recently seen entries until within bounds. Caller holds c.mu.
func (c *Cache) cleanupLocked() {
	now := c.now()
	live := c.order[:0:0]
	expired := 0
	for _, id := range c.order {
		e := c.entries[id]
		if now.Sub(e.firstSeen) > c.ttl {
			delete(c.entries, id)
			if c.persist != nil {
				_ = c.persist.Delete(id)
			}
			expired++
			continue
		}
		live = append(live, id)
	}
	c.order = live

	evicted := 0
	for len(c.order) > c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
		if c.persist != nil {
			_ = c.persist.Delete(oldest)
		}
		evicted++
	}

	if c.logger != nil && (expired > 0 || evicted > 0) {
		c.logger.Debug("replay cache cleanup",
			slog.Int("expired", expired), slog.Int("evicted", evicted), slog.Int("remaining", len(c.order)))
	}

	c.insertsSinceCleanup = 0
}

// Len reports the current number of tracked handshake ids.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
