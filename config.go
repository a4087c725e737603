package pqfsr

import (
	"log/slog"
	"time"

	"github.com/kamune-org/pqfsr/pkg/ratchet"
	"github.com/kamune-org/pqfsr/pkg/replay"
)

// Config collects the tunables of a Session. It is populated by functional
// Options rather than a single constructor argument list, generalizing the
// NewEnigma(secret, salt, info)-style parameter list of the ambient stack
// this package is grounded on.
type Config struct {
	mode       ratchet.Mode
	maxSkip    int
	versionMin uint8
	versionMax uint8

	logger *slog.Logger
	clock  func() time.Time

	localReplay  *replay.Cache
	globalReplay *replay.Cache
}

// Option configures a Session at construction.
type Option func(*Config)

// WithMode selects the adaptive strategy's pulse/flow bias.
func WithMode(mode ratchet.Mode) Option {
	return func(c *Config) { c.mode = mode }
}

// WithMaxSkip overrides the skipped-key cache bound (§4.4).
func WithMaxSkip(n int) Option {
	return func(c *Config) { c.maxSkip = n }
}

// WithVersionRange overrides the [min, max] protocol versions this party
// advertises or accepts during negotiation (§4.6).
func WithVersionRange(min, max uint8) Option {
	return func(c *Config) { c.versionMin = min; c.versionMax = max }
}

// WithLogger injects a structured logger for handshake diagnostics. A nil
// logger (the default) falls back to slog.Default() as it is when the
// Session is constructed, so a Session built without this option still logs
// somewhere sane.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.logger = l }
}

// WithClock overrides the time source used for handshake-id generation and
// replay-window checks, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *Config) { c.clock = now }
}

// WithLocalReplayCache injects the per-session replay cache (§4.5) instead
// of the package default, e.g. to share clock/TTL settings with a test's
// global cache.
func WithLocalReplayCache(cache *replay.Cache) Option {
	return func(c *Config) { c.localReplay = cache }
}

// WithGlobalReplayCache overrides the process-wide replay cache a Session
// checks during AcceptHandshake, instead of the package-level singleton
// returned by GlobalReplayCache. Tests that want isolation from other
// packages' sessions should set this explicitly.
func WithGlobalReplayCache(cache *replay.Cache) Option {
	return func(c *Config) { c.globalReplay = cache }
}

func defaultConfig() *Config {
	return &Config{
		mode:       ratchet.BalancedFlow,
		maxSkip:    ratchet.DefaultMaxSkip,
		versionMin: ProtocolVersion,
		versionMax: ProtocolVersion,
		clock:      defaultClock,
	}
}

func (c *Config) logOrDefault() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}

func (c *Config) localReplayCache() (*replay.Cache, error) {
	if c.localReplay != nil {
		return c.localReplay, nil
	}
	cache, err := replay.New(replay.WithClock(c.clock))
	if err != nil {
		return nil, err
	}
	c.localReplay = cache
	return cache, nil
}

func (c *Config) globalReplayCache() *replay.Cache {
	if c.globalReplay != nil {
		return c.globalReplay
	}
	return GlobalReplayCache()
}
