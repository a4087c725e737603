package pqfsr

import (
	"fmt"
	"sync"

	"github.com/kamune-org/pqfsr/pkg/replay"
)

var (
	globalReplayOnce  sync.Once
	globalReplayCache *replay.Cache
)

// GlobalReplayCache returns the process-wide handshake-id replay cache
// (§4.5, §9): a single named resource, initialized on first use and shared
// by every Session's AcceptHandshake call unless overridden by
// WithGlobalReplayCache. Tests that want isolation from other packages'
// sessions should inject a private cache instead of relying on this one.
func GlobalReplayCache() *replay.Cache {
	globalReplayOnce.Do(func() {
		cache, err := replay.New()
		if err != nil {
			// replay.New only fails loading an optional backend, which the
			// default (in-memory, no backend) construction never attaches.
			panic(fmt.Errorf("initializing global replay cache: %w", err))
		}
		globalReplayCache = cache
	})
	return globalReplayCache
}
