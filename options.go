package ledgersync

import (
	"log/slog"
	"time"

	"github.com/xraph/ledgersync/plugin"
	"github.com/xraph/ledgersync/resolve"
)

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithWorkers bounds how many records are pushed concurrently.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithSyncInterval sets the periodic sync timer.
func WithSyncInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.syncInterval = d
		}
	}
}

// WithBackoff configures the retry delay after transport faults. Delays
// grow exponentially from initial up to max, with jitter.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(e *Engine) {
		if initial > 0 {
			e.backoffInitial = initial
		}
		if maxDelay >= e.backoffInitial {
			e.backoffMax = maxDelay
		}
	}
}

// WithPullBatchSize sets how many remote changes are requested per page.
func WithPullBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pullBatch = n
		}
	}
}

// WithPushTimeout bounds a single push. A push in flight is allowed to
// finish or time out even after the cycle is cancelled.
func WithPushTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pushTimeout = d
		}
	}
}

// WithClock overrides the clock used for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithAuthenticator sets the collaborator asked for fresh credentials
// after an unauthorized transport fault.
func WithAuthenticator(a Authenticator) Option {
	return func(e *Engine) { e.auth = a }
}

// WithResolver replaces the conflict resolver.
func WithResolver(fn resolve.Func) Option {
	return func(e *Engine) {
		if fn != nil {
			e.resolver = fn
		}
	}
}

// WithTombstonePurge physically removes tombstones once their deletion
// is confirmed by the remote store.
func WithTombstonePurge(enabled bool) Option {
	return func(e *Engine) { e.purgeTombstones = enabled }
}

// WithMaxResolveAttempts bounds how often one push may be re-resolved
// within a cycle before the record is left for the next cycle.
func WithMaxResolveAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxResolveAttempts = n
		}
	}
}
