package extension

import (
	"time"

	"github.com/xraph/ledgersync"
	"github.com/xraph/ledgersync/plugin"
	"github.com/xraph/ledgersync/remote"
	"github.com/xraph/ledgersync/store"
)

// Option configures the ledgersync Forge extension.
type Option func(*Extension)

// WithStore sets the local store for the engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithRemote sets the remote ledger client for the engine.
func WithRemote(rc remote.Client) Option {
	return func(e *Extension) {
		e.remote = rc
	}
}

// WithEngineOption passes a ledgersync.Option through to the underlying engine.
func WithEngineOption(opt ledgersync.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers an engine plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, ledgersync.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableSync registers the engine without starting background sync.
func WithDisableSync() Option {
	return func(e *Extension) { e.config.DisableSync = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithSQLitePath sets the local ledger database file.
func WithSQLitePath(path string) Option {
	return func(e *Extension) { e.config.SQLitePath = path }
}

// WithMongo selects a MongoDB remote ledger.
func WithMongo(uri, database string) Option {
	return func(e *Extension) {
		e.config.MongoURI = uri
		e.config.MongoDatabase = database
	}
}

// WithUserID scopes pulls to one user's records.
func WithUserID(userID string) Option {
	return func(e *Extension) { e.config.UserID = userID }
}

// WithSyncInterval sets the periodic sync timer.
func WithSyncInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.SyncInterval = d }
}

// WithWorkers bounds concurrent pushes.
func WithWorkers(n int) Option {
	return func(e *Extension) { e.config.Workers = n }
}
