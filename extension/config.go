package extension

import "time"

// Config holds the ledgersync extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.ledgersync" or "ledgersync" keys).
type Config struct {
	// DisableSync registers the engine without starting its background
	// sync loop. Local writes still work; nothing is pushed or pulled.
	DisableSync bool `json:"disable_sync" mapstructure:"disable_sync" yaml:"disable_sync"`

	// SQLitePath is the local ledger database file. When empty and no store
	// was provided programmatically, an in-memory store is used.
	SQLitePath string `json:"sqlite_path" mapstructure:"sqlite_path" yaml:"sqlite_path"`

	// MongoURI and MongoDatabase select the remote ledger. When MongoURI is
	// empty and no remote client was provided, an in-process remote is used.
	MongoURI      string `json:"mongo_uri"      mapstructure:"mongo_uri"      yaml:"mongo_uri"`
	MongoDatabase string `json:"mongo_database" mapstructure:"mongo_database" yaml:"mongo_database"`

	// UserID scopes pulls to one user's records.
	UserID string `json:"user_id" mapstructure:"user_id" yaml:"user_id"`

	// SyncInterval is the periodic sync timer (default: 30s).
	SyncInterval time.Duration `json:"sync_interval" mapstructure:"sync_interval" yaml:"sync_interval"`

	// Workers bounds concurrent pushes (default: 4).
	Workers int `json:"workers" mapstructure:"workers" yaml:"workers"`

	// PullBatchSize is the page size for remote pulls (default: 200).
	PullBatchSize int `json:"pull_batch_size" mapstructure:"pull_batch_size" yaml:"pull_batch_size"`

	// PushTimeout bounds a single push (default: 15s).
	PushTimeout time.Duration `json:"push_timeout" mapstructure:"push_timeout" yaml:"push_timeout"`

	// BackoffInitial and BackoffMax bound the retry delay after transport
	// faults (defaults: 500ms, 5m).
	BackoffInitial time.Duration `json:"backoff_initial" mapstructure:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax     time.Duration `json:"backoff_max"     mapstructure:"backoff_max"     yaml:"backoff_max"`

	// PurgeTombstones removes deleted records once the remote confirmed them.
	PurgeTombstones bool `json:"purge_tombstones" mapstructure:"purge_tombstones" yaml:"purge_tombstones"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MongoDatabase:  "ledgersync",
		SyncInterval:   30 * time.Second,
		Workers:        4,
		PullBatchSize:  200,
		PushTimeout:    15 * time.Second,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     5 * time.Minute,
	}
}
