// Package extension provides the Forge extension adapter for ledgersync.
//
// It implements the forge.Extension interface to run the sync engine
// inside a Forge application with DI registration and lifecycle
// management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.ledgersync" or
// "ledgersync" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/ledgersync"
	"github.com/xraph/ledgersync/remote"
	remotemem "github.com/xraph/ledgersync/remote/memory"
	remotemongo "github.com/xraph/ledgersync/remote/mongo"
	"github.com/xraph/ledgersync/store"
	"github.com/xraph/ledgersync/store/memory"
	"github.com/xraph/ledgersync/store/sqlite"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "ledgersync"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Offline-first ledger sync and conflict reconciliation"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the sync engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *ledgersync.Engine
	store      store.Store
	remote     remote.Client
	engineOpts []ledgersync.Option

	// set when the extension dialed the remote itself
	mongo *remotemongo.Client
}

// New creates a new ledgersync Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying sync engine.
// This is nil until Register is called.
func (e *Extension) Engine() *ledgersync.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration, opens the
// configured store and remote, and registers the engine in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if err := e.openStore(); err != nil {
		return err
	}
	if err := e.openRemote(context.Background()); err != nil {
		return err
	}

	e.engine = ledgersync.New(e.store, e.remote, e.buildEngineOpts()...)

	return vessel.Provide(fapp.Container(), func() (*ledgersync.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("ledgersync: extension not initialized")
	}

	if !e.config.DisableSync {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	} else if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(ctx context.Context) error {
	var errs []error
	if e.engine != nil {
		errs = append(errs, e.engine.Stop())
	}
	if e.mongo != nil {
		errs = append(errs, e.mongo.Close(ctx))
	}
	e.MarkStopped()
	return errors.Join(errs...)
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("ledgersync: store not initialized")
	}
	if err := e.store.Ping(ctx); err != nil {
		return err
	}
	if e.mongo != nil {
		return e.mongo.Ping(ctx)
	}
	return nil
}

func (e *Extension) openStore() error {
	if e.store != nil {
		return nil
	}
	if e.config.SQLitePath == "" {
		e.store = memory.New()
		return nil
	}
	s, err := sqlite.Open(e.config.SQLitePath)
	if err != nil {
		return fmt.Errorf("ledgersync: open local store: %w", err)
	}
	e.store = s
	return nil
}

func (e *Extension) openRemote(ctx context.Context) error {
	if e.remote != nil {
		return nil
	}
	if e.config.MongoURI == "" {
		e.Logger().Warn("ledgersync: no remote configured, using an in-process remote")
		e.remote = remotemem.NewServer().Client(remotemem.WithUserID(e.config.UserID))
		return nil
	}

	var opts []remotemongo.Option
	if e.config.UserID != "" {
		opts = append(opts, remotemongo.WithUserID(e.config.UserID))
	}
	c, err := remotemongo.Open(ctx, e.config.MongoURI, e.config.MongoDatabase, opts...)
	if err != nil {
		return fmt.Errorf("ledgersync: open remote: %w", err)
	}
	if err := c.Migrate(ctx); err != nil {
		_ = c.Close(ctx) //nolint:errcheck // already failing
		return err
	}
	e.mongo = c
	e.remote = c
	return nil
}

// buildEngineOpts constructs ledgersync.Option values from the resolved config.
func (e *Extension) buildEngineOpts() []ledgersync.Option {
	opts := make([]ledgersync.Option, 0, len(e.engineOpts)+6)

	opts = append(opts,
		ledgersync.WithSyncInterval(e.config.SyncInterval),
		ledgersync.WithWorkers(e.config.Workers),
		ledgersync.WithPullBatchSize(e.config.PullBatchSize),
		ledgersync.WithPushTimeout(e.config.PushTimeout),
		ledgersync.WithBackoff(e.config.BackoffInitial, e.config.BackoffMax),
		ledgersync.WithTombstonePurge(e.config.PurgeTombstones),
	)

	// Pass-through options are applied last and win.
	opts = append(opts, e.engineOpts...)

	return opts
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("ledgersync: configuration is required but not found in config files; " +
				"ensure 'extensions.ledgersync' or 'ledgersync' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("ledgersync: configuration loaded",
		forge.F("disable_sync", e.config.DisableSync),
		forge.F("sqlite_path", e.config.SQLitePath),
		forge.F("mongo_database", e.config.MongoDatabase),
		forge.F("sync_interval", e.config.SyncInterval),
		forge.F("workers", e.config.Workers),
		forge.F("pull_batch_size", e.config.PullBatchSize),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.ledgersync", "ledgersync"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("ledgersync: loaded config from file",
				forge.F("key", key),
			)
			return cfg, true
		}
		e.Logger().Warn("ledgersync: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.MongoDatabase == "" {
		cfg.MongoDatabase = defaults.MongoDatabase
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = defaults.SyncInterval
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.PullBatchSize == 0 {
		cfg.PullBatchSize = defaults.PullBatchSize
	}
	if cfg.PushTimeout == 0 {
		cfg.PushTimeout = defaults.PushTimeout
	}
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = defaults.BackoffInitial
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = defaults.BackoffMax
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableSync {
		yamlConfig.DisableSync = true
	}
	if programmaticConfig.PurgeTombstones {
		yamlConfig.PurgeTombstones = true
	}

	if yamlConfig.SQLitePath == "" {
		yamlConfig.SQLitePath = programmaticConfig.SQLitePath
	}
	if yamlConfig.MongoURI == "" {
		yamlConfig.MongoURI = programmaticConfig.MongoURI
	}
	if yamlConfig.MongoDatabase == "" {
		yamlConfig.MongoDatabase = programmaticConfig.MongoDatabase
	}
	if yamlConfig.UserID == "" {
		yamlConfig.UserID = programmaticConfig.UserID
	}

	if yamlConfig.SyncInterval == 0 {
		yamlConfig.SyncInterval = programmaticConfig.SyncInterval
	}
	if yamlConfig.Workers == 0 {
		yamlConfig.Workers = programmaticConfig.Workers
	}
	if yamlConfig.PullBatchSize == 0 {
		yamlConfig.PullBatchSize = programmaticConfig.PullBatchSize
	}
	if yamlConfig.PushTimeout == 0 {
		yamlConfig.PushTimeout = programmaticConfig.PushTimeout
	}
	if yamlConfig.BackoffInitial == 0 {
		yamlConfig.BackoffInitial = programmaticConfig.BackoffInitial
	}
	if yamlConfig.BackoffMax == 0 {
		yamlConfig.BackoffMax = programmaticConfig.BackoffMax
	}

	return mergeWithDefaults(yamlConfig)
}
