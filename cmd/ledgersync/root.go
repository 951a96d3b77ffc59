package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xraph/ledgersync"
	"github.com/xraph/ledgersync/remote"
	remotemongo "github.com/xraph/ledgersync/remote/mongo"
	"github.com/xraph/ledgersync/store/sqlite"
	"github.com/xraph/ledgersync/transaction"
)

// app carries what every command needs once flags and config are parsed.
type app struct {
	v       *viper.Viper
	cfg     *config
	logger  *slog.Logger
	logSink io.Closer

	cfgFile string
	verbose bool
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "ledgersync",
		Short: "Offline-first ledger with remote sync",
		Long: `ledgersync records income and expense transactions in a local ledger
and keeps it in sync with a remote ledger shared by your devices.

Every change is written locally first. "ledgersync run" syncs in the
background; "ledgersync sync" runs a single cycle.`,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			a.close()
		},
	}

	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is <user config dir>/ledgersync/config.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "also log to stderr")

	root.AddCommand(
		newRunCmd(a),
		newSyncCmd(a),
		newStatusCmd(a),
		newRecordCmd(a),
		newDeleteCmd(a),
		newListCmd(a),
	)
	return root
}

func (a *app) init() error {
	cfg, err := loadConfig(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	a.logger = a.newLogger()
	return nil
}

func (a *app) close() {
	if a.logSink != nil {
		_ = a.logSink.Close() //nolint:errcheck // exiting anyway
	}
}

// newLogger writes JSON logs to a rotating file, and to stderr as well
// when --verbose is set.
func (a *app) newLogger() *slog.Logger {
	rotating := &lumberjack.Logger{
		Filename:   a.cfg.Log.File,
		MaxSize:    a.cfg.Log.MaxSizeMB,
		MaxBackups: a.cfg.Log.MaxBackups,
		MaxAge:     a.cfg.Log.MaxAgeDays,
		Compress:   true,
	}
	a.logSink = rotating

	var w io.Writer = rotating
	if a.verbose {
		w = io.MultiWriter(os.Stderr, rotating)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(a.cfg.Log.Level)}))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// openEngine opens the local store and the configured remote. The
// returned closer releases both.
func (a *app) openEngine(ctx context.Context) (*ledgersync.Engine, func(), error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.dbPath()), 0o755); err != nil {
		return nil, nil, err
	}
	st, err := sqlite.Open(a.cfg.dbPath())
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close() //nolint:errcheck // already failing
		return nil, nil, err
	}

	rc, closeRemote, err := a.openRemote(ctx)
	if err != nil {
		_ = st.Close() //nolint:errcheck // already failing
		return nil, nil, err
	}

	engine := ledgersync.New(st, rc,
		ledgersync.WithLogger(a.logger),
		ledgersync.WithSyncInterval(a.cfg.Sync.Interval),
		ledgersync.WithWorkers(a.cfg.Sync.Workers),
		ledgersync.WithPullBatchSize(a.cfg.Sync.PullBatchSize),
		ledgersync.WithPushTimeout(a.cfg.Sync.PushTimeout),
		ledgersync.WithBackoff(a.cfg.Sync.BackoffInitial, a.cfg.Sync.BackoffMax),
		ledgersync.WithTombstonePurge(a.cfg.Sync.PurgeTombstone),
	)

	closeAll := func() {
		if err := engine.Stop(); err != nil {
			a.logger.Warn("engine stop failed", "error", err)
		}
		closeRemote()
	}
	return engine, closeAll, nil
}

var errNoRemote = errors.New("no remote configured; set mongo.uri or LEDGERSYNC_MONGO_URI")

func (a *app) openRemote(ctx context.Context) (remote.Client, func(), error) {
	if a.cfg.Mongo.URI == "" {
		return unconfiguredRemote{}, func() {}, nil
	}

	var opts []remotemongo.Option
	if a.cfg.UserID != "" {
		opts = append(opts, remotemongo.WithUserID(a.cfg.UserID))
	}
	c, err := remotemongo.Open(ctx, a.cfg.Mongo.URI, a.cfg.Mongo.Database, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := c.Migrate(ctx); err != nil {
		_ = c.Close(ctx) //nolint:errcheck // already failing
		return nil, nil, err
	}
	return c, func() {
		if err := c.Close(context.Background()); err != nil {
			a.logger.Warn("remote close failed", "error", err)
		}
	}, nil
}

func (a *app) requireRemote() error {
	if a.cfg.Mongo.URI == "" {
		return errNoRemote
	}
	return nil
}

// unconfiguredRemote lets local commands run without a remote. Every call
// fails as a transport fault, so local writes stay journaled.
type unconfiguredRemote struct{}

func (unconfiguredRemote) Push(context.Context, *transaction.Transaction, int64) error {
	return &ledgersync.TransportFault{Op: "push", Err: errNoRemote}
}

func (unconfiguredRemote) PullChangesSince(_ context.Context, cursor string, _ int) ([]remote.Change, string, error) {
	return nil, cursor, &ledgersync.TransportFault{Op: "pull", Err: errNoRemote}
}
