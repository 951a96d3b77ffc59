package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// config is the CLI configuration, read from a YAML file and LEDGERSYNC_*
// environment variables.
type config struct {
	DataDir string `mapstructure:"data_dir"`
	UserID  string `mapstructure:"user_id"`

	Mongo struct {
		URI      string `mapstructure:"uri"`
		Database string `mapstructure:"database"`
	} `mapstructure:"mongo"`

	Sync struct {
		Interval       time.Duration `mapstructure:"interval"`
		Workers        int           `mapstructure:"workers"`
		PullBatchSize  int           `mapstructure:"pull_batch_size"`
		PushTimeout    time.Duration `mapstructure:"push_timeout"`
		BackoffInitial time.Duration `mapstructure:"backoff_initial"`
		BackoffMax     time.Duration `mapstructure:"backoff_max"`
		PurgeTombstone bool          `mapstructure:"purge_tombstones"`
	} `mapstructure:"sync"`

	Log struct {
		File       string `mapstructure:"file"`
		Level      string `mapstructure:"level"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
		MaxAgeDays int    `mapstructure:"max_age_days"`
	} `mapstructure:"log"`

	Feed struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"feed"`

	DefaultCurrency string `mapstructure:"default_currency"`
}

func (c *config) dbPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

func setDefaults(v *viper.Viper) {
	dir := defaultDataDir()
	v.SetDefault("data_dir", dir)
	v.SetDefault("mongo.database", "ledgersync")
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.pull_batch_size", 200)
	v.SetDefault("sync.push_timeout", 15*time.Second)
	v.SetDefault("sync.backoff_initial", 500*time.Millisecond)
	v.SetDefault("sync.backoff_max", 5*time.Minute)
	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("default_currency", "USD")
}

// loadConfig reads the config file, if any, and the environment.
func loadConfig(v *viper.Viper, cfgFile string) (*config, error) {
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(defaultDataDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("LEDGERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return decodeConfig(v)
}

func decodeConfig(v *viper.Viper) (*config, error) {
	cfg := &config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.DataDir == "" {
		return nil, errors.New("data_dir must not be empty")
	}
	if cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(cfg.DataDir, "ledgersync.log")
	}
	return cfg, nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "ledgersync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".ledgersync")
	}
	return ".ledgersync"
}
