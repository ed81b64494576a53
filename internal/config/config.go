// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-insight/internal/apify"
	"github.com/JakeFAU/adlibrary-insight/internal/logging"
	"github.com/JakeFAU/adlibrary-insight/internal/policy/ratelimit"
	"github.com/JakeFAU/adlibrary-insight/internal/progress"
	"github.com/JakeFAU/adlibrary-insight/internal/publisher/pubsub"
	"github.com/JakeFAU/adlibrary-insight/internal/runs"
	"github.com/JakeFAU/adlibrary-insight/internal/storage/gcs"
	"github.com/JakeFAU/adlibrary-insight/internal/storage/local"
	"github.com/JakeFAU/adlibrary-insight/internal/storage/postgres"
	"github.com/JakeFAU/adlibrary-insight/internal/storage/sqlite"
	"github.com/JakeFAU/adlibrary-insight/internal/telemetry"
	"github.com/JakeFAU/adlibrary-insight/internal/translate"
)

// EnvPrefix namespaces environment overrides, e.g. ADSEARCH_SERVER_PORT.
const EnvPrefix = "ADSEARCH"

// Backend names accepted by the storage, history and pubsub sections.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendPubSub   = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Apify       ApifyConfig       `mapstructure:"apify"`
	Batch       runs.Config       `mapstructure:"batch"`
	Translation TranslationConfig `mapstructure:"translation"`
	Storage     StorageConfig     `mapstructure:"storage"`
	History     HistoryConfig     `mapstructure:"history"`
	DB          postgres.Config   `mapstructure:"db"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Logging     logging.Config    `mapstructure:"logging"`
	Progress    progress.Config   `mapstructure:"progress"`
	Telemetry   telemetry.Config  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ApifyConfig configures the scraping API client. Token is the default
// credential used when a request does not carry its own.
type ApifyConfig struct {
	apify.Config `mapstructure:",squash"`
	Token        string           `mapstructure:"token"`
	RateLimit    ratelimit.Config `mapstructure:"rate_limit"`
}

// TranslationConfig enables the Gemini translator.
type TranslationConfig struct {
	translate.Config `mapstructure:",squash"`
	Enabled          bool `mapstructure:"enabled"`
}

// StorageConfig selects where run exports are written.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// HistoryConfig selects the history repository. Postgres reads the db section.
type HistoryConfig struct {
	Backend string        `mapstructure:"backend"`
	SQLite  sqlite.Config `mapstructure:"sqlite"`
}

// PubSubConfig holds metadata for run completion notifications.
type PubSubConfig struct {
	Backend string `mapstructure:"backend"`
	pubsub.Config `mapstructure:",squash"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch reloads path on change and hands each valid Config to fn. Invalid
// edits are logged and ignored.
func Watch(path string, logger *zap.Logger, fn func(Config)) error {
	if path == "" {
		return fmt.Errorf("watch config: no config file")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v, err := newViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("config change rejected", zap.String("file", evt.Name), zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("file", evt.Name), zap.String("op", evt.Op.String()))
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("apify.token", "")
	v.SetDefault("apify.base_url", apify.DefaultBaseURL)
	v.SetDefault("apify.actor_id", apify.DefaultActorID)
	v.SetDefault("apify.results_per_url", apify.DefaultResultsPerURL)
	v.SetDefault("apify.timeout", apify.DefaultTimeout.String())
	v.SetDefault("apify.max_retries", 2)
	v.SetDefault("apify.retry_base_delay", "500ms")
	v.SetDefault("apify.retry_max_delay", "10s")
	v.SetDefault("apify.user_agent", "adsearch/1.0")
	v.SetDefault("apify.rate_limit.rps", 5)
	v.SetDefault("apify.rate_limit.burst", 10)
	v.SetDefault("batch.sub_batch_size", 10)
	v.SetDefault("batch.max_concurrency", 100)
	v.SetDefault("batch.retain_runs", runs.DefaultRetainRuns)
	v.SetDefault("batch.export_prefix", runs.DefaultExportPrefix)
	v.SetDefault("batch.persist_timeout", runs.DefaultPersistTimeout.String())
	v.SetDefault("translation.enabled", false)
	v.SetDefault("translation.api_key", "")
	v.SetDefault("translation.base_url", "")
	v.SetDefault("translation.model", translate.DefaultModel)
	v.SetDefault("translation.target", translate.DefaultTarget)
	v.SetDefault("translation.max_retries", translate.DefaultRetries)
	v.SetDefault("translation.cooldown", translate.DefaultCooldown.String())
	v.SetDefault("translation.chunk_size", translate.DefaultChunkSize)
	v.SetDefault("translation.parallelism", translate.DefaultParallelism)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.local.base_dir", "data/exports")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")
	v.SetDefault("history.backend", BackendMemory)
	v.SetDefault("history.sqlite.path", "data/history.db")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.migrate", true)
	v.SetDefault("pubsub.backend", BackendMemory)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "adsearch-runs")
	v.SetDefault("logging.development", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "250ms")
	v.SetDefault("progress.sink_timeout", "5s")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "adsearch")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.exporter", telemetry.ExporterNone)
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Batch.SubBatchSize <= 0 {
		return fmt.Errorf("batch.sub_batch_size must be > 0")
	}
	if c.Batch.MaxConcurrency <= 0 {
		return fmt.Errorf("batch.max_concurrency must be > 0")
	}
	if c.Apify.Timeout <= 0 {
		return fmt.Errorf("apify.timeout must be > 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	switch c.History.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.History.SQLite.Path == "" {
			return fmt.Errorf("history.sqlite.path must be set for the sqlite backend")
		}
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("history.backend %q is not one of memory, sqlite, postgres", c.History.Backend)
	}
	switch c.PubSub.Backend {
	case BackendMemory:
	case BackendPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("pubsub.backend %q is not one of memory, pubsub", c.PubSub.Backend)
	}
	if c.Translation.Enabled && c.Translation.APIKey == "" {
		return fmt.Errorf("translation.api_key must be set when translation is enabled")
	}
	return nil
}

// RunsConfig merges the batch and translation sections for the run manager.
func (c Config) RunsConfig() runs.Config {
	out := c.Batch
	out.Topic = c.PubSub.Topic
	out.TranslateTarget = c.Translation.Target
	out.TranslateChunkSize = c.Translation.ChunkSize
	out.TranslateParallelism = c.Translation.Parallelism
	return out
}
