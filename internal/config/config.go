// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

// Index providers.
const (
	IndexNone     = "none"
	IndexSQLite   = "sqlite"
	IndexPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Source     SourceConfig     `mapstructure:"source"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Job        JobConfig        `mapstructure:"job"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Index      IndexConfig      `mapstructure:"index"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	ShutdownGraceSeconds  int `mapstructure:"shutdown_grace_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SourceConfig describes the results site.
type SourceConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// Regions maps region codes to the site's country ids.
	Regions     map[string]string  `mapstructure:"regions"`
	KnownEvents []KnownEventConfig `mapstructure:"known_events"`
}

// KnownEventConfig is one hard-coded event reference used as the last
// fallback when no listing names the events of a year.
type KnownEventConfig struct {
	Year int    `mapstructure:"year"`
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
	Tour string `mapstructure:"tour"`
}

// HTTPConfig configures the plain HTTP fetcher.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	IgnoreRobots   bool   `mapstructure:"ignore_robots"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the rendering fallback.
type HeadlessConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	WaitSelector  string `mapstructure:"wait_selector"`
	MaxScrolls    int    `mapstructure:"max_scrolls"`
}

// JobConfig holds job defaults and pacing.
type JobConfig struct {
	MaxWorkers         int         `mapstructure:"max_workers"`
	MinDelayMs         int         `mapstructure:"min_delay_ms"`
	MaxDelayMs         int         `mapstructure:"max_delay_ms"`
	MaxRPS             float64     `mapstructure:"max_rps"`
	MaxPages           int         `mapstructure:"max_pages"`
	ETAWindow          int         `mapstructure:"eta_window"`
	MaxRetries         int         `mapstructure:"max_retries"`
	BackoffInitialMs   int         `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs       int         `mapstructure:"backoff_max_ms"`
	AdvancingPlaces    map[int]int `mapstructure:"advancing_places"`
	AbsentIsEliminated bool        `mapstructure:"absent_marker_eliminated"`
}

// CheckpointConfig locates the checkpoint store and its optional mirror.
type CheckpointConfig struct {
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// IndexConfig selects the job index backend.
type IndexConfig struct {
	Provider string         `mapstructure:"provider"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig points at the SQLite index file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls access to the Postgres index.
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	MaxConnLifeS int    `mapstructure:"max_conn_lifetime_seconds"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// topic disables per-target notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	// Ordered publishes each job's notices under the job id ordering key.
	Ordered bool `mapstructure:"ordered"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load reads defaults, then the optional file at path, then HARVESTER_*
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var defaults = map[string]any{
	"server.port":                    8080,
	"server.request_timeout_seconds": 30,
	"server.shutdown_grace_seconds":  30,

	"auth.enabled": false,
	"auth.api_key": "",

	"source.base_url": "https://www.worldsurfleague.com",
	"source.regions":  map[string]string{"ESP": "208", "BAS": "253", "CAN": "250"},

	"http.user_agent":      "surf-results-harvester/0.1",
	"http.timeout_seconds": 15,
	"http.ignore_robots":   false,
	"http.max_body_bytes":  8 << 20,

	"headless.enabled":             false,
	"headless.max_parallel":        1,
	"headless.nav_timeout_seconds": 25,
	"headless.wait_selector":       "body",
	"headless.max_scrolls":         8,

	"job.max_workers":              4,
	"job.min_delay_ms":             1000,
	"job.max_delay_ms":             3000,
	"job.max_rps":                  0,
	"job.max_pages":                20,
	"job.eta_window":               20,
	"job.max_retries":              3,
	"job.backoff_initial_ms":       500,
	"job.backoff_max_ms":           10000,
	"job.absent_marker_eliminated": true,

	"checkpoint.dir":        "checkpoints",
	"checkpoint.gcs_bucket": "",
	"checkpoint.gcs_prefix": "checkpoints",

	"index.provider":           IndexNone,
	"index.sqlite.path":        "checkpoints/jobs.db",
	"index.postgres.dsn":       "",
	"index.postgres.table":     "harvest_jobs",
	"index.postgres.max_conns": 4,

	"pubsub.project_id": "",
	"pubsub.topic_name": "",
	"pubsub.ordered":    false,

	"logging.development": true,
	"logging.level":       "info",
}

// normalize undoes Viper's key lower-casing for region codes and tidies
// enumerated values.
func (c *Config) normalize() {
	if c.Source.Regions != nil {
		regions := make(map[string]string, len(c.Source.Regions))
		for code, id := range c.Source.Regions {
			regions[strings.ToUpper(strings.TrimSpace(code))] = id
		}
		c.Source.Regions = regions
	}
	c.Index.Provider = strings.ToLower(strings.TrimSpace(c.Index.Provider))
}

// Validate reports every violated constraint, joined.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(strings.TrimSpace(c.Source.BaseURL) != "", "source.base_url must be set")
	check(len(c.Source.Regions) > 0, "source.regions must name at least one region")
	check(c.HTTP.TimeoutSeconds > 0, "http.timeout_seconds must be > 0")
	check(!c.Headless.Enabled || c.Headless.MaxParallel > 0, "headless.max_parallel must be > 0 when headless is enabled")
	check(c.Job.MaxWorkers > 0, "job.max_workers must be > 0")
	check(c.Job.MinDelayMs >= 0 && c.Job.MaxDelayMs >= c.Job.MinDelayMs, "job.max_delay_ms must be >= job.min_delay_ms >= 0")
	check(c.Job.ETAWindow > 0, "job.eta_window must be > 0")
	check(strings.TrimSpace(c.Checkpoint.Dir) != "", "checkpoint.dir must be set")

	switch c.Index.Provider {
	case IndexNone, "":
	case IndexSQLite:
		check(c.Index.SQLite.Path != "", "index.sqlite.path must be set for the sqlite index")
	case IndexPostgres:
		check(c.Index.Postgres.DSN != "", "index.postgres.dsn must be set for the postgres index")
	default:
		check(false, "index.provider %q is not supported", c.Index.Provider)
	}

	check(c.PubSub.TopicName == "" || c.PubSub.ProjectID != "", "pubsub.project_id must be set when pubsub.topic_name is")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	return errors.Join(errs...)
}

// MinDelay is the default lower bound between requests.
func (c Config) MinDelay() time.Duration {
	return time.Duration(c.Job.MinDelayMs) * time.Millisecond
}

// MaxDelay is the default upper bound between requests.
func (c Config) MaxDelay() time.Duration {
	return time.Duration(c.Job.MaxDelayMs) * time.Millisecond
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds one API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownGrace bounds how long shutdown waits for in-flight targets.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownGraceSeconds) * time.Second
}

// Retry converts the retry knobs into the policy's configuration.
func (c Config) Retry() harvest.RetryConfig {
	return harvest.RetryConfig{
		MaxAttempts: c.Job.MaxRetries,
		BaseDelay:   time.Duration(c.Job.BackoffInitialMs) * time.Millisecond,
		MaxDelay:    time.Duration(c.Job.BackoffMaxMs) * time.Millisecond,
	}
}

// Advancement builds the heat advancement policy.
func (c Config) Advancement() harvest.AdvancementPolicy {
	return harvest.AdvancementPolicy{
		AdvancingPlaces:        c.Job.AdvancingPlaces,
		AbsentMarkerEliminated: c.Job.AbsentIsEliminated,
	}
}

// KnownEvents groups the configured event references by year.
func (c Config) KnownEvents() map[int][]harvest.RawEventRef {
	if len(c.Source.KnownEvents) == 0 {
		return nil
	}
	out := make(map[int][]harvest.RawEventRef)
	for _, ev := range c.Source.KnownEvents {
		out[ev.Year] = append(out[ev.Year], harvest.RawEventRef{
			ID:   ev.ID,
			Name: ev.Name,
			URL:  ev.URL,
			Tour: strings.ToUpper(ev.Tour),
			Year: ev.Year,
		})
	}
	return out
}
