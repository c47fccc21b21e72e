// Package config loads rulesiftd configuration from a file, the DB_*
// environment and command line flags, in that order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/rulesift/rulesift/adapters"
	redisrules "github.com/rulesift/rulesift/adapters/redis"
	"github.com/rulesift/rulesift/internal/logging"
	"github.com/rulesift/rulesift/runtime"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

var ErrUnknownStore = errors.New("unknown store")

// Config is the complete rulesiftd configuration.
type Config struct {
	HTTP       HTTPConfig            `yaml:"http" json:"http"`
	GRPC       GRPCConfig            `yaml:"grpc" json:"grpc"`
	Log        LogConfig             `yaml:"log" json:"log"`
	Records    RecordsConfig         `yaml:"records" json:"records"`
	Rules      RulesConfig           `yaml:"rules" json:"rules"`
	Postgres   PostgresConfig        `yaml:"postgres" json:"postgres"`
	Redis      redisrules.Config     `yaml:"redis" json:"redis"`
	Sinks      []adapters.SinkConfig `yaml:"sinks" json:"sinks"`
	Throttle   ThrottleConfig        `yaml:"throttle" json:"throttle"`
	Evaluation EvaluationConfig      `yaml:"evaluation" json:"evaluation"`
	Metrics    MetricsConfig         `yaml:"metrics" json:"metrics"`
	Tracing    TracingConfig         `yaml:"tracing" json:"tracing"`

	// dir is the directory of the loaded file, for relative paths.
	dir string
}

type HTTPConfig struct {
	Addr        string   `yaml:"addr" json:"addr"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
	// EmptyResultError answers an evaluation with no matching records with
	// a 500, as older clients expect.
	EmptyResultError bool `yaml:"empty_result_error" json:"empty_result_error"`
}

type GRPCConfig struct {
	// Addr is empty when the gRPC server is disabled.
	Addr string `yaml:"addr" json:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// RecordsConfig selects the record source. Type is memory, postgres, or
// any registered adapter source type (sql, files, s3, http) configured through
// Options.
type RecordsConfig struct {
	Type    string                 `yaml:"type" json:"type"`
	Options map[string]interface{} `yaml:"options" json:"options"`
	// SeedFile preloads the memory store.
	SeedFile string `yaml:"seed_file" json:"seed_file"`
	// PollInterval caches adapter sources and refreshes them in the
	// background. Empty fetches on every evaluation.
	PollInterval string `yaml:"poll_interval" json:"poll_interval"`
}

// RulesConfig selects the rule store: memory, postgres or redis.
type RulesConfig struct {
	Store string `yaml:"store" json:"store"`
}

type PostgresConfig struct {
	DSN             string `yaml:"dsn" json:"dsn"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime string `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
	AutoMigrate     bool   `yaml:"auto_migrate" json:"auto_migrate"`
}

// ThrottleConfig slows down clients that send more than Threshold requests
// within Window by delaying each further response by Delay.
type ThrottleConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Threshold int    `yaml:"threshold" json:"threshold"`
	Window    string `yaml:"window" json:"window"`
	Delay     string `yaml:"delay" json:"delay"`
	// MaxClients bounds the number of tracked clients.
	MaxClients int `yaml:"max_clients" json:"max_clients"`
}

type EvaluationConfig struct {
	Strict bool `yaml:"strict" json:"strict"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type TracingConfig struct {
	// Endpoint is an OTLP gRPC collector address. Tracing is off when empty.
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	Insecure    bool   `yaml:"insecure" json:"insecure"`
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:        ":8000",
			CORSOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level:  string(logging.LevelInfo),
			Format: string(logging.FormatText),
		},
		Records: RecordsConfig{Type: StoreMemory},
		Rules:   RulesConfig{Store: StoreMemory},
		Throttle: ThrottleConfig{
			Enabled:    true,
			Threshold:  5,
			Window:     "1m",
			Delay:      "2s",
			MaxClients: 10000,
		},
		Metrics: MetricsConfig{Enabled: true},
		Tracing: TracingConfig{ServiceName: "rulesiftd"},
	}
}

// Load reads path on top of the defaults and applies the environment.
// An empty path yields the defaults plus the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config json: %w", err)
			}
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config yaml: %w", err)
			}
		}
		cfg.dir = filepath.Dir(path)
	}

	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// Dir returns the directory of the loaded config file, or "".
func (c *Config) Dir() string { return c.dir }

// ApplyEnv builds the PostgreSQL DSN from DB_HOST, DB_NAME, DB_USER,
// DB_PASSWORD and DB_PORT when DB_HOST is set. It overrides the file.
func (c *Config) ApplyEnv(getenv func(string) string) {
	host := getenv("DB_HOST")
	if host == "" {
		return
	}
	port := getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}

	dsn := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + getenv("DB_NAME"),
	}
	if user := getenv("DB_USER"); user != "" {
		if password := getenv("DB_PASSWORD"); password != "" {
			dsn.User = url.UserPassword(user, password)
		} else {
			dsn.User = url.User(user)
		}
	}
	if mode := getenv("DB_SSLMODE"); mode != "" {
		dsn.RawQuery = "sslmode=" + url.QueryEscape(mode)
	}
	c.Postgres.DSN = dsn.String()
}

// RegisterFlags adds the flags ApplyFlags understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("http-addr", "", "HTTP listen address")
	fs.String("grpc-addr", "", "gRPC listen address (disabled when empty)")
	fs.String("log-level", "", fmt.Sprintf("log level (%s)", strings.Join(logging.AllLevels, ", ")))
	fs.String("log-format", "", fmt.Sprintf("log format (%s)", strings.Join(logging.AllFormats, ", ")))
	fs.String("records", "", "record source type")
	fs.String("records-file", "", "records file, used as the file of the files source or the memory seed")
	fs.String("rules-store", "", "rule store (memory, postgres, redis)")
	fs.String("postgres-dsn", "", "PostgreSQL DSN")
	fs.String("redis-addr", "", "Redis address")
	fs.Bool("strict", false, "reject malformed expressions instead of diagnosing them")
	fs.Bool("empty-result-error", false, "answer evaluations without matches with 500")
	fs.Bool("metrics", true, "expose Prometheus metrics on /metrics")
	fs.Bool("throttle", true, "delay clients above the request threshold")
	fs.String("tracing-endpoint", "", "OTLP gRPC endpoint")
}

// ApplyFlags copies every flag the user explicitly set onto c.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var errs []error
	str := func(name string, dst *string) {
		if !fs.Changed(name) {
			return
		}
		v, err := fs.GetString(name)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	boolean := func(name string, dst *bool) {
		if !fs.Changed(name) {
			return
		}
		v, err := fs.GetBool(name)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}

	str("http-addr", &c.HTTP.Addr)
	str("grpc-addr", &c.GRPC.Addr)
	str("log-level", &c.Log.Level)
	str("log-format", &c.Log.Format)
	str("records", &c.Records.Type)
	str("rules-store", &c.Rules.Store)
	str("postgres-dsn", &c.Postgres.DSN)
	str("redis-addr", &c.Redis.Addr)
	str("tracing-endpoint", &c.Tracing.Endpoint)
	boolean("strict", &c.Evaluation.Strict)
	boolean("empty-result-error", &c.HTTP.EmptyResultError)
	boolean("metrics", &c.Metrics.Enabled)
	boolean("throttle", &c.Throttle.Enabled)

	if fs.Changed("records-file") {
		path, err := fs.GetString("records-file")
		if err != nil {
			errs = append(errs, err)
		} else if c.Records.Type == StoreMemory {
			c.Records.SeedFile = path
		} else {
			if c.Records.Options == nil {
				c.Records.Options = map[string]interface{}{}
			}
			c.Records.Options["path"] = path
		}
	}

	return errors.Join(errs...)
}

// Validate checks store names, durations and logging settings.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.GetLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if _, err := logging.GetFormat(c.Log.Format); err != nil {
		errs = append(errs, fmt.Errorf("log.format: %w", err))
	}

	// Adapter source types are checked when the source is created.
	if c.Records.Type == "" {
		errs = append(errs, fmt.Errorf("records.type: %w %q", ErrUnknownStore, ""))
	}
	switch c.Rules.Store {
	case StoreMemory, StorePostgres, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("rules.store: %w %q", ErrUnknownStore, c.Rules.Store))
	}
	if (c.Records.Type == StorePostgres || c.Rules.Store == StorePostgres) && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required by the postgres store (or set DB_HOST)"))
	}

	if _, err := c.PostgresStorage(); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseDuration("records.poll_interval", c.Records.PollInterval); err != nil {
		errs = append(errs, err)
	}
	if c.Throttle.Enabled {
		if c.Throttle.Threshold < 1 {
			errs = append(errs, errors.New("throttle.threshold must be positive"))
		}
		if _, _, err := c.ThrottleTimings(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// PostgresStorage converts the postgres section for runtime.NewPostgresStorage.
func (c *Config) PostgresStorage() (*runtime.PostgresStorageConfig, error) {
	lifetime, err := parseDuration("postgres.conn_max_lifetime", c.Postgres.ConnMaxLifetime)
	if err != nil {
		return nil, err
	}
	idle, err := parseDuration("postgres.conn_max_idle_time", c.Postgres.ConnMaxIdleTime)
	if err != nil {
		return nil, err
	}
	return &runtime.PostgresStorageConfig{
		DSN:             c.Postgres.DSN,
		MaxConnections:  c.Postgres.MaxConnections,
		ConnMaxLifetime: lifetime,
		ConnMaxIdleTime: idle,
		AutoMigrate:     c.Postgres.AutoMigrate,
	}, nil
}

// ThrottleTimings returns the parsed throttle window and delay.
func (c *Config) ThrottleTimings() (window, delay time.Duration, err error) {
	if window, err = parseDuration("throttle.window", c.Throttle.Window); err != nil {
		return 0, 0, err
	}
	if delay, err = parseDuration("throttle.delay", c.Throttle.Delay); err != nil {
		return 0, 0, err
	}
	return window, delay, nil
}

// PollInterval returns the parsed records.poll_interval, zero when unset.
func (c *Config) PollInterval() time.Duration {
	d, _ := parseDuration("records.poll_interval", c.Records.PollInterval)
	return d
}

// SourceConfig returns the adapter configuration of the record source.
func (c *Config) SourceConfig() adapters.SourceConfig {
	return adapters.SourceConfig{
		Type:    c.Records.Type,
		Options: c.Records.Options,
		BaseDir: c.dir,
	}
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
