// Package config provides configuration management for the application.
//
// Values are resolved in this order: built-in defaults, an optional YAML
// file, an optional .env file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values
const (
	DefaultPort            = "8080"
	DefaultMetricsEndpoint = "/metrics"
	DefaultDecisionTTL     = 300 * time.Second
	DefaultProbeTimeout    = 3 * time.Second
	DefaultCacheTTL        = 5 * time.Minute
	DefaultProbeInterval   = 15 * time.Second
	DefaultAPITimeout      = 10 * time.Second
	DefaultNetworkProbe    = "1.1.1.1:53"
	DefaultSQLitePath      = "data/roadsync.db"
	DefaultCacheFilePath   = ".cache/roadsync-local.json"
	DefaultMongoDatabase   = "roadsync"
	DefaultBodySizeLimit   = 2 * 1024 * 1024
)

// Config holds the application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Log          LogConfig          `yaml:"log"`
	Storage      StorageConfig      `yaml:"storage"`
	PrimaryAPI   PrimaryAPIConfig   `yaml:"primary_api"`
	Mirror       MirrorConfig       `yaml:"mirror"`
	DataSource   DataSourceConfig   `yaml:"datasource"`
	Cache        CacheConfig        `yaml:"cache"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Queue        QueueConfig        `yaml:"queue"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string `yaml:"port"`
	SwaggerEnabled bool   `yaml:"swagger_enabled"`
	// MasterKey, when set, is required as a bearer token on /api routes.
	MasterKey     string `yaml:"master_key"`
	BodySizeLimit int64  `yaml:"body_size_limit"`
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// LogConfig controls the process log handler
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
	// Format is one of auto, pretty, json
	Format string `yaml:"format"`
}

// StorageConfig selects the server-side relational/document connection
type StorageConfig struct {
	// Type is sqlite, postgresql or mongodb
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL settings
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB settings
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// PrimaryAPIConfig configures the REST backend client
type PrimaryAPIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// MirrorConfig configures the realtime mirror store
type MirrorConfig struct {
	// Type is mongodb or memory
	Type     string `yaml:"type"`
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
	// Watch lists resource kinds the agent keeps live from mirror changes.
	Watch []string `yaml:"watch"`
}

// DataSourceConfig configures the server-side source arbiter
type DataSourceConfig struct {
	DecisionTTL      time.Duration `yaml:"decision_ttl"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	NetworkProbeAddr string        `yaml:"network_probe_addr"`
	MirrorEndpoints  []string      `yaml:"mirror_endpoints"`
	// Force pins the source ("primary" or "mirror") at startup; empty means probe.
	Force string `yaml:"force"`
}

// CacheConfig configures the client-side keyed cache and its local store
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// Backend is memory, file, sqlite or redis
	Backend     string `yaml:"backend"`
	FilePath    string `yaml:"file_path"`
	SQLitePath  string `yaml:"sqlite_path"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// ConnectivityConfig configures the client-side reachability prober
type ConnectivityConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// QueueConfig configures the offline write queue
type QueueConfig struct {
	// FlushInterval enables a periodic flush in addition to reconnect flushes; 0 disables it.
	FlushInterval time.Duration `yaml:"flush_interval"`
	OwnerID       string        `yaml:"owner_id"`
}

// Load reads configuration from an optional YAML file, an optional .env file
// and the environment. An empty path skips the YAML file.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// optional
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	// .env never overrides variables already present in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server:  ServerConfig{Port: DefaultPort},
		Metrics: MetricsConfig{Endpoint: DefaultMetricsEndpoint},
		Log:     LogConfig{Level: "info", Format: "auto"},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLite:     SQLiteConfig{Path: DefaultSQLitePath},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: DefaultMongoDatabase},
		},
		PrimaryAPI: PrimaryAPIConfig{Timeout: DefaultAPITimeout},
		Mirror:     MirrorConfig{Type: "memory", Database: DefaultMongoDatabase},
		DataSource: DataSourceConfig{
			DecisionTTL:      DefaultDecisionTTL,
			ProbeTimeout:     DefaultProbeTimeout,
			NetworkProbeAddr: DefaultNetworkProbe,
		},
		Cache: CacheConfig{
			TTL:         DefaultCacheTTL,
			Backend:     "file",
			FilePath:    DefaultCacheFilePath,
			RedisPrefix: "roadsync:",
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: DefaultProbeInterval,
			ProbeTimeout:  DefaultProbeTimeout,
		},
	}
}

// applyEnv overlays environment variables on top of file values.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	setBool(&cfg.Server.SwaggerEnabled, "SWAGGER_ENABLED")
	setString(&cfg.Server.MasterKey, "MASTER_KEY")
	setInt64(&cfg.Server.BodySizeLimit, "BODY_SIZE_LIMIT")
	setBool(&cfg.Metrics.Enabled, "METRICS_ENABLED")
	setString(&cfg.Metrics.Endpoint, "METRICS_ENDPOINT")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")

	setString(&cfg.Storage.Type, "STORAGE_TYPE")
	setString(&cfg.Storage.SQLite.Path, "SQLITE_PATH")
	setString(&cfg.Storage.PostgreSQL.URL, "POSTGRES_URL")
	setInt(&cfg.Storage.PostgreSQL.MaxConns, "POSTGRES_MAX_CONNS")
	setString(&cfg.Storage.MongoDB.URL, "MONGODB_URL")
	setString(&cfg.Storage.MongoDB.Database, "MONGODB_DATABASE")

	setString(&cfg.PrimaryAPI.BaseURL, "PRIMARY_API_URL")
	setString(&cfg.PrimaryAPI.Token, "PRIMARY_API_TOKEN")
	setDuration(&cfg.PrimaryAPI.Timeout, "PRIMARY_API_TIMEOUT")

	setString(&cfg.Mirror.Type, "MIRROR_TYPE")
	setString(&cfg.Mirror.URL, "MIRROR_URL")
	setString(&cfg.Mirror.Database, "MIRROR_DATABASE")
	if v := os.Getenv("MIRROR_WATCH"); v != "" {
		cfg.Mirror.Watch = splitList(v)
	}

	setDuration(&cfg.DataSource.DecisionTTL, "DATASOURCE_TTL")
	setDuration(&cfg.DataSource.ProbeTimeout, "DATASOURCE_PROBE_TIMEOUT")
	setString(&cfg.DataSource.NetworkProbeAddr, "DATASOURCE_NETWORK_PROBE")
	setString(&cfg.DataSource.Force, "DATASOURCE_FORCE")
	if v := os.Getenv("DATASOURCE_MIRROR_ENDPOINTS"); v != "" {
		cfg.DataSource.MirrorEndpoints = splitList(v)
	}

	setDuration(&cfg.Cache.TTL, "CACHE_TTL")
	setString(&cfg.Cache.Backend, "CACHE_BACKEND")
	setString(&cfg.Cache.FilePath, "CACHE_FILE_PATH")
	setString(&cfg.Cache.SQLitePath, "CACHE_SQLITE_PATH")
	setString(&cfg.Cache.RedisURL, "REDIS_URL")
	setString(&cfg.Cache.RedisPrefix, "REDIS_PREFIX")

	setString(&cfg.Connectivity.ProbeURL, "CONNECTIVITY_PROBE_URL")
	setDuration(&cfg.Connectivity.ProbeInterval, "CONNECTIVITY_PROBE_INTERVAL")
	setDuration(&cfg.Connectivity.ProbeTimeout, "CONNECTIVITY_PROBE_TIMEOUT")

	setDuration(&cfg.Queue.FlushInterval, "QUEUE_FLUSH_INTERVAL")
	setString(&cfg.Queue.OwnerID, "QUEUE_OWNER_ID")
}

// applyDefaults fills values a YAML file may have zeroed out.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.BodySizeLimit <= 0 {
		cfg.Server.BodySizeLimit = DefaultBodySizeLimit
	}
	if cfg.Metrics.Endpoint == "" {
		cfg.Metrics.Endpoint = DefaultMetricsEndpoint
	}
	if cfg.DataSource.DecisionTTL <= 0 {
		cfg.DataSource.DecisionTTL = DefaultDecisionTTL
	}
	if cfg.DataSource.ProbeTimeout <= 0 {
		cfg.DataSource.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = DefaultCacheTTL
	}
	if cfg.Cache.SQLitePath == "" {
		cfg.Cache.SQLitePath = DefaultSQLitePath
	}
	if cfg.Connectivity.ProbeInterval <= 0 {
		cfg.Connectivity.ProbeInterval = DefaultProbeInterval
	}
	if cfg.Connectivity.ProbeTimeout <= 0 {
		cfg.Connectivity.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.PrimaryAPI.Timeout <= 0 {
		cfg.PrimaryAPI.Timeout = DefaultAPITimeout
	}
	if cfg.Mirror.Database == "" {
		cfg.Mirror.Database = DefaultMongoDatabase
	}
	if cfg.Storage.MongoDB.Database == "" {
		cfg.Storage.MongoDB.Database = DefaultMongoDatabase
	}
}

// Validate checks enumerated values and required combinations.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Type {
	case "sqlite", "postgresql", "mongodb":
	default:
		errs = append(errs, fmt.Errorf("storage.type %q is invalid (valid: sqlite, postgresql, mongodb)", c.Storage.Type))
	}
	switch c.Mirror.Type {
	case "memory":
	case "mongodb":
		if c.Mirror.URL == "" {
			errs = append(errs, errors.New("mirror.url is required when mirror.type is mongodb"))
		}
	default:
		errs = append(errs, fmt.Errorf("mirror.type %q is invalid (valid: mongodb, memory)", c.Mirror.Type))
	}
	switch c.Cache.Backend {
	case "memory", "file", "sqlite":
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required when cache.backend is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is invalid (valid: memory, file, sqlite, redis)", c.Cache.Backend))
	}
	switch strings.ToLower(c.DataSource.Force) {
	case "", "primary", "mirror":
	default:
		errs = append(errs, fmt.Errorf("datasource.force %q is invalid (valid: primary, mirror)", c.DataSource.Force))
	}
	switch c.Log.Format {
	case "", "auto", "pretty", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is invalid (valid: auto, pretty, json)", c.Log.Format))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

// setDuration accepts either plain integers (seconds) or Go duration strings.
func setDuration(dst *time.Duration, key string) {
	if d, ok := ParseDuration(os.Getenv(key)); ok {
		*dst = d
	}
}

// ParseDuration parses integer seconds or a Go duration string ("10m", "1h30m").
func ParseDuration(val string) (time.Duration, bool) {
	if val == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d, true
	}
	return 0, false
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
