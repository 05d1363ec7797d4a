package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type InstrumentationConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Log             LogConfig             `mapstructure:"log"`
	Permissions     PermissionsConfig     `mapstructure:"permissions"`
	Engine          EngineConfig          `mapstructure:"engine"`
	Schema          SchemaConfig          `mapstructure:"schema"`
	Instrumentation InstrumentationConfig `mapstructure:"instrumentation"`
	JWTSecret       string                `mapstructure:"jwt_secret"`

	v *viper.Viper
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type PermissionsConfig struct {
	CacheEnabled         bool          `mapstructure:"cache_enabled"`
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	CacheCleanupInterval time.Duration `mapstructure:"cache_cleanup_interval"`
	TeamBatchSize        int           `mapstructure:"team_batch_size"`
}

type EngineConfig struct {
	// FieldRestrictionMode is "reject" or "drop".
	FieldRestrictionMode  string `mapstructure:"field_restriction_mode"`
	BulkSingleTransaction bool   `mapstructure:"bulk_single_transaction"`
	DefaultPageSize       int    `mapstructure:"default_page_size"`
}

type SchemaConfig struct {
	Path string `mapstructure:"path"`
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		if d.Name == ":memory:" {
			return d.Name
		}
		return d.Path + "/" + d.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "dataservice")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("permissions.cache_enabled", true)
	v.SetDefault("permissions.cache_ttl", 5*time.Minute)
	v.SetDefault("permissions.cache_cleanup_interval", 10*time.Minute)
	v.SetDefault("permissions.team_batch_size", 500)
	v.SetDefault("engine.field_restriction_mode", "reject")
	v.SetDefault("engine.bulk_single_transaction", true)
	v.SetDefault("engine.default_page_size", 0)
	v.SetDefault("schema.path", "")
	v.SetDefault("jwt_secret", "changeme-secret")
	v.SetDefault("instrumentation.enabled", true)
}

// Load reads app.yaml from the working directory (or the repo root) and
// applies environment overrides such as DATABASE_DRIVER or PERMISSIONS_CACHE_ENABLED.
// A missing config file is not an error; defaults apply.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "../.."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Engine.FieldRestrictionMode != "reject" && cfg.Engine.FieldRestrictionMode != "drop" {
		return nil, fmt.Errorf("engine.field_restriction_mode must be reject or drop, got %q", cfg.Engine.FieldRestrictionMode)
	}
	if cfg.Permissions.TeamBatchSize <= 0 || cfg.Permissions.TeamBatchSize > 500 {
		cfg.Permissions.TeamBatchSize = 500
	}
	cfg.v = v
	return &cfg, nil
}

// Watch re-decodes the config file whenever it changes and hands the result to fn.
// Decode failures are passed as a nil config with the error.
func (c *Config) Watch(fn func(*Config, error)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(fsnotify.Event) {
		fn(decode(c.v))
	})
	c.v.WatchConfig()
}
