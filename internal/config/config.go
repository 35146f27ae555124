package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	_ "github.com/joho/godotenv/autoload" // load .env before viper reads the environment
	"github.com/spf13/viper"
)

type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Redis           RedisConfig           `mapstructure:"redis"`
	Log             LogConfig             `mapstructure:"log"`
	Instrumentation InstrumentationConfig `mapstructure:"instrumentation"`
	Resources       ResourcesConfig       `mapstructure:"resources"`
	JWTSecret       string                `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig selects the storage engine: postgres, sqlite or redis.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type InstrumentationConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	BufferSize      int  `mapstructure:"buffer_size"`
	FlushIntervalMs int  `mapstructure:"flush_interval_ms"`
}

// ResourcesConfig points at an optional YAML file of resource declarations.
type ResourcesConfig struct {
	File string `mapstructure:"file"`
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.IsSQLite() {
		return filepath.Join(d.Path, d.Name+".db")
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "redis":
	default:
		return fmt.Errorf("database.driver must be postgres, sqlite or redis, got %q", c.Database.Driver)
	}
	if c.Database.Driver != "redis" && c.Database.Name == "" {
		return errors.New("database.name is required")
	}
	if c.JWTSecret == "" {
		return errors.New("jwt_secret is required")
	}
	return nil
}

// Load reads app.yaml from the working directory (or two levels up) and
// overlays environment variables, so database.host is DATABASE_HOST.
// Every key needs a default for its variable to be seen by Unmarshal.
// A missing config file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("../..")

	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "resources")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "resources")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("instrumentation.enabled", true)
	v.SetDefault("instrumentation.buffer_size", 500)
	v.SetDefault("instrumentation.flush_interval_ms", 1000)
	v.SetDefault("resources.file", "")
	v.SetDefault("jwt_secret", "changeme-secret")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
