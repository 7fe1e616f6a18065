// Package config loads gateway configuration from a YAML file and the
// FLEET_ environment, with sane defaults for everything optional.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/fleetql/fleet/internal/registry"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TokenConfig is one static bearer token grant.
type TokenConfig struct {
	Token  string   `mapstructure:"token" yaml:"token"`
	Caller string   `mapstructure:"caller" yaml:"caller"`
	Roles  []string `mapstructure:"roles" yaml:"roles"`
}

// GrantConfig is one role permission on a data source. An empty
// operations list grants all operations.
type GrantConfig struct {
	Role       string   `mapstructure:"role" yaml:"role"`
	DataSource string   `mapstructure:"data_source" yaml:"data_source"`
	Operations []string `mapstructure:"operations" yaml:"operations"`
}

// AuthConfig selects the authenticator and holds the grant table.
type AuthConfig struct {
	Mode      string        `mapstructure:"mode"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	Tokens    []TokenConfig `mapstructure:"tokens"`
	Grants    []GrantConfig `mapstructure:"grants"`
}

// CacheConfig selects the result cache backend.
type CacheConfig struct {
	Backend       string `mapstructure:"backend"`
	MaxEntries    int    `mapstructure:"max_entries"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// Config is the full gateway configuration.
type Config struct {
	Server          ServerConfig `mapstructure:"server"`
	Auth            AuthConfig   `mapstructure:"auth"`
	Cache           CacheConfig  `mapstructure:"cache"`
	ConflictPolicy  string       `mapstructure:"conflict_policy"`
	DataSourcesFile string       `mapstructure:"data_sources_file"`
}

// Load reads configuration from path (optional) layered under FLEET_
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.mode", "static")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.max_entries", 1024)
	v.SetDefault("conflict_policy", "warn")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Auth.Mode != "static" && cfg.Auth.Mode != "jwt" {
		return nil, fmt.Errorf("auth.mode must be static or jwt, got %q", cfg.Auth.Mode)
	}
	if cfg.Auth.Mode == "jwt" && cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.mode jwt requires auth.jwt_secret")
	}
	if cfg.Cache.Backend != "memory" && cfg.Cache.Backend != "redis" {
		return nil, fmt.Errorf("cache.backend must be memory or redis, got %q", cfg.Cache.Backend)
	}
	if cfg.Cache.Backend == "redis" && cfg.Cache.RedisAddr == "" {
		return nil, fmt.Errorf("cache.backend redis requires cache.redis_addr")
	}
	switch cfg.ConflictPolicy {
	case "warn", "reject", "ignore":
	default:
		return nil, fmt.Errorf("conflict_policy must be warn, reject, or ignore, got %q",
			cfg.ConflictPolicy)
	}
	return &cfg, nil
}

// dataSourcesFile is the YAML shape of the data source inventory.
type dataSourcesFile struct {
	Sources []registry.DataSourceConfig `yaml:"sources"`
}

// LoadDataSources reads the data source inventory file.
func LoadDataSources(path string) ([]registry.DataSourceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read data sources %s: %w", path, err)
	}
	var f dataSourcesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse data sources %s: %w", path, err)
	}
	for i := range f.Sources {
		if err := f.Sources[i].Validate(); err != nil {
			return nil, fmt.Errorf("data source %d: %w", i, err)
		}
	}
	return f.Sources, nil
}
