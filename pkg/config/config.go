// Package config loads the streamcache command configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (STREAMCACHE_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
//
// Byte sizes accept plain numbers or units such as "500MiB" and "5MB".
// Durations use Go syntax ("30s", "168h").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Sternrassler/streamcache/pkg/cache"
	"github.com/Sternrassler/streamcache/pkg/fetch"
	"github.com/Sternrassler/streamcache/pkg/loader"
	"github.com/Sternrassler/streamcache/pkg/logging"
	"github.com/Sternrassler/streamcache/pkg/preload"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "STREAMCACHE"

// ByteSize is a size in bytes that decodes from human-readable strings.
type ByteSize int64

// String formats the size with base 2 units.
func (b ByteSize) String() string {
	return units.Base2Bytes(b).String()
}

// ParseByteSize parses "1048576", "500MiB" or "5MB".
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ByteSize(n), nil
	}
	n, err := units.ParseStrictBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// Config is the complete command configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Loader  LoaderConfig  `mapstructure:"loader"`
	Preload PreloadConfig `mapstructure:"preload"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Server  ServerConfig  `mapstructure:"server"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// CacheConfig configures the cache directory and retention.
type CacheConfig struct {
	Dir               string        `mapstructure:"dir"`
	MaxSize           ByteSize      `mapstructure:"max_size"`
	MaxAge            time.Duration `mapstructure:"max_age"`
	EnforceAfterWrite bool          `mapstructure:"enforce_after_write"`
}

// FetchConfig configures origin requests.
type FetchConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// LoaderConfig configures request coordination.
type LoaderConfig struct {
	ReadAhead ByteSize `mapstructure:"read_ahead"`
}

// PreloadConfig configures the preloader.
type PreloadConfig struct {
	Budget         ByteSize      `mapstructure:"budget"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
}

// RedisConfig enables the cross-process preload lease. An empty Addr
// disables it.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig configures the range proxy.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultCacheDir returns the per-user cache directory for streamcache.
func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "streamcache")
	}
	return filepath.Join(os.TempDir(), "streamcache")
}

// Default returns the default configuration.
func Default() *Config {
	fetchDefaults := fetch.DefaultConfig()
	preloadDefaults := preload.DefaultConfig()

	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Cache: CacheConfig{
			Dir:               DefaultCacheDir(),
			MaxSize:           ByteSize(cache.DefaultMaxSize),
			MaxAge:            cache.DefaultMaxAge,
			EnforceAfterWrite: true,
		},
		Fetch: FetchConfig{
			UserAgent: fetchDefaults.UserAgent,
			Timeout:   fetchDefaults.Timeout,
		},
		Loader: LoaderConfig{ReadAhead: ByteSize(loader.DefaultReadAhead)},
		Preload: PreloadConfig{
			Budget:         ByteSize(preloadDefaults.Budget),
			MaxConcurrency: preloadDefaults.MaxConcurrency,
			LeaseTTL:       preloadDefaults.LeaseTTL,
		},
		Server: ServerConfig{
			Listen:          "127.0.0.1:8089",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads configPath (optional), the environment and the given flags.
// flags maps configuration keys such as "cache.dir" to command flags; only
// flags set on the command line override other sources.
func Load(configPath string, flags map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so environment variables are honoured
// without a config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.pretty", d.Logging.Pretty)

	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.max_size", int64(d.Cache.MaxSize))
	v.SetDefault("cache.max_age", d.Cache.MaxAge)
	v.SetDefault("cache.enforce_after_write", d.Cache.EnforceAfterWrite)

	v.SetDefault("fetch.user_agent", d.Fetch.UserAgent)
	v.SetDefault("fetch.timeout", d.Fetch.Timeout)

	v.SetDefault("loader.read_ahead", int64(d.Loader.ReadAhead))

	v.SetDefault("preload.budget", int64(d.Preload.Budget))
	v.SetDefault("preload.max_concurrency", d.Preload.MaxConcurrency)
	v.SetDefault("preload.lease_ttl", d.Preload.LeaseTTL)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

// byteSizeDecodeHook converts strings and numbers to ByteSize.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return ParseByteSize(v)
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case uint64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.Cache.Dir == "":
		return fmt.Errorf("cache.dir is required")
	case c.Cache.MaxSize < 0:
		return fmt.Errorf("cache.max_size must be >= 0 (got %d)", c.Cache.MaxSize)
	case c.Cache.MaxAge < 0:
		return fmt.Errorf("cache.max_age must be >= 0 (got %s)", c.Cache.MaxAge)
	case c.Fetch.UserAgent == "":
		return fmt.Errorf("fetch.user_agent is required")
	case c.Loader.ReadAhead <= 0:
		return fmt.Errorf("loader.read_ahead must be > 0 (got %d)", c.Loader.ReadAhead)
	case c.Preload.Budget <= 0:
		return fmt.Errorf("preload.budget must be > 0 (got %d)", c.Preload.Budget)
	case c.Preload.MaxConcurrency <= 0:
		return fmt.Errorf("preload.max_concurrency must be > 0 (got %d)", c.Preload.MaxConcurrency)
	}
	return nil
}

// CacheConfig returns the cache store configuration.
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		Dir:               c.Cache.Dir,
		MaxSize:           int64(c.Cache.MaxSize),
		MaxAge:            c.Cache.MaxAge,
		EnforceAfterWrite: c.Cache.EnforceAfterWrite,
	}
}

// FetchConfig returns the fetcher configuration.
func (c *Config) FetchConfig() fetch.Config {
	cfg := fetch.DefaultConfig()
	cfg.UserAgent = c.Fetch.UserAgent
	cfg.Timeout = c.Fetch.Timeout
	return cfg
}

// LoaderConfig returns the coordinator configuration.
func (c *Config) LoaderConfig() loader.Config {
	return loader.Config{ReadAhead: int64(c.Loader.ReadAhead)}
}

// PreloadConfig returns the preloader configuration without a lease.
func (c *Config) PreloadConfig() preload.Config {
	return preload.Config{
		Budget:         int64(c.Preload.Budget),
		MaxConcurrency: c.Preload.MaxConcurrency,
		LeaseTTL:       c.Preload.LeaseTTL,
	}
}

// LoggingConfig returns the logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(strings.ToLower(c.Logging.Level))
	cfg.Pretty = c.Logging.Pretty
	return cfg
}
