package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meigma/ttscache"
	"github.com/meigma/ttscache/pool"
	"github.com/meigma/ttscache/prefetch"
)

const envPrefix = "TTSCACHE_"

// config is the daemon configuration after all layers are applied:
// built-in defaults, then the YAML config file, then TTSCACHE_*
// environment variables, then command-line flags.
type config struct {
	Addr     string `mapstructure:"addr" env:"ADDR"`
	LogLevel string `mapstructure:"log_level" env:"LOG_LEVEL"`

	Cache    cacheConfig    `mapstructure:"cache" envPrefix:"CACHE_"`
	Pool     poolConfig     `mapstructure:"pool" envPrefix:"POOL_"`
	Prefetch prefetchConfig `mapstructure:"prefetch" envPrefix:"PREFETCH_"`
	KB       kbConfig       `mapstructure:"kb" envPrefix:"KB_"`
}

type cacheConfig struct {
	Dir string `mapstructure:"dir" env:"DIR"`
	// MaxSize is a humanized byte count, e.g. "512MiB" or "2 GiB".
	MaxSize  string        `mapstructure:"max_size" env:"MAX_SIZE"`
	TTL      time.Duration `mapstructure:"ttl" env:"TTL"`
	Compress bool          `mapstructure:"compress" env:"COMPRESS"`
}

type poolConfig struct {
	LiveSlots       int           `mapstructure:"live_slots" env:"LIVE_SLOTS"`
	BackgroundSlots int           `mapstructure:"background_slots" env:"BACKGROUND_SLOTS"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" env:"REQUEST_TIMEOUT"`
	// Providers is file-only; an empty map means the standard local set.
	Providers map[string]providerConfig `mapstructure:"providers"`
}

type providerConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	SampleRate int    `mapstructure:"sample_rate"`
}

type prefetchConfig struct {
	Lookahead int `mapstructure:"lookahead" env:"LOOKAHEAD"`
	// Rate caps background generations per second.
	Rate    float64 `mapstructure:"rate" env:"RATE"`
	MaxJobs int     `mapstructure:"max_jobs" env:"MAX_JOBS"`
}

type kbConfig struct {
	// Dir holds pre-generated question bank audio. Empty disables /v1/kb.
	Dir string `mapstructure:"dir" env:"DIR"`
}

// defaultConfig mirrors the standard local deployment: data directories
// under ./data, library defaults everywhere else.
func defaultConfig() config {
	return config{
		Addr:     ":8766",
		LogLevel: "info",
		Cache: cacheConfig{
			Dir:     filepath.Join("data", "tts_cache"),
			MaxSize: "2 GiB",
			TTL:     ttscache.DefaultTTL,
		},
		Pool: poolConfig{
			LiveSlots:       pool.DefaultLiveSlots,
			BackgroundSlots: pool.DefaultBackgroundSlots,
			RequestTimeout:  pool.DefaultRequestTimeout,
		},
		Prefetch: prefetchConfig{
			Lookahead: prefetch.DefaultLookahead,
			Rate:      10,
			MaxJobs:   prefetch.DefaultMaxJobs,
		},
		KB: kbConfig{
			Dir: filepath.Join("data", "kb_audio"),
		},
	}
}

// loadConfig layers the daemon configuration. Later layers win:
// defaults, YAML config file, TTSCACHE_* environment, flags.
func loadConfig(cmd *cobra.Command) (config, error) {
	cfg := defaultConfig()

	if err := readConfigFile(); err != nil {
		return config{}, err
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("parse config file: %w", err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return config{}, fmt.Errorf("parse environment: %w", err)
	}
	applyFlags(cmd, &cfg)

	if _, err := cfg.maxSizeBytes(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func readConfigFile() error {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("ttscached")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(filepath.Join(dir, "ttscached"))
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// applyFlags folds explicitly set flags over the lower layers. Flags
// left at their defaults leave the file and environment values alone.
func applyFlags(cmd *cobra.Command, cfg *config) {
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Addr, _ = f.GetString("addr")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("cache-dir") {
		cfg.Cache.Dir, _ = f.GetString("cache-dir")
	}
	if f.Changed("max-cache-size") {
		cfg.Cache.MaxSize, _ = f.GetString("max-cache-size")
	}
	if f.Changed("kb-dir") {
		cfg.KB.Dir, _ = f.GetString("kb-dir")
	}
}

func (c config) maxSizeBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.Cache.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("cache max_size %q: %w", c.Cache.MaxSize, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("cache max_size %q does not fit in an int64", c.Cache.MaxSize)
	}
	return int64(n), nil
}

// newLogger builds the root logger. Components get children via
// WithPrefix so log lines identify their source.
func newLogger(level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           lvl,
	}), nil
}
