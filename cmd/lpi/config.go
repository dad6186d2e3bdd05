package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/franz/live-indexer/internal/presence"
	"github.com/franz/live-indexer/internal/scan"
	"github.com/franz/live-indexer/internal/search"
	"github.com/franz/live-indexer/internal/util"
	"github.com/franz/live-indexer/internal/watch"
)

const defaultDB = "lpi.db"

// Config is the decoded configuration. Precedence is flag, then LPI_*
// environment variable, then config file, then default.
type Config struct {
	DB          string   `mapstructure:"db"`
	Roots       []string `mapstructure:"roots"`
	Concurrency int      `mapstructure:"concurrency"`
	Extensions  []string `mapstructure:"extensions"`
	Exclude     []string `mapstructure:"exclude"`

	// PluginDBDir holds the installed-plugin database; empty disables
	// plugin presence checks
	PluginDBDir string `mapstructure:"plugin_db_dir"`
	EventsDir   string `mapstructure:"events_dir"`
	EventsLevel string `mapstructure:"events_level"`

	Watch    WatchConfig    `mapstructure:"watch"`
	Search   SearchConfig   `mapstructure:"search"`
	Presence PresenceConfig `mapstructure:"presence"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`

	Verbose bool `mapstructure:"verbose"`
	Quiet   bool `mapstructure:"quiet"`
}

type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

type SearchConfig struct {
	MinSimilarity float64 `mapstructure:"min_similarity"`
	Limit         int     `mapstructure:"limit"`
}

type PresenceConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// MetricsConfig enables a Prometheus endpoint when Addr is set
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db", defaultDB)
	v.SetDefault("roots", []string{})
	v.SetDefault("concurrency", 0)
	v.SetDefault("extensions", scan.DefaultExtensions)
	v.SetDefault("exclude", []string{})
	v.SetDefault("plugin_db_dir", "")
	v.SetDefault("events_dir", "artifacts/events")
	v.SetDefault("events_level", "info")
	v.SetDefault("watch.debounce", watch.DefaultDebounce)
	v.SetDefault("search.min_similarity", search.DefaultMinSimilarity)
	v.SetDefault("search.limit", search.DefaultLimit)
	v.SetDefault("presence.cache_ttl", presence.DefaultCacheTTL)
	v.SetDefault("metrics.addr", "")
}

// decodeConfig unmarshals v into a Config and validates it
func decodeConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.DB = expandHome(cfg.DB)
	cfg.PluginDBDir = expandHome(cfg.PluginDBDir)
	cfg.EventsDir = expandHome(cfg.EventsDir)
	for i, root := range cfg.Roots {
		cfg.Roots[i] = expandHome(root)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DB == "" {
		return fmt.Errorf("db path is empty: %w", util.ErrInvalidConfig)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative: %w", util.ErrInvalidConfig)
	}
	if c.Search.MinSimilarity <= 0 || c.Search.MinSimilarity > 1 {
		return fmt.Errorf("search.min_similarity %v outside (0, 1]: %w", c.Search.MinSimilarity, util.ErrInvalidConfig)
	}
	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative: %w", util.ErrInvalidConfig)
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// loadConfig decodes the process-wide viper configuration
func loadConfig() (*Config, error) {
	return decodeConfig(viper.GetViper())
}
