package main

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/franz/live-indexer/internal/util"
)

func newViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(yaml)); err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	return v
}

func TestDecodeConfigDefaults(t *testing.T) {
	cfg, err := decodeConfig(newViper(t, ""))
	if err != nil {
		t.Fatalf("decodeConfig failed: %v", err)
	}

	if cfg.DB != defaultDB {
		t.Errorf("DB = %q, want %q", cfg.DB, defaultDB)
	}
	if cfg.Watch.Debounce != 500*time.Millisecond {
		t.Errorf("Watch.Debounce = %v", cfg.Watch.Debounce)
	}
	if cfg.Search.MinSimilarity != 0.7 || cfg.Search.Limit != 50 {
		t.Errorf("unexpected search defaults: %+v", cfg.Search)
	}
	if cfg.Presence.CacheTTL != 5*time.Minute {
		t.Errorf("Presence.CacheTTL = %v", cfg.Presence.CacheTTL)
	}
	if !reflect.DeepEqual(cfg.Extensions, []string{".als"}) {
		t.Errorf("Extensions = %v", cfg.Extensions)
	}
}

func TestDecodeConfigFile(t *testing.T) {
	yaml := `
db: /data/index.db
roots:
  - /music/projects
  - /music/archive
concurrency: 4
exclude: "**/Backup/**,**/Samples/**"
plugin_db_dir: /data/plugins
watch:
  debounce: 2s
search:
  min_similarity: 0.8
  limit: 20
presence:
  cache_ttl: 30s
metrics:
  addr: 127.0.0.1:9464
`
	cfg, err := decodeConfig(newViper(t, yaml))
	if err != nil {
		t.Fatalf("decodeConfig failed: %v", err)
	}

	if !reflect.DeepEqual(cfg.Roots, []string{"/music/projects", "/music/archive"}) {
		t.Errorf("Roots = %v", cfg.Roots)
	}
	if !reflect.DeepEqual(cfg.Exclude, []string{"**/Backup/**", "**/Samples/**"}) {
		t.Errorf("comma-separated exclude not split: %v", cfg.Exclude)
	}
	if cfg.Concurrency != 4 || cfg.PluginDBDir != "/data/plugins" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Watch.Debounce != 2*time.Second || cfg.Presence.CacheTTL != 30*time.Second {
		t.Errorf("durations not decoded: %v %v", cfg.Watch.Debounce, cfg.Presence.CacheTTL)
	}
	if cfg.Search.MinSimilarity != 0.8 || cfg.Search.Limit != 20 {
		t.Errorf("unexpected search config: %+v", cfg.Search)
	}
	if cfg.Metrics.Addr != "127.0.0.1:9464" {
		t.Errorf("Metrics.Addr = %q", cfg.Metrics.Addr)
	}
}

func TestDecodeConfigRejectsInvalid(t *testing.T) {
	tests := []string{
		"search:\n  min_similarity: 1.5\n",
		"search:\n  min_similarity: -1\n",
		"concurrency: -2\n",
		"db: \"\"\n",
		"watch:\n  debounce: -1s\n",
	}
	for _, yaml := range tests {
		if _, err := decodeConfig(newViper(t, yaml)); !errors.Is(err, util.ErrInvalidConfig) {
			t.Errorf("%q: expected invalid configuration, got %v", yaml, err)
		}
	}
}

func TestExampleConfigDecodes(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "configs", "lpi.yaml"))
	if err != nil {
		t.Fatalf("failed to read example config: %v", err)
	}
	if _, err := decodeConfig(newViper(t, string(data))); err != nil {
		t.Errorf("example config does not decode: %v", err)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/Music"); got != filepath.Join(home, "Music") {
		t.Errorf("expandHome(~/Music) = %q", got)
	}
	if got := expandHome("/abs/~x"); got != "/abs/~x" {
		t.Errorf("absolute path changed: %q", got)
	}
	if got := expandHome("~user/x"); got != "~user/x" {
		t.Errorf("~user form changed: %q", got)
	}
}

func TestLatestEventLog(t *testing.T) {
	dir := t.TempDir()
	if got := latestEventLog(dir); got != "" {
		t.Errorf("expected no log in empty dir, got %q", got)
	}

	for _, name := range []string{"events-20260101-120000.jsonl", "events-20260301-090000.jsonl", "events-20250101-000000.jsonl"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	if got := latestEventLog(dir); filepath.Base(got) != "events-20260301-090000.jsonl" {
		t.Errorf("latestEventLog = %q", got)
	}
}

func TestParseStatuses(t *testing.T) {
	if got, err := parseStatuses("archived"); err != nil || len(got) != 1 || got[0] != "archived" {
		t.Errorf("parseStatuses(archived) = %v, %v", got, err)
	}
	if got, _ := parseStatuses("any"); len(got) != 3 {
		t.Errorf("parseStatuses(any) = %v", got)
	}
	if _, err := parseStatuses("gone"); !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("expected invalid status error, got %v", err)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[float64]string{
		0:     "0:00",
		59.6:  "1:00",
		215.2: "3:35",
	}
	for in, want := range tests {
		if got := formatDuration(in); got != want {
			t.Errorf("formatDuration(%v) = %q, want %q", in, got, want)
		}
	}
}
