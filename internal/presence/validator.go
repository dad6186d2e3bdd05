package presence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dhowden/tag"
	"github.com/franz/live-indexer/internal/store"
	"github.com/franz/live-indexer/internal/util"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultCacheTTL bounds how long a presence answer is reused
const DefaultCacheTTL = 5 * time.Minute

// Store is the part of the storage engine the validator annotates
type Store interface {
	GetPlugins(filter store.PluginFilter, page store.Page) ([]store.PluginUsage, error)
	GetSamples(filter store.SampleFilter, page store.Page) ([]store.Sample, error)
	SetPluginPresence(pluginID string, p store.PluginPresence) error
	SetSamplePresence(sampleID string, present bool, format string) error
}

// Validator resolves whether referenced plugins are installed and
// referenced samples exist on disk
type Validator struct {
	registry    PluginRegistry
	cache       *cache.Cache
	concurrency int
}

// Config holds validator configuration
type Config struct {
	// Registry may be nil, in which case plugin presence is left untouched
	Registry    PluginRegistry
	CacheTTL    time.Duration
	Concurrency int
}

// New creates a new Validator
func New(cfg *Config) *Validator {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	return &Validator{
		registry:    cfg.Registry,
		cache:       cache.New(ttl, ttl*2),
		concurrency: concurrency,
	}
}

// HasRegistry reports whether plugin presence can be resolved
func (v *Validator) HasRegistry() bool { return v.registry != nil }

// Invalidate forgets every cached answer
func (v *Validator) Invalidate() { v.cache.Flush() }

type pluginAnswer struct {
	info *PluginInfo
}

// IsPluginInstalled asks the registry about a plugin. The returned info is
// nil when the plugin is not installed.
func (v *Validator) IsPluginInstalled(ctx context.Context, devIdentifier string) (bool, *PluginInfo, error) {
	if v.registry == nil {
		return false, nil, fmt.Errorf("no plugin registry configured: %w", util.ErrInvalidConfig)
	}

	key := "plugin:" + devIdentifier
	if cached, found := v.cache.Get(key); found {
		if a, ok := cached.(pluginAnswer); ok {
			return a.info != nil, a.info, nil
		}
	}

	info, err := v.registry.Lookup(ctx, devIdentifier)
	if err != nil {
		return false, nil, err
	}
	v.cache.Set(key, pluginAnswer{info: info}, cache.DefaultExpiration)
	return info != nil, info, nil
}

type sampleAnswer struct {
	present bool
	format  string
}

// SampleExists reports whether path is an existing regular file, with its
// audio format when one can be identified
func (v *Validator) SampleExists(path string) (bool, string) {
	key := "sample:" + path
	if cached, found := v.cache.Get(key); found {
		if a, ok := cached.(sampleAnswer); ok {
			return a.present, a.format
		}
	}

	a := sampleAnswer{}
	// sample paths are stored in NFC, the file may be named in NFD
	onDisk, _ := util.ResolvePath(path)
	info, err := util.RetryableStat(onDisk, util.DefaultRetryConfig())
	if err == nil && info.Mode().IsRegular() {
		a.present = true
		a.format = probeFormat(onDisk)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		util.Logger().Debug("sample stat failed", zap.String("path", path), zap.Error(err))
	}
	v.cache.Set(key, a, cache.DefaultExpiration)
	return a.present, a.format
}

// probeFormat identifies the container of an audio file from its header,
// falling back to the extension for formats without tag support (WAV, AIFF)
func probeFormat(path string) string {
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		if _, ft, err := tag.Identify(f); err == nil && ft != tag.UnknownFileType {
			return string(ft)
		}
	}
	return strings.ToUpper(strings.TrimPrefix(filepath.Ext(path), "."))
}

// Result summarizes a presence refresh
type Result struct {
	Plugins          int
	PluginsInstalled int
	PluginsChanged   int
	Samples          int
	SamplesPresent   int
	SamplesChanged   int
	Errors           []error
}

// Refresh re-resolves presence for every plugin and sample in st. Lookup
// failures are collected per entity and do not stop the refresh.
func (v *Validator) Refresh(ctx context.Context, st Store) (*Result, error) {
	res := &Result{}

	if v.registry != nil {
		plugins, err := st.GetPlugins(store.PluginFilter{}, store.Page{})
		if err != nil {
			return nil, fmt.Errorf("failed to list plugins: %w", err)
		}
		for _, pl := range plugins {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Plugins++
			changed, installed, err := v.refreshPlugin(ctx, st, pl.Plugin)
			if err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
			if installed {
				res.PluginsInstalled++
			}
			if changed {
				res.PluginsChanged++
			}
		}
	}

	samples, err := st.GetSamples(store.SampleFilter{}, store.Page{})
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}

	var present, changed atomic.Int64
	errs := make([]error, len(samples))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, sa := range samples {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			c, p, err := v.refreshSample(st, sa)
			if err != nil {
				errs[i] = err
				return nil
			}
			if p {
				present.Add(1)
			}
			if c {
				changed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Samples = len(samples)
	res.SamplesPresent = int(present.Load())
	res.SamplesChanged = int(changed.Load())
	for _, err := range errs {
		if err != nil {
			res.Errors = append(res.Errors, err)
		}
	}

	util.Logger().Info("presence refreshed",
		zap.Int("plugins", res.Plugins),
		zap.Int("plugins_installed", res.PluginsInstalled),
		zap.Int("samples", res.Samples),
		zap.Int("samples_present", res.SamplesPresent),
		zap.Int("errors", len(res.Errors)))
	return res, ctx.Err()
}

// AnnotateProject resolves presence for the plugins and samples of one
// freshly stored project and updates both p and st
func (v *Validator) AnnotateProject(ctx context.Context, st Store, p *store.Project) error {
	var errs []error
	if v.registry != nil {
		for i := range p.Plugins {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, installed, err := v.refreshPlugin(ctx, st, p.Plugins[i])
			if err != nil {
				errs = append(errs, err)
				continue
			}
			p.Plugins[i].Installed = installed
		}
	}
	for i := range p.Samples {
		_, present, err := v.refreshSample(st, p.Samples[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.Samples[i].Present = present
	}
	return errors.Join(errs...)
}

func (v *Validator) refreshPlugin(ctx context.Context, st Store, pl store.Plugin) (changed, installed bool, err error) {
	installed, info, err := v.IsPluginInstalled(ctx, pl.DevIdentifier)
	if err != nil {
		return false, false, err
	}

	next := store.PluginPresence{
		Installed:  installed,
		Vendor:     pl.Vendor,
		Version:    pl.Version,
		SDKVersion: pl.SDKVersion,
	}
	if info != nil {
		next.Vendor = firstNonEmpty(info.Vendor, pl.Vendor)
		next.Version = firstNonEmpty(info.Version, pl.Version)
		next.SDKVersion = firstNonEmpty(info.SDKVersion, pl.SDKVersion)
	}
	current := store.PluginPresence{Installed: pl.Installed, Vendor: pl.Vendor, Version: pl.Version, SDKVersion: pl.SDKVersion}
	if next == current {
		return false, installed, nil
	}
	if err := st.SetPluginPresence(pl.ID, next); err != nil {
		return false, installed, err
	}
	return true, installed, nil
}

func (v *Validator) refreshSample(st Store, sa store.Sample) (changed, present bool, err error) {
	present, format := v.SampleExists(sa.Path)
	if !present {
		format = sa.Format
	}
	if present == sa.Present && format == sa.Format {
		return false, present, nil
	}
	if err := st.SetSamplePresence(sa.ID, present, format); err != nil {
		return false, present, err
	}
	return true, present, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
