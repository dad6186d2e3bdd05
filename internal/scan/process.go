package scan

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/franz/live-indexer/internal/meta"
	"github.com/franz/live-indexer/internal/metrics"
	"github.com/franz/live-indexer/internal/store"
	"github.com/franz/live-indexer/internal/util"
)

// Outcome is what happened to a single file
type Outcome string

const (
	OutcomeParsed  Outcome = "parsed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeIgnored Outcome = "ignored"
)

// ProcessFile re-indexes one project file outside a full scan. It takes the
// same fingerprint-gated path as a scan and serializes with it per path.
// Files that are not project files, or are excluded, are ignored.
func (o *Orchestrator) ProcessFile(ctx context.Context, path string, force bool) (Outcome, *store.Project, error) {
	path = util.NormalizePath(path, "")
	if !o.Accepts(path) {
		return OutcomeIgnored, nil, nil
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	known, err := o.store.GetFingerprint(path)
	if err != nil {
		return "", nil, err
	}

	p, err := o.extract(path, known, force)
	if err != nil {
		o.metrics.RecordFile(metrics.OutcomeFailed)
		return "", nil, &FileError{Path: path, Err: err}
	}
	if p == nil {
		o.metrics.RecordFile(metrics.OutcomeSkipped)
		return OutcomeSkipped, nil, nil
	}

	stored, err := o.persist(ctx, p, force)
	if err != nil {
		o.metrics.RecordFile(metrics.OutcomeFailed)
		return "", nil, &FileError{Path: path, Err: err}
	}
	if !stored {
		o.metrics.RecordFile(metrics.OutcomeSkipped)
		return OutcomeSkipped, nil, nil
	}
	o.metrics.RecordFile(metrics.OutcomeParsed)
	return OutcomeParsed, p, nil
}

// extract returns nil when the file still matches known
func (o *Orchestrator) extract(path, known string, force bool) (*store.Project, error) {
	start := time.Now()
	hash, err := util.Fingerprint(path)
	o.metrics.ObserveStage(metrics.StageFingerprint, time.Since(start))
	if err != nil {
		return nil, err
	}
	if !force && hash == known {
		return nil, nil
	}

	start = time.Now()
	p, err := meta.ExtractFile(path)
	o.metrics.ObserveStage(metrics.StageExtract, time.Since(start))
	if err != nil {
		return nil, err
	}
	p.Hash = hash
	return p, nil
}

// persist writes p under its path lock. The stored fingerprint is checked
// again because another writer may have indexed the same content since the
// caller looked. Returns false when nothing was written.
func (o *Orchestrator) persist(ctx context.Context, p *store.Project, force bool) (bool, error) {
	unlock := o.locks.lock(p.Path)
	defer unlock()

	if !force {
		current, err := o.store.GetFingerprint(p.Path)
		if err != nil {
			return false, err
		}
		if current == p.Hash {
			return false, nil
		}
	}

	start := time.Now()
	err := o.store.UpsertProject(p)
	o.metrics.ObserveStage(metrics.StageUpsert, time.Since(start))
	if err != nil {
		return false, fmt.Errorf("failed to store project: %w", err)
	}

	if o.presence != nil {
		if err := o.presence.AnnotateProject(ctx, o.store, p); err != nil {
			// presence is advisory, the project itself is stored
			o.log.Warn("presence check failed", zap.String("path", p.Path), zap.Error(err))
		}
	}
	return true, nil
}
