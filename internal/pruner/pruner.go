// ABOUTME: Periodic inactivity pruner for enumerable memory store backends
// ABOUTME: Lists stale conversations, then evicts them one at a time, logging each

package pruner

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/coven-chatcache/internal/clock"
	"github.com/2389/coven-chatcache/internal/memstore"
)

// Defaults for Config.
const (
	DefaultInterval  = 10 * time.Minute
	DefaultThreshold = 30 * time.Minute
)

// Config controls sweep frequency and the inactivity cutoff.
type Config struct {
	Interval  time.Duration
	Threshold time.Duration
}

// Result summarizes one sweep.
type Result struct {
	Evicted int  `json:"evicted"`
	Failed  int  `json:"failed"`
	Skipped bool `json:"skipped"`
}

// conditionalRemover removes an entry only if it is still inactive.
type conditionalRemover interface {
	RemoveIfInactive(ctx context.Context, id string, threshold time.Duration, now time.Time) (bool, error)
}

// Pruner evicts conversations that have not been accessed recently.
type Pruner struct {
	backend memstore.Backend
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
}

// New creates a Pruner. Zero config fields take the defaults.
func New(backend memstore.Backend, cfg Config, c clock.Clock, logger *slog.Logger) *Pruner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		backend: backend,
		cfg:     cfg,
		clock:   clock.OrReal(c),
		logger:  logger.With("component", "pruner"),
	}
}

// Config returns the effective configuration.
func (p *Pruner) Config() Config { return p.cfg }

// Run sweeps every interval until ctx is cancelled. It returns nil on cancellation.
func (p *Pruner) Run(ctx context.Context) error {
	if !p.backend.Kind().Enumerable() {
		p.logger.Info("backend expires entries natively, pruner idle", "backend", p.backend.Kind())
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("pruner started", "interval", p.cfg.Interval, "threshold", p.cfg.Threshold)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pruner stopped")
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				return nil
			}
			if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep evicts every conversation idle longer than the threshold. Failures
// on single entries are logged and counted; the sweep continues.
func (p *Pruner) Sweep(ctx context.Context) (Result, error) {
	if !p.backend.Kind().Enumerable() {
		return Result{Skipped: true}, nil
	}

	now := p.clock.Now()
	ids, err := p.backend.ListInactive(ctx, p.cfg.Threshold, now)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		removed, err := p.evict(ctx, id, now)
		if err != nil {
			res.Failed++
			p.logger.Warn("failed to evict conversation", "conversation_id", id, "error", err)
			continue
		}
		if removed {
			res.Evicted++
			p.logger.Info("evicted inactive conversation", "conversation_id", id)
		}
	}

	if len(ids) > 0 {
		p.logger.Debug("sweep complete", "stale", len(ids), "evicted", res.Evicted, "failed", res.Failed)
	}
	return res, nil
}

func (p *Pruner) evict(ctx context.Context, id string, now time.Time) (bool, error) {
	if cr, ok := p.backend.(conditionalRemover); ok {
		return cr.RemoveIfInactive(ctx, id, p.cfg.Threshold, now)
	}
	if err := p.backend.Remove(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}
