package worker

import (
	"context"
	"sync/atomic"
	"time"

	"order-routing/internal/util"

	"go.uber.org/zap"
)

// Leaser hands out named leases shared between processes.
type Leaser interface {
	TryLease(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Periodic runs a task on a fixed interval. A tick that arrives while the
// previous run is still going is skipped.
type Periodic struct {
	name     string
	interval time.Duration
	task     func(context.Context) error
	leaser   Leaser
	leaseTTL time.Duration
	running  atomic.Bool
	logger   *zap.Logger
}

func NewPeriodic(name string, interval time.Duration, task func(context.Context) error) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		task:     task,
		logger:   util.GetLogger(),
	}
}

// WithLease makes every run hold a lease first. Without one the run is skipped;
// when the lease backend fails the run goes ahead anyway.
func (p *Periodic) WithLease(leaser Leaser, ttl time.Duration) *Periodic {
	p.leaser = leaser
	p.leaseTTL = ttl
	return p
}

// Run calls the task immediately and then on every tick until ctx is done.
func (p *Periodic) Run(ctx context.Context) {
	p.logger.Info("Starting periodic task", zap.String("task", p.name), zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Stopping periodic task", zap.String("task", p.name))
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs the task once unless a run is already in progress. It reports
// whether the task ran.
func (p *Periodic) Tick(ctx context.Context) bool {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Debug("Previous run still in progress", zap.String("task", p.name))
		return false
	}
	defer p.running.Store(false)

	if p.leaser != nil {
		release, ok, err := p.leaser.TryLease(ctx, p.name, p.leaseTTL)
		switch {
		case err != nil:
			p.logger.Warn("Lease unavailable, running without it", zap.String("task", p.name), zap.Error(err))
		case !ok:
			p.logger.Debug("Lease held elsewhere", zap.String("task", p.name))
			return false
		default:
			defer release()
		}
	}

	if err := p.task(ctx); err != nil {
		p.logger.Error("Periodic task failed", zap.String("task", p.name), zap.Error(err))
	}
	return true
}
