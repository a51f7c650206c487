// Package validator audits queued jobs against the lock store and reports
// unique jobs whose lock has disappeared or changed holder while they were
// still pending.
package validator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-uniq/v1/clock"
	"github.com/mirkobrombin/go-uniq/v1/job"
	"github.com/mirkobrombin/go-uniq/v1/lock"
	"github.com/mirkobrombin/go-uniq/v1/transport"
)

// Mode defines validator behaviour.
type Mode int

const (
	ModeNoop Mode = iota
	ModeAlert
	ModeAutoHeal
)

// Validator periodically compares pending records with the lock store.
type Validator struct {
	jobs     transport.Lister
	store    lock.Store
	workers  func() []string
	mode     Mode
	interval time.Duration
	logger   *slog.Logger
	clock    clock.Clock
	lost     atomic.Uint64
	healed   atomic.Uint64
}

// New creates a new Validator. workers returns the worker names to audit on
// each scan.
func New(jobs transport.Lister, store lock.Store, workers func() []string, mode Mode, interval time.Duration) *Validator {
	return &Validator{
		jobs:     jobs,
		store:    store,
		workers:  workers,
		mode:     mode,
		interval: interval,
		logger:   slog.Default(),
		clock:    clock.Real(),
	}
}

// WithClock sets the clock used to decide whether a lock has outlived its
// TTL.
func (v *Validator) WithClock(c clock.Clock) *Validator {
	if c != nil {
		v.clock = c
	}
	return v
}

// WithLogger sets the logger used in ModeAlert and ModeAutoHeal.
func (v *Validator) WithLogger(l *slog.Logger) *Validator {
	if l != nil {
		v.logger = l
	}
	return v
}

// Run starts the validation loop.
func (v *Validator) Run(ctx context.Context) {
	if v.jobs == nil || v.store == nil || v.mode == ModeNoop {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Scan(ctx)
		}
	}
}

// Scan runs a single audit pass.
func (v *Validator) Scan(ctx context.Context) {
	for _, name := range v.workers() {
		recs, err := v.jobs.List(ctx, name)
		if err != nil {
			v.logger.Warn("uniq: validator list failed", "worker", name, "error", err)
			continue
		}
		for _, rec := range recs {
			v.check(ctx, rec)
		}
	}
}

func (v *Validator) check(ctx context.Context, rec job.Record) {
	if rec.UniqueHash == "" || rec.LockToken == "" {
		return
	}
	now := v.clock.Now()
	deadline, hasTTL := rec.LockDeadline()
	if hasTTL && !now.Before(deadline) {
		return
	}
	held, ok, err := v.store.Inspect(ctx, rec.UniqueHash)
	if err != nil {
		return
	}
	if ok && held.Holder == rec.LockToken {
		return
	}
	v.lost.Add(1)
	v.logger.Warn("uniq: pending job lost its lock", "worker", rec.Worker, "jid", rec.ID, "key", rec.UniqueHash)
	// Only a free key with an after-execution policy can be retaken; the
	// worker releases it when the job runs. A retaken lock keeps the
	// original deadline.
	if v.mode != ModeAutoHeal || ok || rec.UnlockOrder != job.UnlockAfterExecution {
		return
	}
	var ttl time.Duration
	if hasTTL {
		ttl = deadline.Sub(now)
	}
	taken, err := v.store.TryAcquire(ctx, rec.UniqueHash, rec.LockToken, ttl)
	if err == nil && taken {
		v.healed.Add(1)
	}
}

// Metrics returns the number of lost locks detected and re-acquired.
func (v *Validator) Metrics() (lost, healed uint64) {
	return v.lost.Load(), v.healed.Load()
}
