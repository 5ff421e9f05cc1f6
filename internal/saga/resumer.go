package saga

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/sagas/internal/model"
)

// DefaultResumeBatch bounds how many sagas one resumer pass looks at per query.
const DefaultResumeBatch = 100

// Resumer periodically resumes running or compensating sagas that are due
// for a retry, and those nobody in this process drives that have not been
// touched for StaleAfter (their driver died with the process that ran it).
// Sagas whose driver elsewhere still holds its lease are left alone.
type Resumer struct {
	orch       *Orchestrator
	interval   time.Duration
	staleAfter time.Duration
	batch      int
	logger     *slog.Logger
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResumer creates a resumer. staleAfter <= 0 disables crash recovery.
func NewResumer(o *Orchestrator, interval, staleAfter time.Duration, logger *slog.Logger) *Resumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resumer{
		orch:       o,
		interval:   interval,
		staleAfter: staleAfter,
		batch:      DefaultResumeBatch,
		logger:     logger,
		now:        o.now,
	}
}

// Start begins periodic passes. It runs one pass immediately, then on each
// tick.
func (r *Resumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Stop cancels the resumer and waits for the current pass to finish.
func (r *Resumer) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Resumer) run(ctx context.Context) {
	r.pass(ctx)
	if r.interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

func (r *Resumer) pass(ctx context.Context) {
	n, err := r.RunOnce(ctx)
	if err != nil {
		r.logger.Error("resumer pass failed", "err", err)
		return
	}
	if n > 0 {
		r.logger.Info("resumer pass completed", "resumed", n)
	}
}

var unfinished = []model.SagaStatus{model.SagaRunning, model.SagaCompensating}

// RunOnce resumes every eligible saga once and returns how many it resumed.
func (r *Resumer) RunOnce(ctx context.Context) (int, error) {
	now := r.now()
	candidates, err := r.orch.ListSagas(ctx, model.SagaFilter{
		Status:    unfinished,
		DueBefore: &now,
		Limit:     r.batch,
	})
	if err != nil {
		return 0, err
	}
	if r.staleAfter > 0 {
		cutoff := now.Add(-r.staleAfter)
		stale, err := r.orch.ListSagas(ctx, model.SagaFilter{
			Status:        unfinished,
			UpdatedBefore: &cutoff,
			Limit:         r.batch,
		})
		if err != nil {
			return 0, err
		}
		for _, st := range stale {
			// A saga waiting for a future retry is not stale.
			if st.NextRetryAt == nil || !st.NextRetryAt.After(now) {
				candidates = append(candidates, st)
			}
		}
	}

	seen := make(map[string]bool, len(candidates))
	resumed := 0
	for _, st := range candidates {
		if seen[st.SagaID] || r.orch.Owns(st.SagaID) {
			continue
		}
		seen[st.SagaID] = true

		err := r.orch.ResumeSaga(ctx, st.SagaID, st.SagaType)
		switch {
		case err == nil:
			resumed++
		case errors.Is(err, ErrSagaBusy):
		case errors.Is(err, ErrOrchestratorClosed):
			return resumed, nil
		default:
			r.logger.Warn("failed to resume saga", "saga_id", st.SagaID, "saga_type", st.SagaType, "err", err)
		}
	}
	return resumed, nil
}
