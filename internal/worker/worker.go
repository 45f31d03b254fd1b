// Package worker claims approved approvals, runs their plans and records
// the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cuihairu/countersign/internal/dispatch"
	"github.com/cuihairu/countersign/internal/objstore"
	dom "github.com/cuihairu/countersign/internal/ports"
	"github.com/cuihairu/countersign/internal/service/approvals"
	"github.com/cuihairu/countersign/internal/telemetry"
)

type Config struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	BatchSize   int           `mapstructure:"batch_size" yaml:"batch_size"`
	ExpireEvery time.Duration `mapstructure:"expire_every" yaml:"expire_every"`
	HealthAddr  string        `mapstructure:"health_addr" yaml:"health_addr"`
}

func (c Config) normalize() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.ExpireEvery <= 0 {
		c.ExpireEvery = time.Minute
	}
	return c
}

type Worker struct {
	svc     *approvals.Service
	exec    *dispatch.Executor
	archive *objstore.Archive
	metrics *telemetry.ApprovalMetrics
	log     *slog.Logger
	cfg     Config
	now     func() time.Time

	lastTick   atomic.Int64
	lastExpire time.Time
	dispatched atomic.Int64
	failed     atomic.Int64
}

type Option func(*Worker)

func WithArchive(a *objstore.Archive) Option          { return func(w *Worker) { w.archive = a } }
func WithMetrics(m *telemetry.ApprovalMetrics) Option { return func(w *Worker) { w.metrics = m } }
func WithClock(now func() time.Time) Option           { return func(w *Worker) { w.now = now } }
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.log = l
		}
	}
}

// New builds a worker. When exec has no retry observer, retries are counted
// in the configured metrics.
func New(svc *approvals.Service, exec *dispatch.Executor, cfg Config, opts ...Option) *Worker {
	w := &Worker{svc: svc, exec: exec, cfg: cfg.normalize(), log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(w)
	}
	if exec.Logger == nil {
		exec.Logger = w.log
	}
	if exec.Policy.Observer == nil && w.metrics != nil {
		m := w.metrics
		exec.Policy.Observer = dispatch.RetryObserverFunc(func(ctx context.Context, ev dispatch.RetryEvent) {
			m.RecordRetry(ctx, ev.Connector, ev.Attempt)
		})
	}
	return w
}

// DispatchApproval claims an approved approval and runs its plan. It returns
// dom.ErrConflict when another caller holds the claim or the approval is not
// approved. Once claimed, the approval always ends dispatched or
// dispatch_failed, including on error and panic paths. The outcome is written
// even when ctx is cancelled after the plan ran.
func (w *Worker) DispatchApproval(ctx context.Context, id string) (final *dom.Approval, err error) {
	a, err := w.svc.ConsumeForDispatch(ctx, id)
	if err != nil {
		return nil, err
	}
	log := w.log.With("approval_id", id, "request_id", a.RequestID)
	w.svc.Audit(ctx, dom.AuditDispatchClaimed, "worker", id, nil)
	start := w.now().UTC()
	wctx := context.WithoutCancel(ctx)

	var result *dom.DispatchResult
	settled := false
	defer func() {
		r := recover()
		if r != nil {
			err = fmt.Errorf("dispatch approval %s panicked: %v", id, r)
		}
		if settled {
			return
		}
		res := result
		if res == nil {
			res = &dom.DispatchResult{StartedAt: start, CompletedAt: w.now().UTC(), Summary: "dispatch aborted"}
			if err != nil {
				res.Summary = "dispatch aborted: " + err.Error()
			}
		}
		out, werr := w.safeWrite(wctx, id, res)
		if werr != nil && res.Success {
			// the steps ran; keep their results on the failed record
			failed := *res
			failed.Success = false
			failed.Summary = "dispatch aborted after steps ran: " + werr.Error()
			res = &failed
			out, werr = w.safeWrite(wctx, id, res)
		}
		if werr != nil {
			log.Error("write dispatch result after abort", "error", werr, "cause", err)
			if err == nil {
				err = werr
			}
			return
		}
		final = out
		if r == nil {
			err = nil
		}
		w.finish(wctx, log, id, out, res, start)
	}()

	if hash, herr := dom.HashPlan(a.PlanSteps); herr != nil || hash != a.PlanHash {
		log.Error("plan hash mismatch; refusing to dispatch", "stored", a.PlanHash, "computed", hash, "error", herr)
		result = &dom.DispatchResult{StartedAt: start, CompletedAt: w.now().UTC(), Summary: "plan hash mismatch: plan steps changed after approval"}
	} else {
		result = w.exec.Run(ctx, a.PlanSteps, dispatch.ExecutionContext{
			ApprovalID: a.ID,
			RequestID:  a.RequestID,
			OperatorID: a.OperatorID,
		})
	}

	final, err = w.writeResult(wctx, id, result)
	if err != nil {
		return nil, fmt.Errorf("write dispatch result: %w", err)
	}
	settled = true
	w.finish(wctx, log, id, final, result, start)
	return final, nil
}

// safeWrite is writeResult with a panicking store reported as an error.
func (w *Worker) safeWrite(ctx context.Context, id string, result *dom.DispatchResult) (out *dom.Approval, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("write panicked: %v", r)
		}
	}()
	return w.writeResult(ctx, id, result)
}

// writeResult stores result under the terminal status it implies.
func (w *Worker) writeResult(ctx context.Context, id string, result *dom.DispatchResult) (*dom.Approval, error) {
	if result.Success {
		return w.svc.MarkDispatched(ctx, id, result)
	}
	return w.svc.MarkDispatchFailed(ctx, id, result)
}

func (w *Worker) finish(ctx context.Context, log *slog.Logger, id string, final *dom.Approval, result *dom.DispatchResult, start time.Time) {
	elapsed := w.now().UTC().Sub(start)
	w.metrics.RecordDispatch(ctx, result.Success, elapsed)
	kind := dom.AuditDispatchSucceeded
	if result.Success {
		w.dispatched.Add(1)
		log.Info("approval dispatched", "elapsed", elapsed, "summary", result.Summary)
	} else {
		kind = dom.AuditDispatchFailed
		w.failed.Add(1)
		log.Warn("approval dispatch failed", "elapsed", elapsed, "summary", result.Summary)
	}
	meta := map[string]string{"summary": result.Summary}
	if w.archive != nil {
		key, aerr := w.archive.Save(ctx, final)
		if aerr != nil {
			log.Warn("archive dispatch result", "error", aerr)
		} else {
			meta["archive_key"] = key
		}
	}
	w.svc.Audit(ctx, kind, "worker", id, meta)
}

// DryRun validates the approval's plan without claiming it.
func (w *Worker) DryRun(ctx context.Context, id string) (*dom.DispatchResult, error) {
	a, err := w.svc.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	hash, err := dom.HashPlan(a.PlanSteps)
	if err != nil || hash != a.PlanHash {
		return nil, fmt.Errorf("approval %s: plan hash mismatch: %w", id, dom.ErrValidation)
	}
	return w.exec.Run(ctx, a.PlanSteps, dispatch.ExecutionContext{
		ApprovalID: a.ID,
		RequestID:  a.RequestID,
		OperatorID: a.OperatorID,
		DryRun:     true,
	}), nil
}

// Run polls until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("dispatch worker started", "interval", w.cfg.Interval, "batch", w.cfg.BatchSize)
	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()
	for {
		w.PollOnce(ctx)
		select {
		case <-ctx.Done():
			w.log.Info("dispatch worker stopped")
			return nil
		case <-t.C:
		}
	}
}

// PollOnce expires stale approvals when due and dispatches one batch of
// approved ones. It returns how many this worker dispatched (successfully
// or not).
func (w *Worker) PollOnce(ctx context.Context) int {
	now := w.now()
	defer w.lastTick.Store(now.UnixNano())

	if now.Sub(w.lastExpire) >= w.cfg.ExpireEvery {
		if _, err := w.svc.ExpireStale(ctx, now); err != nil {
			w.log.Warn("expire stale approvals", "error", err)
		}
		w.lastExpire = now
	}

	items, _, err := w.svc.Query(ctx, dom.ApprovalFilter{Status: dom.ApprovalApproved}, dom.Page{Size: w.cfg.BatchSize, Sort: "created_at_asc"})
	if err != nil {
		w.log.Warn("query approved approvals", "error", err)
		return 0
	}
	n := 0
	for _, a := range items {
		if ctx.Err() != nil {
			break
		}
		if _, err := w.DispatchApproval(ctx, a.ID); err != nil {
			if errors.Is(err, dom.ErrConflict) {
				continue
			}
			w.log.Error("dispatch approval", "approval_id", a.ID, "error", err)
		}
		n++
	}
	return n
}

// Stats is a point-in-time view of the worker.
type Stats struct {
	LastTick   time.Time `json:"last_tick"`
	Dispatched int64     `json:"dispatched"`
	Failed     int64     `json:"failed"`
}

func (w *Worker) Stats() Stats {
	var last time.Time
	if ns := w.lastTick.Load(); ns > 0 {
		last = time.Unix(0, ns).UTC()
	}
	return Stats{LastTick: last, Dispatched: w.dispatched.Load(), Failed: w.failed.Load()}
}
