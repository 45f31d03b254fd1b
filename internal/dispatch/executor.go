package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	dom "github.com/cuihairu/countersign/internal/ports"
	"github.com/cuihairu/countersign/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Executor runs plans step by step against a Registry.
type Executor struct {
	Registry *Registry
	Policy   RetryPolicy
	Logger   *slog.Logger
	Tracer   trace.Tracer
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

func NewExecutor(reg *Registry, policy RetryPolicy) *Executor {
	return &Executor{Registry: reg, Policy: policy}
}

// DispatchPlan runs steps with a default Executor.
func DispatchPlan(ctx context.Context, steps []dom.PlanStep, ec ExecutionContext, reg *Registry, policy RetryPolicy) *dom.DispatchResult {
	return NewExecutor(reg, policy).Run(ctx, steps, ec)
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Executor) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return telemetry.Tracer()
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

// Run executes steps strictly in order. In dry-run mode every payload is
// validated and nothing is executed. Otherwise the first step that fails
// permanently or exhausts its retries halts the plan; later steps are absent
// from the result.
func (e *Executor) Run(ctx context.Context, steps []dom.PlanStep, ec ExecutionContext) *dom.DispatchResult {
	ctx, span := e.tracer().Start(ctx, "dispatch.plan", trace.WithAttributes(
		telemetry.ApprovalIDKey.String(ec.ApprovalID),
		telemetry.RequestIDKey.String(ec.RequestID),
		telemetry.DryRunKey.Bool(ec.DryRun),
		attribute.Int("dispatch.steps", len(steps)),
	))
	defer span.End()

	res := &dom.DispatchResult{DryRun: ec.DryRun, StartedAt: e.now(), PerStepResults: make([]dom.StepResult, 0, len(steps))}
	ok := true
	for _, st := range steps {
		var sr dom.StepResult
		if ec.DryRun {
			sr = e.validateStep(st)
		} else {
			sr = e.runStep(ctx, st, ec)
		}
		res.PerStepResults = append(res.PerStepResults, sr)
		if sr.Status == dom.StepFailed {
			ok = false
			if !ec.DryRun {
				break
			}
		}
	}
	res.CompletedAt = e.now()
	res.Success = ok && len(res.PerStepResults) == len(steps)
	res.Summary = summarize(res, len(steps))
	if !res.Success {
		span.SetStatus(codes.Error, res.Summary)
	}
	return res
}

func summarize(res *dom.DispatchResult, total int) string {
	var good, failed int
	var firstErr string
	for _, sr := range res.PerStepResults {
		switch sr.Status {
		case dom.StepFailed:
			failed++
			if firstErr == "" {
				firstErr = fmt.Sprintf("step %s: %s", sr.StepID, sr.Error)
			}
		default:
			good++
		}
	}
	verb := "succeeded"
	if res.DryRun {
		verb = "valid"
	}
	s := fmt.Sprintf("%d/%d steps %s", good, total, verb)
	if failed > 0 {
		s += "; " + firstErr
	}
	if skipped := total - len(res.PerStepResults); skipped > 0 {
		s += fmt.Sprintf("; %d not attempted", skipped)
	}
	return s
}

func (e *Executor) validateStep(st dom.PlanStep) dom.StepResult {
	sr := dom.StepResult{StepID: st.StepID, Connector: st.Connector, Status: dom.StepValidated}
	d, ok := e.Registry.Resolve(st.Connector)
	if !ok {
		sr.Status, sr.Error = dom.StepFailed, fmt.Sprintf("no dispatcher registered for connector %q", st.Connector)
		return sr
	}
	if err := safeValidate(d, st.Plan); err != nil {
		sr.Status, sr.Error = dom.StepFailed, err.Error()
	}
	return sr
}

func (e *Executor) runStep(ctx context.Context, st dom.PlanStep, ec ExecutionContext) dom.StepResult {
	log := e.logger().With("approval_id", ec.ApprovalID, "step_id", st.StepID, "connector", st.Connector)
	sr := dom.StepResult{StepID: st.StepID, Connector: st.Connector}

	d, ok := e.Registry.Resolve(st.Connector)
	if !ok {
		sr.Status, sr.Error = dom.StepFailed, fmt.Sprintf("no dispatcher registered for connector %q", st.Connector)
		log.Warn("dispatch step has no dispatcher")
		return sr
	}
	if err := safeValidate(d, st.Plan); err != nil {
		sr.Status, sr.Error = dom.StepFailed, err.Error()
		log.Warn("dispatch step payload invalid", "error", err)
		return sr
	}

	policy := e.Registry.PolicyFor(st.Connector, e.Policy).normalize()
	ctx, span := e.tracer().Start(ctx, "dispatch.step", trace.WithAttributes(
		telemetry.StepIDKey.String(st.StepID),
		telemetry.ConnectorKey.String(st.Connector),
	))
	defer span.End()

	for attempt := 1; ; attempt++ {
		sr.Attempts = attempt
		out, err := safeExecute(ctx, d, st.Plan, ec)
		if err == nil {
			sr.Status, sr.Output, sr.Error = dom.StepSucceeded, out, ""
			span.SetAttributes(telemetry.AttemptKey.Int(attempt))
			if attempt > 1 {
				log.Info("dispatch step succeeded after retry", "attempts", attempt)
			}
			return sr
		}
		sr.Error = err.Error()
		if !IsTransient(err) || attempt >= policy.MaxAttempts {
			sr.Status = dom.StepFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("dispatch step failed", "attempts", attempt, "transient", IsTransient(err), "error", err)
			return sr
		}
		delay := policy.Delay(attempt)
		policy.notify(ctx, RetryEvent{ApprovalID: ec.ApprovalID, StepID: st.StepID, Connector: st.Connector, Attempt: attempt, Delay: delay, Err: err})
		log.Warn("dispatch step retrying", "attempt", attempt, "delay", delay, "error", err)
		if serr := e.sleep(ctx, delay); serr != nil {
			sr.Status = dom.StepFailed
			sr.Error = fmt.Sprintf("%s; retry aborted: %v", sr.Error, serr)
			return sr
		}
	}
}

// safeExecute turns a panicking dispatcher into a permanent failure.
func safeExecute(ctx context.Context, d Dispatcher, payload json.RawMessage, ec ExecutionContext) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("dispatcher %s panicked: %v\n%s", d.Connector(), r, debug.Stack()))
		}
	}()
	return d.Execute(ctx, payload, ec)
}

func safeValidate(d Dispatcher, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher %s validate panicked: %v", d.Connector(), r)
		}
	}()
	return d.Validate(payload)
}
