package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	dom "github.com/cuihairu/countersign/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher fails the first failN calls with failErr, then succeeds.
type fakeDispatcher struct {
	name    string
	failN   int
	failErr error
	invalid bool
	panics  bool

	mu    sync.Mutex
	calls int
}

func (f *fakeDispatcher) Connector() string { return f.name }

func (f *fakeDispatcher) Validate(json.RawMessage) error {
	if f.invalid {
		return errors.New("bad payload")
	}
	return nil
}

func (f *fakeDispatcher) Execute(_ context.Context, payload json.RawMessage, _ ExecutionContext) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panics {
		panic("boom")
	}
	if f.calls <= f.failN {
		return nil, f.failErr
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeDispatcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sleepRecorder struct{ delays []time.Duration }

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newExec(t *testing.T, policy RetryPolicy, ds ...Dispatcher) (*Executor, *sleepRecorder) {
	t.Helper()
	reg := NewRegistry()
	for _, d := range ds {
		require.NoError(t, reg.Register(d, nil))
	}
	rec := &sleepRecorder{}
	ex := NewExecutor(reg, policy)
	ex.Sleep = rec.sleep
	return ex, rec
}

func step(id, connector string) dom.PlanStep {
	return dom.PlanStep{StepID: id, Connector: connector, Plan: json.RawMessage(`{}`)}
}

func TestRetryThenSucceed(t *testing.T) {
	const maxAttempts = 4
	flaky := &fakeDispatcher{name: "github", failN: maxAttempts - 1, failErr: Transient(errors.New("503"))}

	var events []RetryEvent
	policy := RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute,
		Observer: RetryObserverFunc(func(_ context.Context, ev RetryEvent) { events = append(events, ev) })}
	ex, rec := newExec(t, policy, flaky)

	res := ex.Run(context.Background(), []dom.PlanStep{step("s1", "github")}, ExecutionContext{ApprovalID: "a1"})

	require.True(t, res.Success, res.Summary)
	require.Len(t, res.PerStepResults, 1)
	assert.Equal(t, dom.StepSucceeded, res.PerStepResults[0].Status)
	assert.Equal(t, maxAttempts, res.PerStepResults[0].Attempts)
	assert.JSONEq(t, `{"ok":true}`, string(res.PerStepResults[0].Output))

	require.Len(t, events, maxAttempts-1)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Delay, events[i-1].Delay)
		assert.Equal(t, i+1, events[i].Attempt)
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, rec.delays)
}

func TestHaltOnExhaustedRetries(t *testing.T) {
	ok1 := &fakeDispatcher{name: "slack"}
	broken := &fakeDispatcher{name: "webhook", failN: 100, failErr: Transient(errors.New("timeout"))}
	never := &fakeDispatcher{name: "docs"}
	ex, _ := newExec(t, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, ok1, broken, never)

	res := ex.Run(context.Background(), []dom.PlanStep{step("s1", "slack"), step("s2", "webhook"), step("s3", "docs")}, ExecutionContext{})

	assert.False(t, res.Success)
	require.Len(t, res.PerStepResults, 2)
	assert.Equal(t, "s1", res.PerStepResults[0].StepID)
	assert.Equal(t, dom.StepSucceeded, res.PerStepResults[0].Status)
	assert.Equal(t, "s2", res.PerStepResults[1].StepID)
	assert.Equal(t, dom.StepFailed, res.PerStepResults[1].Status)
	assert.Equal(t, 3, res.PerStepResults[1].Attempts)
	assert.Equal(t, 0, never.Calls())
	assert.Contains(t, res.Summary, "1 not attempted")
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	d := &fakeDispatcher{name: "github", failN: 1, failErr: errors.New("422 unprocessable")}
	ex, rec := newExec(t, RetryPolicy{MaxAttempts: 5}, d)

	res := ex.Run(context.Background(), []dom.PlanStep{step("s1", "github")}, ExecutionContext{})
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.PerStepResults[0].Attempts)
	assert.Empty(t, rec.delays)
}

func TestMissingConnectorHalts(t *testing.T) {
	d := &fakeDispatcher{name: "slack"}
	ex, _ := newExec(t, DefaultRetryPolicy(), d)

	res := ex.Run(context.Background(), []dom.PlanStep{step("s1", "jira"), step("s2", "slack")}, ExecutionContext{})
	assert.False(t, res.Success)
	require.Len(t, res.PerStepResults, 1)
	assert.Contains(t, res.PerStepResults[0].Error, "jira")
	assert.Equal(t, 0, d.Calls())
}

func TestPanickingDispatcherFailsStep(t *testing.T) {
	d := &fakeDispatcher{name: "github", panics: true}
	ex, rec := newExec(t, RetryPolicy{MaxAttempts: 3}, d)

	res := ex.Run(context.Background(), []dom.PlanStep{step("s1", "github")}, ExecutionContext{})
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.PerStepResults[0].Attempts)
	assert.Contains(t, res.PerStepResults[0].Error, "panicked")
	assert.Empty(t, rec.delays)
}

func TestDryRunValidatesOnly(t *testing.T) {
	good := &fakeDispatcher{name: "slack"}
	bad := &fakeDispatcher{name: "webhook", invalid: true}
	ex, _ := newExec(t, DefaultRetryPolicy(), good, bad)

	steps := []dom.PlanStep{step("s1", "slack"), step("s2", "webhook"), step("s3", "slack"), step("s4", "nope")}
	res := ex.Run(context.Background(), steps, ExecutionContext{DryRun: true})

	assert.False(t, res.Success)
	assert.True(t, res.DryRun)
	require.Len(t, res.PerStepResults, 4)
	assert.Equal(t, dom.StepValidated, res.PerStepResults[0].Status)
	assert.Equal(t, dom.StepFailed, res.PerStepResults[1].Status)
	assert.Equal(t, dom.StepValidated, res.PerStepResults[2].Status)
	assert.Equal(t, dom.StepFailed, res.PerStepResults[3].Status)
	for _, sr := range res.PerStepResults {
		assert.Zero(t, sr.Attempts)
	}
	assert.Equal(t, 0, good.Calls())

	res = ex.Run(context.Background(), steps[:1], ExecutionContext{DryRun: true})
	assert.True(t, res.Success)
}

func TestCancelledBackoffFailsStep(t *testing.T) {
	d := &fakeDispatcher{name: "github", failN: 10, failErr: Transient(errors.New("503"))}
	reg := NewRegistry()
	require.NoError(t, reg.Register(d, nil))
	ex := NewExecutor(reg, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := ex.Run(ctx, []dom.PlanStep{step("s1", "github")}, ExecutionContext{})
	assert.False(t, res.Success)
	assert.Contains(t, res.PerStepResults[0].Error, "retry aborted")
	assert.Equal(t, 1, d.Calls())
}

func TestRetryPolicyDelayIsCapped(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5))
	assert.Equal(t, 10*time.Second, p.Delay(60))
	assert.Equal(t, DefaultMaxDelay, RetryPolicy{}.Delay(40))
}

func TestRegistryOverrides(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeDispatcher{name: "slack"}, &RetryPolicy{MaxAttempts: 7}))
	require.NoError(t, reg.Register(&fakeDispatcher{name: "github"}, nil))
	assert.ErrorIs(t, reg.Register(&fakeDispatcher{name: "github"}, nil), dom.ErrConflict)
	assert.ErrorIs(t, reg.Register(&fakeDispatcher{}, nil), dom.ErrValidation)

	global := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
	p := reg.PolicyFor("slack", global)
	assert.Equal(t, 7, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, global, reg.PolicyFor("github", global))
	assert.Equal(t, []string{"github", "slack"}, reg.Connectors())

	_, ok := reg.Resolve("jira")
	assert.False(t, ok)
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Transient(errors.New("x"))))
	assert.True(t, IsTransient(timeoutErr{}))
	assert.False(t, IsTransient(Permanent(timeoutErr{})))
	assert.False(t, IsTransient(errors.New("x")))
	assert.False(t, IsTransient(nil))
}
