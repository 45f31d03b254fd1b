package chains

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cuihairu/countersign/internal/db"
	dom "github.com/cuihairu/countersign/internal/ports"
	gormapprovals "github.com/cuihairu/countersign/internal/repo/gorm/approvals"
	gormchains "github.com/cuihairu/countersign/internal/repo/gorm/chains"
	memstore "github.com/cuihairu/countersign/internal/server/approvals"
	"github.com/cuihairu/countersign/internal/service/approvals"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ABC is two parallel reviewers followed by an owner sign-off.
var abc = &dom.ChainTemplate{
	ID:   "abc",
	Name: "Two reviewers then owner",
	Steps: []dom.TemplateStep{
		{Order: 0, RequiredRole: "admin", Label: "A"},
		{Order: 0, RequiredRole: "security", Label: "B"},
		{Order: 1, RequiredRole: "owner", Label: "C"},
	},
}

type stubPolicy struct{ tpl *dom.ChainTemplate }

func (p stubPolicy) GetChainTemplate(context.Context, dom.TemplateQuery) (*dom.ChainTemplate, error) {
	return p.tpl, nil
}
func (stubPolicy) WriteAuditEvent(context.Context, dom.AuditEvent) error { return nil }

type fixture struct {
	engine *Engine
	svc    *approvals.Service
	chains *memstore.MemChains
}

func newFixture(t *testing.T, policy dom.PolicyProvider) *fixture {
	t.Helper()
	return newFixtureWith(t, memstore.NewMemChains(), policy)
}

func newFixtureWith(t *testing.T, chains *memstore.MemChains, policy dom.PolicyProvider, steps ...dom.ChainRepository) *fixture {
	t.Helper()
	var repo dom.ChainRepository = chains
	if len(steps) > 0 {
		repo = steps[0]
	}
	svc := approvals.NewService(memstore.NewMemStore(), approvals.WithChains(repo), approvals.WithTransactor(&memstore.Serial{}))
	tpls := NewTemplates(chains.Templates(), repo, nil, nil)
	require.NoError(t, tpls.Create(context.Background(), "admin-1", cloneTpl(abc)))
	return &fixture{engine: NewEngine(repo, tpls, svc, policy, nil), svc: svc, chains: chains}
}

func cloneTpl(t *dom.ChainTemplate) *dom.ChainTemplate {
	cp := *t
	cp.Steps = append([]dom.TemplateStep(nil), t.Steps...)
	return &cp
}

func (f *fixture) approval(t *testing.T) *dom.Approval {
	t.Helper()
	a, err := f.svc.Create(context.Background(), dom.ApprovalCreateInput{
		RequestID:    uuid.NewString(),
		OperatorID:   "op-1",
		WorkspaceID:  "ws-1",
		ActionIntent: "repo.push",
		PlanSteps:    []dom.PlanStep{{StepID: "s1", Connector: "github", Plan: json.RawMessage(`{}`)}},
	})
	require.NoError(t, err)
	return a
}

// byLabel indexes the chain's steps by label.
func (f *fixture) byLabel(t *testing.T, approvalID string) map[string]*dom.ChainStep {
	t.Helper()
	steps, err := f.chains.ListSteps(context.Background(), approvalID)
	require.NoError(t, err)
	out := map[string]*dom.ChainStep{}
	for _, s := range steps {
		out[s.Label] = s
	}
	return out
}

func (f *fixture) decide(t *testing.T, stepID string, status dom.StepStatus) *StepOutcome {
	t.Helper()
	out, err := f.engine.DecideStep(context.Background(), DecideStepInput{StepID: stepID, DeciderID: "user-" + stepID[:4], Status: status})
	require.NoError(t, err)
	return out
}

func TestCreateChainActivatesLowestOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.approval(t)

	steps, err := f.engine.CreateChainForApproval(ctx, a.ID, "abc")
	require.NoError(t, err)
	require.Len(t, steps, 3)

	s := f.byLabel(t, a.ID)
	assert.Equal(t, dom.StepActive, s["A"].Status)
	assert.Equal(t, dom.StepActive, s["B"].Status)
	assert.Equal(t, dom.StepPending, s["C"].Status)

	_, err = f.engine.CreateChainForApproval(ctx, a.ID, "abc")
	assert.ErrorIs(t, err, dom.ErrConflict)

	active, err := f.engine.GetActiveStep(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 0, active.Order)
}

func TestCreateChainTemplateResolution(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, stubPolicy{tpl: abc})
	a := f.approval(t)
	steps, err := f.engine.CreateChainForApproval(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Len(t, steps, 3)

	f = newFixture(t, stubPolicy{})
	a = f.approval(t)
	steps, err = f.engine.CreateChainForApproval(ctx, a.ID, "")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, dom.DefaultTemplateID, steps[0].TemplateID)
	assert.Equal(t, "admin", steps[0].RequiredRole)

	_, err = f.engine.CreateChainForApproval(ctx, f.approval(t).ID, "no-such-template")
	assert.ErrorIs(t, err, dom.ErrNotFound)
}

func TestRejectionIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.approval(t)
	_, err := f.engine.CreateChainForApproval(ctx, a.ID, "abc")
	require.NoError(t, err)
	s := f.byLabel(t, a.ID)

	// C is not reachable yet
	assert.Nil(t, f.decide(t, s["C"].ID, dom.StepApproved))

	out := f.decide(t, s["A"].ID, dom.StepApproved)
	require.NotNil(t, out)
	assert.False(t, out.Advanced || out.AllApproved || out.Rejected)

	out = f.decide(t, s["B"].ID, dom.StepRejected)
	require.NotNil(t, out)
	assert.True(t, out.Rejected)
	assert.Equal(t, dom.ApprovalRejected, out.Approval.Status)

	for label, st := range f.byLabel(t, a.ID) {
		assert.Equal(t, dom.StepRejected, st.Status, label)
	}
	got, err := f.svc.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, dom.ApprovalRejected, got.Status)

	_, err = f.engine.DecideStep(ctx, DecideStepInput{StepID: s["C"].ID, DeciderID: "owner-1", Status: dom.StepApproved})
	assert.ErrorIs(t, err, dom.ErrConflict)

	sum, err := f.engine.GetChainSummary(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ChainRejected, sum.Status)
	assert.Equal(t, -1, sum.CurrentOrder)
}

func TestParallelGroupAdvancesThenApproves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.approval(t)
	_, err := f.engine.CreateChainForApproval(ctx, a.ID, "abc")
	require.NoError(t, err)
	s := f.byLabel(t, a.ID)

	out := f.decide(t, s["B"].ID, dom.StepApproved)
	assert.False(t, out.Advanced)
	assert.Equal(t, dom.StepPending, f.byLabel(t, a.ID)["C"].Status)

	sum, err := f.engine.GetChainSummary(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", sum.CurrentStage)
	assert.Equal(t, 0, sum.CurrentOrder)

	out = f.decide(t, s["A"].ID, dom.StepApproved)
	assert.True(t, out.Advanced)
	assert.False(t, out.AllApproved)
	assert.Equal(t, dom.StepActive, f.byLabel(t, a.ID)["C"].Status)

	// a decided step cannot be decided again
	assert.Nil(t, f.decide(t, s["A"].ID, dom.StepRejected))

	out = f.decide(t, s["C"].ID, dom.StepApproved)
	assert.True(t, out.AllApproved)
	require.NotNil(t, out.Approval)
	assert.Equal(t, dom.ApprovalApproved, out.Approval.Status)

	prog, err := f.engine.GetChainProgress(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ChainApproved, prog.Status)
	assert.Equal(t, 3, prog.Approved)
	assert.Equal(t, "Two reviewers then owner", prog.TemplateName)
	require.Len(t, prog.Steps, 3)
	for _, st := range prog.Steps {
		assert.NotEmpty(t, st.DeciderID)
		assert.NotNil(t, st.DecidedAt)
	}

	active, err := f.engine.GetActiveStep(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestDecideStepValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.DecideStep(context.Background(), DecideStepInput{StepID: "x", DeciderID: "u", Status: dom.StepActive})
	assert.ErrorIs(t, err, dom.ErrValidation)
	_, err = f.engine.DecideStep(context.Background(), DecideStepInput{StepID: "x", Status: dom.StepApproved})
	assert.ErrorIs(t, err, dom.ErrValidation)
	_, err = f.engine.DecideStep(context.Background(), DecideStepInput{StepID: "x", DeciderID: "u", Status: dom.StepApproved})
	assert.ErrorIs(t, err, dom.ErrNotFound)
}

func TestNextGroup(t *testing.T) {
	mk := func(order int, st dom.StepStatus) *dom.ChainStep { return &dom.ChainStep{Order: order, Status: st} }
	cases := []struct {
		name      string
		steps     []*dom.ChainStep
		order     int
		undecided bool
	}{
		{"all approved", []*dom.ChainStep{mk(0, dom.StepApproved), mk(1, dom.StepApproved)}, -1, false},
		{"sibling active", []*dom.ChainStep{mk(0, dom.StepApproved), mk(0, dom.StepActive), mk(1, dom.StepPending)}, 0, true},
		{"group done", []*dom.ChainStep{mk(0, dom.StepApproved), mk(0, dom.StepApproved), mk(2, dom.StepPending)}, 2, false},
		{"unsorted", []*dom.ChainStep{mk(3, dom.StepPending), mk(1, dom.StepPending), mk(0, dom.StepApproved)}, 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order, undecided := nextGroup(tc.steps)
			assert.Equal(t, tc.order, order)
			assert.Equal(t, tc.undecided, undecided)
		})
	}
}

func TestDirectDecideCannotBypassChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.approval(t)
	_, err := f.engine.CreateChainForApproval(ctx, a.ID, "abc")
	require.NoError(t, err)

	_, err = f.svc.Decide(ctx, a.ID, "admin-1", dom.ApprovalApproved, "")
	require.ErrorIs(t, err, dom.ErrConflict)

	cur, err := f.svc.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, dom.ApprovalPending, cur.Status)
	_, err = f.svc.ConsumeForDispatch(ctx, a.ID)
	assert.ErrorIs(t, err, dom.ErrConflict)

	sum, err := f.engine.GetChainSummary(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ChainInProgress, sum.Status)
	assert.Equal(t, 0, sum.Approved)
}

func TestEnsureChainCompletesMissingChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.approval(t)

	steps, created, err := f.engine.EnsureChain(ctx, a.ID, "abc")
	require.NoError(t, err)
	assert.True(t, created)
	require.Len(t, steps, 3)

	again, created, err := f.engine.EnsureChain(ctx, a.ID, "abc")
	require.NoError(t, err)
	assert.False(t, created)
	require.Len(t, again, 3)
	assert.Equal(t, steps[0].ID, again[0].ID)
}

// flakyChains fails the next RejectAll once.
type flakyChains struct {
	*memstore.MemChains
	mu       sync.Mutex
	failNext bool
}

func (c *flakyChains) RejectAll(ctx context.Context, approvalID string) (int64, error) {
	c.mu.Lock()
	fail := c.failNext
	c.failNext = false
	c.mu.Unlock()
	if fail {
		return 0, errors.New("store unavailable")
	}
	return c.MemChains.RejectAll(ctx, approvalID)
}

func TestHalfRejectedChainIsFinished(t *testing.T) {
	ctx := context.Background()
	for _, retry := range []string{"A", "B"} {
		t.Run("then decide "+retry, func(t *testing.T) {
			mem := memstore.NewMemChains()
			flaky := &flakyChains{MemChains: mem, failNext: true}
			f := newFixtureWith(t, mem, nil, flaky)
			a := f.approval(t)
			_, err := f.engine.CreateChainForApproval(ctx, a.ID, "abc")
			require.NoError(t, err)
			s := f.byLabel(t, a.ID)

			_, err = f.engine.DecideStep(ctx, DecideStepInput{StepID: s["A"].ID, DeciderID: "admin-1", Status: dom.StepRejected})
			require.Error(t, err)
			assert.Equal(t, dom.StepRejected, f.byLabel(t, a.ID)["A"].Status)

			status := dom.StepRejected
			if retry == "B" {
				status = dom.StepApproved
			}
			out, err := f.engine.DecideStep(ctx, DecideStepInput{StepID: s[retry].ID, DeciderID: "security-1", Status: status})
			require.NoError(t, err)
			require.NotNil(t, out)
			assert.True(t, out.Rejected)
			assert.False(t, out.Advanced)
			assert.Equal(t, dom.ApprovalRejected, out.Approval.Status)

			for label, st := range f.byLabel(t, a.ID) {
				assert.Equal(t, dom.StepRejected, st.Status, label)
			}
			cur, err := f.svc.FindByID(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, dom.ApprovalRejected, cur.Status)
		})
	}
}

type gormFixture struct {
	engine *Engine
	svc    *approvals.Service
	steps  dom.ChainRepository
}

func newGormFixture(t *testing.T, wrap func(dom.ChainRepository) dom.ChainRepository) *gormFixture {
	t.Helper()
	gdb, err := db.Open("file:" + filepath.ToSlash(filepath.Join(t.TempDir(), "engine.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	require.NoError(t, gormapprovals.AutoMigrate(gdb))
	require.NoError(t, gormchains.AutoMigrate(gdb))

	var steps dom.ChainRepository = gormchains.NewStepRepo(gdb)
	if wrap != nil {
		steps = wrap(steps)
	}
	svc := approvals.NewService(gormapprovals.NewRepo(gdb), approvals.WithChains(steps), approvals.WithTransactor(db.Transactor(gdb)))
	tpls := NewTemplates(gormchains.NewTemplateRepo(gdb), steps, nil, nil)
	require.NoError(t, tpls.Create(context.Background(), "admin-1", cloneTpl(abc)))
	return &gormFixture{engine: NewEngine(steps, tpls, svc, nil, nil), svc: svc, steps: steps}
}

func (f *gormFixture) chain(t *testing.T) (*dom.Approval, map[string]*dom.ChainStep) {
	t.Helper()
	ctx := context.Background()
	a, err := f.svc.Create(ctx, dom.ApprovalCreateInput{RequestID: uuid.NewString(), OperatorID: "op-1", ActionIntent: "repo.push"})
	require.NoError(t, err)
	_, err = f.engine.CreateChainForApproval(ctx, a.ID, "abc")
	require.NoError(t, err)
	return a, f.labels(t, a.ID)
}

func (f *gormFixture) labels(t *testing.T, approvalID string) map[string]*dom.ChainStep {
	t.Helper()
	steps, err := f.steps.ListSteps(context.Background(), approvalID)
	require.NoError(t, err)
	out := map[string]*dom.ChainStep{}
	for _, s := range steps {
		out[s.Label] = s
	}
	return out
}

// failingRejectAll is a ChainRepository whose RejectAll fails once.
type failingRejectAll struct {
	dom.ChainRepository
	once sync.Once
}

func (r *failingRejectAll) RejectAll(ctx context.Context, approvalID string) (int64, error) {
	var err error
	r.once.Do(func() { err = errors.New("store unavailable") })
	if err != nil {
		return 0, err
	}
	return r.ChainRepository.RejectAll(ctx, approvalID)
}

func TestRejectionRollsBackAsOneUnit(t *testing.T) {
	ctx := context.Background()
	f := newGormFixture(t, func(r dom.ChainRepository) dom.ChainRepository { return &failingRejectAll{ChainRepository: r} })
	a, s := f.chain(t)

	_, err := f.engine.DecideStep(ctx, DecideStepInput{StepID: s["A"].ID, DeciderID: "admin-1", Status: dom.StepRejected})
	require.Error(t, err)
	after := f.labels(t, a.ID)
	assert.Equal(t, dom.StepActive, after["A"].Status)
	assert.Equal(t, dom.StepActive, after["B"].Status)
	assert.Empty(t, after["A"].DeciderID)

	out, err := f.engine.DecideStep(ctx, DecideStepInput{StepID: s["A"].ID, DeciderID: "admin-1", Status: dom.StepRejected})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.Rejected)
	for label, st := range f.labels(t, a.ID) {
		assert.Equal(t, dom.StepRejected, st.Status, label)
	}
	cur, err := f.svc.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, dom.ApprovalRejected, cur.Status)
}

func decideTogether(t *testing.T, e *Engine, in ...DecideStepInput) []error {
	t.Helper()
	start := make(chan struct{})
	errs := make([]error, len(in))
	var wg sync.WaitGroup
	for i := range in {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = e.DecideStep(context.Background(), in[i])
		}(i)
	}
	close(start)
	wg.Wait()
	return errs
}

func TestConcurrentSiblingApprovalsAdvance(t *testing.T) {
	ctx := context.Background()
	f := newGormFixture(t, nil)
	for i := 0; i < 5; i++ {
		a, s := f.chain(t)
		errs := decideTogether(t, f.engine,
			DecideStepInput{StepID: s["A"].ID, DeciderID: "admin-1", Status: dom.StepApproved},
			DecideStepInput{StepID: s["B"].ID, DeciderID: "security-1", Status: dom.StepApproved},
		)
		for _, err := range errs {
			require.NoError(t, err)
		}
		after := f.labels(t, a.ID)
		assert.Equal(t, dom.StepApproved, after["A"].Status)
		assert.Equal(t, dom.StepApproved, after["B"].Status)
		assert.Equal(t, dom.StepActive, after["C"].Status)
		cur, err := f.svc.FindByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, dom.ApprovalPending, cur.Status)
	}
}

func TestConcurrentApproveAndRejectConverge(t *testing.T) {
	ctx := context.Background()
	f := newGormFixture(t, nil)
	for i := 0; i < 5; i++ {
		a, s := f.chain(t)
		errs := decideTogether(t, f.engine,
			DecideStepInput{StepID: s["A"].ID, DeciderID: "admin-1", Status: dom.StepApproved},
			DecideStepInput{StepID: s["B"].ID, DeciderID: "security-1", Status: dom.StepRejected},
		)
		// the approval may land after the rejection closed the parent
		for _, err := range errs {
			if err != nil {
				require.ErrorIs(t, err, dom.ErrConflict)
			}
		}
		require.NoError(t, errs[1])
		for label, st := range f.labels(t, a.ID) {
			assert.Equal(t, dom.StepRejected, st.Status, label)
		}
		cur, err := f.svc.FindByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, dom.ApprovalRejected, cur.Status)
	}
}
