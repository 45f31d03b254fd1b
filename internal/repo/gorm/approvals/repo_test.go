package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuihairu/countersign/internal/db"
	dom "github.com/cuihairu/countersign/internal/ports"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open("file:" + filepath.ToSlash(filepath.Join(t.TempDir(), "approvals.db")))
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(gdb))
	t.Cleanup(func() { _ = db.Close(gdb) })
	return gdb
}

func newApproval(requestID string) *dom.Approval {
	return &dom.Approval{
		ID:           uuid.NewString(),
		RequestID:    requestID,
		OperatorID:   "op-1",
		WorkspaceID:  "ws-1",
		ActionIntent: "repo.push",
		ActionMode:   "execute",
		PlanHash:     "deadbeef",
		PlanSteps: []dom.PlanStep{
			{StepID: "s1", Connector: "github", RequiresApproval: true, Plan: json.RawMessage(`{"repo":"acme/app"}`)},
		},
		DecisionResult: dom.DecisionResult{Verdict: "allow", PolicyID: "p-1"},
		Status:         dom.ApprovalPending,
		ExpiresAt:      time.Now().Add(time.Hour).UTC(),
	}
}

func TestCreateIsIdempotentOnRequestID(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(newTestDB(t))

	first := newApproval("req-1")
	require.NoError(t, repo.Create(ctx, first))

	err := repo.Create(ctx, newApproval("req-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, dom.ErrDuplicate)
	assert.ErrorIs(t, err, dom.ErrConflict)

	got, err := repo.GetByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "acme/app", mustRepo(t, got.PlanSteps[0].Plan))

	_, total, err := repo.Query(ctx, dom.ApprovalFilter{}, dom.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func mustRepo(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var v struct {
		Repo string `json:"repo"`
	}
	require.NoError(t, json.Unmarshal(raw, &v))
	return v.Repo
}

func TestGetUnknownIsNotFound(t *testing.T) {
	repo := NewRepo(newTestDB(t))
	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, dom.ErrNotFound)
}

func TestDecideRequiresPending(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(newTestDB(t))
	a := newApproval("req-decide")
	require.NoError(t, repo.Create(ctx, a))

	got, err := repo.Decide(ctx, a.ID, "admin-1", dom.ApprovalApproved, "lgtm")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, dom.ApprovalApproved, got.Status)
	assert.Equal(t, "admin-1", got.ApproverID)
	assert.Equal(t, "lgtm", got.ApprovalNote)

	again, err := repo.Decide(ctx, a.ID, "admin-2", dom.ApprovalRejected, "")
	require.NoError(t, err)
	assert.Nil(t, again)

	_, err = repo.Decide(ctx, a.ID, "admin-2", dom.ApprovalDispatched, "")
	assert.ErrorIs(t, err, dom.ErrValidation)
}

func TestConsumeForDispatchExactlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(newTestDB(t))
	a := newApproval("req-cas")
	require.NoError(t, repo.Create(ctx, a))
	_, err := repo.Decide(ctx, a.ID, "admin-1", dom.ApprovalApproved, "")
	require.NoError(t, err)

	const workers = 16
	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got, err := repo.ConsumeForDispatch(ctx, a.ID)
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if got != nil {
				wins.Add(1)
			} else {
				losses.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, workers-1, losses.Load())

	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, dom.ApprovalDispatching, got.Status)
}

func TestConsumeRequiresApproved(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(newTestDB(t))
	a := newApproval("req-early")
	require.NoError(t, repo.Create(ctx, a))

	got, err := repo.ConsumeForDispatch(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMarkDispatchedStoresResult(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(newTestDB(t))
	a := newApproval("req-done")
	require.NoError(t, repo.Create(ctx, a))
	_, err := repo.Decide(ctx, a.ID, "admin-1", dom.ApprovalApproved, "")
	require.NoError(t, err)
	_, err = repo.ConsumeForDispatch(ctx, a.ID)
	require.NoError(t, err)

	res := &dom.DispatchResult{
		Success:        true,
		StartedAt:      time.Now().UTC(),
		CompletedAt:    time.Now().UTC(),
		PerStepResults: []dom.StepResult{{StepID: "s1", Status: dom.StepSucceeded, Attempts: 1}},
		Summary:        "1/1 steps succeeded",
	}
	got, err := repo.MarkDispatched(ctx, a.ID, res)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, dom.ApprovalDispatched, got.Status)
	require.NotNil(t, got.DispatchResult)
	assert.True(t, got.DispatchResult.Success)
	assert.Len(t, got.DispatchResult.PerStepResults, 1)

	// terminal: a late failure write must not overwrite the outcome
	late, err := repo.MarkDispatchFailed(ctx, a.ID, &dom.DispatchResult{Summary: "late"})
	require.NoError(t, err)
	assert.Nil(t, late)
}

func TestMarkDispatchFailedRequiresClaim(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(newTestDB(t))
	a := newApproval("req-abort")
	require.NoError(t, repo.Create(ctx, a))
	_, err := repo.Decide(ctx, a.ID, "admin-1", dom.ApprovalApproved, "")
	require.NoError(t, err)

	got, err := repo.MarkDispatchFailed(ctx, a.ID, &dom.DispatchResult{Summary: "aborted"})
	require.NoError(t, err)
	assert.Nil(t, got)

	cur, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, dom.ApprovalApproved, cur.Status)
	assert.Nil(t, cur.DispatchResult)
}

func TestHoldPendingRollsBackWithTransaction(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	repo := NewRepo(gdb)
	a := newApproval("req-hold")
	require.NoError(t, repo.Create(ctx, a))

	boom := errors.New("boom")
	err := db.InTx(ctx, gdb, func(ctx context.Context) error {
		held, err := repo.HoldPending(ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, held)
		_, err = repo.Decide(ctx, a.ID, "admin-1", dom.ApprovalApproved, "")
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	cur, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, dom.ApprovalPending, cur.Status)

	_, err = repo.Decide(ctx, a.ID, "admin-1", dom.ApprovalRejected, "")
	require.NoError(t, err)
	held, err := repo.HoldPending(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, held)
}

func TestQueryFiltersAndCountPending(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(newTestDB(t))
	for i, ws := range []string{"ws-1", "ws-1", "ws-2"} {
		a := newApproval(uuid.NewString())
		a.WorkspaceID = ws
		a.CreatedAt = time.Now().Add(time.Duration(i) * time.Second).UTC()
		require.NoError(t, repo.Create(ctx, a))
		if i == 0 {
			_, err := repo.Expire(ctx, a.ID)
			require.NoError(t, err)
		}
	}

	items, total, err := repo.Query(ctx, dom.ApprovalFilter{WorkspaceID: "ws-1"}, dom.Page{Size: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, items, 1)

	items, total, err = repo.Query(ctx, dom.ApprovalFilter{Status: dom.ApprovalExpired}, dom.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, dom.ApprovalExpired, items[0].Status)

	n, err := repo.CountPending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
