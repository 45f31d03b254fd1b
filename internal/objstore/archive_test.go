package objstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	dom "github.com/cuihairu/countersign/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

func dispatched() *dom.Approval {
	return &dom.Approval{
		ID:           "ap-1",
		RequestID:    "req-1",
		ActionIntent: "repo.push",
		PlanHash:     "abc123",
		Status:       dom.ApprovalDispatched,
		DispatchResult: &dom.DispatchResult{
			Success:        true,
			CompletedAt:    time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
			PerStepResults: []dom.StepResult{{StepID: "s1", Status: dom.StepSucceeded, Attempts: 1}},
			Summary:        "1/1 steps succeeded",
		},
	}
}

func TestArchiveRoundTripMemBlob(t *testing.T) {
	ctx := context.Background()
	arc := NewArchive(NewBlob(memblob.OpenBucket(nil), time.Minute), "")
	t.Cleanup(func() { _ = arc.Close() })

	key, err := arc.Save(ctx, dispatched())
	require.NoError(t, err)
	assert.Equal(t, "dispatch/2026/05/04/ap-1.json", key)

	doc, err := arc.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "req-1", doc.RequestID)
	assert.Equal(t, dom.ApprovalDispatched, doc.Status)
	require.NotNil(t, doc.Result)
	assert.Equal(t, "1/1 steps succeeded", doc.Result.Summary)

	_, err = arc.Load(ctx, "dispatch/missing.json")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestArchiveRequiresResult(t *testing.T) {
	arc := NewArchive(NewBlob(memblob.OpenBucket(nil), time.Minute), "x")
	_, err := arc.Save(context.Background(), &dom.Approval{ID: "ap"})
	assert.ErrorIs(t, err, dom.ErrValidation)
}

func TestOpenFileDriver(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := Open(ctx, Config{Driver: "file", BaseDir: dir})
	require.NoError(t, err)
	arc := NewArchive(st, "results")

	key, err := arc.Save(ctx, dispatched())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "results", "2026", "05", "04", "ap-1.json"))

	u, err := arc.URL(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, "/archive/results/2026/05/04/ap-1.json", u)
}

func TestOpenBlobURL(t *testing.T) {
	st, err := Open(context.Background(), Config{URL: "mem://"})
	require.NoError(t, err)
	require.NoError(t, st.Close())
}

func TestValidate(t *testing.T) {
	assert.Error(t, Validate(Config{}))
	assert.Error(t, Validate(Config{Driver: "oss", Bucket: "b"}))
	assert.Error(t, Validate(Config{Driver: "cos", Bucket: "b", AccessKey: "k", SecretKey: "s"}))
	assert.Error(t, Validate(Config{Driver: "ftp"}))
	assert.NoError(t, Validate(Config{Driver: "cos", Bucket: "b", Region: "ap-shanghai", AccessKey: "k", SecretKey: "s"}))
	assert.NoError(t, Validate(Config{URL: "s3://bucket?region=us-east-1"}))
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{URL: "mem://"}.Enabled())
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "a/b/c.json", sanitizeKey("/../a/./b//c.json"))
}
