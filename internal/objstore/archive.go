package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	dom "github.com/cuihairu/countersign/internal/ports"
)

// ArchivedResult is the document written for each finished dispatch.
type ArchivedResult struct {
	ApprovalID   string              `json:"approval_id"`
	RequestID    string              `json:"request_id"`
	ActionIntent string              `json:"action_intent"`
	PlanHash     string              `json:"plan_hash"`
	Status       dom.ApprovalStatus  `json:"status"`
	Result       *dom.DispatchResult `json:"result"`
	ArchivedAt   time.Time           `json:"archived_at"`
}

// Archive writes dispatch results as JSON under a date-partitioned prefix.
type Archive struct {
	store  Store
	prefix string
}

func NewArchive(store Store, prefix string) *Archive {
	if prefix == "" {
		prefix = "dispatch"
	}
	return &Archive{store: store, prefix: prefix}
}

// Key is the object key for approvalID's result completed at t.
func (a *Archive) Key(approvalID string, t time.Time) string {
	t = t.UTC()
	return path.Join(a.prefix, t.Format("2006/01/02"), approvalID+".json")
}

// Save archives the final state of ap and returns the object key.
func (a *Archive) Save(ctx context.Context, ap *dom.Approval) (string, error) {
	if ap == nil || ap.DispatchResult == nil {
		return "", fmt.Errorf("archive: approval has no dispatch result: %w", dom.ErrValidation)
	}
	doc := ArchivedResult{
		ApprovalID:   ap.ID,
		RequestID:    ap.RequestID,
		ActionIntent: ap.ActionIntent,
		PlanHash:     ap.PlanHash,
		Status:       ap.Status,
		Result:       ap.DispatchResult,
		ArchivedAt:   time.Now().UTC(),
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	done := ap.DispatchResult.CompletedAt
	if done.IsZero() {
		done = doc.ArchivedAt
	}
	key := a.Key(ap.ID, done)
	if err := a.store.Put(ctx, key, bytes.NewReader(b), int64(len(b)), "application/json"); err != nil {
		return "", fmt.Errorf("archive %s: %w", key, err)
	}
	return key, nil
}

// Load reads an archived result back.
func (a *Archive) Load(ctx context.Context, key string) (*ArchivedResult, error) {
	b, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var doc ArchivedResult
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("archive %s: %w", key, err)
	}
	return &doc, nil
}

// URL returns a time-limited download link for key.
func (a *Archive) URL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return a.store.SignedURL(ctx, key, "GET", expiry)
}

func (a *Archive) Close() error { return a.store.Close() }
