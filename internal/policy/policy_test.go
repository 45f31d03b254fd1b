package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	dom "github.com/cuihairu/countersign/internal/ports"
	memstore "github.com/cuihairu/countersign/internal/server/approvals"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesYAML = `
templates:
  - id: two-person
    name: Two person rule
    steps:
      - {order: 0, required_role: admin, label: Admin}
      - {order: 0, required_role: security, label: Security}
rules:
  - action_intent: repo.push
    workspace_id: ws-1
    template: two-person
  - action_intent: tenant.configure
    template: stored
  - action_intent: "*"
    action_mode: emergency
    template: default
`

func TestGetChainTemplateMatchesFirstRule(t *testing.T) {
	ctx := context.Background()
	rs, err := Parse([]byte(rulesYAML))
	require.NoError(t, err)

	store := memstore.NewMemChains()
	require.NoError(t, store.Templates().Create(ctx, &dom.ChainTemplate{ID: "stored", Name: "Stored",
		Steps: []dom.TemplateStep{{Order: 0, RequiredRole: "owner", Label: "Owner"}}}))
	p := NewProvider(rs, WithTemplates(store.Templates()))

	tpl, err := p.GetChainTemplate(ctx, dom.TemplateQuery{ActionIntent: "repo.push", WorkspaceID: "ws-1"})
	require.NoError(t, err)
	require.NotNil(t, tpl)
	assert.Equal(t, "two-person", tpl.ID)
	assert.Len(t, tpl.Steps, 2)

	tpl, err = p.GetChainTemplate(ctx, dom.TemplateQuery{ActionIntent: "tenant.configure"})
	require.NoError(t, err)
	assert.Equal(t, "stored", tpl.ID)

	tpl, err = p.GetChainTemplate(ctx, dom.TemplateQuery{ActionIntent: "doc.create", ActionMode: "emergency"})
	require.NoError(t, err)
	assert.True(t, tpl.IsDefault)

	tpl, err = p.GetChainTemplate(ctx, dom.TemplateQuery{ActionIntent: "repo.push", WorkspaceID: "ws-2"})
	require.NoError(t, err)
	assert.Nil(t, tpl)
}

func TestGetChainTemplateUnknownTarget(t *testing.T) {
	rs, err := Parse([]byte("rules:\n  - template: ghost\n"))
	require.NoError(t, err)
	_, err = NewProvider(rs).GetChainTemplate(context.Background(), dom.TemplateQuery{})
	assert.ErrorIs(t, err, dom.ErrNotFound)
}

func TestParseRejectsBadDocuments(t *testing.T) {
	bad := map[string]string{
		"missing template": "rules:\n  - action_intent: x\n",
		"reserved id":      "templates:\n  - id: default\n    name: x\n    steps: [{order: 0, required_role: a, label: b}]\n",
		"no steps":         "templates:\n  - id: t\n    name: x\n",
		"duplicate":        "templates:\n  - {id: t, name: x, steps: [{order: 0, required_role: a, label: b}]}\n  - {id: t, name: y, steps: [{order: 0, required_role: a, label: b}]}\n",
	}
	for name, doc := range bad {
		_, err := Parse([]byte(doc))
		assert.ErrorIs(t, err, dom.ErrValidation, name)
	}
	_, err := Parse([]byte("rules: ["))
	assert.Error(t, err)
}

type recordSink struct {
	mu     sync.Mutex
	events []dom.AuditEvent
	err    error
}

func (r *recordSink) Write(ev dom.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordSink) Publish(_ context.Context, ev dom.AuditEvent) error { return r.Write(ev) }

func TestWriteAuditEventFansOut(t *testing.T) {
	audit := &recordSink{}
	bus := &recordSink{err: errors.New("broker down")}
	p := NewProvider(nil, WithAudit(audit), WithEvents(bus))

	ev := dom.AuditEvent{Kind: dom.AuditApprovalCreated, Actor: "op", ApprovalID: "a1"}
	require.NoError(t, p.WriteAuditEvent(context.Background(), ev))
	assert.Len(t, audit.events, 1)
	assert.Len(t, bus.events, 1)

	audit.err = errors.New("disk full")
	assert.Error(t, p.WriteAuditEvent(context.Background(), ev))
}

func TestWatchReloadsRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - action_intent: a\n    template: default\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewProvider(nil, WithDebounce(10*time.Millisecond))
	w, err := p.Watch(ctx, path)
	require.NoError(t, err)
	defer p.Close()
	assert.Len(t, p.Rules().Rules, 1)

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - action_intent: a\n    template: default\n  - action_intent: b\n    template: default\n"), 0o644))
	require.Eventually(t, func() bool { return len(p.Rules().Rules) == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("rules: ["), 0o644))
	deadline := time.After(5 * time.Second)
	for failed := false; !failed; {
		select {
		case err := <-w.reloaded:
			failed = err != nil
		case <-deadline:
			t.Fatal("bad file was never reloaded")
		}
	}
	assert.Len(t, p.Rules().Rules, 2, "bad file keeps previous rules")
}
