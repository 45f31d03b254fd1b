package chain

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	dom "github.com/cuihairu/countersign/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterChainsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "trail.jsonl")

	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(dom.AuditEvent{Kind: dom.AuditApprovalCreated, Actor: "op-1", ApprovalID: "a1"}))
	require.NoError(t, w.Write(dom.AuditEvent{Kind: dom.AuditApprovalDecided, Actor: "admin", ApprovalID: "a1", Meta: map[string]string{"status": "approved"}}))
	require.NoError(t, w.Close())

	w, err = NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Log(time.Now(), dom.AuditDispatchSucceeded, "worker", "a1", nil))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n, err := Verify(f)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestVerifyDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trail.jsonl")
	w, err := NewWriter(path)
	require.NoError(t, err)
	for _, actor := range []string{"alice", "bob", "carol"} {
		require.NoError(t, w.Write(dom.AuditEvent{Kind: dom.AuditChainStepDecided, Actor: actor, ApprovalID: "a1"}))
	}
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(raw, []byte(`"actor":"bob"`), []byte(`"actor":"mallory"`), 1)

	n, err := Verify(bytes.NewReader(tampered))
	assert.ErrorIs(t, err, ErrBroken)
	assert.Equal(t, 1, n)
}
