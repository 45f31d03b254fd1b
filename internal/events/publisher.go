// Package events publishes approval lifecycle events to a message bus.
// Implementations can be backed by Kafka, Redis Streams, or a no-op for dev.
package events

import (
	"context"
	"encoding/json"
	"time"

	dom "github.com/cuihairu/countersign/internal/ports"
)

// Publisher sends one lifecycle event. Implementations are safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev dom.AuditEvent) error
	Close() error
}

// publishTimeout bounds a single publish when the caller's context has no deadline.
const publishTimeout = 2 * time.Second

type envelope struct {
	Kind       string            `json:"kind"`
	Actor      string            `json:"actor"`
	ApprovalID string            `json:"approval_id"`
	Time       time.Time         `json:"time"`
	Meta       map[string]string `json:"meta,omitempty"`
}

func encode(ev dom.AuditEvent) ([]byte, error) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	return json.Marshal(envelope{Kind: ev.Kind, Actor: ev.Actor, ApprovalID: ev.ApprovalID, Time: ev.Time, Meta: ev.Meta})
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, publishTimeout)
}

type Noop struct{}

func NewNoop() *Noop                                        { return &Noop{} }
func (*Noop) Publish(context.Context, dom.AuditEvent) error { return nil }
func (*Noop) Close() error                                  { return nil }
