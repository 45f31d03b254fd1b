// Package dispatch executes approved plans against pluggable connectors.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	dom "github.com/cuihairu/countersign/internal/ports"
)

// ExecutionContext identifies the approval a plan runs for.
type ExecutionContext struct {
	ApprovalID string
	RequestID  string
	OperatorID string
	DryRun     bool
}

// Dispatcher executes plan steps for one connector. Validate must not have
// side effects; Execute performs the external call and is responsible for its
// own per-call timeout.
type Dispatcher interface {
	Connector() string
	Validate(payload json.RawMessage) error
	Execute(ctx context.Context, payload json.RawMessage, ec ExecutionContext) (json.RawMessage, error)
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", dom.ErrDispatchTransient, err)
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", dom.ErrDispatchPermanent, err)
}

// IsTransient reports whether err is worth retrying: explicitly marked
// transient, or a timeout reported by the transport.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, dom.ErrDispatchPermanent) {
		return false
	}
	if errors.Is(err, dom.ErrDispatchTransient) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
