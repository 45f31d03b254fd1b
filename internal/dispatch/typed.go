package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuihairu/countersign/internal/validation"
)

// TypedHandler executes one decoded payload.
type TypedHandler[T any] func(ctx context.Context, payload T, ec ExecutionContext) (any, error)

type typed[T any] struct {
	connector string
	schema    *validation.Schema
	handle    TypedHandler[T]
}

// NewTyped builds a Dispatcher for connector whose payloads must match
// schema (a JSON Schema document) and decode into T. Payload shape errors
// surface from Validate, before anything is executed.
func NewTyped[T any](connector string, schema []byte, handle TypedHandler[T]) (Dispatcher, error) {
	s, err := validation.Compile(schema)
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w", connector, err)
	}
	return &typed[T]{connector: connector, schema: s, handle: handle}, nil
}

func (t *typed[T]) Connector() string { return t.connector }

func (t *typed[T]) Validate(payload json.RawMessage) error {
	if err := t.schema.Validate(payload); err != nil {
		return fmt.Errorf("connector %s payload: %w", t.connector, err)
	}
	_, err := t.decode(payload)
	return err
}

func (t *typed[T]) decode(payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("connector %s payload: %w", t.connector, err)
	}
	return v, nil
}

func (t *typed[T]) Execute(ctx context.Context, payload json.RawMessage, ec ExecutionContext) (json.RawMessage, error) {
	v, err := t.decode(payload)
	if err != nil {
		return nil, Permanent(err)
	}
	out, err := t.handle(ctx, v, ec)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, Permanent(fmt.Errorf("connector %s output: %w", t.connector, err))
	}
	return b, nil
}
