package dispatch

import (
	"context"
	"log/slog"
)

// LogConnector is the built-in connector that records a message in the
// process log. It is useful for smoke tests and for plans whose only
// effect is an audit trail entry.
const LogConnector = "log"

type logPayload struct {
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
}

const logSchema = `{
  "type": "object",
  "required": ["message"],
  "additionalProperties": false,
  "properties": {
    "level":   {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "message": {"type": "string", "minLength": 1},
    "fields":  {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

// NewLogDispatcher returns the log connector writing to l.
func NewLogDispatcher(l *slog.Logger) Dispatcher {
	if l == nil {
		l = slog.Default()
	}
	d, err := NewTyped[logPayload](LogConnector, []byte(logSchema), func(ctx context.Context, p logPayload, ec ExecutionContext) (any, error) {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(p.Level)); err != nil || p.Level == "" {
			lvl = slog.LevelInfo
		}
		attrs := []any{"approval_id", ec.ApprovalID, "request_id", ec.RequestID}
		for k, v := range p.Fields {
			attrs = append(attrs, k, v)
		}
		l.Log(ctx, lvl, p.Message, attrs...)
		return map[string]string{"logged": p.Message}, nil
	})
	if err != nil {
		panic(err)
	}
	return d
}

// RegisterBuiltins adds the connectors every deployment ships with.
func RegisterBuiltins(reg *Registry, l *slog.Logger) error {
	return reg.Register(NewLogDispatcher(l), nil)
}
