package events

import (
	"context"
	"fmt"

	dom "github.com/cuihairu/countersign/internal/ports"
	redis "github.com/redis/go-redis/v9"
)

// DefaultRedisStream is used when no stream is configured.
const DefaultRedisStream = "countersign:approvals"

type redisPublisher struct {
	cli          *redis.Client
	stream       string
	maxLen       int64
	maxLenApprox bool
}

// NewRedis publishes to a Redis stream trimmed to roughly maxLen entries.
func NewRedis(url, stream string, maxLen int64) (Publisher, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	if stream == "" {
		stream = DefaultRedisStream
	}
	return &redisPublisher{cli: redis.NewClient(opt), stream: stream, maxLen: maxLen, maxLenApprox: true}, nil
}

func (p *redisPublisher) args(ev dom.AuditEvent) (*redis.XAddArgs, error) {
	b, err := encode(ev)
	if err != nil {
		return nil, err
	}
	// Store as single field 'data' with JSON body for schema flexibility
	args := &redis.XAddArgs{Stream: p.stream, Values: map[string]any{
		"kind":        ev.Kind,
		"approval_id": ev.ApprovalID,
		"data":        string(b),
	}}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = p.maxLenApprox
	}
	return args, nil
}

func (p *redisPublisher) Publish(ctx context.Context, ev dom.AuditEvent) error {
	args, err := p.args(ev)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return p.cli.XAdd(ctx, args).Err()
}

func (p *redisPublisher) Close() error { return p.cli.Close() }
