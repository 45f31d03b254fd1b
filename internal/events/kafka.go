package events

import (
	"context"
	"time"

	dom "github.com/cuihairu/countersign/internal/ports"
	kafka "github.com/segmentio/kafka-go"
)

// DefaultKafkaTopic is used when no topic is configured.
const DefaultKafkaTopic = "countersign.approvals"

type kafkaPublisher struct {
	w *kafka.Writer
}

// NewKafka publishes to topic, keyed by approval id so one approval's events
// stay ordered within a partition.
func NewKafka(brokers []string, topic string) Publisher {
	if len(brokers) == 0 {
		return NewNoop()
	}
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	// Writers are safe for concurrent use
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &kafkaPublisher{w: w}
}

func (p *kafkaPublisher) Publish(ctx context.Context, ev dom.AuditEvent) error {
	b, err := encode(ev)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ApprovalID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	})
}

func (p *kafkaPublisher) Close() error { return p.w.Close() }
