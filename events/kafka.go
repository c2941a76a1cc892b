// Package events publishes applied cost batches to Kafka for downstream
// consumers such as margin reporting.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"quote-cpq/decision/costmatch"
)

const DefaultTopic = "quote-cost-applied"

// Writer is the part of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer for a comma separated broker list.
func NewKafkaWriter(brokers, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

// Publisher is a costmatch.AuditSink that emits one message per applied batch.
type Publisher struct {
	writer Writer
	logger zerolog.Logger
}

var _ costmatch.AuditSink = (*Publisher)(nil)

func NewPublisher(w Writer, logger zerolog.Logger) *Publisher {
	return &Publisher{writer: w, logger: logger}
}

// CostApplied is the message body.
type CostApplied struct {
	Type string `json:"type"`
	costmatch.ApplyAudit
}

// RecordApply publishes the batch. Messages are keyed by quote so one quote's
// batches stay ordered on a partition.
func (p *Publisher) RecordApply(ctx context.Context, audit costmatch.ApplyAudit) error {
	body, err := json.Marshal(CostApplied{Type: "cost_suggestions.applied", ApplyAudit: audit})
	if err != nil {
		return fmt.Errorf("failed to encode apply event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(MessageKey(audit)),
		Value: body,
		Headers: []kafka.Header{
			{Key: "batch-id", Value: []byte(audit.BatchID.String())},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish apply event: %w", err)
	}
	p.logger.Debug().Str("batch_id", audit.BatchID.String()).Msg("apply event published")
	return nil
}

func MessageKey(audit costmatch.ApplyAudit) string {
	return fmt.Sprintf("quote-%s-%s", audit.QuoteID, audit.VersionID)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
