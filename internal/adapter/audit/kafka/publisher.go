// Package kafka adapts a Kafka/Redpanda producer to the domain.AuditPublisher
// port (component G): a best-effort, fire-and-forget sink for admission
// decisions. Publish never blocks the admission path and never returns an
// error; failures are logged and counted, not propagated.
package kafka

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/sessionadmit/internal/domain"
	"github.com/fairyhunter13/sessionadmit/internal/observability"
)

// Publisher wraps an async Kafka producer and implements domain.AuditPublisher.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher constructs a Publisher against topic on the given brokers.
// Unlike component A's transactional job producer in the teacher repo, audit
// events are idempotent-enough to tolerate at-least-once delivery, so no
// transactional ID or EOS bookkeeping is configured here.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.RequestRetries(5),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{client: client, topic: topic}, nil
}

type wireEvent struct {
	SessionHash string `json:"session_hash"`
	SessionID   string `json:"session_id"`
	APIKeyID    string `json:"api_key_id"`
	AccountID   string `json:"account_id"`
	Outcome     string `json:"outcome"`
	Code        string `json:"code,omitempty"`
	Transition  string `json:"transition,omitempty"`
	OccurredAt  int64  `json:"occurred_at_unix_ms"`
}

// Publish serializes ev and produces it asynchronously. Marshal or produce
// errors are logged and counted via observability.RecordAuditPublishFailure;
// the caller's admission decision is never affected.
func (p *Publisher) Publish(ctx domain.Context, ev domain.AdmissionEvent) {
	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	b, err := json.Marshal(wireEvent{
		SessionHash: ev.SessionHash,
		SessionID:   ev.SessionID,
		APIKeyID:    ev.APIKeyID,
		AccountID:   ev.AccountID,
		Outcome:     ev.Outcome,
		Code:        string(ev.Code),
		Transition:  string(ev.Transition),
		OccurredAt:  occurredAt.UnixMilli(),
	})
	if err != nil {
		slog.Warn("audit event marshal failed", slog.Any("error", err))
		observability.RecordAuditPublishFailure("marshal")
		return
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.SessionHash),
		Value: b,
	}

	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("audit event publish failed",
				slog.String("session_hash", ev.SessionHash),
				slog.Any("error", err))
			observability.RecordAuditPublishFailure("produce")
		}
	})
}

// Close flushes any buffered records and releases the client.
func (p *Publisher) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

var _ domain.AuditPublisher = (*Publisher)(nil)
