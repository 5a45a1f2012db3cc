// Package publisher fans blocked/security activity entries out to Kafka for
// SIEM-style consumers. Publishing is fire-and-forget: the request path never
// waits on the broker and delivery failures only reach the side channel.
package publisher

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"enroll/pkg/platform/audit"
)

// Kafka publishes entries to a single topic.
type Kafka struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
}

// NewKafka connects to the given brokers. Returns nil when no brokers are
// configured so callers can wire the publisher unconditionally.
func NewKafka(brokers []string, topic string, log *slog.Logger) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchMaxBytes(1<<20),
		kgo.RecordRetries(3),
	)
	if err != nil {
		return nil, err
	}
	return &Kafka{client: client, topic: topic, log: log}, nil
}

// securityEvent is the wire shape consumed downstream. Payloads are already
// sanitized by the time they reach the publisher.
type securityEvent struct {
	Category  string      `json:"category"`
	Action    string      `json:"action"`
	Status    string      `json:"status"`
	Message   string      `json:"message,omitempty"`
	RouteName string      `json:"route_name,omitempty"`
	IPAddress string      `json:"ip_address,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Meta      audit.Value `json:"meta,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// Publish produces the entry asynchronously. Errors are logged and dropped.
func (k *Kafka) Publish(ctx context.Context, entry audit.Entry) {
	payload, err := json.Marshal(securityEvent{
		Category:  entry.Category,
		Action:    entry.Action,
		Status:    string(entry.Status),
		Message:   entry.Message,
		RouteName: entry.RouteName,
		IPAddress: entry.IPAddress,
		RequestID: entry.RequestID,
		Meta:      entry.Meta,
		Timestamp: entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		k.log.ErrorContext(ctx, "marshal security event", "error", err, "action", entry.Action)
		return
	}

	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(entry.RequestID),
		Value: payload,
	}
	k.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			k.log.Error("publish security event", "error", err, "action", entry.Action)
		}
	})
}

// Close flushes outstanding records and releases the client.
func (k *Kafka) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = k.client.Flush(ctx)
	k.client.Close()
}
