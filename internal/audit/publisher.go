// Package audit streams terminal verdicts to Kafka for downstream record
// keeping. The stream is fail-open: an unreachable broker is logged and the
// pipeline keeps going, because the authoritative verdict record lives in the
// verdict store, not here.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// DefaultTopic is where verdict events land.
const DefaultTopic = "hale.verdicts"

// Event is one terminal verdict.
type Event struct {
	TransactionID string    `json:"transaction_id"`
	Subject       string    `json:"subject"`
	EscrowAddress string    `json:"escrow_address"`
	Verdict       string    `json:"verdict"`
	Confidence    int       `json:"confidence"`
	RiskFlags     []string  `json:"risk_flags"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher emits verdict events.
type Publisher interface {
	Publish(ctx context.Context, event Event)
	Close()
}

// Kafka publishes events with franz-go.
type Kafka struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafka connects to the brokers and ensures the topic exists.
func NewKafka(brokers []string, topic string, logger *slog.Logger) (*Kafka, error) {
	if topic == "" {
		topic = DefaultTopic
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	adm := kadm.NewClient(client)
	if _, err := adm.CreateTopic(ctx, 1, 1, nil, topic); err != nil {
		// Already-exists is the common case on restart; anything else should
		// be visible at startup rather than at first publish.
		logger.Warn("audit topic create", "topic", topic, "error", err)
	}

	return &Kafka{client: client, topic: topic, logger: logger}, nil
}

// Publish produces the event asynchronously. Delivery failures are logged.
func (k *Kafka) Publish(ctx context.Context, event Event) {
	raw, err := json.Marshal(event)
	if err != nil {
		k.logger.Error("audit event encode failed", "error", err)
		return
	}
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(event.Subject),
		Value: raw,
	}
	k.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			k.logger.Error("audit event publish failed",
				"transaction_id", event.TransactionID,
				"error", err,
			)
		}
	})
}

// Close flushes pending produces and releases the client.
func (k *Kafka) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = k.client.Flush(ctx)
	k.client.Close()
}

// Nop is used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
func (Nop) Close()                         {}
