// Package events publishes ledger activity to Kafka for downstream
// consumers (audit archive, notification fan-out). Publishing happens
// after commit and is best-effort: the transaction log in the database
// remains the source of truth.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/altavest/ledgercore/pkg/models"
)

// Publisher emits ledger transaction events.
type Publisher interface {
	PublishTransaction(ctx context.Context, txn *models.Transaction) error
	Close() error
}

// KafkaPublisher writes transaction events to a Kafka topic keyed by
// account id, so per-account ordering is preserved within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

// PublishTransaction emits one transaction event.
func (p *KafkaPublisher) PublishTransaction(ctx context.Context, txn *models.Transaction) error {
	payload, err := json.Marshal(txn)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(txn.AccountID.String()),
		Value: payload,
	})
	if err != nil {
		p.logger.Warn("failed to publish transaction event",
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err))
	}
	return err
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher drops events; used when no brokers are configured and in
// tests.
type NoopPublisher struct{}

func (NoopPublisher) PublishTransaction(ctx context.Context, txn *models.Transaction) error {
	return nil
}

func (NoopPublisher) Close() error { return nil }
