// Package kafka provides a Kafka implementation of the outbox Producer
// interface on top of the sarama client.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/quillmq/outbox"
)

// RecordIDHeader is the broker message header carrying the outbox record ID.
// Consumers use it to deduplicate under at-least-once delivery.
const RecordIDHeader = "outbox_id"

// Producer publishes outbox records to Kafka. Produce returns nil only after
// every in-sync replica has acknowledged the message, so a nil return is safe
// to treat as durable receipt.
type Producer struct {
	producer sarama.SyncProducer
}

// NewProducer creates a Producer connected to the given brokers.
//
// The underlying client is configured for the delivery guarantees the outbox
// pattern needs: acks from all in-sync replicas, idempotent production, and a
// single in-flight request per broker so same-key ordering survives retries.
func NewProducer(brokers []string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Idempotent = true
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}

	return &Producer{producer: producer}, nil
}

// NewProducerFromClient creates a Producer from an existing sarama
// SyncProducer. The caller is responsible for configuring acknowledgment and
// ordering guarantees appropriately.
func NewProducerFromClient(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// Produce maps the record onto a Kafka message and sends it synchronously.
// Topic, partition key, headers and payload are passed through verbatim; the
// record ID is appended as an extra header for consumer-side deduplication.
func (p *Producer) Produce(ctx context.Context, rec *outbox.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	headers := make([]sarama.RecordHeader, 0, len(rec.Headers)+1)
	for _, h := range rec.Headers {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte(h.Key),
			Value: []byte(h.Value),
		})
	}
	headers = append(headers, sarama.RecordHeader{
		Key:   []byte(RecordIDHeader),
		Value: []byte(rec.ID.String()),
	})

	msg := &sarama.ProducerMessage{
		Topic:   rec.Topic,
		Value:   sarama.ByteEncoder(rec.Payload),
		Headers: headers,
	}
	if rec.PartitionKey != "" {
		msg.Key = sarama.StringEncoder(rec.PartitionKey)
	}

	_, _, err := p.producer.SendMessage(msg)
	if err != nil {
		if isRejection(err) {
			return outbox.Reject(err)
		}
		return err
	}

	return nil
}

// Close shuts down the underlying producer, flushing any buffered messages.
func (p *Producer) Close() error {
	return p.producer.Close()
}

// isRejection classifies produce errors the broker will never accept on retry.
// Everything else (broker unreachable, timeouts, leader elections) is left
// retryable for the relay's backoff.
func isRejection(err error) bool {
	var kerr sarama.KError
	if errors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrMessageSizeTooLarge, sarama.ErrInvalidMessage, sarama.ErrInvalidMessageSize, sarama.ErrInvalidTopic:
			return true
		}
	}

	return false
}
