package kafkarepo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"wallet-ledger/internal/models"
)

type EventRepository struct {
	writer *kafka.Writer
}

func NewEventRepository(writer *kafka.Writer) *EventRepository {
	return &EventRepository{
		writer: writer,
	}
}

// PublishTransaction sends a completed transaction to Kafka
func (r *EventRepository) PublishTransaction(ctx context.Context, event models.TransactionEvent) error {
	msgBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal kafka message: %w", err)
	}

	// Key by the destination wallet (source for pure debits) to guarantee
	// per-wallet ordering of the event stream
	key := event.ToWalletID
	if key == nil {
		key = event.FromWalletID
	}
	var keyBytes []byte
	if key != nil {
		keyBytes = []byte(*key)
	}

	err = r.writer.WriteMessages(ctx, kafka.Message{
		Key:   keyBytes,
		Value: msgBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	return nil
}
