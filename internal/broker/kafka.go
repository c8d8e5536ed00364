package broker

import (
	"github.com/segmentio/kafka-go"

	"wallet-ledger/internal/config"
)

func NewKafkaWriter(cfg config.KafkaConfig) (*kafka.Writer, error) {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},    // Use hash balancer to guarantee order per wallet
		RequiredAcks: kafka.RequireOne, // Wait for acknowledgement from leader
		Async:        false,
		MaxAttempts:  10,
	}

	return writer, nil
}
