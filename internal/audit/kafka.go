package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"prodflow-access/internal/client"
	"prodflow-access/internal/models"
)

// KafkaSink publishes audit entries to the security-events topic for
// downstream consumers.
type KafkaSink struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaSink(producer *client.KafkaProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Append(ctx context.Context, e *models.AuditEntry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	// Key by actor so one user's events stay ordered within a partition
	return s.producer.ProduceMessage(ctx, s.topic, []byte(e.UserID), value, map[string]string{
		"event_type": e.Action,
	})
}
