package domain

import (
	"time"

	"github.com/google/uuid"
)

const EventPaymentSucceeded = "payment.succeeded"

type OutboxEvent struct {
	ID          int64
	EventID     uuid.UUID
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
	ProcessedAt *time.Time
}
