package broker

import (
	"context"
	"time"

	"iap-coordinator/internal/eventbus"
	"iap-coordinator/internal/models"

	"github.com/google/uuid"
)

// BaseEvent is the envelope header of every message on the outcome topic
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent creates a header with a fresh event id
func NewBaseEvent(kind models.EventKind) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: string(kind),
		Timestamp: time.Now().UTC(),
	}
}

// OutcomeMessage is one coordinator outcome as published to Kafka
type OutcomeMessage struct {
	BaseEvent
	Sku     string      `json:"sku,omitempty"`
	Payload interface{} `json:"payload"`
}

// OutcomePublisher forwards coordinator outcomes to the outcome topic
type OutcomePublisher struct {
	writer EventWriter
}

// NewOutcomePublisher creates a new outcome publisher
func NewOutcomePublisher(writer EventWriter) *OutcomePublisher {
	return &OutcomePublisher{writer: writer}
}

// Publish wraps evt in an envelope and writes it. Messages about one SKU
// share a partition key so consumers see them in order.
func (op *OutcomePublisher) Publish(ctx context.Context, evt eventbus.Event) (*OutcomeMessage, error) {
	msg := &OutcomeMessage{
		BaseEvent: NewBaseEvent(evt.Kind),
		Sku:       outcomeSku(evt.Payload),
		Payload:   evt.Payload,
	}

	key := msg.Sku
	if key == "" {
		key = msg.EventType
	}

	if err := op.writer.PublishEvent(ctx, key, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func outcomeSku(payload interface{}) string {
	switch p := payload.(type) {
	case models.GrantEntitlementEvent:
		return p.Sku
	case models.RevokeEntitlementEvent:
		return p.Sku
	case models.ProductConsumedEvent:
		return p.Sku
	case models.OperationFailedEvent:
		return p.Sku
	}
	return ""
}
