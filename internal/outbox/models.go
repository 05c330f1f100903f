package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/brokage/brokage-api/internal/types"
)

// Topics events are relayed to. Order and trade transitions share a
// topic so consumers observe them in partition order per customer.
const (
	TopicOrderEvents = "order-events"
	TopicAssetEvents = "asset-events"
)

// Event is a durably recorded domain event. It is inserted in the same
// transaction as the state change it describes and relayed
// asynchronously until published, giving at-least-once delivery.
type Event struct {
	gorm.Model    `json:"-"`
	EventID       string     `gorm:"uniqueIndex" json:"event_id"`
	AggregateType string     `json:"aggregate_type"`
	AggregateID   string     `gorm:"index" json:"aggregate_id"`
	Action        string     `json:"action"`
	CustomerID    string     `json:"customer_id"`
	Topic         string     `json:"topic"`
	PartitionKey  string     `json:"partition_key"`
	Payload       string     `json:"payload"`
	Processed     bool       `gorm:"index" json:"processed"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	RetryCount    int        `json:"retry_count"`
	LastError     string     `json:"last_error,omitempty"`
}

func (Event) TableName() string {
	return "outbox_events"
}

// ProcessedEvent records an event ID a consumer has already handled.
// Consumers must check it before acting so redelivered events are no-ops.
type ProcessedEvent struct {
	gorm.Model
	EventID   string `gorm:"uniqueIndex"`
	Action    string
	HandledAt time.Time
}

// NewEvent builds an outbox event for a state transition. Previous and
// new state are entity snapshots taken around the transition.
func NewEvent(entityType, entityID, action, customerID string, previous, next map[string]interface{}) (*Event, error) {
	eventID := uuid.New().String()

	payload := types.EventPayload{
		EventID:       eventID,
		EntityType:    entityType,
		EntityID:      entityID,
		Action:        action,
		CustomerID:    customerID,
		PreviousState: previous,
		NewState:      next,
		Timestamp:     time.Now(),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	topic := TopicAssetEvents
	if entityType == types.EntityOrder || entityType == types.EntityTrade {
		topic = TopicOrderEvents
	}

	return &Event{
		EventID:       eventID,
		AggregateType: entityType,
		AggregateID:   entityID,
		Action:        action,
		CustomerID:    customerID,
		Topic:         topic,
		PartitionKey:  customerID,
		Payload:       string(raw),
	}, nil
}
