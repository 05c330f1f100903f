package types

import "time"

// Event actions emitted through the outbox. Downstream audit and
// notification consumers deduplicate on the event ID.
const (
	ActionOrderCreated   = "ORDER_CREATED"
	ActionOrderReserved  = "ORDER_ASSET_RESERVED"
	ActionOrderConfirmed = "ORDER_CONFIRMED"
	ActionOrderMatched   = "ORDER_MATCHED"
	ActionOrderCancelled = "ORDER_CANCELED"
	ActionOrderRejected  = "ORDER_REJECTED"
	ActionOrderFailed    = "ORDER_FAILED"

	ActionAssetDeposited = "ASSET_DEPOSITED"
	ActionAssetWithdrawn = "ASSET_WITHDRAWN"
	ActionAssetReserved  = "ASSET_RESERVED"
	ActionAssetReleased  = "ASSET_RELEASED"
	ActionAssetSettled   = "SETTLEMENT_COMPLETED"
)

// Entity types referenced by domain events.
const (
	EntityOrder = "Order"
	EntityAsset = "CustomerAsset"
	EntityTrade = "Trade"
)

// EventPayload is the wire schema of a domain event. Previous and new
// state are full snapshots of the entity around the transition.
type EventPayload struct {
	EventID       string                 `json:"eventId"`
	EntityType    string                 `json:"entityType"`
	EntityID      string                 `json:"entityId"`
	Action        string                 `json:"action"`
	CustomerID    string                 `json:"customerId"`
	PreviousState map[string]interface{} `json:"previousState,omitempty"`
	NewState      map[string]interface{} `json:"newState,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}
