package orders

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/brokage/brokage-api/internal/types"
)

// Order is a customer's instruction to trade an asset against TRY.
// Status transitions are serialized per order; terminal statuses never
// change again.
type Order struct {
	gorm.Model      `json:"-"`
	OrderID         string            `gorm:"uniqueIndex" json:"order_id"`
	CustomerID      string            `gorm:"index:idx_orders_customer_status" json:"customer_id"`
	AssetName       string            `gorm:"index" json:"asset_name"`
	OrderSide       types.OrderSide   `json:"order_side"`
	OrderType       types.OrderType   `json:"order_type"`
	Size            decimal.Decimal   `gorm:"type:decimal(19,4)" json:"size"`
	Price           decimal.Decimal   `gorm:"type:decimal(19,4)" json:"price"`
	FilledSize      decimal.Decimal   `gorm:"type:decimal(19,4)" json:"filled_size"`
	AveragePrice    decimal.Decimal   `gorm:"type:decimal(19,4)" json:"average_price"`
	Status          types.OrderStatus `gorm:"index:idx_orders_customer_status" json:"status"`
	RejectionReason string            `json:"rejection_reason,omitempty"`
	MatchedAt       *time.Time        `json:"matched_at,omitempty"`
	CancelledAt     *time.Time        `json:"cancelled_at,omitempty"`
}

// ReservedAsset returns the asset the order locks while open and the
// amount locked: BUY orders lock size*price of cash, SELL orders lock
// size of the instrument.
func (o *Order) ReservedAsset() (string, decimal.Decimal) {
	if o.OrderSide == types.SideBuy {
		return types.CashAsset, o.Size.Mul(o.Price)
	}
	return o.AssetName, o.Size
}

// Snapshot captures the order's state for a domain event.
func (o *Order) Snapshot() map[string]interface{} {
	snap := map[string]interface{}{
		"orderId":    o.OrderID,
		"customerId": o.CustomerID,
		"assetName":  o.AssetName,
		"orderSide":  string(o.OrderSide),
		"orderType":  string(o.OrderType),
		"size":       o.Size.String(),
		"price":      o.Price.String(),
		"status":     string(o.Status),
	}
	if o.RejectionReason != "" {
		snap["rejectionReason"] = o.RejectionReason
	}
	if !o.FilledSize.IsZero() {
		snap["filledSize"] = o.FilledSize.String()
		snap["averagePrice"] = o.AveragePrice.String()
	}
	return snap
}

// IdempotencyRecord maps a client idempotency key to the order it
// produced so retried submissions return the original order.
type IdempotencyRecord struct {
	gorm.Model     `json:"-"`
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Stats summarizes the order book for the admin dashboard.
type Stats struct {
	TotalOrders     int64 `json:"total_orders"`
	OpenOrders      int64 `json:"open_orders"`
	MatchedOrders   int64 `json:"matched_orders"`
	CancelledOrders int64 `json:"cancelled_orders"`
	RejectedOrders  int64 `json:"rejected_orders"`
	FailedOrders    int64 `json:"failed_orders"`
}
