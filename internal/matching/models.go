package matching

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/brokage/brokage-api/internal/types"
)

// Queue entry statuses.
const (
	QueueActive    = "ACTIVE"
	QueueFilled    = "FILLED"
	QueueCancelled = "CANCELLED"
)

// QueueEntry is a confirmed order waiting to be matched. Entries are
// ranked by price then queue time when selecting a counter-order.
type QueueEntry struct {
	gorm.Model    `json:"-"`
	OrderID       string          `gorm:"uniqueIndex" json:"order_id"`
	CustomerID    string          `json:"customer_id"`
	AssetName     string          `gorm:"index:idx_queue_asset_side" json:"asset_name"`
	OrderSide     types.OrderSide `gorm:"index:idx_queue_asset_side" json:"order_side"`
	Price         decimal.Decimal `gorm:"type:decimal(19,4)" json:"price"`
	RemainingSize decimal.Decimal `gorm:"type:decimal(19,4)" json:"remaining_size"`
	Status        string          `gorm:"index" json:"status"`
	QueuedAt      time.Time       `json:"queued_at"`
	RemovedAt     *time.Time      `json:"removed_at,omitempty"`
	RemoveReason  string          `json:"remove_reason,omitempty"`
}

// Trade records an executed match between two orders. The trade price
// is the resting (maker) order's price.
type Trade struct {
	gorm.Model       `json:"-"`
	TradeID          string          `gorm:"uniqueIndex" json:"trade_id"`
	BuyOrderID       string          `gorm:"index" json:"buy_order_id"`
	SellOrderID      string          `gorm:"index" json:"sell_order_id"`
	BuyerCustomerID  string          `json:"buyer_customer_id"`
	SellerCustomerID string          `json:"seller_customer_id"`
	AssetName        string          `gorm:"index" json:"asset_name"`
	Quantity         decimal.Decimal `gorm:"type:decimal(19,4)" json:"quantity"`
	Price            decimal.Decimal `gorm:"type:decimal(19,4)" json:"price"`
	TotalValue       decimal.Decimal `gorm:"type:decimal(19,4)" json:"total_value"`
	ExecutedAt       time.Time       `json:"executed_at"`
}

// Snapshot captures the trade for a domain event state snapshot.
func (t *Trade) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"tradeId":          t.TradeID,
		"buyOrderId":       t.BuyOrderID,
		"sellOrderId":      t.SellOrderID,
		"buyerCustomerId":  t.BuyerCustomerID,
		"sellerCustomerId": t.SellerCustomerID,
		"assetName":        t.AssetName,
		"quantity":         t.Quantity.String(),
		"price":            t.Price.String(),
		"totalValue":       t.TotalValue.String(),
	}
}
