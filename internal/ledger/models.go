package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CustomerAsset is one customer's balance in a single instrument (or
// the TRY cash asset). The invariant size == usableSize + blockedSize
// holds at all times; every mutation goes through the Service, never
// direct field writes.
type CustomerAsset struct {
	gorm.Model  `json:"-"`
	CustomerID  string          `gorm:"index:idx_customer_asset,unique" json:"customer_id"`
	AssetName   string          `gorm:"index:idx_customer_asset,unique" json:"asset_name"`
	Size        decimal.Decimal `gorm:"type:decimal(19,4)" json:"size"`
	UsableSize  decimal.Decimal `gorm:"type:decimal(19,4)" json:"usable_size"`
	BlockedSize decimal.Decimal `gorm:"type:decimal(19,4)" json:"blocked_size"`
	Version     int64           `json:"-"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// HasUsable reports whether amount can be withdrawn or reserved.
func (a *CustomerAsset) HasUsable(amount decimal.Decimal) bool {
	return a.UsableSize.GreaterThanOrEqual(amount)
}

// HasBlocked reports whether amount can be released or consumed.
func (a *CustomerAsset) HasBlocked(amount decimal.Decimal) bool {
	return a.BlockedSize.GreaterThanOrEqual(amount)
}

// Snapshot captures the balance for a domain event state snapshot.
func (a *CustomerAsset) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"customerId":  a.CustomerID,
		"assetName":   a.AssetName,
		"size":        a.Size.String(),
		"usableSize":  a.UsableSize.String(),
		"blockedSize": a.BlockedSize.String(),
	}
}

// Stats summarizes ledger holdings for the admin dashboard.
type Stats struct {
	TotalCashBalance    decimal.Decimal `json:"total_cash_balance"`
	CustomersWithAssets int64           `json:"customers_with_assets"`
	UniqueAssetTypes    int64           `json:"unique_asset_types"`
	LargestPosition     decimal.Decimal `json:"largest_position"`
}
