package matching

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/brokage/brokage-api/internal/outbox"
	"github.com/brokage/brokage-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateEntry(entry *QueueEntry) error {
	return d.db.Create(entry).Error
}

func (d *Database) GetEntry(orderID string) (*QueueEntry, error) {
	var entry QueueEntry
	err := d.db.Where("order_id = ?", orderID).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (d *Database) UpdateEntry(entry *QueueEntry) error {
	return d.db.Save(entry).Error
}

// BestCounterEntry selects the active counter-order with price-time
// priority: best price first, earliest queued first among equal prices.
// For a BUY taker the best counter is the cheapest compatible SELL; for
// a SELL taker, the highest-paying compatible BUY.
func (d *Database) BestCounterEntry(assetName string, takerSide types.OrderSide, takerPrice decimal.Decimal, excludeCustomerID string) (*QueueEntry, error) {
	query := d.db.Where("asset_name = ? AND order_side = ? AND status = ? AND customer_id <> ?",
		assetName, takerSide.Opposite(), QueueActive, excludeCustomerID)

	if takerSide == types.SideBuy {
		query = query.Where("price <= ?", takerPrice).Order("price ASC, queued_at ASC")
	} else {
		query = query.Where("price >= ?", takerPrice).Order("price DESC, queued_at ASC")
	}

	var entry QueueEntry
	if err := query.First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (d *Database) CountActive() (int64, error) {
	var count int64
	err := d.db.Model(&QueueEntry{}).Where("status = ?", QueueActive).Count(&count).Error
	return count, err
}

// CreateTradeWithEntries records the trade, removes both filled queue
// entries, and appends the trade event in one transaction.
func (d *Database) CreateTradeWithEntries(trade *Trade, taker, maker *QueueEntry, event *outbox.Event) error {
	now := time.Now()
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(trade).Error; err != nil {
			return err
		}

		for _, entry := range []*QueueEntry{taker, maker} {
			entry.Status = QueueFilled
			entry.RemainingSize = decimal.Zero
			entry.RemovedAt = &now
			if err := tx.Save(entry).Error; err != nil {
				return err
			}
		}

		if event != nil {
			if err := outbox.AppendTx(tx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Database) GetTrade(tradeID string) (*Trade, error) {
	var trade Trade
	err := d.db.Where("trade_id = ?", tradeID).First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

func (d *Database) ListTradesByAsset(assetName string, limit int) ([]Trade, error) {
	var trades []Trade
	err := d.db.Where("asset_name = ?", assetName).
		Order("executed_at DESC").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}

func (d *Database) ListTradesForOrder(orderID string) ([]Trade, error) {
	var trades []Trade
	err := d.db.Where("buy_order_id = ? OR sell_order_id = ?", orderID, orderID).
		Order("executed_at ASC").
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}
