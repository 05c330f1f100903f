package orders

import (
	"errors"
	"time"

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

func (d *Database) GetOrder(orderID string) (*Order, error) {
	var order Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByOrderIDAndCustomerID(orderID, customerID string) (*Order, error) {
	var order Order
	if err := d.db.Where("order_id = ? AND customer_id = ?", orderID, customerID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// ListFilter narrows order listings. Zero values leave a dimension
// unfiltered.
type ListFilter struct {
	CustomerID string
	Status     types.OrderStatus
	From       time.Time
	To         time.Time
	Page       int
	PageSize   int
}

func (d *Database) ListOrders(filter ListFilter) ([]Order, error) {
	query := d.db.Model(&Order{})

	if filter.CustomerID != "" {
		query = query.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if !filter.From.IsZero() {
		query = query.Where("created_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("created_at <= ?", filter.To)
	}

	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	page := filter.Page
	if page < 0 {
		page = 0
	}

	var orders []Order
	err := query.Order("created_at DESC").
		Offset(page * pageSize).
		Limit(pageSize).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// CreateOrderWithIdempotency persists the new order, its idempotency
// record, and its creation event in one transaction.
func (d *Database) CreateOrderWithIdempotency(order *Order, idempotencyKey string, event *outbox.Event) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}

		record := IdempotencyRecord{
			IdempotencyKey: idempotencyKey,
			ResourceID:     order.OrderID,
			ResourceType:   "order",
			ExpiresAt:      time.Now().Add(24 * time.Hour),
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}

		if event != nil {
			if err := outbox.AppendTx(tx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetIdempotencyRecord returns the record for key, or nil when no
// submission used it yet.
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// UpdateOrderWithEvent saves the order's new state together with its
// transition event so neither is visible without the other.
func (d *Database) UpdateOrderWithEvent(order *Order, event *outbox.Event) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(order).Error; err != nil {
			return err
		}
		if event != nil {
			if err := outbox.AppendTx(tx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateOrdersWithEvents saves several orders and their events in one
// transaction, used when a match finalizes both sides at once.
func (d *Database) UpdateOrdersWithEvents(matched []*Order, events []*outbox.Event) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		for _, order := range matched {
			if err := tx.Save(order).Error; err != nil {
				return err
			}
		}
		for _, event := range events {
			if err := outbox.AppendTx(tx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Database) GetStats() (*Stats, error) {
	stats := &Stats{}

	if err := d.db.Model(&Order{}).Count(&stats.TotalOrders).Error; err != nil {
		return nil, err
	}

	counts := []struct {
		statuses []types.OrderStatus
		target   *int64
	}{
		{[]types.OrderStatus{types.StatusPending, types.StatusAssetReserved, types.StatusConfirmed}, &stats.OpenOrders},
		{[]types.OrderStatus{types.StatusMatched}, &stats.MatchedOrders},
		{[]types.OrderStatus{types.StatusCancelled}, &stats.CancelledOrders},
		{[]types.OrderStatus{types.StatusRejected}, &stats.RejectedOrders},
		{[]types.OrderStatus{types.StatusFailed}, &stats.FailedOrders},
	}
	for _, c := range counts {
		if err := d.db.Model(&Order{}).Where("status IN ?", c.statuses).Count(c.target).Error; err != nil {
			return nil, err
		}
	}

	return stats, nil
}
