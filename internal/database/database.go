package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/brokage/brokage-api/internal/database/migrations"
	"github.com/brokage/brokage-api/internal/ledger"
	"github.com/brokage/brokage-api/internal/matching"
	"github.com/brokage/brokage-api/internal/orders"
	"github.com/brokage/brokage-api/internal/outbox"
	"github.com/brokage/brokage-api/internal/saga"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	if path == "" {
		path = "brokage.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&ledger.CustomerAsset{},
		&orders.Order{},
		&orders.IdempotencyRecord{},
		&matching.QueueEntry{},
		&matching.Trade{},
		&outbox.Event{},
		&outbox.ProcessedEvent{},
		&saga.Instance{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddQueryIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
