package migrations

import (
	"gorm.io/gorm"
)

// AddQueryIndexes creates the indexes behind the hot query paths.
func AddQueryIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Customer order listings filter by customer and time window
		`CREATE INDEX IF NOT EXISTS idx_orders_customer_created
		 ON orders(customer_id, created_at)`,

		// Counter-order selection scans active entries per asset and side
		`CREATE INDEX IF NOT EXISTS idx_queue_selection
		 ON queue_entries(asset_name, order_side, status, price, queued_at)`,

		// The outbox relay polls unpublished events in insertion order
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
		 ON outbox_events(processed, retry_count, created_at)`,

		// Trade history is read per asset, newest first
		`CREATE INDEX IF NOT EXISTS idx_trades_asset_executed
		 ON trades(asset_name, executed_at)`,

		// The reconciliation sweep scans open sagas by deadline
		`CREATE INDEX IF NOT EXISTS idx_sagas_status_expires
		 ON saga_instances(status, expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
