package ledger

import (
	"errors"

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

func (d *Database) GetAsset(customerID, assetName string) (*CustomerAsset, error) {
	var asset CustomerAsset
	err := d.db.Where("customer_id = ? AND asset_name = ?", customerID, assetName).First(&asset).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &asset, nil
}

func (d *Database) ListByCustomer(customerID string, page, pageSize int) ([]CustomerAsset, error) {
	var assets []CustomerAsset
	err := d.db.Where("customer_id = ?", customerID).
		Order("asset_name ASC").
		Offset(page * pageSize).
		Limit(pageSize).
		Find(&assets).Error
	if err != nil {
		return nil, err
	}
	return assets, nil
}

func (d *Database) AllCashBalances() ([]CustomerAsset, error) {
	var assets []CustomerAsset
	err := d.db.Where("asset_name = ?", types.CashAsset).
		Order("customer_id ASC").
		Find(&assets).Error
	if err != nil {
		return nil, err
	}
	return assets, nil
}

func (d *Database) GetStats() (*Stats, error) {
	stats := &Stats{
		TotalCashBalance: decimal.Zero,
		LargestPosition:  decimal.Zero,
	}

	var assets []CustomerAsset
	if err := d.db.Find(&assets).Error; err != nil {
		return nil, err
	}

	customers := make(map[string]struct{})
	names := make(map[string]struct{})
	for _, a := range assets {
		customers[a.CustomerID] = struct{}{}
		names[a.AssetName] = struct{}{}
		if a.AssetName == types.CashAsset {
			stats.TotalCashBalance = stats.TotalCashBalance.Add(a.Size)
		}
		if a.Size.GreaterThan(stats.LargestPosition) {
			stats.LargestPosition = a.Size
		}
	}
	stats.CustomersWithAssets = int64(len(customers))
	stats.UniqueAssetTypes = int64(len(names))

	return stats, nil
}

// ApplyVersioned commits a single-row balance change together with its
// outbox event. For existing rows the update is guarded by the version
// column; a concurrent writer makes it report applied=false so the
// caller re-reads and retries.
func (d *Database) ApplyVersioned(asset *CustomerAsset, event *outbox.Event) (applied bool, err error) {
	err = d.db.Transaction(func(tx *gorm.DB) error {
		if asset.ID == 0 {
			asset.Version = 1
			if createErr := tx.Create(asset).Error; createErr != nil {
				return createErr
			}
		} else {
			result := tx.Model(&CustomerAsset{}).
				Where("id = ? AND version = ?", asset.ID, asset.Version).
				Updates(map[string]interface{}{
					"size":         asset.Size,
					"usable_size":  asset.UsableSize,
					"blocked_size": asset.BlockedSize,
					"version":      asset.Version + 1,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return errStaleVersion
			}
			asset.Version++
		}

		if event != nil {
			if appendErr := outbox.AppendTx(tx, event); appendErr != nil {
				return appendErr
			}
		}
		return nil
	})

	if errors.Is(err, errStaleVersion) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var errStaleVersion = errors.New("stale version")

// settleLeg is one row mutation inside a settlement transaction.
type settleLeg struct {
	asset  *CustomerAsset
	create bool
}

// ApplySettlement commits every leg of a two-party settlement in a
// single transaction. All version guards must pass or the whole
// settlement rolls back; applied=false means a concurrent writer won
// and the caller should rebuild the legs from fresh reads.
func (d *Database) ApplySettlement(legs []settleLeg, events []*outbox.Event) (applied bool, err error) {
	err = d.db.Transaction(func(tx *gorm.DB) error {
		for _, leg := range legs {
			if leg.create {
				leg.asset.Version = 1
				if createErr := tx.Create(leg.asset).Error; createErr != nil {
					return createErr
				}
				continue
			}
			result := tx.Model(&CustomerAsset{}).
				Where("id = ? AND version = ?", leg.asset.ID, leg.asset.Version).
				Updates(map[string]interface{}{
					"size":         leg.asset.Size,
					"usable_size":  leg.asset.UsableSize,
					"blocked_size": leg.asset.BlockedSize,
					"version":      leg.asset.Version + 1,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return errStaleVersion
			}
		}

		for _, event := range events {
			if appendErr := outbox.AppendTx(tx, event); appendErr != nil {
				return appendErr
			}
		}
		return nil
	})

	if errors.Is(err, errStaleVersion) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
