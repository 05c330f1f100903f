package saga

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Create(instance *Instance) error {
	return d.db.Create(instance).Error
}

func (d *Database) GetByCorrelationID(correlationID string) (*Instance, error) {
	var instance Instance
	err := d.db.Where("correlation_id = ?", correlationID).First(&instance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &instance, nil
}

func (d *Database) Update(instance *Instance) error {
	return d.db.Save(instance).Error
}

func (d *Database) GetTimedOut(cutoff time.Time) ([]Instance, error) {
	var instances []Instance
	err := d.db.Where("status IN ? AND expires_at < ?",
		[]string{StatusStarted, StatusInProgress}, cutoff).
		Find(&instances).Error
	if err != nil {
		return nil, err
	}
	return instances, nil
}

func (d *Database) CountByStatus(status string) (int64, error) {
	var count int64
	err := d.db.Model(&Instance{}).Where("status = ?", status).Count(&count).Error
	return count, err
}
