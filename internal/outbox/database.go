package outbox

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

// AppendTx records an event inside an existing transaction so the event
// and the state change it describes commit or roll back together.
func AppendTx(tx *gorm.DB, event *Event) error {
	return tx.Create(event).Error
}

// GetUnpublished returns the oldest pending events still within the
// retry budget.
func (d *Database) GetUnpublished(batchSize, maxRetries int) ([]Event, error) {
	var events []Event
	err := d.db.Where("processed = ? AND retry_count < ?", false, maxRetries).
		Order("id ASC").
		Limit(batchSize).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (d *Database) MarkPublished(event *Event) error {
	now := time.Now()
	return d.db.Model(event).Updates(map[string]interface{}{
		"processed":    true,
		"published_at": &now,
	}).Error
}

func (d *Database) MarkFailed(event *Event, publishErr error) error {
	return d.db.Model(event).Updates(map[string]interface{}{
		"retry_count": gorm.Expr("retry_count + 1"),
		"last_error":  publishErr.Error(),
	}).Error
}

func (d *Database) CountPending() (int64, error) {
	var count int64
	err := d.db.Model(&Event{}).Where("processed = ?", false).Count(&count).Error
	return count, err
}

func (d *Database) GetEventsForAggregate(aggregateID string) ([]Event, error) {
	var events []Event
	if err := d.db.Where("aggregate_id = ?", aggregateID).Order("id ASC").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// AlreadyProcessed reports whether a consumer has handled eventID.
func (d *Database) AlreadyProcessed(eventID string) (bool, error) {
	var record ProcessedEvent
	err := d.db.Where("event_id = ?", eventID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MarkProcessed records eventID as handled. Safe to call from the same
// transaction as the consumer's own state change.
func (d *Database) MarkProcessed(eventID, action string) error {
	return d.db.Create(&ProcessedEvent{
		EventID:   eventID,
		Action:    action,
		HandledAt: time.Now(),
	}).Error
}
