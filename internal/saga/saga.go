package saga

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const sagaTimeout = 5 * time.Minute

// Orchestrator tracks saga instances through the order processing
// pipeline. Starting is idempotent per correlation ID so a redelivered
// trigger cannot spawn a second saga.
type Orchestrator struct {
	db *Database
}

func NewOrchestrator(gormDB *gorm.DB) *Orchestrator {
	return &Orchestrator{
		db: NewDatabase(gormDB),
	}
}

// Start creates a saga for correlationID, or returns the existing one.
func (o *Orchestrator) Start(correlationID, sagaType string) (*Instance, error) {
	logger := log.With().
		Str("correlation_id", correlationID).
		Str("saga_type", sagaType).
		Str("service", "saga").
		Logger()

	existing, err := o.db.GetByCorrelationID(correlationID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logger.Warn().Msg("saga already exists for correlation id")
		return existing, nil
	}

	instance := &Instance{
		CorrelationID: correlationID,
		SagaType:      sagaType,
		Status:        StatusStarted,
		CurrentStep:   StepValidate,
		StartedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(sagaTimeout),
	}

	if err := o.db.Create(instance); err != nil {
		return nil, fmt.Errorf("failed to start saga: %w", err)
	}

	logger.Info().Msg("saga started")
	return instance, nil
}

// Advance records completedStep and moves the saga to the next step,
// completing it after the final one.
func (o *Orchestrator) Advance(correlationID, completedStep string) error {
	logger := log.With().
		Str("correlation_id", correlationID).
		Str("completed_step", completedStep).
		Str("service", "saga").
		Logger()

	instance, err := o.require(correlationID)
	if err != nil {
		return err
	}

	instance.appendCompleted(completedStep)

	if next := nextStep(completedStep); next != "" {
		instance.CurrentStep = next
		instance.Status = StatusInProgress
	} else {
		instance.markCompleted()
		logger.Info().Msg("saga completed")
	}

	return o.db.Update(instance)
}

// Fail records the failing step and flips the saga to COMPENSATING so
// the caller runs its compensating actions.
func (o *Orchestrator) Fail(correlationID, failedStep, message string) error {
	logger := log.With().
		Str("correlation_id", correlationID).
		Str("failed_step", failedStep).
		Str("service", "saga").
		Logger()

	instance, err := o.require(correlationID)
	if err != nil {
		return err
	}

	instance.markFailed(failedStep, message)
	instance.Status = StatusCompensating

	logger.Error().Str("error", message).Msg("saga failed, compensation required")
	return o.db.Update(instance)
}

// MarkCompensated records that all compensating actions have applied.
func (o *Orchestrator) MarkCompensated(correlationID string) error {
	instance, err := o.require(correlationID)
	if err != nil {
		return err
	}

	instance.Status = StatusCompensated
	log.Info().
		Str("correlation_id", correlationID).
		Str("service", "saga").
		Msg("saga compensated")
	return o.db.Update(instance)
}

// ExtendForRetry counts a timeout against the saga's retry budget and
// pushes the deadline out one more window, so a slow pipeline gets a
// chance to finish before reconciliation fails it.
func (o *Orchestrator) ExtendForRetry(correlationID string) (*Instance, error) {
	instance, err := o.require(correlationID)
	if err != nil {
		return nil, err
	}

	instance.RetryCount++
	instance.ExpiresAt = time.Now().Add(sagaTimeout)

	log.Info().
		Str("correlation_id", correlationID).
		Int("retry_count", instance.RetryCount).
		Str("service", "saga").
		Msg("saga deadline extended")
	return instance, o.db.Update(instance)
}

// Get returns the saga for correlationID, or nil when none exists.
func (o *Orchestrator) Get(correlationID string) (*Instance, error) {
	return o.db.GetByCorrelationID(correlationID)
}

// TimedOut lists in-progress sagas past their deadline, for the
// reconciliation sweep.
func (o *Orchestrator) TimedOut() ([]Instance, error) {
	return o.db.GetTimedOut(time.Now())
}

func (o *Orchestrator) CountByStatus(status string) (int64, error) {
	return o.db.CountByStatus(status)
}

func (o *Orchestrator) require(correlationID string) (*Instance, error) {
	instance, err := o.db.GetByCorrelationID(correlationID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, fmt.Errorf("saga not found for correlation %s", correlationID)
	}
	return instance, nil
}
