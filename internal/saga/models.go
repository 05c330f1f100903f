package saga

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Saga statuses.
const (
	StatusStarted      = "STARTED"
	StatusInProgress   = "IN_PROGRESS"
	StatusCompleted    = "COMPLETED"
	StatusFailed       = "FAILED"
	StatusCompensating = "COMPENSATING"
	StatusCompensated  = "COMPENSATED"
)

// Steps of the order processing saga, in execution order.
const (
	StepValidate      = "VALIDATE"
	StepReserveAssets = "RESERVE_ASSETS"
	StepQueueOrder    = "QUEUE_ORDER"
	StepComplete      = "COMPLETE"
)

// TypeOrderProcessing is the saga type for the submit pipeline.
const TypeOrderProcessing = "ORDER_PROCESSING"

// MaxRetries bounds how many extra timeout windows a saga may be
// granted before reconciliation gives up on it.
const MaxRetries = 3

// Instance tracks one multi-step business transaction, keyed by the
// order it coordinates. It records progress so a failed pipeline can be
// compensated and audited.
type Instance struct {
	gorm.Model     `json:"-"`
	CorrelationID  string     `gorm:"uniqueIndex" json:"correlation_id"`
	SagaType       string     `json:"saga_type"`
	Status         string     `gorm:"index" json:"status"`
	CurrentStep    string     `json:"current_step"`
	CompletedSteps string     `json:"completed_steps"`
	RetryCount     int        `json:"retry_count"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	FailedStep     string     `json:"failed_step,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func (Instance) TableName() string {
	return "saga_instances"
}

func (i *Instance) InProgress() bool {
	return i.Status == StatusStarted || i.Status == StatusInProgress
}

func (i *Instance) CanRetry() bool {
	return i.RetryCount < MaxRetries
}

func (i *Instance) markCompleted() {
	now := time.Now()
	i.Status = StatusCompleted
	i.CurrentStep = StepComplete
	i.CompletedAt = &now
}

func (i *Instance) markFailed(step, message string) {
	i.Status = StatusFailed
	i.FailedStep = step
	i.ErrorMessage = message
}

func (i *Instance) appendCompleted(step string) {
	if i.CompletedSteps == "" {
		i.CompletedSteps = step
		return
	}
	i.CompletedSteps = i.CompletedSteps + "," + step
}

// HasCompleted reports whether step finished before a failure, which
// decides what compensation is owed.
func (i *Instance) HasCompleted(step string) bool {
	for _, done := range strings.Split(i.CompletedSteps, ",") {
		if done == step {
			return true
		}
	}
	return false
}

func nextStep(current string) string {
	switch current {
	case StepValidate:
		return StepReserveAssets
	case StepReserveAssets:
		return StepQueueOrder
	case StepQueueOrder:
		return StepComplete
	}
	return ""
}
