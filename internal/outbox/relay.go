package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	defaultInterval   = time.Second
	defaultBatchSize  = 100
	defaultMaxRetries = 5
)

// Relay drains the outbox in the background, publishing pending events
// until acknowledged. Events that exhaust the retry budget stay in the
// table with their last error for manual reconciliation.
type Relay struct {
	db         *Database
	publisher  Publisher
	interval   time.Duration
	batchSize  int
	maxRetries int
}

func NewRelay(gormDB *gorm.DB, publisher Publisher) *Relay {
	return &Relay{
		db:         NewDatabase(gormDB),
		publisher:  publisher,
		interval:   defaultInterval,
		batchSize:  defaultBatchSize,
		maxRetries: defaultMaxRetries,
	}
}

// Start runs the relay loop until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	logger := log.With().Str("component", "outbox_relay").Logger()
	logger.Info().Msg("starting outbox relay")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down outbox relay")
			return
		case <-ticker.C:
			if err := r.PublishPending(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to publish pending events")
			}
		}
	}
}

// PublishPending drains one batch of unpublished events.
func (r *Relay) PublishPending(ctx context.Context) error {
	logger := log.With().Str("component", "outbox_relay").Logger()

	events, err := r.db.GetUnpublished(r.batchSize, r.maxRetries)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	logger.Debug().Int("pending_count", len(events)).Msg("publishing outbox events")

	for i := range events {
		event := &events[i]
		if err := r.publisher.Publish(ctx, event.Topic, event.PartitionKey, []byte(event.Payload)); err != nil {
			logger.Error().
				Err(err).
				Str("event_id", event.EventID).
				Str("topic", event.Topic).
				Int("retry_count", event.RetryCount).
				Msg("failed to publish event")
			if markErr := r.db.MarkFailed(event, err); markErr != nil {
				logger.Error().Err(markErr).Str("event_id", event.EventID).Msg("failed to record publish failure")
			}
			continue
		}

		if err := r.db.MarkPublished(event); err != nil {
			// The event will be republished; consumers deduplicate on
			// event ID so the duplicate is harmless.
			logger.Error().Err(err).Str("event_id", event.EventID).Msg("failed to mark event published")
			continue
		}

		logger.Debug().
			Str("event_id", event.EventID).
			Str("action", event.Action).
			Str("topic", event.Topic).
			Msg("event published")
	}

	return nil
}
