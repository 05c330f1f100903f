package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brokage/brokage-api/internal/saga"
	"github.com/brokage/brokage-api/internal/types"
)

// Reconciler sweeps sagas that passed their deadline without finishing
// and fails their orders, releasing any reservation still held. A saga
// only times out when the submit pipeline died between steps, so the
// sweep is the backstop that keeps funds from staying blocked forever.
type Reconciler struct {
	orders       *Service
	processDelay time.Duration
}

func NewReconciler(orders *Service) *Reconciler {
	return &Reconciler{
		orders:       orders,
		processDelay: time.Minute,
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) {
	logger := log.With().Str("component", "order_reconciler").Logger()
	logger.Info().Msg("starting order reconciler")

	ticker := time.NewTicker(r.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down order reconciler")
			return
		case <-ticker.C:
			if err := r.processTimedOutSagas(); err != nil {
				logger.Error().Err(err).Msg("failed to process timed out sagas")
			}
		}
	}
}

func (r *Reconciler) processTimedOutSagas() error {
	logger := log.With().Str("component", "order_reconciler").Logger()

	instances, err := r.orders.sagas.TimedOut()
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return nil
	}

	logger.Info().Int("timed_out_count", len(instances)).Msg("reconciling timed out sagas")

	for _, instance := range instances {
		if err := r.reconcile(&instance); err != nil {
			logger.Error().
				Err(err).
				Str("correlation_id", instance.CorrelationID).
				Msg("failed to reconcile saga")
		}
	}

	return nil
}

// reconcile fails one stuck order. The correlation ID of an order
// processing saga is the order ID it coordinates.
func (r *Reconciler) reconcile(instance *saga.Instance) error {
	logger := log.With().
		Str("correlation_id", instance.CorrelationID).
		Str("component", "order_reconciler").
		Logger()

	mu := r.orders.locks.forKey(instance.CorrelationID)
	mu.Lock()
	defer mu.Unlock()

	order, err := r.orders.db.GetOrder(instance.CorrelationID)
	if err != nil {
		return err
	}
	if order == nil {
		// The order row never committed; there is nothing to release.
		if err := r.orders.sagas.Fail(instance.CorrelationID, instance.CurrentStep, "order missing after timeout"); err != nil {
			return err
		}
		return r.orders.sagas.MarkCompensated(instance.CorrelationID)
	}

	if order.Status.Terminal() {
		// A concurrent path already finished the order; close the saga
		// bookkeeping without touching balances.
		logger.Info().Str("status", string(order.Status)).Msg("order already terminal, closing saga")
		if err := r.orders.sagas.Fail(instance.CorrelationID, instance.CurrentStep, "saga timed out after completion"); err != nil {
			return err
		}
		return r.orders.sagas.MarkCompensated(instance.CorrelationID)
	}

	// A live pipeline may just be slow. Grant another window until the
	// retry budget runs out, then fail the order for real.
	if instance.CanRetry() {
		if _, err := r.orders.sagas.ExtendForRetry(instance.CorrelationID); err != nil {
			return err
		}
		logger.Info().
			Int("retry_count", instance.RetryCount+1).
			Msg("stuck order granted another window")
		return nil
	}

	releaseReservation := order.Status == types.StatusAssetReserved || order.Status == types.StatusConfirmed
	if order.Status == types.StatusConfirmed {
		if err := r.orders.matching.Remove(order.OrderID, "order processing timed out"); err != nil {
			return err
		}
	}

	cause := fmt.Errorf("order processing timed out at step %s", instance.CurrentStep)
	if err := r.orders.fail(order, instance.CurrentStep, cause, releaseReservation); err != nil && err != cause {
		return err
	}

	logger.Warn().Str("order_id", order.OrderID).Msg("timed out order failed and compensated")
	return nil
}
