package orders

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/brokage/brokage-api/internal/ledger"
	"github.com/brokage/brokage-api/internal/matching"
	"github.com/brokage/brokage-api/internal/outbox"
	"github.com/brokage/brokage-api/internal/saga"
	"github.com/brokage/brokage-api/internal/types"
)

const lockStripes = 64

// stripedLocks serializes transitions per order without a lock table in
// the database. Orders hashing to the same stripe share a mutex, which
// only costs unrelated orders an occasional wait.
type stripedLocks struct {
	mu [lockStripes]sync.Mutex
}

func (l *stripedLocks) stripe(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % lockStripes
}

func (l *stripedLocks) forKey(key string) *sync.Mutex {
	return &l.mu[l.stripe(key)]
}

// Service owns the order lifecycle. Every transition is serialized per
// order, persisted together with its domain event, and mirrored into
// the saga tracking the submit pipeline.
type Service struct {
	db       *Database
	ledger   *ledger.Service
	matching *matching.Service
	sagas    *saga.Orchestrator
	locks    stripedLocks
}

func NewService(gormDB *gorm.DB, ledgerSvc *ledger.Service, matchingSvc *matching.Service, sagas *saga.Orchestrator) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		ledger:   ledgerSvc,
		matching: matchingSvc,
		sagas:    sagas,
	}
}

// SubmitOrderRequest is a new order from the API. CustomerID is only
// honoured for elevated actors; customers always trade their own
// account.
type SubmitOrderRequest struct {
	CustomerID string          `json:"customer_id"`
	AssetName  string          `json:"asset_name" binding:"required"`
	OrderSide  types.OrderSide `json:"order_side" binding:"required"`
	OrderType  types.OrderType `json:"order_type"`
	Size       decimal.Decimal `json:"size"`
	Price      decimal.Decimal `json:"price"`
}

// Submit runs the order through the processing pipeline: validate,
// reserve the backing assets, confirm, and queue for matching. A
// reservation denial rejects the order; a failure after reservation
// releases it again. The returned order carries the final status even
// when err is non-nil.
func (s *Service) Submit(req SubmitOrderRequest, customerID, idempotencyKey string) (*Order, error) {
	logger := log.With().
		Str("customer_id", customerID).
		Str("asset_name", req.AssetName).
		Str("service", "orders").
		Logger()

	if err := validateSubmit(req); err != nil {
		logger.Warn().Err(err).Msg("order submission invalid")
		return nil, err
	}

	if existing, err := s.replayIdempotent(idempotencyKey); existing != nil || err != nil {
		return existing, err
	}

	order := &Order{
		OrderID:    uuid.New().String(),
		CustomerID: customerID,
		AssetName:  req.AssetName,
		OrderSide:  req.OrderSide,
		OrderType:  req.OrderType,
		Size:       req.Size,
		Price:      req.Price,
		Status:     types.StatusPending,
	}
	if order.OrderType == "" {
		order.OrderType = types.TypeLimit
	}

	logger = logger.With().Str("order_id", order.OrderID).Logger()

	// Held from before the row exists, so a cancel arriving mid-pipeline
	// cannot interleave with the reservation steps.
	mu := s.locks.forKey(order.OrderID)
	mu.Lock()
	defer mu.Unlock()

	event, err := outbox.NewEvent(types.EntityOrder, order.OrderID, types.ActionOrderCreated, customerID, nil, order.Snapshot())
	if err != nil {
		return nil, err
	}
	if err := s.db.CreateOrderWithIdempotency(order, idempotencyKey, event); err != nil {
		return nil, err
	}

	if _, err := s.sagas.Start(order.OrderID, saga.TypeOrderProcessing); err != nil {
		return order, err
	}
	if err := s.sagas.Advance(order.OrderID, saga.StepValidate); err != nil {
		return order, err
	}

	// Reserve the backing assets. A business denial is a rejection, not
	// an error in the pipeline itself.
	reserveAsset, reserveAmount := order.ReservedAsset()
	if _, err := s.ledger.Reserve(customerID, reserveAsset, reserveAmount); err != nil {
		// A missing ledger row means there is nothing to reserve, which
		// is the same denial as insufficient funds.
		if types.IsBusinessError(err) || errors.Is(err, types.ErrNotFound) {
			logger.Warn().Err(err).Msg("reservation denied, rejecting order")
			if rejErr := s.reject(order, err.Error()); rejErr != nil {
				return order, rejErr
			}
			return order, err
		}
		logger.Error().Err(err).Msg("reservation errored, failing order")
		return order, s.fail(order, saga.StepReserveAssets, err, false)
	}

	if err := s.transition(order, types.StatusAssetReserved, types.ActionOrderReserved); err != nil {
		return order, s.fail(order, saga.StepReserveAssets, err, true)
	}
	if err := s.sagas.Advance(order.OrderID, saga.StepReserveAssets); err != nil {
		return order, err
	}

	// Confirmation follows reservation immediately; the split status
	// keeps the audit trail explicit.
	if err := s.transition(order, types.StatusConfirmed, types.ActionOrderConfirmed); err != nil {
		return order, s.fail(order, saga.StepQueueOrder, err, true)
	}

	if err := s.matching.Enqueue(order.OrderID, order.CustomerID, order.AssetName, order.OrderSide, order.Price, order.Size); err != nil {
		logger.Error().Err(err).Msg("queueing failed, failing order")
		return order, s.fail(order, saga.StepQueueOrder, err, true)
	}
	if err := s.sagas.Advance(order.OrderID, saga.StepQueueOrder); err != nil {
		return order, err
	}
	if err := s.sagas.Advance(order.OrderID, saga.StepComplete); err != nil {
		return order, err
	}

	logger.Info().Str("status", string(order.Status)).Msg("order submitted")
	return order, nil
}

// Cancel aborts an open order, releasing its reservation and removing
// it from the matching queue. Customers may only cancel their own
// orders; elevated actors may cancel any.
func (s *Service) Cancel(orderID string, decision types.Decision) (*Order, error) {
	logger := log.With().
		Str("order_id", orderID).
		Str("actor_id", decision.ActorID).
		Str("service", "orders").
		Logger()

	if !decision.Allowed {
		return nil, fmt.Errorf("cancel order %s: %w", orderID, types.ErrNotAuthorized)
	}

	mu := s.locks.forKey(orderID)
	mu.Lock()
	defer mu.Unlock()

	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, types.ErrNotFound)
	}
	if !decision.Elevated() && order.CustomerID != decision.ActorID {
		return nil, fmt.Errorf("order %s belongs to another customer: %w", orderID, types.ErrNotAuthorized)
	}
	if !order.Status.Cancellable() {
		return nil, fmt.Errorf("order %s in status %s: %w", orderID, order.Status, types.ErrInvalidState)
	}

	// PENDING orders never reached the reservation step, so there is
	// nothing to release.
	if order.Status != types.StatusPending {
		reserveAsset, reserveAmount := order.ReservedAsset()
		if _, err := s.ledger.Release(order.CustomerID, reserveAsset, reserveAmount); err != nil {
			logger.Error().Err(err).Msg("failed to release reservation on cancel")
			return nil, err
		}
	}

	if err := s.matching.Remove(order.OrderID, "order cancelled"); err != nil {
		return nil, err
	}

	now := time.Now()
	order.CancelledAt = &now
	if err := s.transition(order, types.StatusCancelled, types.ActionOrderCancelled); err != nil {
		return nil, err
	}

	if instance, err := s.sagas.Get(order.OrderID); err == nil && instance != nil && instance.InProgress() {
		if err := s.sagas.Fail(order.OrderID, instance.CurrentStep, "order cancelled"); err != nil {
			logger.Warn().Err(err).Msg("failed to mark saga cancelled")
		} else if err := s.sagas.MarkCompensated(order.OrderID); err != nil {
			logger.Warn().Err(err).Msg("failed to mark saga compensated")
		}
	}

	logger.Info().Msg("order cancelled")
	return order, nil
}

// Match settles orderID against the best eligible counter-order. Only
// admins may trigger matching. Both orders must be confirmed and fully
// cover each other; settlement, trade capture, and the two terminal
// transitions are applied atomically per concern.
func (s *Service) Match(orderID string, decision types.Decision) (*matching.Trade, error) {
	logger := log.With().
		Str("order_id", orderID).
		Str("actor_id", decision.ActorID).
		Str("service", "orders").
		Logger()

	if !decision.Allowed || decision.Role != types.RoleAdmin {
		return nil, fmt.Errorf("match order %s: %w", orderID, types.ErrNotAuthorized)
	}

	taker, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if taker == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, types.ErrNotFound)
	}
	if taker.Status != types.StatusConfirmed {
		return nil, fmt.Errorf("order %s in status %s: %w", orderID, taker.Status, types.ErrInvalidState)
	}

	takerEntry, err := s.matching.GetEntry(orderID)
	if err != nil {
		return nil, err
	}
	if takerEntry == nil {
		return nil, fmt.Errorf("order %s not queued: %w", orderID, types.ErrInvalidState)
	}

	makerEntry, err := s.matching.SelectCounterOrder(takerEntry)
	if err != nil {
		return nil, err
	}
	if makerEntry == nil {
		return nil, fmt.Errorf("no eligible counter-order for %s: %w", orderID, types.ErrNotFound)
	}
	// Partial fills are not supported; the counter-order must cover the
	// full size.
	if !makerEntry.RemainingSize.Equal(takerEntry.RemainingSize) {
		return nil, fmt.Errorf("counter-order %s size %s does not match %s: %w",
			makerEntry.OrderID, makerEntry.RemainingSize, takerEntry.RemainingSize, types.ErrInvalidState)
	}

	s.lockPair(taker.OrderID, makerEntry.OrderID)
	defer s.unlockPair(taker.OrderID, makerEntry.OrderID)

	// Re-read both orders under the locks; a concurrent cancel may have
	// won the race.
	taker, err = s.db.GetOrder(taker.OrderID)
	if err != nil {
		return nil, err
	}
	maker, err := s.db.GetOrder(makerEntry.OrderID)
	if err != nil {
		return nil, err
	}
	if taker == nil || maker == nil {
		return nil, fmt.Errorf("matched orders missing: %w", types.ErrNotFound)
	}
	if taker.Status != types.StatusConfirmed || maker.Status != types.StatusConfirmed {
		return nil, fmt.Errorf("orders %s/%s no longer confirmed: %w", taker.OrderID, maker.OrderID, types.ErrInvalidState)
	}

	buyOrder, sellOrder := taker, maker
	if taker.OrderSide == types.SideSell {
		buyOrder, sellOrder = maker, taker
	}

	quantity := takerEntry.RemainingSize
	tradePrice := makerEntry.Price
	totalValue := quantity.Mul(tradePrice)

	// The buyer reserved at their own limit price; anything blocked
	// above the execution value returns to usable inside the settlement
	// transaction.
	surplus := buyOrder.Size.Mul(buyOrder.Price).Sub(totalValue)

	if err := s.ledger.SettleMatch(buyOrder.CustomerID, sellOrder.CustomerID, taker.AssetName, quantity, totalValue, surplus); err != nil {
		logger.Error().Err(err).Msg("settlement failed, failing both orders")
		s.failSettlement(taker, maker, err)
		return nil, err
	}

	trade, err := s.matching.ExecuteTrade(takerEntry, makerEntry)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	events := make([]*outbox.Event, 0, 2)
	for _, order := range []*Order{taker, maker} {
		previous := order.Snapshot()
		order.Status = types.StatusMatched
		order.FilledSize = order.Size
		order.AveragePrice = tradePrice
		order.MatchedAt = &now

		event, err := outbox.NewEvent(types.EntityOrder, order.OrderID, types.ActionOrderMatched, order.CustomerID, previous, order.Snapshot())
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := s.db.UpdateOrdersWithEvents([]*Order{taker, maker}, events); err != nil {
		return nil, err
	}

	logger.Info().
		Str("trade_id", trade.TradeID).
		Str("counter_order_id", maker.OrderID).
		Str("price", tradePrice.String()).
		Msg("orders matched")
	return trade, nil
}

// GetOrder returns an order, enforcing ownership for non-elevated
// actors.
func (s *Service) GetOrder(orderID string, decision types.Decision) (*Order, error) {
	if !decision.Allowed {
		return nil, fmt.Errorf("get order %s: %w", orderID, types.ErrNotAuthorized)
	}

	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, types.ErrNotFound)
	}
	if !decision.Elevated() && order.CustomerID != decision.ActorID {
		return nil, fmt.Errorf("order %s: %w", orderID, types.ErrNotFound)
	}
	return order, nil
}

// ListOrders returns orders matching the filter. Non-elevated actors
// are pinned to their own customer ID regardless of the filter.
func (s *Service) ListOrders(filter ListFilter, decision types.Decision) ([]Order, error) {
	if !decision.Allowed {
		return nil, fmt.Errorf("list orders: %w", types.ErrNotAuthorized)
	}
	if !decision.Elevated() {
		filter.CustomerID = decision.ActorID
	}
	return s.db.ListOrders(filter)
}

// TradesForOrder lists executions for an order the actor may see.
func (s *Service) TradesForOrder(orderID string, decision types.Decision) ([]matching.Trade, error) {
	if _, err := s.GetOrder(orderID, decision); err != nil {
		return nil, err
	}
	return s.matching.TradesForOrder(orderID)
}

func (s *Service) GetStats() (*Stats, error) {
	return s.db.GetStats()
}

// reject marks the order REJECTED with the denial reason and closes the
// saga; no compensation is owed because nothing was reserved.
func (s *Service) reject(order *Order, reason string) error {
	order.RejectionReason = reason
	if err := s.transition(order, types.StatusRejected, types.ActionOrderRejected); err != nil {
		return err
	}
	if err := s.sagas.Fail(order.OrderID, saga.StepReserveAssets, reason); err != nil {
		return err
	}
	return s.sagas.MarkCompensated(order.OrderID)
}

// fail marks the order FAILED after a pipeline error, releasing the
// reservation when one was taken.
func (s *Service) fail(order *Order, step string, cause error, releaseReservation bool) error {
	logger := log.With().
		Str("order_id", order.OrderID).
		Str("step", step).
		Str("service", "orders").
		Logger()

	if releaseReservation {
		reserveAsset, reserveAmount := order.ReservedAsset()
		if _, err := s.ledger.Release(order.CustomerID, reserveAsset, reserveAmount); err != nil {
			logger.Error().Err(err).Msg("compensating release failed")
			return err
		}
	}

	order.RejectionReason = cause.Error()
	if err := s.transition(order, types.StatusFailed, types.ActionOrderFailed); err != nil {
		return err
	}
	if err := s.sagas.Fail(order.OrderID, step, cause.Error()); err != nil {
		return err
	}
	if err := s.sagas.MarkCompensated(order.OrderID); err != nil {
		return err
	}
	return cause
}

// failSettlement marks both sides of a failed settlement FAILED and
// hands their reservations back, so stuck funds surface for operators
// instead of staying parked behind confirmed orders. Each step is best
// effort; the orders must end up FAILED even when a release cannot
// apply.
func (s *Service) failSettlement(taker, maker *Order, cause error) {
	for _, order := range []*Order{taker, maker} {
		logger := log.With().
			Str("order_id", order.OrderID).
			Str("service", "orders").
			Logger()

		if err := s.matching.Remove(order.OrderID, "settlement failed"); err != nil {
			logger.Error().Err(err).Msg("failed to dequeue order after settlement failure")
		}
		reserveAsset, reserveAmount := order.ReservedAsset()
		if _, err := s.ledger.Release(order.CustomerID, reserveAsset, reserveAmount); err != nil {
			logger.Error().Err(err).Msg("failed to release reservation after settlement failure")
		}
		order.RejectionReason = cause.Error()
		if err := s.transition(order, types.StatusFailed, types.ActionOrderFailed); err != nil {
			logger.Error().Err(err).Msg("failed to mark order failed after settlement failure")
		}
	}
}

// transition persists a status change and its event atomically. The
// stored status is re-checked first so a stale in-memory copy cannot
// overwrite a terminal state.
func (s *Service) transition(order *Order, next types.OrderStatus, action string) error {
	stored, err := s.db.GetOrder(order.OrderID)
	if err != nil {
		return err
	}
	if stored != nil && stored.Status.Terminal() {
		return fmt.Errorf("order %s already %s: %w", order.OrderID, stored.Status, types.ErrInvalidState)
	}

	previous := order.Snapshot()
	order.Status = next

	event, err := outbox.NewEvent(types.EntityOrder, order.OrderID, action, order.CustomerID, previous, order.Snapshot())
	if err != nil {
		return err
	}
	return s.db.UpdateOrderWithEvent(order, event)
}

// replayIdempotent returns the order a previous submission with the
// same key produced, if any.
func (s *Service) replayIdempotent(idempotencyKey string) (*Order, error) {
	record, err := s.db.GetIdempotencyRecord(idempotencyKey)
	if err != nil {
		return nil, err
	}
	if record == nil || record.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}

	existing, err := s.db.GetOrder(record.ResourceID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("idempotent order %s: %w", record.ResourceID, types.ErrNotFound)
	}
	log.Info().
		Str("order_id", existing.OrderID).
		Str("service", "orders").
		Msg("returning idempotent order")
	return existing, nil
}

// lockPair acquires both order stripes in a stable order so concurrent
// matches cannot deadlock.
func (s *Service) lockPair(a, b string) {
	first, second := s.pairLocks(a, b)
	first.Lock()
	if second != nil {
		second.Lock()
	}
}

func (s *Service) unlockPair(a, b string) {
	first, second := s.pairLocks(a, b)
	if second != nil {
		second.Unlock()
	}
	first.Unlock()
}

// pairLocks resolves both stripe mutexes in ascending stripe order.
// Ordering by key would not do: two key pairs can map onto the same
// two stripes in opposite key order, and matches taking them crosswise
// would deadlock.
func (s *Service) pairLocks(a, b string) (*sync.Mutex, *sync.Mutex) {
	i, j := s.locks.stripe(a), s.locks.stripe(b)
	if i == j {
		return &s.locks.mu[i], nil
	}
	if j < i {
		i, j = j, i
	}
	return &s.locks.mu[i], &s.locks.mu[j]
}

func validateSubmit(req SubmitOrderRequest) error {
	if !req.OrderSide.Valid() {
		return fmt.Errorf("order side %q: %w", req.OrderSide, types.ErrInvalidAmount)
	}
	if req.OrderType != "" && req.OrderType != types.TypeLimit && req.OrderType != types.TypeMarket {
		return fmt.Errorf("order type %q: %w", req.OrderType, types.ErrInvalidAmount)
	}
	if req.AssetName == "" || req.AssetName == types.CashAsset {
		return fmt.Errorf("asset %q cannot be traded: %w", req.AssetName, types.ErrInvalidAmount)
	}
	if req.Size.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("size %s: %w", req.Size, types.ErrInvalidAmount)
	}
	if req.Price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("price %s: %w", req.Price, types.ErrInvalidAmount)
	}
	return nil
}
