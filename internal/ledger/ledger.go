package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/brokage/brokage-api/internal/outbox"
	"github.com/brokage/brokage-api/internal/types"
	"github.com/brokage/brokage-api/pkg/response"
)

const (
	maxCASRetries = 5
	casBackoff    = 2 * time.Millisecond
)

// Service is the source of truth for customer balances. It guarantees
// that usable and blocked amounts never go negative and always sum to
// size, serializing per-row updates through version compare-and-swap.
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// Deposit increases both size and usableSize. The ledger row is created
// lazily on first deposit.
func (s *Service) Deposit(customerID, assetName string, amount decimal.Decimal) (*CustomerAsset, error) {
	logger := log.With().
		Str("customer_id", customerID).
		Str("asset_name", assetName).
		Str("amount", amount.String()).
		Str("service", "ledger").
		Logger()

	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	asset, err := s.mutate(customerID, assetName, true, types.ActionAssetDeposited, func(a *CustomerAsset) error {
		a.Size = a.Size.Add(amount)
		a.UsableSize = a.UsableSize.Add(amount)
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("deposit failed")
		return nil, err
	}

	logger.Info().Str("new_balance", asset.UsableSize.String()).Msg("deposit completed")
	return asset, nil
}

// Withdraw decreases both size and usableSize; blocked funds are not
// withdrawable.
func (s *Service) Withdraw(customerID, assetName string, amount decimal.Decimal) (*CustomerAsset, error) {
	logger := log.With().
		Str("customer_id", customerID).
		Str("asset_name", assetName).
		Str("amount", amount.String()).
		Str("service", "ledger").
		Logger()

	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	asset, err := s.mutate(customerID, assetName, false, types.ActionAssetWithdrawn, func(a *CustomerAsset) error {
		if !a.HasUsable(amount) {
			return fmt.Errorf("withdraw %s exceeds usable %s: %w", amount, a.UsableSize, types.ErrInsufficientFunds)
		}
		a.Size = a.Size.Sub(amount)
		a.UsableSize = a.UsableSize.Sub(amount)
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("withdrawal failed")
		return nil, err
	}

	logger.Info().Str("new_balance", asset.UsableSize.String()).Msg("withdrawal completed")
	return asset, nil
}

// Reserve moves amount from usableSize to blockedSize pending an order
// outcome.
func (s *Service) Reserve(customerID, assetName string, amount decimal.Decimal) (*CustomerAsset, error) {
	logger := log.With().
		Str("customer_id", customerID).
		Str("asset_name", assetName).
		Str("amount", amount.String()).
		Str("service", "ledger").
		Logger()

	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	asset, err := s.mutate(customerID, assetName, false, types.ActionAssetReserved, func(a *CustomerAsset) error {
		if !a.HasUsable(amount) {
			return fmt.Errorf("reserve %s exceeds usable %s: %w", amount, a.UsableSize, types.ErrInsufficientFunds)
		}
		a.UsableSize = a.UsableSize.Sub(amount)
		a.BlockedSize = a.BlockedSize.Add(amount)
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("reservation failed")
		return nil, err
	}

	logger.Info().
		Str("usable", asset.UsableSize.String()).
		Str("blocked", asset.BlockedSize.String()).
		Msg("asset reserved")
	return asset, nil
}

// Release moves amount from blockedSize back to usableSize, compensating
// a reservation whose order was cancelled or rejected.
func (s *Service) Release(customerID, assetName string, amount decimal.Decimal) (*CustomerAsset, error) {
	logger := log.With().
		Str("customer_id", customerID).
		Str("asset_name", assetName).
		Str("amount", amount.String()).
		Str("service", "ledger").
		Logger()

	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	asset, err := s.mutate(customerID, assetName, false, types.ActionAssetReleased, func(a *CustomerAsset) error {
		if !a.HasBlocked(amount) {
			return fmt.Errorf("release %s exceeds blocked %s: %w", amount, a.BlockedSize, types.ErrInvalidReservation)
		}
		a.BlockedSize = a.BlockedSize.Sub(amount)
		a.UsableSize = a.UsableSize.Add(amount)
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("release failed")
		return nil, err
	}

	logger.Info().
		Str("usable", asset.UsableSize.String()).
		Str("blocked", asset.BlockedSize.String()).
		Msg("reservation released")
	return asset, nil
}

// SettleMatch finalizes a match between a buyer and a seller: the
// buyer's blocked cash and the seller's blocked instrument are consumed,
// and each side is credited the counterparty's leg. buyerSurplus is
// cash the buyer blocked above the execution value; it moves back to
// usable inside the same transaction. All row updates commit together;
// if any leg fails, none apply.
func (s *Service) SettleMatch(buyerID, sellerID, assetName string, quantity, totalValue, buyerSurplus decimal.Decimal) error {
	logger := log.With().
		Str("buyer_id", buyerID).
		Str("seller_id", sellerID).
		Str("asset_name", assetName).
		Str("quantity", quantity.String()).
		Str("total_value", totalValue.String()).
		Str("buyer_surplus", buyerSurplus.String()).
		Str("service", "ledger").
		Logger()

	if err := validateAmount(quantity); err != nil {
		return err
	}
	if err := validateAmount(totalValue); err != nil {
		return err
	}
	if buyerSurplus.IsNegative() {
		return fmt.Errorf("surplus %s: %w", buyerSurplus, types.ErrInvalidAmount)
	}
	if buyerID == sellerID {
		return fmt.Errorf("self-settlement not permitted: %w", types.ErrInvalidState)
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		legs, events, err := s.buildSettlementLegs(buyerID, sellerID, assetName, quantity, totalValue, buyerSurplus)
		if err != nil {
			logger.Warn().Err(err).Msg("settlement rejected")
			return err
		}

		applied, err := s.db.ApplySettlement(legs, events)
		if err != nil {
			return err
		}
		if applied {
			logger.Info().Msg("settlement completed")
			return nil
		}

		time.Sleep(casBackoff << uint(attempt))
	}

	logger.Error().Msg("settlement lost version race repeatedly")
	return fmt.Errorf("settlement contention on ledger rows: %w", types.ErrUnavailable)
}

// buildSettlementLegs reads fresh balances and prepares every row
// mutation plus the settlement events for one attempt.
func (s *Service) buildSettlementLegs(buyerID, sellerID, assetName string, quantity, totalValue, buyerSurplus decimal.Decimal) ([]settleLeg, []*outbox.Event, error) {
	buyerReserved := totalValue.Add(buyerSurplus)

	buyerCash, err := s.requireAsset(buyerID, types.CashAsset)
	if err != nil {
		return nil, nil, err
	}
	if !buyerCash.HasBlocked(buyerReserved) {
		return nil, nil, fmt.Errorf("buyer blocked %s short of %s: %w", buyerCash.BlockedSize, buyerReserved, types.ErrInvalidReservation)
	}

	sellerInstrument, err := s.requireAsset(sellerID, assetName)
	if err != nil {
		return nil, nil, err
	}
	if !sellerInstrument.HasBlocked(quantity) {
		return nil, nil, fmt.Errorf("seller blocked %s short of %s: %w", sellerInstrument.BlockedSize, quantity, types.ErrInvalidReservation)
	}

	buyerInstrument, err := s.db.GetAsset(buyerID, assetName)
	if err != nil {
		return nil, nil, err
	}
	createBuyerInstrument := buyerInstrument == nil
	if createBuyerInstrument {
		buyerInstrument = &CustomerAsset{CustomerID: buyerID, AssetName: assetName}
	}

	sellerCash, err := s.db.GetAsset(sellerID, types.CashAsset)
	if err != nil {
		return nil, nil, err
	}
	createSellerCash := sellerCash == nil
	if createSellerCash {
		sellerCash = &CustomerAsset{CustomerID: sellerID, AssetName: types.CashAsset}
	}

	buyerCashPrev := buyerCash.Snapshot()
	sellerInstrumentPrev := sellerInstrument.Snapshot()

	// Debit legs consume blocked amounts; credit legs are immediately
	// usable. The buyer's surplus reservation goes straight back to
	// usable.
	buyerCash.BlockedSize = buyerCash.BlockedSize.Sub(buyerReserved)
	buyerCash.Size = buyerCash.Size.Sub(totalValue)
	buyerCash.UsableSize = buyerCash.UsableSize.Add(buyerSurplus)
	sellerInstrument.BlockedSize = sellerInstrument.BlockedSize.Sub(quantity)
	sellerInstrument.Size = sellerInstrument.Size.Sub(quantity)
	buyerInstrument.Size = buyerInstrument.Size.Add(quantity)
	buyerInstrument.UsableSize = buyerInstrument.UsableSize.Add(quantity)
	sellerCash.Size = sellerCash.Size.Add(totalValue)
	sellerCash.UsableSize = sellerCash.UsableSize.Add(totalValue)

	buyerEvent, err := outbox.NewEvent(types.EntityAsset, assetKey(buyerID, buyerCash.AssetName), types.ActionAssetSettled, buyerID, buyerCashPrev, buyerCash.Snapshot())
	if err != nil {
		return nil, nil, err
	}
	sellerEvent, err := outbox.NewEvent(types.EntityAsset, assetKey(sellerID, sellerInstrument.AssetName), types.ActionAssetSettled, sellerID, sellerInstrumentPrev, sellerInstrument.Snapshot())
	if err != nil {
		return nil, nil, err
	}

	legs := []settleLeg{
		{asset: buyerCash},
		{asset: sellerInstrument},
		{asset: buyerInstrument, create: createBuyerInstrument},
		{asset: sellerCash, create: createSellerCash},
	}

	// Deterministic ordering keeps concurrent settlements from locking
	// rows in conflicting order.
	sort.Slice(legs, func(i, j int) bool {
		a, b := legs[i].asset, legs[j].asset
		if a.CustomerID != b.CustomerID {
			return a.CustomerID < b.CustomerID
		}
		return a.AssetName < b.AssetName
	})

	return legs, []*outbox.Event{buyerEvent, sellerEvent}, nil
}

// GetCustomerAsset returns a single ledger row.
func (s *Service) GetCustomerAsset(customerID, assetName string) (*CustomerAsset, error) {
	asset, err := s.db.GetAsset(customerID, assetName)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, fmt.Errorf("asset %s for customer %s: %w", assetName, customerID, types.ErrNotFound)
	}
	return asset, nil
}

// ListCustomerAssets returns a page of the customer's holdings sorted by
// asset name.
func (s *Service) ListCustomerAssets(customerID string, page, pageSize int) ([]CustomerAsset, error) {
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	if page < 0 {
		page = 0
	}
	return s.db.ListByCustomer(customerID, page, pageSize)
}

// AllCashBalances lists every customer's TRY row for the admin
// dashboard.
func (s *Service) AllCashBalances() ([]CustomerAsset, error) {
	return s.db.AllCashBalances()
}

// GetStats summarizes ledger holdings.
func (s *Service) GetStats() (*Stats, error) {
	return s.db.GetStats()
}

func (s *Service) requireAsset(customerID, assetName string) (*CustomerAsset, error) {
	asset, err := s.db.GetAsset(customerID, assetName)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, fmt.Errorf("asset %s for customer %s: %w", assetName, customerID, types.ErrNotFound)
	}
	return asset, nil
}

// mutate runs a single-row balance change through the version CAS loop.
func (s *Service) mutate(customerID, assetName string, createIfMissing bool, action string, apply func(*CustomerAsset) error) (*CustomerAsset, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		asset, err := s.db.GetAsset(customerID, assetName)
		if err != nil {
			return nil, err
		}
		if asset == nil {
			if !createIfMissing {
				return nil, fmt.Errorf("asset %s for customer %s: %w", assetName, customerID, types.ErrNotFound)
			}
			asset = &CustomerAsset{CustomerID: customerID, AssetName: assetName}
		}

		previous := asset.Snapshot()
		if err := apply(asset); err != nil {
			return nil, err
		}

		event, err := outbox.NewEvent(types.EntityAsset, assetKey(customerID, assetName), action, customerID, previous, asset.Snapshot())
		if err != nil {
			return nil, err
		}

		applied, err := s.db.ApplyVersioned(asset, event)
		if err != nil {
			return nil, err
		}
		if applied {
			return asset, nil
		}

		time.Sleep(casBackoff << uint(attempt))
	}

	return nil, fmt.Errorf("contention on ledger row %s/%s: %w", customerID, assetName, types.ErrUnavailable)
}

// assetKey identifies a ledger row in domain events.
func assetKey(customerID, assetName string) string {
	return customerID + ":" + assetName
}

func validateAmount(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("amount %s: %w", amount, types.ErrInvalidAmount)
	}
	return nil
}

// GinHandlers contains HTTP handlers for ledger endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// MoneyMovementRequest is the body of deposit and withdraw calls.
// CustomerID is only honoured for brokers and admins; customers always
// move their own funds.
type MoneyMovementRequest struct {
	CustomerID string          `json:"customer_id"`
	AssetName  string          `json:"asset_name" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
}

// decisionFromContext turns the authenticated identity set by the JWT
// middleware into an authorization decision.
func decisionFromContext(c *gin.Context) types.Decision {
	return types.Decision{
		ActorID: c.GetString("customerID"),
		Role:    c.GetString("role"),
		Allowed: c.GetString("customerID") != "",
	}
}

// resolveCustomer pins non-elevated actors to their own account. It
// writes the error response itself when the request is denied.
func resolveCustomer(c *gin.Context, requested string) (string, bool) {
	decision := decisionFromContext(c)
	if !decision.Allowed {
		response.Unauthorized(c, "Missing customer identity")
		return "", false
	}
	if requested == "" || requested == decision.ActorID {
		return decision.ActorID, true
	}
	if !decision.Elevated() {
		response.Forbidden(c, "Cannot move funds for another customer")
		return "", false
	}
	return requested, true
}

func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MoneyMovementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		customerID, ok := resolveCustomer(c, req.CustomerID)
		if !ok {
			return
		}

		asset, err := h.service.Deposit(customerID, req.AssetName, req.Amount)
		response.Handle(c, asset, err)
	}
}

func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MoneyMovementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		customerID, ok := resolveCustomer(c, req.CustomerID)
		if !ok {
			return
		}

		asset, err := h.service.Withdraw(customerID, req.AssetName, req.Amount)
		response.Handle(c, asset, err)
	}
}

// GetAssetsHandler lists the authenticated customer's holdings.
func (h *GinHandlers) GetAssetsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		customerID := c.GetString("customerID")
		if customerID == "" {
			response.Unauthorized(c, "Missing customer identity")
			return
		}

		page := intQuery(c, "page", 0)
		pageSize := intQuery(c, "page_size", 20)

		assets, err := h.service.ListCustomerAssets(customerID, page, pageSize)
		response.Handle(c, assets, err)
	}
}

func (h *GinHandlers) AllCashBalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		balances, err := h.service.AllCashBalances()
		response.Handle(c, balances, err)
	}
}

func (h *GinHandlers) StatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := h.service.GetStats()
		response.Handle(c, stats, err)
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return fallback
	}
	return v
}
