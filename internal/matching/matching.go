package matching

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/brokage/brokage-api/internal/outbox"
	"github.com/brokage/brokage-api/internal/types"
	"github.com/brokage/brokage-api/pkg/response"
)

// Service maintains the queue of confirmed orders and selects
// counter-orders with price-time priority. Settlement and order status
// transitions stay with the order state machine; this service only owns
// queue entries and executed trades.
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// Enqueue adds a confirmed order to the matching queue. Enqueueing an
// order twice is a no-op so redelivered confirmations are safe.
func (s *Service) Enqueue(orderID, customerID, assetName string, side types.OrderSide, price, size decimal.Decimal) error {
	logger := log.With().
		Str("order_id", orderID).
		Str("asset_name", assetName).
		Str("service", "matching").
		Logger()

	existing, err := s.db.GetEntry(orderID)
	if err != nil {
		return err
	}
	if existing != nil {
		logger.Warn().Msg("order already queued, skipping")
		return nil
	}

	entry := &QueueEntry{
		OrderID:       orderID,
		CustomerID:    customerID,
		AssetName:     assetName,
		OrderSide:     side,
		Price:         price,
		RemainingSize: size,
		Status:        QueueActive,
		QueuedAt:      time.Now(),
	}

	if err := s.db.CreateEntry(entry); err != nil {
		return err
	}

	logger.Info().
		Str("side", string(side)).
		Str("price", price.String()).
		Str("size", size.String()).
		Msg("order queued for matching")
	return nil
}

// Remove takes an order out of the queue, recording why.
func (s *Service) Remove(orderID, reason string) error {
	entry, err := s.db.GetEntry(orderID)
	if err != nil {
		return err
	}
	if entry == nil || entry.Status != QueueActive {
		return nil
	}

	now := time.Now()
	entry.Status = QueueCancelled
	entry.RemovedAt = &now
	entry.RemoveReason = reason

	if err := s.db.UpdateEntry(entry); err != nil {
		return err
	}

	log.Info().
		Str("order_id", orderID).
		Str("reason", reason).
		Str("service", "matching").
		Msg("order removed from queue")
	return nil
}

// GetEntry returns the queue entry for an order, or nil when the order
// was never queued.
func (s *Service) GetEntry(orderID string) (*QueueEntry, error) {
	return s.db.GetEntry(orderID)
}

// SelectCounterOrder picks the best eligible counter-order for the
// taker entry: opposite side, same asset, compatible price, best price
// first, earliest queued among ties. Returns nil when the book has no
// compatible order.
func (s *Service) SelectCounterOrder(taker *QueueEntry) (*QueueEntry, error) {
	if taker.Status != QueueActive {
		return nil, fmt.Errorf("order %s not active in queue: %w", taker.OrderID, types.ErrInvalidState)
	}
	return s.db.BestCounterEntry(taker.AssetName, taker.OrderSide, taker.Price, taker.CustomerID)
}

// ExecuteTrade records the fill of taker against maker at the maker's
// price and removes both entries from the queue. The trade event is
// written in the same transaction as the trade row.
func (s *Service) ExecuteTrade(taker, maker *QueueEntry) (*Trade, error) {
	logger := log.With().
		Str("taker_order_id", taker.OrderID).
		Str("maker_order_id", maker.OrderID).
		Str("asset_name", taker.AssetName).
		Str("service", "matching").
		Logger()

	quantity := taker.RemainingSize
	if maker.RemainingSize.LessThan(quantity) {
		quantity = maker.RemainingSize
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("no remaining size to match: %w", types.ErrInvalidState)
	}

	tradePrice := maker.Price

	buyOrderID, sellOrderID := taker.OrderID, maker.OrderID
	buyerID, sellerID := taker.CustomerID, maker.CustomerID
	if taker.OrderSide == types.SideSell {
		buyOrderID, sellOrderID = maker.OrderID, taker.OrderID
		buyerID, sellerID = maker.CustomerID, taker.CustomerID
	}

	trade := &Trade{
		TradeID:          uuid.New().String(),
		BuyOrderID:       buyOrderID,
		SellOrderID:      sellOrderID,
		BuyerCustomerID:  buyerID,
		SellerCustomerID: sellerID,
		AssetName:        taker.AssetName,
		Quantity:         quantity,
		Price:            tradePrice,
		TotalValue:       quantity.Mul(tradePrice),
		ExecutedAt:       time.Now(),
	}

	event, err := outbox.NewEvent(types.EntityTrade, trade.TradeID, types.ActionOrderMatched, buyerID, nil, trade.Snapshot())
	if err != nil {
		return nil, err
	}

	if err := s.db.CreateTradeWithEntries(trade, taker, maker, event); err != nil {
		return nil, err
	}

	logger.Info().
		Str("trade_id", trade.TradeID).
		Str("quantity", trade.Quantity.String()).
		Str("price", trade.Price.String()).
		Msg("trade executed")
	return trade, nil
}

// ActiveOrderCount reports the number of orders waiting in the queue.
func (s *Service) ActiveOrderCount() (int64, error) {
	return s.db.CountActive()
}

// TradesForOrder lists the trades an order participated in.
func (s *Service) TradesForOrder(orderID string) ([]Trade, error) {
	return s.db.ListTradesForOrder(orderID)
}

// GinHandlers contains HTTP handlers for matching endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) RecentTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assetName := c.Param("asset_name")
		if assetName == "" {
			response.BadRequest(c, "asset name is required")
			return
		}

		trades, err := h.service.db.ListTradesByAsset(assetName, 50)
		response.Handle(c, trades, err)
	}
}

func (h *GinHandlers) QueueDepthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := h.service.ActiveOrderCount()
		response.Handle(c, gin.H{"active_orders": count}, err)
	}
}
