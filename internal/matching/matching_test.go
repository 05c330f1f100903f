package matching

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/brokage/brokage-api/internal/outbox"
	"github.com/brokage/brokage-api/internal/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&QueueEntry{}, &Trade{}, &outbox.Event{}))
	return db
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func enqueue(t *testing.T, svc *Service, orderID, customerID string, side types.OrderSide, price string) {
	t.Helper()
	require.NoError(t, svc.Enqueue(orderID, customerID, "AAPL", side, dec(price), dec("10")))
}

func TestEnqueueIsIdempotent(t *testing.T) {
	svc := NewService(newTestDB(t))

	enqueue(t, svc, "order-1", "CUST-1", types.SideBuy, "10")
	enqueue(t, svc, "order-1", "CUST-1", types.SideBuy, "10")

	count, err := svc.ActiveOrderCount()
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestSelectCounterOrderBestPriceWins(t *testing.T) {
	svc := NewService(newTestDB(t))

	enqueue(t, svc, "sell-high", "CUST-2", types.SideSell, "12")
	enqueue(t, svc, "sell-low", "CUST-3", types.SideSell, "9")
	enqueue(t, svc, "buy-1", "CUST-1", types.SideBuy, "12")

	taker, err := svc.GetEntry("buy-1")
	require.NoError(t, err)

	// A buyer willing to pay 12 gets the cheapest compatible ask.
	maker, err := svc.SelectCounterOrder(taker)
	require.NoError(t, err)
	require.NotNil(t, maker)
	assert.Equal(t, "sell-low", maker.OrderID)
}

func TestSelectCounterOrderTimeBreaksTies(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)

	enqueue(t, svc, "sell-first", "CUST-2", types.SideSell, "10")
	// Force distinct queue times; sqlite stores them with full precision.
	require.NoError(t, db.Model(&QueueEntry{}).
		Where("order_id = ?", "sell-first").
		Update("queued_at", time.Now().Add(-time.Minute)).Error)
	enqueue(t, svc, "sell-second", "CUST-3", types.SideSell, "10")
	enqueue(t, svc, "buy-1", "CUST-1", types.SideBuy, "10")

	taker, err := svc.GetEntry("buy-1")
	require.NoError(t, err)

	maker, err := svc.SelectCounterOrder(taker)
	require.NoError(t, err)
	require.NotNil(t, maker)
	assert.Equal(t, "sell-first", maker.OrderID)
}

func TestSelectCounterOrderPriceCompatibility(t *testing.T) {
	svc := NewService(newTestDB(t))

	enqueue(t, svc, "sell-1", "CUST-2", types.SideSell, "11")
	enqueue(t, svc, "buy-1", "CUST-1", types.SideBuy, "10")

	taker, err := svc.GetEntry("buy-1")
	require.NoError(t, err)

	// The only ask is above the bid; no match.
	maker, err := svc.SelectCounterOrder(taker)
	require.NoError(t, err)
	assert.Nil(t, maker)
}

func TestSelectCounterOrderForSellTaker(t *testing.T) {
	svc := NewService(newTestDB(t))

	enqueue(t, svc, "buy-low", "CUST-2", types.SideBuy, "10")
	enqueue(t, svc, "buy-high", "CUST-3", types.SideBuy, "12")
	enqueue(t, svc, "sell-1", "CUST-1", types.SideSell, "10")

	taker, err := svc.GetEntry("sell-1")
	require.NoError(t, err)

	// A seller asking 10 gets the highest compatible bid.
	maker, err := svc.SelectCounterOrder(taker)
	require.NoError(t, err)
	require.NotNil(t, maker)
	assert.Equal(t, "buy-high", maker.OrderID)
}

func TestSelectCounterOrderExcludesSameCustomer(t *testing.T) {
	svc := NewService(newTestDB(t))

	enqueue(t, svc, "sell-own", "CUST-1", types.SideSell, "10")
	enqueue(t, svc, "buy-1", "CUST-1", types.SideBuy, "10")

	taker, err := svc.GetEntry("buy-1")
	require.NoError(t, err)

	maker, err := svc.SelectCounterOrder(taker)
	require.NoError(t, err)
	assert.Nil(t, maker)
}

func TestExecuteTradeFillsBothEntries(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)

	enqueue(t, svc, "buy-1", "CUST-1", types.SideBuy, "12")
	enqueue(t, svc, "sell-1", "CUST-2", types.SideSell, "10")

	taker, err := svc.GetEntry("buy-1")
	require.NoError(t, err)
	maker, err := svc.GetEntry("sell-1")
	require.NoError(t, err)

	trade, err := svc.ExecuteTrade(taker, maker)
	require.NoError(t, err)

	// The resting order sets the price.
	assert.True(t, trade.Price.Equal(dec("10")))
	assert.True(t, trade.Quantity.Equal(dec("10")))
	assert.True(t, trade.TotalValue.Equal(dec("100")))
	assert.Equal(t, "buy-1", trade.BuyOrderID)
	assert.Equal(t, "sell-1", trade.SellOrderID)
	assert.Equal(t, "CUST-1", trade.BuyerCustomerID)
	assert.Equal(t, "CUST-2", trade.SellerCustomerID)

	for _, orderID := range []string{"buy-1", "sell-1"} {
		entry, err := svc.GetEntry(orderID)
		require.NoError(t, err)
		assert.Equal(t, QueueFilled, entry.Status)
		assert.True(t, entry.RemainingSize.IsZero())
	}

	count, err := svc.ActiveOrderCount()
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)

	// The trade event committed with the trade.
	var events []outbox.Event
	require.NoError(t, db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, types.ActionOrderMatched, events[0].Action)
	assert.Equal(t, trade.TradeID, events[0].AggregateID)
}

func TestRemoveTakesEntryOutOfBook(t *testing.T) {
	svc := NewService(newTestDB(t))

	enqueue(t, svc, "buy-1", "CUST-1", types.SideBuy, "10")
	require.NoError(t, svc.Remove("buy-1", "order cancelled"))

	entry, err := svc.GetEntry("buy-1")
	require.NoError(t, err)
	assert.Equal(t, QueueCancelled, entry.Status)
	assert.Equal(t, "order cancelled", entry.RemoveReason)
	require.NotNil(t, entry.RemovedAt)

	// Removing again or removing an unknown order is a no-op.
	require.NoError(t, svc.Remove("buy-1", "again"))
	require.NoError(t, svc.Remove("missing", "whatever"))

	enqueue(t, svc, "sell-1", "CUST-2", types.SideSell, "10")
	taker, err := svc.GetEntry("sell-1")
	require.NoError(t, err)
	maker, err := svc.SelectCounterOrder(taker)
	require.NoError(t, err)
	assert.Nil(t, maker, "cancelled entries must not be selected")
}

func TestTradeQueries(t *testing.T) {
	svc := NewService(newTestDB(t))

	enqueue(t, svc, "buy-1", "CUST-1", types.SideBuy, "10")
	enqueue(t, svc, "sell-1", "CUST-2", types.SideSell, "10")

	taker, _ := svc.GetEntry("buy-1")
	maker, _ := svc.GetEntry("sell-1")
	trade, err := svc.ExecuteTrade(taker, maker)
	require.NoError(t, err)

	forOrder, err := svc.TradesForOrder("sell-1")
	require.NoError(t, err)
	require.Len(t, forOrder, 1)
	assert.Equal(t, trade.TradeID, forOrder[0].TradeID)

	byAsset, err := svc.db.ListTradesByAsset("AAPL", 10)
	require.NoError(t, err)
	assert.Len(t, byAsset, 1)

	got, err := svc.db.GetTrade(trade.TradeID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, trade.BuyOrderID, got.BuyOrderID)
}
