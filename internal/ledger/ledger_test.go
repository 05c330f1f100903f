package ledger

import (
	"fmt"
	"strings"
	"sync"
	"testing"

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

	require.NoError(t, db.AutoMigrate(&CustomerAsset{}, &outbox.Event{}))
	return db
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertInvariant(t *testing.T, asset *CustomerAsset) {
	t.Helper()
	assert.True(t, asset.Size.Equal(asset.UsableSize.Add(asset.BlockedSize)),
		"size %s != usable %s + blocked %s", asset.Size, asset.UsableSize, asset.BlockedSize)
	assert.False(t, asset.UsableSize.IsNegative())
	assert.False(t, asset.BlockedSize.IsNegative())
}

func TestDepositCreatesLedgerRow(t *testing.T) {
	svc := NewService(newTestDB(t))

	asset, err := svc.Deposit("CUST-1", types.CashAsset, dec("250.50"))
	require.NoError(t, err)

	assert.True(t, asset.Size.Equal(dec("250.50")))
	assert.True(t, asset.UsableSize.Equal(dec("250.50")))
	assert.True(t, asset.BlockedSize.IsZero())
	assertInvariant(t, asset)
}

func TestDepositRejectsNonPositiveAmount(t *testing.T) {
	svc := NewService(newTestDB(t))

	_, err := svc.Deposit("CUST-1", types.CashAsset, decimal.Zero)
	assert.ErrorIs(t, err, types.ErrInvalidAmount)

	_, err = svc.Deposit("CUST-1", types.CashAsset, dec("-5"))
	assert.ErrorIs(t, err, types.ErrInvalidAmount)
}

func TestWithdrawRoundTrip(t *testing.T) {
	svc := NewService(newTestDB(t))

	_, err := svc.Deposit("CUST-1", types.CashAsset, dec("100"))
	require.NoError(t, err)

	asset, err := svc.Withdraw("CUST-1", types.CashAsset, dec("40"))
	require.NoError(t, err)
	assert.True(t, asset.Size.Equal(dec("60")))
	assert.True(t, asset.UsableSize.Equal(dec("60")))
	assertInvariant(t, asset)
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	svc := NewService(newTestDB(t))

	_, err := svc.Deposit("CUST-1", types.CashAsset, dec("30"))
	require.NoError(t, err)

	_, err = svc.Withdraw("CUST-1", types.CashAsset, dec("31"))
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)

	// The failed withdrawal must not touch the balance.
	asset, err := svc.GetCustomerAsset("CUST-1", types.CashAsset)
	require.NoError(t, err)
	assert.True(t, asset.UsableSize.Equal(dec("30")))
}

func TestWithdrawUnknownAssetNotFound(t *testing.T) {
	svc := NewService(newTestDB(t))

	_, err := svc.Withdraw("CUST-1", "AAPL", dec("1"))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestReserveBlocksFunds(t *testing.T) {
	svc := NewService(newTestDB(t))

	_, err := svc.Deposit("CUST-1", types.CashAsset, dec("100"))
	require.NoError(t, err)

	asset, err := svc.Reserve("CUST-1", types.CashAsset, dec("70"))
	require.NoError(t, err)
	assert.True(t, asset.UsableSize.Equal(dec("30")))
	assert.True(t, asset.BlockedSize.Equal(dec("70")))
	assert.True(t, asset.Size.Equal(dec("100")))
	assertInvariant(t, asset)

	// Blocked funds cannot be withdrawn or reserved again.
	_, err = svc.Withdraw("CUST-1", types.CashAsset, dec("31"))
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)
	_, err = svc.Reserve("CUST-1", types.CashAsset, dec("31"))
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)
}

func TestReleaseReturnsFundsToUsable(t *testing.T) {
	svc := NewService(newTestDB(t))

	_, err := svc.Deposit("CUST-1", "AAPL", dec("50"))
	require.NoError(t, err)
	_, err = svc.Reserve("CUST-1", "AAPL", dec("20"))
	require.NoError(t, err)

	asset, err := svc.Release("CUST-1", "AAPL", dec("20"))
	require.NoError(t, err)
	assert.True(t, asset.UsableSize.Equal(dec("50")))
	assert.True(t, asset.BlockedSize.IsZero())
	assertInvariant(t, asset)
}

func TestReleaseMoreThanBlocked(t *testing.T) {
	svc := NewService(newTestDB(t))

	_, err := svc.Deposit("CUST-1", "AAPL", dec("50"))
	require.NoError(t, err)
	_, err = svc.Reserve("CUST-1", "AAPL", dec("10"))
	require.NoError(t, err)

	_, err = svc.Release("CUST-1", "AAPL", dec("11"))
	assert.ErrorIs(t, err, types.ErrInvalidReservation)
}

func TestMutationsAppendOutboxEvents(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)

	_, err := svc.Deposit("CUST-1", types.CashAsset, dec("100"))
	require.NoError(t, err)
	_, err = svc.Reserve("CUST-1", types.CashAsset, dec("40"))
	require.NoError(t, err)

	var events []outbox.Event
	require.NoError(t, db.Order("id ASC").Find(&events).Error)
	require.Len(t, events, 2)
	assert.Equal(t, types.ActionAssetDeposited, events[0].Action)
	assert.Equal(t, types.ActionAssetReserved, events[1].Action)
	assert.Equal(t, "CUST-1:TRY", events[0].AggregateID)
	assert.Equal(t, outbox.TopicAssetEvents, events[0].Topic)
}

func TestSettleMatchMovesAllFourLegs(t *testing.T) {
	svc := NewService(newTestDB(t))

	// Buyer holds reserved cash, seller holds reserved shares.
	_, err := svc.Deposit("BUYER", types.CashAsset, dec("1000"))
	require.NoError(t, err)
	_, err = svc.Reserve("BUYER", types.CashAsset, dec("500"))
	require.NoError(t, err)
	_, err = svc.Deposit("SELLER", "AAPL", dec("10"))
	require.NoError(t, err)
	_, err = svc.Reserve("SELLER", "AAPL", dec("5"))
	require.NoError(t, err)

	require.NoError(t, svc.SettleMatch("BUYER", "SELLER", "AAPL", dec("5"), dec("500"), decimal.Zero))

	buyerCash, err := svc.GetCustomerAsset("BUYER", types.CashAsset)
	require.NoError(t, err)
	assert.True(t, buyerCash.Size.Equal(dec("500")))
	assert.True(t, buyerCash.BlockedSize.IsZero())
	assertInvariant(t, buyerCash)

	buyerShares, err := svc.GetCustomerAsset("BUYER", "AAPL")
	require.NoError(t, err)
	assert.True(t, buyerShares.UsableSize.Equal(dec("5")))
	assertInvariant(t, buyerShares)

	sellerShares, err := svc.GetCustomerAsset("SELLER", "AAPL")
	require.NoError(t, err)
	assert.True(t, sellerShares.Size.Equal(dec("5")))
	assert.True(t, sellerShares.BlockedSize.IsZero())
	assertInvariant(t, sellerShares)

	sellerCash, err := svc.GetCustomerAsset("SELLER", types.CashAsset)
	require.NoError(t, err)
	assert.True(t, sellerCash.UsableSize.Equal(dec("500")))
	assertInvariant(t, sellerCash)
}

func TestSettleMatchReleasesBuyerSurplus(t *testing.T) {
	svc := NewService(newTestDB(t))

	// Buyer blocked 600 for an order that executes at 500.
	_, err := svc.Deposit("BUYER", types.CashAsset, dec("1000"))
	require.NoError(t, err)
	_, err = svc.Reserve("BUYER", types.CashAsset, dec("600"))
	require.NoError(t, err)
	_, err = svc.Deposit("SELLER", "AAPL", dec("10"))
	require.NoError(t, err)
	_, err = svc.Reserve("SELLER", "AAPL", dec("5"))
	require.NoError(t, err)

	require.NoError(t, svc.SettleMatch("BUYER", "SELLER", "AAPL", dec("5"), dec("500"), dec("100")))

	buyerCash, err := svc.GetCustomerAsset("BUYER", types.CashAsset)
	require.NoError(t, err)
	assert.True(t, buyerCash.Size.Equal(dec("500")))
	assert.True(t, buyerCash.UsableSize.Equal(dec("500")))
	assert.True(t, buyerCash.BlockedSize.IsZero())
	assertInvariant(t, buyerCash)
}

func TestApplySettlementRollsBackAllLegsOnStaleVersion(t *testing.T) {
	svc := NewService(newTestDB(t))

	_, err := svc.Deposit("BUYER", types.CashAsset, dec("1000"))
	require.NoError(t, err)
	_, err = svc.Reserve("BUYER", types.CashAsset, dec("500"))
	require.NoError(t, err)
	_, err = svc.Deposit("SELLER", "AAPL", dec("10"))
	require.NoError(t, err)
	_, err = svc.Reserve("SELLER", "AAPL", dec("5"))
	require.NoError(t, err)

	debit, err := svc.db.GetAsset("BUYER", types.CashAsset)
	require.NoError(t, err)
	credit, err := svc.db.GetAsset("SELLER", "AAPL")
	require.NoError(t, err)

	debit.BlockedSize = debit.BlockedSize.Sub(dec("500"))
	debit.Size = debit.Size.Sub(dec("500"))
	credit.BlockedSize = credit.BlockedSize.Sub(dec("5"))
	credit.Size = credit.Size.Sub(dec("5"))

	// A concurrent writer bumps the credit row's version between the
	// read and the settlement attempt.
	_, err = svc.Deposit("SELLER", "AAPL", dec("1"))
	require.NoError(t, err)

	applied, err := svc.db.ApplySettlement([]settleLeg{{asset: debit}, {asset: credit}}, nil)
	require.NoError(t, err)
	assert.False(t, applied)

	// The debit leg went through inside the transaction and must have
	// rolled back together with the stale credit leg.
	buyerCash, err := svc.GetCustomerAsset("BUYER", types.CashAsset)
	require.NoError(t, err)
	assert.True(t, buyerCash.Size.Equal(dec("1000")))
	assert.True(t, buyerCash.BlockedSize.Equal(dec("500")))
	assertInvariant(t, buyerCash)

	sellerShares, err := svc.GetCustomerAsset("SELLER", "AAPL")
	require.NoError(t, err)
	assert.True(t, sellerShares.Size.Equal(dec("11")))
	assert.True(t, sellerShares.BlockedSize.Equal(dec("5")))
	assertInvariant(t, sellerShares)
}

func TestSettleMatchRejectsShortBlockedFunds(t *testing.T) {
	svc := NewService(newTestDB(t))

	_, err := svc.Deposit("BUYER", types.CashAsset, dec("1000"))
	require.NoError(t, err)
	_, err = svc.Reserve("BUYER", types.CashAsset, dec("100"))
	require.NoError(t, err)
	_, err = svc.Deposit("SELLER", "AAPL", dec("10"))
	require.NoError(t, err)
	_, err = svc.Reserve("SELLER", "AAPL", dec("5"))
	require.NoError(t, err)

	// Buyer only has 100 blocked, settlement needs 500.
	err = svc.SettleMatch("BUYER", "SELLER", "AAPL", dec("5"), dec("500"), decimal.Zero)
	assert.ErrorIs(t, err, types.ErrInvalidReservation)

	// Nothing moved on either side.
	buyerCash, err := svc.GetCustomerAsset("BUYER", types.CashAsset)
	require.NoError(t, err)
	assert.True(t, buyerCash.BlockedSize.Equal(dec("100")))
	sellerShares, err := svc.GetCustomerAsset("SELLER", "AAPL")
	require.NoError(t, err)
	assert.True(t, sellerShares.BlockedSize.Equal(dec("5")))
}

func TestSettleMatchRejectsSelfSettlement(t *testing.T) {
	svc := NewService(newTestDB(t))

	err := svc.SettleMatch("CUST-1", "CUST-1", "AAPL", dec("1"), dec("10"), decimal.Zero)
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestConcurrentReservesKeepInvariant(t *testing.T) {
	svc := NewService(newTestDB(t))

	_, err := svc.Deposit("CUST-1", types.CashAsset, dec("100"))
	require.NoError(t, err)

	const workers = 4
	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Reserve("CUST-1", types.CashAsset, dec("25")); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	reserved := decimal.Zero
	for range successes {
		reserved = reserved.Add(dec("25"))
	}

	asset, err := svc.GetCustomerAsset("CUST-1", types.CashAsset)
	require.NoError(t, err)
	assert.True(t, asset.BlockedSize.Equal(reserved),
		"blocked %s does not match %s reserved", asset.BlockedSize, reserved)
	assertInvariant(t, asset)
}
