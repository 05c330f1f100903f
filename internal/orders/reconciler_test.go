package orders

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokage/brokage-api/internal/saga"
	"github.com/brokage/brokage-api/internal/types"
)

func expireSaga(t *testing.T, stack *testStack, correlationID string) {
	t.Helper()
	require.NoError(t, stack.db.Model(&saga.Instance{}).
		Where("correlation_id = ?", correlationID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)
}

func TestReconcilerFailsStuckOrder(t *testing.T) {
	stack := newTestStack(t)

	// An order that reserved funds but whose pipeline died before
	// confirmation.
	_, err := stack.ledger.Deposit("CUST-1", types.CashAsset, dec("1000"))
	require.NoError(t, err)
	_, err = stack.ledger.Reserve("CUST-1", types.CashAsset, dec("100"))
	require.NoError(t, err)

	stuck := &Order{
		OrderID:    "stuck-1",
		CustomerID: "CUST-1",
		AssetName:  "AAPL",
		OrderSide:  types.SideBuy,
		OrderType:  types.TypeLimit,
		Size:       dec("10"),
		Price:      dec("10"),
		Status:     types.StatusAssetReserved,
	}
	require.NoError(t, stack.db.Create(stuck).Error)

	_, err = stack.sagas.Start("stuck-1", saga.TypeOrderProcessing)
	require.NoError(t, err)
	require.NoError(t, stack.sagas.Advance("stuck-1", saga.StepValidate))

	reconciler := NewReconciler(stack.orders)

	// Sweeps inside the retry budget only push the deadline out.
	for i := 1; i <= saga.MaxRetries; i++ {
		expireSaga(t, stack, "stuck-1")
		require.NoError(t, reconciler.processTimedOutSagas())

		order, err := stack.orders.db.GetOrder("stuck-1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusAssetReserved, order.Status)

		instance, err := stack.sagas.Get("stuck-1")
		require.NoError(t, err)
		assert.Equal(t, i, instance.RetryCount)
	}

	// The budget is spent; the next sweep fails the order.
	expireSaga(t, stack, "stuck-1")
	require.NoError(t, reconciler.processTimedOutSagas())

	order, err := stack.orders.db.GetOrder("stuck-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, order.Status)
	assert.NotEmpty(t, order.RejectionReason)

	// The reservation was released back to usable.
	cash, err := stack.ledger.GetCustomerAsset("CUST-1", types.CashAsset)
	require.NoError(t, err)
	assert.True(t, cash.UsableSize.Equal(dec("1000")))
	assert.True(t, cash.BlockedSize.IsZero())

	instance, err := stack.sagas.Get("stuck-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, instance.Status)
}

func TestReconcilerLeavesTerminalOrdersAlone(t *testing.T) {
	stack := newTestStack(t)

	_, err := stack.ledger.Deposit("CUST-1", types.CashAsset, dec("1000"))
	require.NoError(t, err)

	order, err := stack.orders.Submit(buyRequest("AAPL", "10", "10"), "CUST-1", "key-1")
	require.NoError(t, err)
	_, err = stack.orders.Cancel(order.OrderID, customerDecision("CUST-1"))
	require.NoError(t, err)

	// Force the (already compensated) saga back open and expire it to
	// simulate a sweep racing the cancel path.
	require.NoError(t, stack.db.Model(&saga.Instance{}).
		Where("correlation_id = ?", order.OrderID).
		Update("status", saga.StatusInProgress).Error)
	expireSaga(t, stack, order.OrderID)

	reconciler := NewReconciler(stack.orders)
	require.NoError(t, reconciler.processTimedOutSagas())

	// The cancelled order stays cancelled and the balance untouched.
	got, err := stack.orders.db.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)

	cash, err := stack.ledger.GetCustomerAsset("CUST-1", types.CashAsset)
	require.NoError(t, err)
	assert.True(t, cash.UsableSize.Equal(dec("1000")))

	instance, err := stack.sagas.Get(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, instance.Status)
}
