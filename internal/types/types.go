package types

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Valid reports whether s is a known order side.
func (s OrderSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the counter side used when selecting matching orders.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of an order.
//
// PENDING -> ASSET_RESERVED -> ORDER_CONFIRMED -> MATCHED, with
// CANCELLED reachable from the first three, REJECTED when the
// reservation is denied, and FAILED after a downstream error.
// MATCHED, CANCELLED, REJECTED and FAILED are terminal.
type OrderStatus string

const (
	StatusPending       OrderStatus = "PENDING"
	StatusAssetReserved OrderStatus = "ASSET_RESERVED"
	StatusConfirmed     OrderStatus = "ORDER_CONFIRMED"
	StatusMatched       OrderStatus = "MATCHED"
	StatusCancelled     OrderStatus = "CANCELLED"
	StatusRejected      OrderStatus = "REJECTED"
	StatusFailed        OrderStatus = "FAILED"
)

// Terminal reports whether no further transition is permitted.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusMatched, StatusCancelled, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Cancellable reports whether a cancel request is still permitted.
func (s OrderStatus) Cancellable() bool {
	switch s {
	case StatusPending, StatusAssetReserved, StatusConfirmed:
		return true
	}
	return false
}

// OrderType distinguishes limit and market orders. Only LIMIT orders
// are matched; the type is carried for reporting.
type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

// CashAsset is the ledger entry name used for customer cash balances.
const CashAsset = "TRY"

// Roles carried in JWT claims and used to build authorization decisions.
const (
	RoleCustomer = "CUSTOMER"
	RoleBroker   = "BROKER"
	RoleAdmin    = "ADMIN"
)

// Decision is the authorization outcome computed at the boundary and
// injected into cancel/match as a precondition. The state machine only
// consults Allowed and ActorID; role evaluation never happens inside it.
type Decision struct {
	ActorID string
	Role    string
	Allowed bool
}

// Elevated reports whether the actor may operate on other customers'
// orders.
func (d Decision) Elevated() bool {
	return d.Role == RoleBroker || d.Role == RoleAdmin
}
