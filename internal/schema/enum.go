package schema

// AccountType classifies the owner of an order.
type AccountType string

const (
	AccountTypeDemo     AccountType = "demo"
	AccountTypeLive     AccountType = "live"
	AccountTypeProvider AccountType = "provider"
	AccountTypeFollower AccountType = "follower"
)

// OrderStatus is the persisted order state.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusQueued    OrderStatus = "QUEUED"
	OrderStatusClosed    OrderStatus = "CLOSED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusSkipped   OrderStatus = "SKIPPED"
)

// IsTerminal reports whether no further mutation may touch the order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusClosed, OrderStatusCancelled, OrderStatusRejected, OrderStatusSkipped:
		return true
	default:
		return false
	}
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType distinguishes immediate from trigger-price orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// LifecycleIDType names the mutation a working id was issued for.
type LifecycleIDType string

const (
	LifecycleIDOrder          LifecycleIDType = "order_id"
	LifecycleIDStopLoss       LifecycleIDType = "stoploss_id"
	LifecycleIDStopLossCancel LifecycleIDType = "stoploss_cancel_id"
	LifecycleIDTakeProfit     LifecycleIDType = "takeprofit_id"
	LifecycleIDCancel         LifecycleIDType = "cancel_id"
	LifecycleIDModify         LifecycleIDType = "modify_id"
	LifecycleIDClose          LifecycleIDType = "close_id"
)

// LifecycleStatus is the state of one issued lifecycle id.
type LifecycleStatus string

const (
	LifecycleStatusActive    LifecycleStatus = "active"
	LifecycleStatusReplaced  LifecycleStatus = "replaced"
	LifecycleStatusExecuted  LifecycleStatus = "executed"
	LifecycleStatusCancelled LifecycleStatus = "cancelled"
	LifecycleStatusFailed    LifecycleStatus = "failed"
)

// IsTerminal reports whether the record can no longer transition.
func (s LifecycleStatus) IsTerminal() bool {
	return s != LifecycleStatusActive
}

// CopyStatus is the replication outcome recorded on a follower order.
type CopyStatus string

const (
	CopyStatusPending CopyStatus = "pending"
	CopyStatusCopied  CopyStatus = "copied"
	CopyStatusFailed  CopyStatus = "failed"
	CopyStatusSkipped CopyStatus = "skipped"
)

// FollowStatus is the copy subscription state of a follower account.
type FollowStatus string

const (
	FollowStatusActive  FollowStatus = "active"
	FollowStatusPaused  FollowStatus = "paused"
	FollowStatusStopped FollowStatus = "stopped"
)

// Order flow settings recognized on an account record. Anything else
// resolves to the local flow.
const (
	OrderFlowLocal    = "local"
	OrderFlowProvider = "provider"
)

// AssignmentStatus is the state of an account-to-account assignment.
type AssignmentStatus string

const (
	AssignmentStatusPending AssignmentStatus = "pending"
	AssignmentStatusActive  AssignmentStatus = "active"
	AssignmentStatusClosed  AssignmentStatus = "closed"
)
