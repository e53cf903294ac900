package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the durable account record.
type Account struct {
	ID                 string          `gorm:"primaryKey" json:"id"`
	Type               AccountType     `gorm:"index" json:"type"`
	UserID             string          `gorm:"index" json:"userId"`
	GroupID            string          `gorm:"index" json:"groupId"`
	Balance            decimal.Decimal `gorm:"type:numeric" json:"balance"`
	Leverage           int64           `json:"leverage"`
	Active             bool            `json:"active"`
	SelfTradingEnabled bool            `json:"selfTradingEnabled"`

	// OrderFlow holds the raw per-account flow setting. Empty or
	// unrecognized values resolve to the local flow.
	OrderFlow string `json:"orderFlow"`

	// FallbackEquity is used for lot sizing when the live equity
	// mirror is unavailable.
	FallbackEquity decimal.Decimal `gorm:"type:numeric" json:"fallbackEquity"`

	// MaxInvestors caps follower links for provider accounts. Zero
	// means unlimited.
	MaxInvestors int `json:"maxInvestors"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PartitionKey returns the cache partition tag for the account.
func (a Account) PartitionKey() string {
	return PartitionKey(a.Type, a.ID)
}

// PartitionKey derives the cache partition tag for an account. Every
// cache key touched by one account's mutation carries this tag so the
// keys land in the same shard.
func PartitionKey(accountType AccountType, accountID string) string {
	return string(accountType) + ":" + accountID
}

// SymbolGroup holds per-group trading limits for a symbol.
type SymbolGroup struct {
	ID           string          `gorm:"primaryKey" json:"id"`
	GroupID      string          `gorm:"index:idx_group_symbol,unique" json:"groupId"`
	Symbol       string          `gorm:"index:idx_group_symbol,unique" json:"symbol"`
	MinLot       decimal.Decimal `gorm:"type:numeric" json:"minLot"`
	MaxLot       decimal.Decimal `gorm:"type:numeric" json:"maxLot"`
	ContractSize decimal.Decimal `gorm:"type:numeric" json:"contractSize"`
	Leverage     int64           `json:"leverage"`
}

// Order is the root order record. The id never changes; working ids
// issued for later mutations live in the lifecycle ledger.
type Order struct {
	ID          string          `gorm:"primaryKey" json:"id"`
	AccountType AccountType     `gorm:"index:idx_order_owner" json:"accountType"`
	AccountID   string          `gorm:"index:idx_order_owner" json:"accountId"`
	Symbol      string          `gorm:"index" json:"symbol"`
	Side        OrderSide       `json:"side"`
	Type        OrderType       `json:"type"`
	Price       decimal.Decimal `gorm:"type:numeric" json:"price"`
	Quantity    decimal.Decimal `gorm:"type:numeric" json:"quantity"`
	Status      OrderStatus     `gorm:"index" json:"status"`

	StopLoss   decimal.Decimal `gorm:"type:numeric" json:"stopLoss"`
	TakeProfit decimal.Decimal `gorm:"type:numeric" json:"takeProfit"`
	ClosePrice decimal.Decimal `gorm:"type:numeric" json:"closePrice"`

	Margin        decimal.Decimal `gorm:"type:numeric" json:"margin"`
	ContractValue decimal.Decimal `gorm:"type:numeric" json:"contractValue"`
	Profit        decimal.Decimal `gorm:"type:numeric" json:"profit"`

	// MasterOrderID links a replicated follower order back to the
	// strategy provider's order.
	MasterOrderID string `gorm:"index" json:"masterOrderId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PartitionKey returns the cache partition tag for the order's owner.
func (o Order) PartitionKey() string {
	return PartitionKey(o.AccountType, o.AccountID)
}

// LifecycleRecord is one issued working id for an order. Records are
// append-only; at most one record per (OrderID, IDType) is active.
type LifecycleRecord struct {
	ID          uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID     string          `gorm:"index:idx_lifecycle_order" json:"orderId"`
	IDType      LifecycleIDType `gorm:"index:idx_lifecycle_order" json:"idType"`
	LifecycleID string          `gorm:"uniqueIndex" json:"lifecycleId"`
	Status      LifecycleStatus `gorm:"index" json:"status"`
	Note        string          `json:"note,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// FollowerAccount is a copy-trading subscription to a strategy provider.
type FollowerAccount struct {
	ID               string          `gorm:"primaryKey" json:"id"`
	UserID           string          `gorm:"index" json:"userId"`
	AccountID        string          `gorm:"index" json:"accountId"`
	ProviderID       string          `gorm:"index" json:"providerId"`
	InvestmentAmount decimal.Decimal `gorm:"type:numeric" json:"investmentAmount"`
	CopyStatus       FollowStatus    `gorm:"index" json:"copyStatus"`

	MaxDailyLoss          decimal.Decimal `gorm:"type:numeric" json:"maxDailyLoss"`
	StopCopyingOnDrawdown decimal.Decimal `gorm:"type:numeric" json:"stopCopyingOnDrawdown"`
	MaxLotSize            decimal.Decimal `gorm:"type:numeric" json:"maxLotSize"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FollowerOrder is the replication audit record for one follower copy
// of a master order. OrderID is empty when the copy was skipped before
// dispatch.
type FollowerOrder struct {
	ID            string `gorm:"primaryKey" json:"id"`
	FollowerID    string `gorm:"index" json:"followerId"`
	OrderID       string `gorm:"index" json:"orderId,omitempty"`
	MasterOrderID string `gorm:"index" json:"masterOrderId"`

	Symbol string    `json:"symbol"`
	Side   OrderSide `json:"side"`

	MasterLotSize            decimal.Decimal `gorm:"type:numeric" json:"masterLotSize"`
	MasterEquityAtCopy       decimal.Decimal `gorm:"type:numeric" json:"masterEquityAtCopy"`
	FollowerInvestmentAtCopy decimal.Decimal `gorm:"type:numeric" json:"followerInvestmentAtCopy"`
	LotRatio                 decimal.Decimal `gorm:"type:numeric" json:"lotRatio"`
	CalculatedLotSize        decimal.Decimal `gorm:"type:numeric" json:"calculatedLotSize"`
	FinalLotSize             decimal.Decimal `gorm:"type:numeric" json:"finalLotSize"`

	CopyStatus    CopyStatus `gorm:"index" json:"copyStatus"`
	FailureReason string     `json:"failureReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Assignment links a source account to a delegated target account.
type Assignment struct {
	ID        string           `gorm:"primaryKey" json:"id"`
	SourceID  string           `gorm:"index" json:"sourceId"`
	TargetID  string           `gorm:"index" json:"targetId"`
	Status    AssignmentStatus `gorm:"index" json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Distribution is the per-master-order replication summary.
type Distribution struct {
	MasterOrderID string    `gorm:"primaryKey" json:"masterOrderId"`
	Successful    int       `json:"successful"`
	Failed        int       `json:"failed"`
	Skipped       int       `json:"skipped"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
