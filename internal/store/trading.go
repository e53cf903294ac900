package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"main/internal/schema"
	"main/pkg/exception"
)

var openStatuses = []schema.OrderStatus{
	schema.OrderStatusOpen,
	schema.OrderStatusPending,
	schema.OrderStatusQueued,
}

// TradingStore is the gorm repository behind the order backbone. All
// mutations run through the retry-safe executor.
type TradingStore struct {
	exec *Executor
	db   *gorm.DB
}

// NewTradingStore creates the repository.
func NewTradingStore(db *gorm.DB, exec *Executor) *TradingStore {
	return &TradingStore{exec: exec, db: db}
}

// Migrate creates or updates the backing tables.
func (s *TradingStore) Migrate() error {
	return s.db.AutoMigrate(
		&schema.Account{},
		&schema.SymbolGroup{},
		&schema.Order{},
		&schema.LifecycleRecord{},
		&schema.FollowerAccount{},
		&schema.FollowerOrder{},
		&schema.Assignment{},
		&schema.Distribution{},
	)
}

// Account fetches one account record.
func (s *TradingStore) Account(ctx context.Context, accountID string) (*schema.Account, error) {
	var acct schema.Account
	err := s.db.WithContext(ctx).Where("id = ?", accountID).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exception.ErrOrderAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// Group fetches the symbol limits for a trading group.
func (s *TradingStore) Group(ctx context.Context, groupID, symbol string) (*schema.SymbolGroup, error) {
	var group schema.SymbolGroup
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND symbol = ?", groupID, symbol).
		First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exception.ErrOrderGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

// Order fetches one order by its root id.
func (s *TradingStore) Order(ctx context.Context, orderID string) (*schema.Order, error) {
	var o schema.Order
	err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exception.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// OpenOrders lists the account's non-terminal orders. This is the
// authoritative source the cache mirror rebuilds from.
func (s *TradingStore) OpenOrders(ctx context.Context, accountType schema.AccountType, accountID string) ([]schema.Order, error) {
	var orders []schema.Order
	err := s.db.WithContext(ctx).
		Where("account_type = ? AND account_id = ? AND status IN ?", accountType, accountID, openStatuses).
		Find(&orders).Error
	return orders, err
}

// OpenOrderCount counts the account's non-terminal orders.
func (s *TradingStore) OpenOrderCount(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&schema.Order{}).
		Where("account_id = ? AND status IN ?", accountID, openStatuses).
		Count(&n).Error
	return n, err
}

// SettleOpen persists a locally settled order under the account's row
// lock, rejecting it when free margin does not cover the order margin.
func (s *TradingStore) SettleOpen(ctx context.Context, o *schema.Order) error {
	return s.exec.WithAccountLock(ctx, o.AccountID, func(tx *gorm.DB, acct *schema.Account) error {
		used, err := sumOpenMargin(tx, o.AccountID)
		if err != nil {
			return err
		}
		if acct.Balance.Sub(used).LessThan(o.Margin) {
			return exception.ErrOrderInsufficientMargin
		}
		return tx.Create(o).Error
	})
}

// MarkQueued persists an order forwarded to the provider boundary.
// Margin is not applied until the confirmation callback.
func (s *TradingStore) MarkQueued(ctx context.Context, o *schema.Order) error {
	return s.exec.Transact(ctx, func(tx *gorm.DB) error {
		return tx.Create(o).Error
	})
}

// MarkOpen transitions a queued or pending order to OPEN and applies
// its margin under the account lock.
func (s *TradingStore) MarkOpen(ctx context.Context, orderID string, margin, contractValue decimal.Decimal) error {
	o, err := s.Order(ctx, orderID)
	if err != nil {
		return err
	}
	return s.exec.WithAccountLock(ctx, o.AccountID, func(tx *gorm.DB, acct *schema.Account) error {
		used, err := sumOpenMargin(tx, o.AccountID)
		if err != nil {
			return err
		}
		if acct.Balance.Sub(used).LessThan(margin) {
			return exception.ErrOrderInsufficientMargin
		}
		return tx.Model(&schema.Order{}).Where("id = ?", orderID).Updates(map[string]any{
			"status":         schema.OrderStatusOpen,
			"margin":         margin,
			"contract_value": contractValue,
		}).Error
	})
}

// MarkRejected flags an order the provider rejected. No margin was
// applied, so only the status changes.
func (s *TradingStore) MarkRejected(ctx context.Context, orderID string) error {
	return s.exec.Transact(ctx, func(tx *gorm.DB) error {
		return tx.Model(&schema.Order{}).Where("id = ?", orderID).
			Update("status", schema.OrderStatusRejected).Error
	})
}

// SettleClose closes an order and books its profit minus fee onto the
// account balance, serialized by the account row lock.
func (s *TradingStore) SettleClose(ctx context.Context, o *schema.Order, closePrice, profit, fee decimal.Decimal) error {
	return s.exec.WithAccountLock(ctx, o.AccountID, func(tx *gorm.DB, acct *schema.Account) error {
		if err := tx.Model(&schema.Order{}).Where("id = ?", o.ID).Updates(map[string]any{
			"status":      schema.OrderStatusClosed,
			"close_price": closePrice,
			"profit":      profit,
		}).Error; err != nil {
			return err
		}
		newBalance := acct.Balance.Add(profit).Sub(fee)
		return tx.Model(&schema.Account{}).Where("id = ?", acct.ID).
			Update("balance", newBalance).Error
	})
}

// SettleCancel cancels a non-settled order.
func (s *TradingStore) SettleCancel(ctx context.Context, o *schema.Order) error {
	return s.exec.Transact(ctx, func(tx *gorm.DB) error {
		return tx.Model(&schema.Order{}).Where("id = ?", o.ID).
			Update("status", schema.OrderStatusCancelled).Error
	})
}

// SetStops stores the attached stop-loss / take-profit prices.
func (s *TradingStore) SetStops(ctx context.Context, orderID string, stopLoss, takeProfit decimal.Decimal) error {
	return s.exec.Transact(ctx, func(tx *gorm.DB) error {
		return tx.Model(&schema.Order{}).Where("id = ?", orderID).Updates(map[string]any{
			"stop_loss":   stopLoss,
			"take_profit": takeProfit,
		}).Error
	})
}

// EligibleFollowers lists follower subscriptions currently copying the
// provider. Per-follower account flags are re-checked by the engine.
func (s *TradingStore) EligibleFollowers(ctx context.Context, providerID string) ([]schema.FollowerAccount, error) {
	var followers []schema.FollowerAccount
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND copy_status = ?", providerID, schema.FollowStatusActive).
		Find(&followers).Error
	return followers, err
}

// CreateFollowerOrder persists a replication audit record.
func (s *TradingStore) CreateFollowerOrder(ctx context.Context, fo *schema.FollowerOrder) error {
	return s.exec.Transact(ctx, func(tx *gorm.DB) error {
		return tx.Create(fo).Error
	})
}

// UpdateFollowerOrder saves the audit record's mutable fields.
func (s *TradingStore) UpdateFollowerOrder(ctx context.Context, fo *schema.FollowerOrder) error {
	return s.exec.Transact(ctx, func(tx *gorm.DB) error {
		return tx.Model(&schema.FollowerOrder{}).Where("id = ?", fo.ID).Updates(map[string]any{
			"order_id":       fo.OrderID,
			"copy_status":    fo.CopyStatus,
			"failure_reason": fo.FailureReason,
			"final_lot_size": fo.FinalLotSize,
		}).Error
	})
}

// FollowerOrdersByMaster lists every replication record for a master
// order regardless of copy status, so close propagation cannot orphan
// a follower position.
func (s *TradingStore) FollowerOrdersByMaster(ctx context.Context, masterOrderID string) ([]schema.FollowerOrder, error) {
	var out []schema.FollowerOrder
	err := s.db.WithContext(ctx).
		Where("master_order_id = ?", masterOrderID).
		Find(&out).Error
	return out, err
}

// SaveDistribution upserts the per-master-order replication summary.
func (s *TradingStore) SaveDistribution(ctx context.Context, d *schema.Distribution) error {
	return s.exec.Transact(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "master_order_id"}},
			UpdateAll: true,
		}).Create(d).Error
	})
}

// Distribution fetches the replication summary for a master order.
func (s *TradingStore) Distribution(ctx context.Context, masterOrderID string) (*schema.Distribution, error) {
	var d schema.Distribution
	err := s.db.WithContext(ctx).Where("master_order_id = ?", masterOrderID).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// HasActiveAssignment reports whether the target already has a pending
// or active assignment.
func (s *TradingStore) HasActiveAssignment(ctx context.Context, targetID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&schema.Assignment{}).
		Where("target_id = ? AND status IN ?", targetID,
			[]schema.AssignmentStatus{schema.AssignmentStatusPending, schema.AssignmentStatusActive}).
		Count(&n).Error
	return n > 0, err
}

// FollowerByAccount fetches the account's follower subscription, if
// any. Used by flow resolution to inherit the provider's setting.
func (s *TradingStore) FollowerByAccount(ctx context.Context, accountID string) (*schema.FollowerAccount, error) {
	var f schema.FollowerAccount
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND copy_status = ?", accountID, schema.FollowStatusActive).
		First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// IsActiveFollower reports whether the account is an active copy
// follower of any provider.
func (s *TradingStore) IsActiveFollower(ctx context.Context, accountID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&schema.FollowerAccount{}).
		Where("account_id = ? AND copy_status = ?", accountID, schema.FollowStatusActive).
		Count(&n).Error
	return n > 0, err
}

// ActiveFollowerCount counts the provider's active follower links.
func (s *TradingStore) ActiveFollowerCount(ctx context.Context, providerID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&schema.FollowerAccount{}).
		Where("provider_id = ? AND copy_status = ?", providerID, schema.FollowStatusActive).
		Count(&n).Error
	return n, err
}

// FollowerDailyLoss sums the account's realized losses since the given
// time, as a positive number.
func (s *TradingStore) FollowerDailyLoss(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error) {
	var rows []schema.Order
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND status = ? AND updated_at >= ? AND profit < 0",
			accountID, schema.OrderStatusClosed, since).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, err
	}
	loss := decimal.Zero
	for i := range rows {
		loss = loss.Sub(rows[i].Profit)
	}
	return loss, nil
}

func sumOpenMargin(tx *gorm.DB, accountID string) (decimal.Decimal, error) {
	var rows []schema.Order
	if err := tx.Select("margin").
		Where("account_id = ? AND status = ?", accountID, schema.OrderStatusOpen).
		Find(&rows).Error; err != nil {
		return decimal.Zero, err
	}
	used := decimal.Zero
	for i := range rows {
		used = used.Add(rows[i].Margin)
	}
	return used, nil
}
