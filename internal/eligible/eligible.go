// Package eligible gates account assignment and copy-trading. Checks
// run in a fixed order and the first failure decides the verdict, so a
// caller always sees the most specific reason.
package eligible

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/schema"
	"main/pkg/exception"
)

// Reason names one rejection cause. The set is closed; Code strings are
// part of the external contract and never change.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonSourceNotFound
	ReasonSourceInactive
	ReasonTargetNotFound
	ReasonTargetInactive
	ReasonAssignmentConflict
	ReasonClientHasOpenOrders
	ReasonTargetIsProvider
	ReasonTargetIsFollower
	ReasonBalanceOutOfBounds
	ReasonProviderCapacityExceeded
	ReasonCopyNotActive
	ReasonFollowerInactive
	ReasonSelfTradingDisabled
	ReasonDailyLossExceeded
	ReasonDrawdownStop
)

var reasonCodes = map[Reason]string{
	ReasonNone:                     "NONE",
	ReasonSourceNotFound:           "SOURCE_NOT_FOUND",
	ReasonSourceInactive:           "SOURCE_INACTIVE",
	ReasonTargetNotFound:           "TARGET_NOT_FOUND",
	ReasonTargetInactive:           "TARGET_INACTIVE",
	ReasonAssignmentConflict:       "ASSIGNMENT_CONFLICT",
	ReasonClientHasOpenOrders:      "CLIENT_HAS_OPEN_ORDERS",
	ReasonTargetIsProvider:         "TARGET_IS_PROVIDER",
	ReasonTargetIsFollower:         "TARGET_IS_FOLLOWER",
	ReasonBalanceOutOfBounds:       "BALANCE_OUT_OF_BOUNDS",
	ReasonProviderCapacityExceeded: "PROVIDER_CAPACITY_EXCEEDED",
	ReasonCopyNotActive:            "COPY_NOT_ACTIVE",
	ReasonFollowerInactive:         "FOLLOWER_INACTIVE",
	ReasonSelfTradingDisabled:      "SELF_TRADING_DISABLED",
	ReasonDailyLossExceeded:        "DAILY_LOSS_EXCEEDED",
	ReasonDrawdownStop:             "DRAWDOWN_STOP",
}

// Code returns the stable external identifier for the reason.
func (r Reason) Code() string {
	if code, ok := reasonCodes[r]; ok {
		return code
	}
	return "UNKNOWN"
}

func (r Reason) String() string { return r.Code() }

// Verdict is the outcome of one eligibility evaluation.
type Verdict struct {
	Allowed  bool
	Reason   Reason
	SourceID string
	TargetID string
}

func deny(sourceID, targetID string, reason Reason) Verdict {
	return Verdict{Reason: reason, SourceID: sourceID, TargetID: targetID}
}

// Config bounds assignment eligibility. A zero MaxBalance means
// unbounded above.
type Config struct {
	MinBalance decimal.Decimal
	MaxBalance decimal.Decimal
}

// Store is the durable access the validator needs.
type Store interface {
	Account(ctx context.Context, accountID string) (*schema.Account, error)
	HasActiveAssignment(ctx context.Context, targetID string) (bool, error)
	OpenOrderCount(ctx context.Context, accountID string) (int64, error)
	IsActiveFollower(ctx context.Context, accountID string) (bool, error)
	ActiveFollowerCount(ctx context.Context, providerID string) (int64, error)
	FollowerDailyLoss(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error)
}

// Validator evaluates assignment and copy-gating rules.
type Validator struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// NewValidator creates the validator.
func NewValidator(store Store, cfg Config) *Validator {
	return &Validator{store: store, cfg: cfg, now: time.Now}
}

// ValidateAssignment decides whether source may take over target. A
// denial is a verdict, not an error; errors mean the evaluation itself
// failed.
func (v *Validator) ValidateAssignment(ctx context.Context, sourceID, targetID string) (Verdict, error) {
	source, err := v.store.Account(ctx, sourceID)
	if errors.Is(err, exception.ErrOrderAccountNotFound) {
		return deny(sourceID, targetID, ReasonSourceNotFound), nil
	}
	if err != nil {
		return Verdict{}, err
	}
	if !source.Active {
		return deny(sourceID, targetID, ReasonSourceInactive), nil
	}

	target, err := v.store.Account(ctx, targetID)
	if errors.Is(err, exception.ErrOrderAccountNotFound) {
		return deny(sourceID, targetID, ReasonTargetNotFound), nil
	}
	if err != nil {
		return Verdict{}, err
	}
	if !target.Active {
		return deny(sourceID, targetID, ReasonTargetInactive), nil
	}

	conflicted, err := v.store.HasActiveAssignment(ctx, targetID)
	if err != nil {
		return Verdict{}, err
	}
	if conflicted {
		return deny(sourceID, targetID, ReasonAssignmentConflict), nil
	}

	openOrders, err := v.store.OpenOrderCount(ctx, targetID)
	if err != nil {
		return Verdict{}, err
	}
	if openOrders > 0 {
		return deny(sourceID, targetID, ReasonClientHasOpenOrders), nil
	}

	if target.Type == schema.AccountTypeProvider {
		return deny(sourceID, targetID, ReasonTargetIsProvider), nil
	}
	following, err := v.store.IsActiveFollower(ctx, targetID)
	if err != nil {
		return Verdict{}, err
	}
	if following {
		return deny(sourceID, targetID, ReasonTargetIsFollower), nil
	}

	if target.Balance.LessThan(v.cfg.MinBalance) {
		return deny(sourceID, targetID, ReasonBalanceOutOfBounds), nil
	}
	if v.cfg.MaxBalance.Sign() > 0 && target.Balance.GreaterThan(v.cfg.MaxBalance) {
		return deny(sourceID, targetID, ReasonBalanceOutOfBounds), nil
	}

	if source.MaxInvestors > 0 {
		linked, err := v.store.ActiveFollowerCount(ctx, sourceID)
		if err != nil {
			return Verdict{}, err
		}
		if linked >= int64(source.MaxInvestors) {
			return deny(sourceID, targetID, ReasonProviderCapacityExceeded), nil
		}
	}

	return Verdict{Allowed: true, SourceID: sourceID, TargetID: targetID}, nil
}

// ValidateFollower gates one replication to a follower. The equity
// argument is the follower's current equity, used for the drawdown stop.
func (v *Validator) ValidateFollower(ctx context.Context, sub *schema.FollowerAccount, equity decimal.Decimal) (Verdict, error) {
	if sub.CopyStatus != schema.FollowStatusActive {
		return deny(sub.ProviderID, sub.AccountID, ReasonCopyNotActive), nil
	}

	acct, err := v.store.Account(ctx, sub.AccountID)
	if errors.Is(err, exception.ErrOrderAccountNotFound) {
		return deny(sub.ProviderID, sub.AccountID, ReasonTargetNotFound), nil
	}
	if err != nil {
		return Verdict{}, err
	}
	if !acct.Active {
		return deny(sub.ProviderID, sub.AccountID, ReasonFollowerInactive), nil
	}
	if !acct.SelfTradingEnabled {
		return deny(sub.ProviderID, sub.AccountID, ReasonSelfTradingDisabled), nil
	}

	if sub.MaxDailyLoss.Sign() > 0 {
		loss, err := v.store.FollowerDailyLoss(ctx, sub.AccountID, startOfDay(v.now()))
		if err != nil {
			return Verdict{}, err
		}
		if loss.GreaterThanOrEqual(sub.MaxDailyLoss) {
			return deny(sub.ProviderID, sub.AccountID, ReasonDailyLossExceeded), nil
		}
	}

	if sub.StopCopyingOnDrawdown.Sign() > 0 && sub.InvestmentAmount.Sign() > 0 {
		drawdown := sub.InvestmentAmount.Sub(equity).Div(sub.InvestmentAmount)
		if drawdown.GreaterThanOrEqual(sub.StopCopyingOnDrawdown) {
			return deny(sub.ProviderID, sub.AccountID, ReasonDrawdownStop), nil
		}
	}

	return Verdict{Allowed: true, SourceID: sub.ProviderID, TargetID: sub.AccountID}, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
