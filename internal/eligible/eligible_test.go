package eligible

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/schema"
	"main/pkg/exception"
)

type fakeStore struct {
	accounts       map[string]*schema.Account
	assigned       map[string]bool
	openOrders     map[string]int64
	activeFollower map[string]bool
	followerCount  map[string]int64
	dailyLoss      map[string]decimal.Decimal
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:       make(map[string]*schema.Account),
		assigned:       make(map[string]bool),
		openOrders:     make(map[string]int64),
		activeFollower: make(map[string]bool),
		followerCount:  make(map[string]int64),
		dailyLoss:      make(map[string]decimal.Decimal),
	}
}

func (s *fakeStore) Account(_ context.Context, id string) (*schema.Account, error) {
	acct, ok := s.accounts[id]
	if !ok {
		return nil, exception.ErrOrderAccountNotFound
	}
	return acct, nil
}

func (s *fakeStore) HasActiveAssignment(_ context.Context, targetID string) (bool, error) {
	return s.assigned[targetID], nil
}

func (s *fakeStore) OpenOrderCount(_ context.Context, accountID string) (int64, error) {
	return s.openOrders[accountID], nil
}

func (s *fakeStore) IsActiveFollower(_ context.Context, accountID string) (bool, error) {
	return s.activeFollower[accountID], nil
}

func (s *fakeStore) ActiveFollowerCount(_ context.Context, providerID string) (int64, error) {
	return s.followerCount[providerID], nil
}

func (s *fakeStore) FollowerDailyLoss(_ context.Context, accountID string, _ time.Time) (decimal.Decimal, error) {
	return s.dailyLoss[accountID], nil
}

func baseline() (*fakeStore, *Validator) {
	st := newFakeStore()
	st.accounts["src"] = &schema.Account{ID: "src", Type: schema.AccountTypeProvider, Active: true, MaxInvestors: 10}
	st.accounts["tgt"] = &schema.Account{ID: "tgt", Type: schema.AccountTypeLive, Active: true, Balance: decimal.NewFromInt(500)}
	v := NewValidator(st, Config{MinBalance: decimal.NewFromInt(100), MaxBalance: decimal.NewFromInt(100000)})
	return st, v
}

func TestValidateAssignmentAllows(t *testing.T) {
	_, v := baseline()
	verdict, err := v.ValidateAssignment(context.Background(), "src", "tgt")
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
	assert.Equal(t, ReasonNone, verdict.Reason)
}

func TestValidateAssignmentOrderedDenials(t *testing.T) {
	testCases := []struct {
		name     string
		mutate   func(*fakeStore)
		expected Reason
	}{
		{"missing source", func(s *fakeStore) { delete(s.accounts, "src") }, ReasonSourceNotFound},
		{"inactive source", func(s *fakeStore) { s.accounts["src"].Active = false }, ReasonSourceInactive},
		{"missing target", func(s *fakeStore) { delete(s.accounts, "tgt") }, ReasonTargetNotFound},
		{"inactive target", func(s *fakeStore) { s.accounts["tgt"].Active = false }, ReasonTargetInactive},
		{"conflicting assignment", func(s *fakeStore) { s.assigned["tgt"] = true }, ReasonAssignmentConflict},
		{"open orders", func(s *fakeStore) { s.openOrders["tgt"] = 2 }, ReasonClientHasOpenOrders},
		{"target is provider", func(s *fakeStore) { s.accounts["tgt"].Type = schema.AccountTypeProvider }, ReasonTargetIsProvider},
		{"target follows someone", func(s *fakeStore) { s.activeFollower["tgt"] = true }, ReasonTargetIsFollower},
		{"balance below floor", func(s *fakeStore) { s.accounts["tgt"].Balance = decimal.NewFromInt(1) }, ReasonBalanceOutOfBounds},
		{"balance above ceiling", func(s *fakeStore) { s.accounts["tgt"].Balance = decimal.NewFromInt(999999) }, ReasonBalanceOutOfBounds},
		{"source at capacity", func(s *fakeStore) { s.followerCount["src"] = 10 }, ReasonProviderCapacityExceeded},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			st, v := baseline()
			tc.mutate(st)
			verdict, err := v.ValidateAssignment(context.Background(), "src", "tgt")
			require.NoError(t, err)
			assert.False(t, verdict.Allowed)
			assert.Equal(t, tc.expected, verdict.Reason)
		})
	}
}

// A client with open orders and a provider at capacity are different
// rejections with different codes, even when both hold at once.
func TestOpenOrdersAndCapacityNeverConflate(t *testing.T) {
	st, v := baseline()
	st.openOrders["tgt"] = 1
	st.followerCount["src"] = 10

	verdict, err := v.ValidateAssignment(context.Background(), "src", "tgt")
	require.NoError(t, err)
	assert.Equal(t, ReasonClientHasOpenOrders, verdict.Reason, "order check precedes capacity")
	assert.Equal(t, "CLIENT_HAS_OPEN_ORDERS", verdict.Reason.Code())

	st.openOrders["tgt"] = 0
	verdict, err = v.ValidateAssignment(context.Background(), "src", "tgt")
	require.NoError(t, err)
	assert.Equal(t, ReasonProviderCapacityExceeded, verdict.Reason)
	assert.Equal(t, "PROVIDER_CAPACITY_EXCEEDED", verdict.Reason.Code())

	assert.NotEqual(t, ReasonClientHasOpenOrders.Code(), ReasonProviderCapacityExceeded.Code())
}

func TestZeroMaxInvestorsMeansUnlimited(t *testing.T) {
	st, v := baseline()
	st.accounts["src"].MaxInvestors = 0
	st.followerCount["src"] = 100000

	verdict, err := v.ValidateAssignment(context.Background(), "src", "tgt")
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
}

func TestReasonCodesAreStable(t *testing.T) {
	for reason, code := range reasonCodes {
		assert.Equal(t, code, reason.Code())
	}
	assert.Equal(t, "UNKNOWN", Reason(200).Code())
}

func followerSub() *schema.FollowerAccount {
	return &schema.FollowerAccount{
		AccountID:        "fol",
		ProviderID:       "src",
		InvestmentAmount: decimal.NewFromInt(1000),
		CopyStatus:       schema.FollowStatusActive,
	}
}

func TestValidateFollower(t *testing.T) {
	st, v := baseline()
	st.accounts["fol"] = &schema.Account{ID: "fol", Type: schema.AccountTypeFollower, Active: true, SelfTradingEnabled: true}

	equity := decimal.NewFromInt(900)

	verdict, err := v.ValidateFollower(context.Background(), followerSub(), equity)
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)

	paused := followerSub()
	paused.CopyStatus = schema.FollowStatusPaused
	verdict, err = v.ValidateFollower(context.Background(), paused, equity)
	require.NoError(t, err)
	assert.Equal(t, ReasonCopyNotActive, verdict.Reason)

	st.accounts["fol"].SelfTradingEnabled = false
	verdict, err = v.ValidateFollower(context.Background(), followerSub(), equity)
	require.NoError(t, err)
	assert.Equal(t, ReasonSelfTradingDisabled, verdict.Reason)
	st.accounts["fol"].SelfTradingEnabled = true

	st.dailyLoss["fol"] = decimal.NewFromInt(50)
	limited := followerSub()
	limited.MaxDailyLoss = decimal.NewFromInt(50)
	verdict, err = v.ValidateFollower(context.Background(), limited, equity)
	require.NoError(t, err)
	assert.Equal(t, ReasonDailyLossExceeded, verdict.Reason)

	// 20% drawdown with a 15% stop.
	stopped := followerSub()
	stopped.StopCopyingOnDrawdown = decimal.RequireFromString("0.15")
	verdict, err = v.ValidateFollower(context.Background(), stopped, decimal.NewFromInt(800))
	require.NoError(t, err)
	assert.Equal(t, ReasonDrawdownStop, verdict.Reason)
}
