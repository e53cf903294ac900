package flow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/delegator"
	"main/internal/ledger"
	"main/internal/mirror"
	"main/internal/schema"
	"main/pkg/exception"
)

type memStore struct {
	mu        sync.Mutex
	accounts  map[string]*schema.Account
	groups    map[string]*schema.SymbolGroup
	orders    map[string]*schema.Order
	followers map[string]*schema.FollowerAccount
}

func newMemStore() *memStore {
	return &memStore{
		accounts:  make(map[string]*schema.Account),
		groups:    make(map[string]*schema.SymbolGroup),
		orders:    make(map[string]*schema.Order),
		followers: make(map[string]*schema.FollowerAccount),
	}
}

func (s *memStore) Account(_ context.Context, accountID string) (*schema.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, exception.ErrOrderAccountNotFound
	}
	c := *acct
	return &c, nil
}

func (s *memStore) Group(_ context.Context, groupID, symbol string) (*schema.SymbolGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID+"/"+symbol]
	if !ok {
		return nil, exception.ErrOrderGroupNotFound
	}
	c := *g
	return &c, nil
}

func (s *memStore) Order(_ context.Context, orderID string) (*schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, exception.ErrOrderNotFound
	}
	c := *o
	return &c, nil
}

func (s *memStore) FollowerByAccount(_ context.Context, accountID string) (*schema.FollowerAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.followers[accountID]
	if !ok {
		return nil, nil
	}
	c := *f
	return &c, nil
}

func (s *memStore) usedMarginLocked(accountID string) decimal.Decimal {
	used := decimal.Zero
	for _, o := range s.orders {
		if o.AccountID == accountID && o.Status == schema.OrderStatusOpen {
			used = used.Add(o.Margin)
		}
	}
	return used
}

func (s *memStore) SettleOpen(_ context.Context, o *schema.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[o.AccountID]
	if !ok {
		return exception.ErrOrderAccountNotFound
	}
	if acct.Balance.Sub(s.usedMarginLocked(o.AccountID)).LessThan(o.Margin) {
		return exception.ErrOrderInsufficientMargin
	}
	c := *o
	s.orders[o.ID] = &c
	return nil
}

func (s *memStore) MarkQueued(_ context.Context, o *schema.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *o
	s.orders[o.ID] = &c
	return nil
}

func (s *memStore) MarkOpen(_ context.Context, orderID string, margin, contractValue decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return exception.ErrOrderNotFound
	}
	acct := s.accounts[o.AccountID]
	if acct.Balance.Sub(s.usedMarginLocked(o.AccountID)).LessThan(margin) {
		return exception.ErrOrderInsufficientMargin
	}
	o.Status = schema.OrderStatusOpen
	o.Margin = margin
	o.ContractValue = contractValue
	return nil
}

func (s *memStore) MarkRejected(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[orderID]; ok {
		o.Status = schema.OrderStatusRejected
	}
	return nil
}

func (s *memStore) SettleClose(_ context.Context, o *schema.Order, closePrice, profit, fee decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.orders[o.ID]
	if !ok {
		return exception.ErrOrderNotFound
	}
	stored.Status = schema.OrderStatusClosed
	stored.ClosePrice = closePrice
	stored.Profit = profit
	acct := s.accounts[o.AccountID]
	acct.Balance = acct.Balance.Add(profit).Sub(fee)
	return nil
}

func (s *memStore) SettleCancel(_ context.Context, o *schema.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.orders[o.ID]; ok {
		stored.Status = schema.OrderStatusCancelled
	}
	return nil
}

func (s *memStore) SetStops(_ context.Context, orderID string, stopLoss, takeProfit decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return exception.ErrOrderNotFound
	}
	o.StopLoss = stopLoss
	o.TakeProfit = takeProfit
	return nil
}

// OpenOrders lets the same store back the mirror in tests.
func (s *memStore) OpenOrders(_ context.Context, accountType schema.AccountType, accountID string) ([]schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.Order
	for _, o := range s.orders {
		if o.AccountType == accountType && o.AccountID == accountID && !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

type scriptedBoundary struct {
	mu       sync.Mutex
	requests []delegator.Request
	resp     delegator.Response
	err      error
}

func (b *scriptedBoundary) Send(_ context.Context, req delegator.Request) (delegator.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	return b.resp, b.err
}

func (b *scriptedBoundary) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

type fixture struct {
	store    *memStore
	boundary *scriptedBoundary
	ledger   *ledger.Ledger
	mirror   *mirror.Mirror
	router   *Router
}

func newFixture() *fixture {
	st := newMemStore()
	bd := &scriptedBoundary{resp: delegator.Response{Accepted: true}}
	lg := ledger.New(ledger.NewMemoryRepository())
	mi := mirror.New(mirror.NewMemoryCache(), st)
	return &fixture{
		store:    st,
		boundary: bd,
		ledger:   lg,
		mirror:   mi,
		router:   NewRouter(st, bd, lg, mi, nil, 0),
	}
}

func (f *fixture) seedAccount(acct schema.Account) {
	if acct.GroupID == "" {
		acct.GroupID = "default"
	}
	acct.Active = true
	f.store.accounts[acct.ID] = &acct
	f.store.groups[acct.GroupID+"/EURUSD"] = &schema.SymbolGroup{
		GroupID:      acct.GroupID,
		Symbol:       "EURUSD",
		MinLot:       decimal.RequireFromString("0.01"),
		MaxLot:       decimal.RequireFromString("50"),
		ContractSize: decimal.NewFromInt(100),
		Leverage:     10,
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestResolveFlow(t *testing.T) {
	f := newFixture()
	f.store.accounts["demo"] = &schema.Account{ID: "demo", Type: schema.AccountTypeDemo, OrderFlow: schema.OrderFlowProvider}
	f.store.accounts["live-unset"] = &schema.Account{ID: "live-unset", Type: schema.AccountTypeLive}
	f.store.accounts["live-prov"] = &schema.Account{ID: "live-prov", Type: schema.AccountTypeLive, OrderFlow: schema.OrderFlowProvider}
	f.store.accounts["live-junk"] = &schema.Account{ID: "live-junk", Type: schema.AccountTypeLive, OrderFlow: "ExTeRnAl"}
	f.store.accounts["master"] = &schema.Account{ID: "master", Type: schema.AccountTypeProvider, OrderFlow: schema.OrderFlowProvider}
	f.store.accounts["master-unset"] = &schema.Account{ID: "master-unset", Type: schema.AccountTypeProvider}
	f.store.accounts["fol-sub"] = &schema.Account{ID: "fol-sub", Type: schema.AccountTypeFollower, OrderFlow: schema.OrderFlowLocal}
	f.store.accounts["fol-solo"] = &schema.Account{ID: "fol-solo", Type: schema.AccountTypeFollower, OrderFlow: schema.OrderFlowProvider}
	f.store.accounts["fol-own"] = &schema.Account{ID: "fol-own", Type: schema.AccountTypeFollower, OrderFlow: schema.OrderFlowProvider}
	f.store.accounts["fol-none"] = &schema.Account{ID: "fol-none", Type: schema.AccountTypeFollower}
	f.store.followers["fol-sub"] = &schema.FollowerAccount{AccountID: "fol-sub", ProviderID: "master", CopyStatus: schema.FollowStatusActive}
	f.store.followers["fol-own"] = &schema.FollowerAccount{AccountID: "fol-own", ProviderID: "master-unset", CopyStatus: schema.FollowStatusActive}
	f.store.followers["fol-none"] = &schema.FollowerAccount{AccountID: "fol-none", ProviderID: "master-unset", CopyStatus: schema.FollowStatusActive}

	testCases := []struct {
		accountID string
		expected  Flow
	}{
		{"demo", FlowLocal}, // demo always settles locally
		{"live-unset", FlowLocal},
		{"live-prov", FlowProvider},
		{"live-junk", FlowLocal},
		{"fol-sub", FlowProvider}, // inherits the provider's setting
		{"fol-solo", FlowProvider},
		{"fol-own", FlowProvider}, // provider's setting unset: own setting applies
		{"fol-none", FlowLocal},
	}
	for _, tc := range testCases {
		acct := f.store.accounts[tc.accountID]
		got, err := f.router.Resolve(context.Background(), acct)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, got, tc.accountID)
	}
}

func TestOpenLocalMarket(t *testing.T) {
	f := newFixture()
	f.seedAccount(schema.Account{ID: "a1", Type: schema.AccountTypeLive, Balance: dec("10000")})

	o, err := f.router.Open(context.Background(), OpenRequest{
		AccountID: "a1",
		Symbol:    "EURUSD",
		Side:      schema.OrderSideBuy,
		Type:      schema.OrderTypeMarket,
		Price:     dec("1.2"),
		Quantity:  dec("2"),
	})
	require.NoError(t, err)

	// margin = 1.2 * 2 * 100 / 10
	assert.True(t, o.Margin.Equal(dec("24")), "margin %s", o.Margin)
	assert.Equal(t, schema.OrderStatusOpen, o.Status)
	assert.Zero(t, f.boundary.calls(), "local flow never reaches the boundary")

	stored, err := f.store.Order(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusOpen, stored.Status)

	used, err := f.mirror.UsedMargin(context.Background(), o.AccountType, o.AccountID)
	require.NoError(t, err)
	assert.True(t, used.Equal(dec("24")))

	id, ok, err := f.ledger.ActiveLifecycleID(context.Background(), o.ID, schema.LifecycleIDOrder)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, id)
}

func TestOpenLocalLimitPending(t *testing.T) {
	f := newFixture()
	f.seedAccount(schema.Account{ID: "a1", Type: schema.AccountTypeLive, Balance: dec("1000")})

	o, err := f.router.Open(context.Background(), OpenRequest{
		AccountID: "a1",
		Symbol:    "EURUSD",
		Side:      schema.OrderSideBuy,
		Type:      schema.OrderTypeLimit,
		Price:     dec("1.1"),
		Quantity:  dec("1"),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusPending, o.Status)
	assert.True(t, o.Margin.IsZero(), "no margin until activation")

	refs, err := f.mirror.TriggeredOrders(context.Background(), "EURUSD", schema.OrderSideBuy, dec("1.05"))
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, o.ID, refs[0].OrderID)
}

func TestOpenLocalInsufficientMargin(t *testing.T) {
	f := newFixture()
	f.seedAccount(schema.Account{ID: "a1", Type: schema.AccountTypeLive, Balance: dec("5")})

	_, err := f.router.Open(context.Background(), OpenRequest{
		AccountID: "a1",
		Symbol:    "EURUSD",
		Side:      schema.OrderSideBuy,
		Type:      schema.OrderTypeMarket,
		Price:     dec("1.2"),
		Quantity:  dec("2"),
	})
	assert.ErrorIs(t, err, exception.ErrOrderInsufficientMargin)
}

func TestOpenProviderApplied(t *testing.T) {
	f := newFixture()
	f.seedAccount(schema.Account{ID: "a1", Type: schema.AccountTypeLive, Balance: dec("10000"), OrderFlow: schema.OrderFlowProvider})
	f.boundary.resp = delegator.Response{Accepted: true, Queued: false, ProviderRef: "ref-1"}

	o, err := f.router.Open(context.Background(), OpenRequest{
		AccountID: "a1",
		Symbol:    "EURUSD",
		Side:      schema.OrderSideBuy,
		Type:      schema.OrderTypeMarket,
		Price:     dec("1.2"),
		Quantity:  dec("2"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, f.boundary.calls())

	sent := f.boundary.requests[0]
	assert.Equal(t, delegator.ActionOpen, sent.Action)
	assert.NotEqual(t, o.ID, sent.LifecycleID, "boundary gets the working id, not the root id")

	stored, err := f.store.Order(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusOpen, stored.Status)
	assert.True(t, stored.Margin.Equal(dec("24")))
}

func TestOpenProviderRejected(t *testing.T) {
	f := newFixture()
	f.seedAccount(schema.Account{ID: "a1", Type: schema.AccountTypeLive, Balance: dec("10000"), OrderFlow: schema.OrderFlowProvider})
	f.boundary.resp = delegator.Response{Accepted: false, Reason: "market closed"}

	_, err := f.router.Open(context.Background(), OpenRequest{
		AccountID: "a1",
		Symbol:    "EURUSD",
		Side:      schema.OrderSideBuy,
		Type:      schema.OrderTypeMarket,
		Price:     dec("1.2"),
		Quantity:  dec("2"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrBoundaryRejected)

	var rejected *schema.Order
	for _, o := range f.store.orders {
		rejected = o
	}
	require.NotNil(t, rejected)
	assert.Equal(t, schema.OrderStatusRejected, rejected.Status)

	ids, err := f.mirror.Orders(context.Background(), rejected.AccountType, rejected.AccountID)
	require.NoError(t, err)
	assert.Empty(t, ids, "rejected order leaves no mirror entry")
}

func TestOpenProviderQueuedThenConfirm(t *testing.T) {
	f := newFixture()
	f.seedAccount(schema.Account{ID: "a1", Type: schema.AccountTypeLive, Balance: dec("10000"), OrderFlow: schema.OrderFlowProvider})
	f.boundary.resp = delegator.Response{Accepted: true, Queued: true}

	o, err := f.router.Open(context.Background(), OpenRequest{
		AccountID: "a1",
		Symbol:    "EURUSD",
		Side:      schema.OrderSideBuy,
		Type:      schema.OrderTypeMarket,
		Price:     dec("1.2"),
		Quantity:  dec("2"),
	})
	require.NoError(t, err)

	stored, err := f.store.Order(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusQueued, stored.Status)
	assert.True(t, stored.Margin.IsZero(), "no margin before confirmation")

	workingID, ok, err := f.ledger.ActiveLifecycleID(context.Background(), o.ID, schema.LifecycleIDOrder)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.router.ConfirmProvider(context.Background(), workingID, true, decimal.Zero, ""))

	stored, err = f.store.Order(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusOpen, stored.Status)
	assert.True(t, stored.Margin.Equal(dec("24")))
}

func TestCloseLocalSettlesProfit(t *testing.T) {
	f := newFixture()
	f.seedAccount(schema.Account{ID: "a1", Type: schema.AccountTypeLive, Balance: dec("10000")})

	o, err := f.router.Open(context.Background(), OpenRequest{
		AccountID: "a1",
		Symbol:    "EURUSD",
		Side:      schema.OrderSideBuy,
		Type:      schema.OrderTypeMarket,
		Price:     dec("1.2"),
		Quantity:  dec("2"),
	})
	require.NoError(t, err)

	require.NoError(t, f.router.Close(context.Background(), o.ID, dec("1.3"), dec("1")))

	// profit = (1.3 - 1.2) * 2 * 100 = 20, minus fee 1
	acct, err := f.store.Account(context.Background(), "a1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("10019")), "balance %s", acct.Balance)

	stored, err := f.store.Order(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusClosed, stored.Status)

	// Both the close id and the root working id are terminal.
	history, err := f.ledger.History(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, rec := range history {
		assert.True(t, rec.Status.IsTerminal(), "%s still %s", rec.IDType, rec.Status)
	}

	// Closing again is refused.
	err = f.router.Close(context.Background(), o.ID, dec("1.3"), decimal.Zero)
	assert.ErrorIs(t, err, exception.ErrOrderTerminalStatus)
}

func TestCloseSellProfitDirection(t *testing.T) {
	f := newFixture()
	f.seedAccount(schema.Account{ID: "a1", Type: schema.AccountTypeLive, Balance: dec("10000")})

	o, err := f.router.Open(context.Background(), OpenRequest{
		AccountID: "a1",
		Symbol:    "EURUSD",
		Side:      schema.OrderSideSell,
		Type:      schema.OrderTypeMarket,
		Price:     dec("1.2"),
		Quantity:  dec("2"),
	})
	require.NoError(t, err)

	require.NoError(t, f.router.Close(context.Background(), o.ID, dec("1.3"), decimal.Zero))

	// A sell closed higher loses: (1.3 - 1.2) * 2 * 100 against.
	acct, err := f.store.Account(context.Background(), "a1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("9980")), "balance %s", acct.Balance)
}

func TestCancelRules(t *testing.T) {
	f := newFixture()
	f.seedAccount(schema.Account{ID: "a1", Type: schema.AccountTypeLive, Balance: dec("10000")})

	pending, err := f.router.Open(context.Background(), OpenRequest{
		AccountID: "a1", Symbol: "EURUSD", Side: schema.OrderSideBuy,
		Type: schema.OrderTypeLimit, Price: dec("1.1"), Quantity: dec("1"),
	})
	require.NoError(t, err)
	require.NoError(t, f.router.Cancel(context.Background(), pending.ID))

	stored, err := f.store.Order(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusCancelled, stored.Status)

	open, err := f.router.Open(context.Background(), OpenRequest{
		AccountID: "a1", Symbol: "EURUSD", Side: schema.OrderSideBuy,
		Type: schema.OrderTypeMarket, Price: dec("1.2"), Quantity: dec("1"),
	})
	require.NoError(t, err)

	err = f.router.Cancel(context.Background(), open.ID)
	assert.ErrorIs(t, err, exception.ErrOrderUnsupportedAction, "open positions close, not cancel")
}

func TestAttachStopReissueReplaces(t *testing.T) {
	f := newFixture()
	f.seedAccount(schema.Account{ID: "a1", Type: schema.AccountTypeLive, Balance: dec("10000")})

	o, err := f.router.Open(context.Background(), OpenRequest{
		AccountID: "a1", Symbol: "EURUSD", Side: schema.OrderSideBuy,
		Type: schema.OrderTypeMarket, Price: dec("1.2"), Quantity: dec("1"),
	})
	require.NoError(t, err)

	require.NoError(t, f.router.AttachStopLoss(context.Background(), o.ID, dec("1.1")))
	require.NoError(t, f.router.AttachStopLoss(context.Background(), o.ID, dec("1.15")))
	require.NoError(t, f.router.AttachTakeProfit(context.Background(), o.ID, dec("1.4")))

	stored, err := f.store.Order(context.Background(), o.ID)
	require.NoError(t, err)
	assert.True(t, stored.StopLoss.Equal(dec("1.15")))
	assert.True(t, stored.TakeProfit.Equal(dec("1.4")))

	history, err := f.ledger.History(context.Background(), o.ID)
	require.NoError(t, err)

	var stopRecords int
	for _, rec := range history {
		if rec.IDType == schema.LifecycleIDStopLoss {
			stopRecords++
		}
	}
	assert.Equal(t, 2, stopRecords, "reissue appends, never overwrites")
}

func TestActivatePending(t *testing.T) {
	f := newFixture()
	f.seedAccount(schema.Account{ID: "a1", Type: schema.AccountTypeLive, Balance: dec("10000")})

	o, err := f.router.Open(context.Background(), OpenRequest{
		AccountID: "a1", Symbol: "EURUSD", Side: schema.OrderSideBuy,
		Type: schema.OrderTypeLimit, Price: dec("1.1"), Quantity: dec("2"),
	})
	require.NoError(t, err)

	require.NoError(t, f.router.ActivatePending(context.Background(), o.ID))

	stored, err := f.store.Order(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusOpen, stored.Status)
	assert.True(t, stored.Margin.Equal(dec("22")), "margin %s", stored.Margin)

	refs, err := f.mirror.TriggeredOrders(context.Background(), "EURUSD", schema.OrderSideBuy, dec("1.05"))
	require.NoError(t, err)
	assert.Empty(t, refs, "activated order leaves the pending queue")

	// Re-activation of a non-pending order is a no-op.
	require.NoError(t, f.router.ActivatePending(context.Background(), o.ID))
}

func TestFlowReDerivedPerMutation(t *testing.T) {
	f := newFixture()
	f.seedAccount(schema.Account{ID: "a1", Type: schema.AccountTypeLive, Balance: dec("10000")})

	o, err := f.router.Open(context.Background(), OpenRequest{
		AccountID: "a1", Symbol: "EURUSD", Side: schema.OrderSideBuy,
		Type: schema.OrderTypeMarket, Price: dec("1.2"), Quantity: dec("1"),
	})
	require.NoError(t, err)
	require.Zero(t, f.boundary.calls())

	// Flipping the account setting routes the next mutation to the
	// boundary even though the order opened locally.
	f.store.accounts["a1"].OrderFlow = schema.OrderFlowProvider
	f.boundary.resp = delegator.Response{Accepted: true}

	require.NoError(t, f.router.Close(context.Background(), o.ID, dec("1.25"), decimal.Zero))
	assert.Equal(t, 1, f.boundary.calls())
	assert.Equal(t, delegator.ActionClose, f.boundary.requests[0].Action)
}

type recordingReplicator struct {
	mu      sync.Mutex
	masters []schema.Order
}

func (r *recordingReplicator) ReplicateOpen(_ context.Context, master *schema.Order) (*schema.Distribution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.masters = append(r.masters, *master)
	return &schema.Distribution{MasterOrderID: master.ID, Successful: 1}, nil
}

func (r *recordingReplicator) seen() []schema.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.Order(nil), r.masters...)
}

func TestProviderMasterReplicatesOnSettle(t *testing.T) {
	f := newFixture()
	rep := &recordingReplicator{}
	f.router.SetReplicator(rep)
	f.seedAccount(schema.Account{ID: "prov", Type: schema.AccountTypeProvider, Balance: dec("10000")})
	f.seedAccount(schema.Account{ID: "fol", Type: schema.AccountTypeLive, Balance: dec("10000")})

	// A synchronously settled master fans out once.
	o, err := f.router.Open(context.Background(), OpenRequest{
		AccountID: "prov", Symbol: "EURUSD", Side: schema.OrderSideBuy,
		Type: schema.OrderTypeMarket, Price: dec("1.2"), Quantity: dec("1"),
	})
	require.NoError(t, err)
	require.Len(t, rep.seen(), 1)
	assert.Equal(t, o.ID, rep.seen()[0].ID)
	assert.Equal(t, schema.OrderStatusOpen, rep.seen()[0].Status)

	// A follower copy carries the master reference and never fans out.
	_, err = f.router.Open(context.Background(), OpenRequest{
		AccountID: "fol", Symbol: "EURUSD", Side: schema.OrderSideBuy,
		Type: schema.OrderTypeMarket, Price: dec("1.2"), Quantity: dec("1"),
		MasterOrderID: o.ID,
	})
	require.NoError(t, err)
	assert.Len(t, rep.seen(), 1)

	// A pending master limit fans out at activation, not before.
	limit, err := f.router.Open(context.Background(), OpenRequest{
		AccountID: "prov", Symbol: "EURUSD", Side: schema.OrderSideBuy,
		Type: schema.OrderTypeLimit, Price: dec("1.1"), Quantity: dec("1"),
	})
	require.NoError(t, err)
	assert.Len(t, rep.seen(), 1)

	require.NoError(t, f.router.ActivatePending(context.Background(), limit.ID))
	require.Len(t, rep.seen(), 2)
	assert.Equal(t, limit.ID, rep.seen()[1].ID)
}

func TestQueuedProviderMasterReplicatesOnConfirm(t *testing.T) {
	f := newFixture()
	rep := &recordingReplicator{}
	f.router.SetReplicator(rep)
	f.seedAccount(schema.Account{ID: "prov", Type: schema.AccountTypeProvider, Balance: dec("10000"), OrderFlow: schema.OrderFlowProvider})
	f.boundary.resp = delegator.Response{Accepted: true, Queued: true}

	o, err := f.router.Open(context.Background(), OpenRequest{
		AccountID: "prov", Symbol: "EURUSD", Side: schema.OrderSideBuy,
		Type: schema.OrderTypeMarket, Price: dec("1.2"), Quantity: dec("2"),
	})
	require.NoError(t, err)
	assert.Empty(t, rep.seen(), "queued master must not fan out before confirmation")

	workingID, ok, err := f.ledger.ActiveLifecycleID(context.Background(), o.ID, schema.LifecycleIDOrder)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.router.ConfirmProvider(context.Background(), workingID, true, decimal.Zero, ""))

	require.Len(t, rep.seen(), 1)
	master := rep.seen()[0]
	assert.Equal(t, o.ID, master.ID)
	assert.Equal(t, schema.OrderStatusOpen, master.Status)
	assert.True(t, master.Margin.Equal(dec("24")))
}

func TestOpenBoundaryFailureRollsBack(t *testing.T) {
	f := newFixture()
	f.seedAccount(schema.Account{ID: "a1", Type: schema.AccountTypeLive, Balance: dec("10000"), OrderFlow: schema.OrderFlowProvider})
	f.boundary.err = errors.New("connection refused")

	_, err := f.router.Open(context.Background(), OpenRequest{
		AccountID: "a1", Symbol: "EURUSD", Side: schema.OrderSideBuy,
		Type: schema.OrderTypeMarket, Price: dec("1.2"), Quantity: dec("1"),
	})
	require.Error(t, err)

	for _, o := range f.store.orders {
		assert.Equal(t, schema.OrderStatusRejected, o.Status)
	}
}
