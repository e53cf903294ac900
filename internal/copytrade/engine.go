// Package copytrade replicates strategy provider orders onto follower
// accounts. Followers are fully isolated from each other and from the
// master order: a follower failure is recorded and counted, never
// propagated.
package copytrade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/eligible"
	"main/internal/flow"
	"main/internal/obs"
	"main/internal/schema"
	"main/pkg/exception"
)

// Store is the durable access the engine needs.
type Store interface {
	Account(ctx context.Context, accountID string) (*schema.Account, error)
	Group(ctx context.Context, groupID, symbol string) (*schema.SymbolGroup, error)
	Order(ctx context.Context, orderID string) (*schema.Order, error)
	EligibleFollowers(ctx context.Context, providerID string) ([]schema.FollowerAccount, error)
	CreateFollowerOrder(ctx context.Context, fo *schema.FollowerOrder) error
	UpdateFollowerOrder(ctx context.Context, fo *schema.FollowerOrder) error
	FollowerOrdersByMaster(ctx context.Context, masterOrderID string) ([]schema.FollowerOrder, error)
	SaveDistribution(ctx context.Context, d *schema.Distribution) error
}

// Dispatcher routes the replicated mutations. The flow router satisfies
// this.
type Dispatcher interface {
	Open(ctx context.Context, req flow.OpenRequest) (*schema.Order, error)
	Close(ctx context.Context, orderID string, closePrice, fee decimal.Decimal) error
	Cancel(ctx context.Context, orderID string) error
}

// EquitySource reads mirrored live equity. The cache mirror satisfies
// this; the boolean reports a hit.
type EquitySource interface {
	Equity(ctx context.Context, accountType schema.AccountType, accountID string) (decimal.Decimal, bool, error)
}

// Validator gates each follower before sizing.
type Validator interface {
	ValidateFollower(ctx context.Context, sub *schema.FollowerAccount, equity decimal.Decimal) (eligible.Verdict, error)
}

// Config tunes the engine.
type Config struct {
	// EquityWait bounds the single wait-and-retry when the equity
	// mirror misses.
	EquityWait time.Duration

	// PerformanceFeeRate is charged pro-rata on positive follower
	// profit at close.
	PerformanceFeeRate decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.EquityWait <= 0 {
		c.EquityWait = 500 * time.Millisecond
	}
	return c
}

// Engine replicates master orders proportionally to follower equity.
type Engine struct {
	store     Store
	router    Dispatcher
	equity    EquitySource
	validator Validator
	metrics   *obs.Metrics
	cfg       Config
	sleep     func(context.Context, time.Duration) error
}

// NewEngine creates the replication engine.
func NewEngine(store Store, router Dispatcher, equity EquitySource, validator Validator, metrics *obs.Metrics, cfg Config) *Engine {
	return &Engine{
		store:     store,
		router:    router,
		equity:    equity,
		validator: validator,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
		sleep:     sleepCtx,
	}
}

type replicaResult struct {
	status schema.CopyStatus
}

// ReplicateOpen copies one settled master order onto every eligible
// follower. Each follower runs in its own goroutine; a panic or error
// there marks that copy failed and nothing else. The aggregate
// distribution is persisted and returned.
func (e *Engine) ReplicateOpen(ctx context.Context, master *schema.Order) (*schema.Distribution, error) {
	if master.Status != schema.OrderStatusOpen {
		return nil, exception.ErrReplicateMasterNotOpen
	}

	provider, err := e.store.Account(ctx, master.AccountID)
	if err != nil {
		return nil, exception.ErrReplicateProviderMissing
	}

	masterEquity, err := e.resolveEquity(ctx, provider)
	if err != nil {
		return nil, err
	}
	if masterEquity.Sign() <= 0 {
		return nil, exception.ErrReplicateZeroEquity
	}

	followers, err := e.store.EligibleFollowers(ctx, master.AccountID)
	if err != nil {
		return nil, err
	}

	results := make(chan replicaResult, len(followers))
	var wg sync.WaitGroup
	for i := range followers {
		sub := followers[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logs.Errorf("replicate to %s panicked: %v", sub.AccountID, r)
					results <- replicaResult{status: schema.CopyStatusFailed}
				}
			}()
			results <- replicaResult{status: e.replicateOne(ctx, master, &sub, masterEquity)}
		}()
	}
	wg.Wait()
	close(results)

	dist := &schema.Distribution{MasterOrderID: master.ID}
	for res := range results {
		switch res.status {
		case schema.CopyStatusCopied:
			dist.Successful++
			e.metrics.IncReplication(obs.ResultCopied)
		case schema.CopyStatusSkipped:
			dist.Skipped++
			e.metrics.IncReplication(obs.ResultSkipped)
		default:
			dist.Failed++
			e.metrics.IncReplication(obs.ResultFailed)
		}
	}

	if err := e.store.SaveDistribution(ctx, dist); err != nil {
		return dist, err
	}
	return dist, nil
}

// replicateOne sizes and dispatches a single follower copy. The
// returned status is final and already persisted on the audit record.
func (e *Engine) replicateOne(ctx context.Context, master *schema.Order, sub *schema.FollowerAccount, masterEquity decimal.Decimal) schema.CopyStatus {
	fo := &schema.FollowerOrder{
		ID:                       uuid.NewString(),
		FollowerID:               sub.ID,
		MasterOrderID:            master.ID,
		Symbol:                   master.Symbol,
		Side:                     master.Side,
		MasterLotSize:            master.Quantity,
		MasterEquityAtCopy:       masterEquity,
		FollowerInvestmentAtCopy: sub.InvestmentAmount,
		CopyStatus:               schema.CopyStatusPending,
	}

	acct, err := e.store.Account(ctx, sub.AccountID)
	if err != nil {
		return e.finish(ctx, fo, schema.CopyStatusFailed, "follower account not found")
	}

	followerEquity, err := e.resolveEquity(ctx, acct)
	if err != nil {
		followerEquity = acct.Balance
	}
	verdict, err := e.validator.ValidateFollower(ctx, sub, followerEquity)
	if err != nil {
		return e.finish(ctx, fo, schema.CopyStatusFailed, err.Error())
	}
	if !verdict.Allowed {
		return e.finish(ctx, fo, schema.CopyStatusFailed, verdict.Reason.Code())
	}

	group, err := e.store.Group(ctx, acct.GroupID, master.Symbol)
	if err != nil {
		return e.finish(ctx, fo, schema.CopyStatusFailed, "symbol group not found")
	}

	fo.LotRatio = sub.InvestmentAmount.Div(masterEquity)
	fo.CalculatedLotSize = master.Quantity.Mul(fo.LotRatio)

	// The follower's own cap and the group cap clamp independently;
	// either may be unset.
	final := fo.CalculatedLotSize
	if sub.MaxLotSize.Sign() > 0 && final.GreaterThan(sub.MaxLotSize) {
		final = sub.MaxLotSize
	}
	if group.MaxLot.Sign() > 0 && final.GreaterThan(group.MaxLot) {
		final = group.MaxLot
	}

	if final.LessThan(group.MinLot) {
		fo.FinalLotSize = decimal.Zero
		logs.Infof("skip copy of %s to %s: lot %s below minimum %s",
			master.ID, sub.AccountID, fo.CalculatedLotSize, group.MinLot)
		return e.finish(ctx, fo, schema.CopyStatusSkipped, exception.ErrReplicateBelowMinLot.Error())
	}
	fo.FinalLotSize = final

	if err := e.store.CreateFollowerOrder(ctx, fo); err != nil {
		logs.Errorf("create follower order for %s: %+v", sub.AccountID, err)
		return schema.CopyStatusFailed
	}

	o, err := e.router.Open(ctx, flow.OpenRequest{
		AccountID:     sub.AccountID,
		Symbol:        master.Symbol,
		Side:          master.Side,
		Type:          schema.OrderTypeMarket,
		Price:         master.Price,
		Quantity:      final,
		MasterOrderID: master.ID,
	})
	if err != nil {
		fo.CopyStatus = schema.CopyStatusFailed
		fo.FailureReason = err.Error()
	} else {
		fo.OrderID = o.ID
		fo.CopyStatus = schema.CopyStatusCopied
	}
	if err := e.store.UpdateFollowerOrder(ctx, fo); err != nil {
		logs.Errorf("update follower order %s: %+v", fo.ID, err)
	}
	return fo.CopyStatus
}

// finish persists a terminal audit record that never dispatched.
func (e *Engine) finish(ctx context.Context, fo *schema.FollowerOrder, status schema.CopyStatus, reason string) schema.CopyStatus {
	fo.CopyStatus = status
	fo.FailureReason = reason
	if err := e.store.CreateFollowerOrder(ctx, fo); err != nil {
		logs.Errorf("persist follower audit %s: %+v", fo.ID, err)
	}
	return status
}

// PropagateClose closes every follower copy of the master order. All
// replication records are visited regardless of copy status so a copied
// position can never be orphaned. The performance fee applies pro-rata
// on positive follower profit only.
func (e *Engine) PropagateClose(ctx context.Context, masterOrderID string, closePrice decimal.Decimal) error {
	fos, err := e.store.FollowerOrdersByMaster(ctx, masterOrderID)
	if err != nil {
		return err
	}

	var failed int
	for i := range fos {
		fo := &fos[i]
		if fo.OrderID == "" {
			continue
		}
		o, err := e.store.Order(ctx, fo.OrderID)
		if err != nil || o.Status.IsTerminal() {
			continue
		}

		fee := decimal.Zero
		if group, err := e.store.Group(ctx, groupOf(ctx, e.store, o), o.Symbol); err == nil {
			profit := closeProfit(o, closePrice, group.ContractSize)
			if profit.Sign() > 0 && e.cfg.PerformanceFeeRate.Sign() > 0 {
				fee = profit.Mul(e.cfg.PerformanceFeeRate)
			}
		}

		if err := e.router.Close(ctx, fo.OrderID, closePrice, fee); err != nil {
			failed++
			logs.Errorf("close follower order %s: %+v", fo.OrderID, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("close propagation: %d of %d follower orders failed", failed, len(fos))
	}
	return nil
}

// PropagateCancel withdraws the not-yet-settled follower copies of a
// cancelled master order.
func (e *Engine) PropagateCancel(ctx context.Context, masterOrderID string) error {
	fos, err := e.store.FollowerOrdersByMaster(ctx, masterOrderID)
	if err != nil {
		return err
	}

	var failed int
	for i := range fos {
		fo := &fos[i]
		if fo.OrderID == "" {
			continue
		}
		o, err := e.store.Order(ctx, fo.OrderID)
		if err != nil || o.Status.IsTerminal() || o.Status == schema.OrderStatusOpen {
			continue
		}
		if err := e.router.Cancel(ctx, fo.OrderID); err != nil {
			failed++
			logs.Errorf("cancel follower order %s: %+v", fo.OrderID, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("cancel propagation: %d of %d follower orders failed", failed, len(fos))
	}
	return nil
}

// resolveEquity reads live equity through the fallback chain: mirror
// hit, one bounded wait and retry, the account's configured fallback,
// then the durable balance.
func (e *Engine) resolveEquity(ctx context.Context, acct *schema.Account) (decimal.Decimal, error) {
	equity, ok, err := e.equity.Equity(ctx, acct.Type, acct.ID)
	if err != nil {
		return decimal.Zero, err
	}
	if ok {
		return equity, nil
	}

	if err := e.sleep(ctx, e.cfg.EquityWait); err != nil {
		return decimal.Zero, err
	}
	equity, ok, err = e.equity.Equity(ctx, acct.Type, acct.ID)
	if err != nil {
		return decimal.Zero, err
	}
	if ok {
		logs.Infof("equity for %s resolved from mirror after retry", acct.ID)
		return equity, nil
	}

	if acct.FallbackEquity.Sign() > 0 {
		logs.Warnf("equity for %s resolved from configured fallback", acct.ID)
		return acct.FallbackEquity, nil
	}

	logs.Warnf("equity for %s resolved from durable balance", acct.ID)
	return acct.Balance, nil
}

func groupOf(ctx context.Context, store Store, o *schema.Order) string {
	acct, err := store.Account(ctx, o.AccountID)
	if err != nil {
		return ""
	}
	return acct.GroupID
}

func closeProfit(o *schema.Order, closePrice, contractSize decimal.Decimal) decimal.Decimal {
	diff := closePrice.Sub(o.Price)
	if o.Side == schema.OrderSideSell {
		diff = diff.Neg()
	}
	return diff.Mul(o.Quantity).Mul(contractSize)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
