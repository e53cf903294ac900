package flow

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/delegator"
	"main/internal/ledger"
	"main/internal/mirror"
	"main/internal/obs"
	"main/internal/schema"
	"main/pkg/exception"
)

// Store is the durable access the router needs.
type Store interface {
	Account(ctx context.Context, accountID string) (*schema.Account, error)
	Group(ctx context.Context, groupID, symbol string) (*schema.SymbolGroup, error)
	Order(ctx context.Context, orderID string) (*schema.Order, error)
	FollowerByAccount(ctx context.Context, accountID string) (*schema.FollowerAccount, error)

	SettleOpen(ctx context.Context, o *schema.Order) error
	MarkQueued(ctx context.Context, o *schema.Order) error
	MarkOpen(ctx context.Context, orderID string, margin, contractValue decimal.Decimal) error
	MarkRejected(ctx context.Context, orderID string) error
	SettleClose(ctx context.Context, o *schema.Order, closePrice, profit, fee decimal.Decimal) error
	SettleCancel(ctx context.Context, o *schema.Order) error
	SetStops(ctx context.Context, orderID string, stopLoss, takeProfit decimal.Decimal) error
}

// Replicator fans a settled provider master order out to its
// followers. The copy engine satisfies this.
type Replicator interface {
	ReplicateOpen(ctx context.Context, master *schema.Order) (*schema.Distribution, error)
}

const defaultBoundaryTimeout = 10 * time.Second

// Router derives the flow for each mutation and dispatches it. Every
// mutation gets a fresh working id in the ledger before it executes.
type Router struct {
	store      Store
	boundary   delegator.Client
	ledger     *ledger.Ledger
	mirror     *mirror.Mirror
	metrics    *obs.Metrics
	timeout    time.Duration
	replicator Replicator
}

// NewRouter creates the router. A non-positive timeout falls back to
// the default boundary timeout.
func NewRouter(store Store, boundary delegator.Client, lg *ledger.Ledger, mi *mirror.Mirror, metrics *obs.Metrics, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = defaultBoundaryTimeout
	}
	return &Router{
		store:    store,
		boundary: boundary,
		ledger:   lg,
		mirror:   mi,
		metrics:  metrics,
		timeout:  timeout,
	}
}

// SetReplicator wires the copy engine after construction. The engine
// dispatches follower copies back through this router, so the cycle
// closes here rather than in the constructors.
func (r *Router) SetReplicator(rep Replicator) {
	r.replicator = rep
}

// replicate mirrors a provider master order that just settled OPEN onto
// its followers. Follower copies carry a master reference and never
// re-replicate. The master result never depends on the outcome.
func (r *Router) replicate(ctx context.Context, o *schema.Order) {
	if r.replicator == nil || o.AccountType != schema.AccountTypeProvider || o.MasterOrderID != "" {
		return
	}
	dist, err := r.replicator.ReplicateOpen(ctx, o)
	if err != nil {
		logs.Errorf("replicate %s: %+v", o.ID, err)
		return
	}
	logs.Infof("replicated %s: %d copied, %d failed, %d skipped",
		o.ID, dist.Successful, dist.Failed, dist.Skipped)
}

// OpenRequest describes a new order.
type OpenRequest struct {
	AccountID     string
	Symbol        string
	Side          schema.OrderSide
	Type          schema.OrderType
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	MasterOrderID string
}

// Open creates an order and routes it. Local market orders settle
// immediately under the margin check; local limit orders persist as
// PENDING with no margin until the trigger monitor activates them.
// Provider-flow orders persist as QUEUED and await the boundary verdict.
func (r *Router) Open(ctx context.Context, req OpenRequest) (*schema.Order, error) {
	if req.Quantity.Sign() <= 0 || req.Price.Sign() <= 0 {
		return nil, exception.ErrOrderInvalidRequest
	}

	acct, err := r.store.Account(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	group, err := r.store.Group(ctx, acct.GroupID, req.Symbol)
	if err != nil {
		return nil, err
	}

	f, err := r.Resolve(ctx, acct)
	if err != nil {
		return nil, err
	}

	o := &schema.Order{
		ID:            uuid.NewString(),
		AccountType:   acct.Type,
		AccountID:     acct.ID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		MasterOrderID: req.MasterOrderID,
	}

	workingID := uuid.NewString()
	if err := r.ledger.AddLifecycleID(ctx, o.ID, schema.LifecycleIDOrder, workingID, "open"); err != nil {
		return nil, err
	}

	started := time.Now()
	defer func() {
		r.metrics.ObserveDispatch(f.String(), string(delegator.ActionOpen), time.Since(started))
	}()

	switch f {
	case FlowProvider:
		if err := r.openProvider(ctx, o, workingID); err != nil {
			return nil, err
		}
	default:
		if err := r.openLocal(ctx, o, acct, group); err != nil {
			r.failLifecycle(ctx, workingID, err.Error())
			return nil, err
		}
		if o.Status == schema.OrderStatusOpen {
			r.replicate(ctx, o)
		}
	}
	return o, nil
}

func (r *Router) openLocal(ctx context.Context, o *schema.Order, acct *schema.Account, group *schema.SymbolGroup) error {
	if o.Type == schema.OrderTypeLimit {
		o.Status = schema.OrderStatusPending
	} else {
		o.Status = schema.OrderStatusOpen
		o.ContractValue = contractValue(o.Price, o.Quantity, group.ContractSize)
		o.Margin = marginFor(o.ContractValue, leverageFor(acct, group))
	}

	if err := r.store.SettleOpen(ctx, o); err != nil {
		return err
	}
	if err := r.mirror.ApplyOpen(ctx, o); err != nil {
		logs.Warnf("mirror open %s: %v", o.ID, err)
	}
	return nil
}

func (r *Router) openProvider(ctx context.Context, o *schema.Order, workingID string) error {
	o.Status = schema.OrderStatusQueued
	if err := r.store.MarkQueued(ctx, o); err != nil {
		r.failLifecycle(ctx, workingID, err.Error())
		return err
	}
	if err := r.mirror.ApplyOpen(ctx, o); err != nil {
		logs.Warnf("mirror open %s: %v", o.ID, err)
	}

	resp, err := r.send(ctx, delegator.Request{
		Action:      delegator.ActionOpen,
		OrderID:     o.ID,
		LifecycleID: workingID,
		AccountType: o.AccountType,
		AccountID:   o.AccountID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Price:       o.Price,
		Quantity:    o.Quantity,
	})
	if err != nil {
		r.rejectQueued(ctx, o, workingID, err.Error())
		return errors.Wrap(err, "boundary open").With("orderId", o.ID)
	}
	if !resp.Accepted {
		r.rejectQueued(ctx, o, workingID, resp.Reason)
		return errors.Wrap(exception.ErrBoundaryRejected, resp.Reason).With("orderId", o.ID)
	}
	if !resp.Queued {
		return r.confirmOpen(ctx, o.ID)
	}
	return nil
}

// rejectQueued rolls a queued order back after a boundary failure.
func (r *Router) rejectQueued(ctx context.Context, o *schema.Order, workingID, reason string) {
	if err := r.store.MarkRejected(ctx, o.ID); err != nil {
		logs.Errorf("mark rejected %s: %v", o.ID, err)
	}
	if err := r.mirror.ApplyCancel(ctx, o); err != nil {
		logs.Warnf("mirror reject %s: %v", o.ID, err)
	}
	r.failLifecycle(ctx, workingID, reason)
}

// Close settles an order at the given price. Provider-flow closes are
// forwarded and, when applied immediately, settled locally as well; a
// queued verdict defers settlement to the confirmation callback.
func (r *Router) Close(ctx context.Context, orderID string, closePrice, fee decimal.Decimal) error {
	o, err := r.store.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status.IsTerminal() {
		return exception.ErrOrderTerminalStatus
	}

	acct, err := r.store.Account(ctx, o.AccountID)
	if err != nil {
		return err
	}
	f, err := r.Resolve(ctx, acct)
	if err != nil {
		return err
	}

	workingID := uuid.NewString()
	if err := r.ledger.AddLifecycleID(ctx, o.ID, schema.LifecycleIDClose, workingID, "close"); err != nil {
		return err
	}

	started := time.Now()
	defer func() {
		r.metrics.ObserveDispatch(f.String(), string(delegator.ActionClose), time.Since(started))
	}()

	if f == FlowProvider && o.Status == schema.OrderStatusOpen {
		resp, err := r.send(ctx, delegator.Request{
			Action:      delegator.ActionClose,
			OrderID:     o.ID,
			LifecycleID: workingID,
			AccountType: o.AccountType,
			AccountID:   o.AccountID,
			Symbol:      o.Symbol,
			Side:        o.Side,
			Price:       closePrice,
			Quantity:    o.Quantity,
		})
		if err != nil {
			r.failLifecycle(ctx, workingID, err.Error())
			return errors.Wrap(err, "boundary close").With("orderId", o.ID)
		}
		if !resp.Accepted {
			r.failLifecycle(ctx, workingID, resp.Reason)
			return errors.Wrap(exception.ErrBoundaryRejected, resp.Reason).With("orderId", o.ID)
		}
		if resp.Queued {
			return nil
		}
	}

	return r.settleClose(ctx, o, workingID, closePrice, fee)
}

func (r *Router) settleClose(ctx context.Context, o *schema.Order, workingID string, closePrice, fee decimal.Decimal) error {
	acct, err := r.store.Account(ctx, o.AccountID)
	if err != nil {
		return err
	}
	group, err := r.store.Group(ctx, acct.GroupID, o.Symbol)
	if err != nil {
		return err
	}

	profit := profitFor(o, closePrice, group.ContractSize)
	if err := r.store.SettleClose(ctx, o, closePrice, profit, fee); err != nil {
		r.failLifecycle(ctx, workingID, err.Error())
		return err
	}
	if err := r.mirror.ApplyClose(ctx, o); err != nil {
		logs.Warnf("mirror close %s: %v", o.ID, err)
	}

	r.finishLifecycle(ctx, workingID, schema.LifecycleStatusExecuted, "settled")
	r.finishOrderID(ctx, o.ID, schema.LifecycleStatusExecuted, "closed")
	return nil
}

// Cancel withdraws a not-yet-settled order. OPEN positions must be
// closed, not cancelled. Provider-flow cancels are awaited: the order
// stays live until the boundary acknowledges the withdrawal.
func (r *Router) Cancel(ctx context.Context, orderID string) error {
	o, err := r.store.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status.IsTerminal() {
		return exception.ErrOrderTerminalStatus
	}
	if o.Status == schema.OrderStatusOpen {
		return exception.ErrOrderUnsupportedAction
	}

	acct, err := r.store.Account(ctx, o.AccountID)
	if err != nil {
		return err
	}
	f, err := r.Resolve(ctx, acct)
	if err != nil {
		return err
	}

	workingID := uuid.NewString()
	if err := r.ledger.AddLifecycleID(ctx, o.ID, schema.LifecycleIDCancel, workingID, "cancel"); err != nil {
		return err
	}

	started := time.Now()
	defer func() {
		r.metrics.ObserveDispatch(f.String(), string(delegator.ActionCancel), time.Since(started))
	}()

	if f == FlowProvider && o.Status == schema.OrderStatusQueued {
		resp, err := r.send(ctx, delegator.Request{
			Action:      delegator.ActionCancel,
			OrderID:     o.ID,
			LifecycleID: workingID,
			AccountType: o.AccountType,
			AccountID:   o.AccountID,
			Symbol:      o.Symbol,
			Side:        o.Side,
			Price:       o.Price,
			Quantity:    o.Quantity,
		})
		if err != nil {
			r.failLifecycle(ctx, workingID, err.Error())
			return errors.Wrap(err, "boundary cancel").With("orderId", o.ID)
		}
		if !resp.Accepted {
			r.failLifecycle(ctx, workingID, resp.Reason)
			return errors.Wrap(exception.ErrBoundaryRejected, resp.Reason).With("orderId", o.ID)
		}
		if resp.Queued {
			return nil
		}
	}

	return r.settleCancel(ctx, o, workingID)
}

func (r *Router) settleCancel(ctx context.Context, o *schema.Order, workingID string) error {
	if err := r.store.SettleCancel(ctx, o); err != nil {
		r.failLifecycle(ctx, workingID, err.Error())
		return err
	}
	if err := r.mirror.ApplyCancel(ctx, o); err != nil {
		logs.Warnf("mirror cancel %s: %v", o.ID, err)
	}

	r.finishLifecycle(ctx, workingID, schema.LifecycleStatusExecuted, "withdrawn")
	r.finishOrderID(ctx, o.ID, schema.LifecycleStatusCancelled, "cancelled")
	return nil
}

// AttachStopLoss sets the order's stop-loss price. Reissuing replaces
// the previously active stoploss id in the ledger.
func (r *Router) AttachStopLoss(ctx context.Context, orderID string, price decimal.Decimal) error {
	return r.attachStop(ctx, orderID, schema.LifecycleIDStopLoss, delegator.ActionStopLoss, price)
}

// AttachTakeProfit sets the order's take-profit price.
func (r *Router) AttachTakeProfit(ctx context.Context, orderID string, price decimal.Decimal) error {
	return r.attachStop(ctx, orderID, schema.LifecycleIDTakeProfit, delegator.ActionTakeProfit, price)
}

func (r *Router) attachStop(ctx context.Context, orderID string, idType schema.LifecycleIDType, action delegator.Action, price decimal.Decimal) error {
	if price.Sign() < 0 {
		return exception.ErrOrderInvalidRequest
	}

	o, err := r.store.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status.IsTerminal() {
		return exception.ErrOrderTerminalStatus
	}

	acct, err := r.store.Account(ctx, o.AccountID)
	if err != nil {
		return err
	}
	f, err := r.Resolve(ctx, acct)
	if err != nil {
		return err
	}

	workingID := uuid.NewString()
	if err := r.ledger.AddLifecycleID(ctx, o.ID, idType, workingID, string(action)); err != nil {
		return err
	}

	started := time.Now()
	defer func() {
		r.metrics.ObserveDispatch(f.String(), string(action), time.Since(started))
	}()

	// The stop is recorded durably at request time under either flow;
	// the boundary verdict only finalizes the working id.
	stopLoss, takeProfit := o.StopLoss, o.TakeProfit
	if idType == schema.LifecycleIDStopLoss {
		stopLoss = price
	} else {
		takeProfit = price
	}
	if err := r.store.SetStops(ctx, orderID, stopLoss, takeProfit); err != nil {
		r.failLifecycle(ctx, workingID, err.Error())
		return err
	}

	if f != FlowProvider {
		r.finishLifecycle(ctx, workingID, schema.LifecycleStatusExecuted, "attached")
		return nil
	}

	resp, err := r.send(ctx, delegator.Request{
		Action:      action,
		OrderID:     o.ID,
		LifecycleID: workingID,
		AccountType: o.AccountType,
		AccountID:   o.AccountID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Price:       price,
		Quantity:    o.Quantity,
	})
	if err != nil {
		r.failLifecycle(ctx, workingID, err.Error())
		return errors.Wrap(err, "boundary attach").With("orderId", o.ID)
	}
	if !resp.Accepted {
		r.failLifecycle(ctx, workingID, resp.Reason)
		return errors.Wrap(exception.ErrBoundaryRejected, resp.Reason).With("orderId", o.ID)
	}
	if !resp.Queued {
		r.finishLifecycle(ctx, workingID, schema.LifecycleStatusExecuted, "attached")
	}
	return nil
}

// ConfirmProvider applies a deferred boundary verdict. The callback
// references the working id; the ledger resolves it to the root order
// and the mutation type decides what the verdict means. The price
// carries the execution price for close confirmations and is ignored
// otherwise.
func (r *Router) ConfirmProvider(ctx context.Context, lifecycleID string, accepted bool, price decimal.Decimal, reason string) error {
	rec, err := r.ledger.Resolve(ctx, lifecycleID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return exception.ErrLedgerTerminalRecord
	}

	if !accepted {
		switch rec.IDType {
		case schema.LifecycleIDOrder:
			o, err := r.store.Order(ctx, rec.OrderID)
			if err != nil {
				return err
			}
			r.rejectQueued(ctx, o, lifecycleID, reason)
			return nil
		default:
			r.failLifecycle(ctx, lifecycleID, reason)
			return nil
		}
	}

	switch rec.IDType {
	case schema.LifecycleIDOrder:
		return r.confirmOpen(ctx, rec.OrderID)
	case schema.LifecycleIDClose:
		o, err := r.store.Order(ctx, rec.OrderID)
		if err != nil {
			return err
		}
		if o.Status.IsTerminal() {
			return exception.ErrOrderTerminalStatus
		}
		// Provider-settled closes arrive fee-netted.
		return r.settleClose(ctx, o, lifecycleID, price, decimal.Zero)
	case schema.LifecycleIDCancel:
		o, err := r.store.Order(ctx, rec.OrderID)
		if err != nil {
			return err
		}
		if o.Status.IsTerminal() {
			return exception.ErrOrderTerminalStatus
		}
		return r.settleCancel(ctx, o, lifecycleID)
	case schema.LifecycleIDStopLoss, schema.LifecycleIDTakeProfit:
		r.finishLifecycle(ctx, lifecycleID, schema.LifecycleStatusExecuted, "attached")
		return nil
	default:
		return exception.ErrOrderUnsupportedAction
	}
}

// confirmOpen settles a queued order the boundary accepted: margin is
// computed and applied under the account lock, then mirrored.
func (r *Router) confirmOpen(ctx context.Context, orderID string) error {
	o, err := r.store.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != schema.OrderStatusQueued {
		return exception.ErrOrderTerminalStatus
	}

	acct, err := r.store.Account(ctx, o.AccountID)
	if err != nil {
		return err
	}
	group, err := r.store.Group(ctx, acct.GroupID, o.Symbol)
	if err != nil {
		return err
	}

	cv := contractValue(o.Price, o.Quantity, group.ContractSize)
	margin := marginFor(cv, leverageFor(acct, group))

	if err := r.store.MarkOpen(ctx, o.ID, margin, cv); err != nil {
		if stderrors.Is(err, exception.ErrOrderInsufficientMargin) {
			r.rejectQueued(ctx, o, "", err.Error())
		}
		return err
	}

	o.Status = schema.OrderStatusOpen
	o.Margin = margin
	o.ContractValue = cv
	if err := r.mirror.Activate(ctx, o); err != nil {
		logs.Warnf("mirror activate %s: %v", o.ID, err)
	}
	r.replicate(ctx, o)
	return nil
}

// ActivatePending settles a triggered limit order. Activation at an
// exhausted margin rejects the order instead of opening it.
func (r *Router) ActivatePending(ctx context.Context, orderID string) error {
	o, err := r.store.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != schema.OrderStatusPending {
		return nil
	}

	acct, err := r.store.Account(ctx, o.AccountID)
	if err != nil {
		return err
	}
	group, err := r.store.Group(ctx, acct.GroupID, o.Symbol)
	if err != nil {
		return err
	}

	cv := contractValue(o.Price, o.Quantity, group.ContractSize)
	margin := marginFor(cv, leverageFor(acct, group))

	if err := r.store.MarkOpen(ctx, o.ID, margin, cv); err != nil {
		if stderrors.Is(err, exception.ErrOrderInsufficientMargin) {
			logs.Warnf("pending order %s rejected at activation: insufficient margin", o.ID)
			r.rejectQueued(ctx, o, "", "insufficient margin at activation")
			return nil
		}
		return err
	}

	o.Status = schema.OrderStatusOpen
	o.Margin = margin
	o.ContractValue = cv
	if err := r.mirror.Activate(ctx, o); err != nil {
		logs.Warnf("mirror activate %s: %v", o.ID, err)
	}
	r.metrics.IncActivation()
	r.replicate(ctx, o)
	return nil
}

func (r *Router) send(ctx context.Context, req delegator.Request) (delegator.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.boundary.Send(ctx, req)
}

func (r *Router) failLifecycle(ctx context.Context, workingID, note string) {
	if workingID == "" {
		return
	}
	if err := r.ledger.UpdateLifecycleStatus(ctx, workingID, schema.LifecycleStatusFailed, note); err != nil {
		logs.Warnf("fail lifecycle %s: %v", workingID, err)
	}
}

func (r *Router) finishLifecycle(ctx context.Context, workingID string, to schema.LifecycleStatus, note string) {
	if err := r.ledger.UpdateLifecycleStatus(ctx, workingID, to, note); err != nil {
		logs.Warnf("finish lifecycle %s: %v", workingID, err)
	}
}

// finishOrderID terminalizes the order's active root working id once
// the order itself reaches a terminal status.
func (r *Router) finishOrderID(ctx context.Context, orderID string, to schema.LifecycleStatus, note string) {
	id, ok, err := r.ledger.ActiveLifecycleID(ctx, orderID, schema.LifecycleIDOrder)
	if err != nil || !ok {
		return
	}
	r.finishLifecycle(ctx, id, to, note)
}

func leverageFor(acct *schema.Account, group *schema.SymbolGroup) int64 {
	if group.Leverage > 0 {
		return group.Leverage
	}
	if acct.Leverage > 0 {
		return acct.Leverage
	}
	return 1
}

func contractValue(price, quantity, contractSize decimal.Decimal) decimal.Decimal {
	return price.Mul(quantity).Mul(contractSize)
}

func marginFor(cv decimal.Decimal, leverage int64) decimal.Decimal {
	return cv.Div(decimal.NewFromInt(leverage))
}

func profitFor(o *schema.Order, closePrice, contractSize decimal.Decimal) decimal.Decimal {
	diff := closePrice.Sub(o.Price)
	if o.Side == schema.OrderSideSell {
		diff = diff.Neg()
	}
	return diff.Mul(o.Quantity).Mul(contractSize)
}
