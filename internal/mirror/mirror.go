package mirror

import (
	"context"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"main/internal/schema"
	"main/pkg/exception"
)

// OrderSource reads the authoritative open orders for an account.
// Rebuild and Prune resynchronize the mirror against it.
type OrderSource interface {
	OpenOrders(ctx context.Context, accountType schema.AccountType, accountID string) ([]schema.Order, error)
}

// Mirror synchronizes per-account trading state into the sharded cache.
type Mirror struct {
	cache  Cache
	source OrderSource
}

// New creates a mirror over the given cache and durable order source.
func New(cache Cache, source OrderSource) *Mirror {
	return &Mirror{cache: cache, source: source}
}

const (
	fieldEquity     = "equity"
	fieldUsedMargin = "used_margin"

	pendingSep = "/"
)

func keyOrder(tag, orderID string) string { return "ord:{" + tag + "}:" + orderID }
func keyIndex(tag string) string          { return "idx:{" + tag + "}" }
func keyAccount(tag string) string        { return "acct:{" + tag + "}" }
func keyHoldings(tag string) string       { return "hold:{" + tag + "}" }
func keyHolders(symbol string) string     { return "holders:{" + symbol + "}" }

func keyPending(symbol string, side schema.OrderSide) string {
	return "pending:{" + symbol + "}:" + string(side)
}

// PendingRef locates one pending order from a zset member.
type PendingRef struct {
	AccountType schema.AccountType
	AccountID   string
	OrderID     string
}

func pendingMember(tag, orderID string) string {
	return tag + pendingSep + orderID
}

func parsePendingMember(member string) (PendingRef, bool) {
	slash := strings.LastIndex(member, pendingSep)
	if slash <= 0 || slash == len(member)-1 {
		return PendingRef{}, false
	}
	tag := member[:slash]
	colon := strings.Index(tag, ":")
	if colon <= 0 || colon == len(tag)-1 {
		return PendingRef{}, false
	}
	return PendingRef{
		AccountType: schema.AccountType(tag[:colon]),
		AccountID:   tag[colon+1:],
		OrderID:     member[slash+1:],
	}, true
}

func orderFields(o *schema.Order) map[string]string {
	return map[string]string{
		"id":              o.ID,
		"account_type":    string(o.AccountType),
		"account_id":      o.AccountID,
		"symbol":          o.Symbol,
		"side":            string(o.Side),
		"type":            string(o.Type),
		"price":           o.Price.String(),
		"quantity":        o.Quantity.String(),
		"status":          string(o.Status),
		"margin":          o.Margin.String(),
		"master_order_id": o.MasterOrderID,
	}
}

func signedQty(o *schema.Order) string {
	if o.Side == schema.OrderSideSell {
		return o.Quantity.Neg().String()
	}
	return o.Quantity.String()
}

// ApplyOpen mirrors a freshly created order: canonical record, account
// index, holdings, used margin, symbol holder set, and the pending zset
// for trigger-price orders. The account-partition keys go through one
// atomic pipeline; the symbol-partition keys through a second.
func (m *Mirror) ApplyOpen(ctx context.Context, o *schema.Order) error {
	tag := o.PartitionKey()

	if err := m.cache.Atomic(ctx, func(p Pipe) {
		p.HSet(keyOrder(tag, o.ID), orderFields(o))
		p.SAdd(keyIndex(tag), o.ID)
		p.HSet(keyHoldings(tag), map[string]string{o.ID: o.Symbol + pendingSep + signedQty(o)})
		if !o.Margin.IsZero() {
			p.HIncrByFloat(keyAccount(tag), fieldUsedMargin, o.Margin.InexactFloat64())
		}
	}); err != nil {
		return errors.Wrap(err, "mirror open, account partition").With("orderId", o.ID)
	}

	if err := m.cache.Atomic(ctx, func(p Pipe) {
		p.SAdd(keyHolders(o.Symbol), tag)
		if o.Status == schema.OrderStatusPending {
			p.ZAdd(keyPending(o.Symbol, o.Side), o.Price.InexactFloat64(), pendingMember(tag, o.ID))
		}
	}); err != nil {
		return errors.Wrap(err, "mirror open, symbol partition").With("orderId", o.ID)
	}

	return nil
}

// Activate flips a mirrored PENDING order to OPEN, applies its margin
// and drops it from the pending zset in the same logical operation.
func (m *Mirror) Activate(ctx context.Context, o *schema.Order) error {
	tag := o.PartitionKey()

	if err := m.cache.Atomic(ctx, func(p Pipe) {
		p.HSet(keyOrder(tag, o.ID), map[string]string{
			"status": string(schema.OrderStatusOpen),
			"margin": o.Margin.String(),
		})
		if !o.Margin.IsZero() {
			p.HIncrByFloat(keyAccount(tag), fieldUsedMargin, o.Margin.InexactFloat64())
		}
	}); err != nil {
		return errors.Wrap(err, "mirror activate, account partition").With("orderId", o.ID)
	}

	if err := m.cache.Atomic(ctx, func(p Pipe) {
		p.ZRem(keyPending(o.Symbol, o.Side), pendingMember(tag, o.ID))
	}); err != nil {
		return errors.Wrap(err, "mirror activate, symbol partition").With("orderId", o.ID)
	}

	return nil
}

// ApplyClose removes a closed order from the mirror and releases its
// margin.
func (m *Mirror) ApplyClose(ctx context.Context, o *schema.Order) error {
	return m.remove(ctx, o, o.Margin)
}

// ApplyCancel removes a cancelled order. Pending and queued orders never
// had margin applied, so only the released margin recorded on the order
// is subtracted.
func (m *Mirror) ApplyCancel(ctx context.Context, o *schema.Order) error {
	return m.remove(ctx, o, o.Margin)
}

func (m *Mirror) remove(ctx context.Context, o *schema.Order, releasedMargin decimal.Decimal) error {
	tag := o.PartitionKey()

	lastHolding, err := m.lastHoldingInSymbol(ctx, tag, o.ID, o.Symbol)
	if err != nil {
		return err
	}

	if err := m.cache.Atomic(ctx, func(p Pipe) {
		p.Del(keyOrder(tag, o.ID))
		p.SRem(keyIndex(tag), o.ID)
		p.HDel(keyHoldings(tag), o.ID)
		if !releasedMargin.IsZero() {
			p.HIncrByFloat(keyAccount(tag), fieldUsedMargin, -releasedMargin.InexactFloat64())
		}
	}); err != nil {
		return errors.Wrap(err, "mirror remove, account partition").With("orderId", o.ID)
	}

	if err := m.cache.Atomic(ctx, func(p Pipe) {
		p.ZRem(keyPending(o.Symbol, o.Side), pendingMember(tag, o.ID))
		if lastHolding {
			p.SRem(keyHolders(o.Symbol), tag)
		}
	}); err != nil {
		return errors.Wrap(err, "mirror remove, symbol partition").With("orderId", o.ID)
	}

	return nil
}

// lastHoldingInSymbol reports whether orderID is the account's only
// remaining holding in symbol.
func (m *Mirror) lastHoldingInSymbol(ctx context.Context, tag, orderID, symbol string) (bool, error) {
	holdings, err := m.cache.HGetAll(ctx, keyHoldings(tag))
	if err != nil {
		return false, errors.Wrap(err, "read holdings").With("tag", tag)
	}
	for id, val := range holdings {
		if id == orderID {
			continue
		}
		if sym, _, ok := strings.Cut(val, pendingSep); ok && sym == symbol {
			return false, nil
		}
	}
	return true, nil
}

// SetEquity stores the account's live equity.
func (m *Mirror) SetEquity(ctx context.Context, accountType schema.AccountType, accountID string, equity decimal.Decimal) error {
	tag := schema.PartitionKey(accountType, accountID)
	return m.cache.Atomic(ctx, func(p Pipe) {
		p.HSet(keyAccount(tag), map[string]string{fieldEquity: equity.String()})
	})
}

// Equity reads the account's live equity. The second return reports a
// cache hit; sizing fallbacks trigger on a miss.
func (m *Mirror) Equity(ctx context.Context, accountType schema.AccountType, accountID string) (decimal.Decimal, bool, error) {
	tag := schema.PartitionKey(accountType, accountID)
	val, ok, err := m.cache.HGet(ctx, keyAccount(tag), fieldEquity)
	if err != nil {
		return decimal.Zero, false, err
	}
	if !ok {
		return decimal.Zero, false, nil
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, exception.ErrCacheBadOrderEntry
	}
	return d, true, nil
}

// UsedMargin reads the account's mirrored used margin.
func (m *Mirror) UsedMargin(ctx context.Context, accountType schema.AccountType, accountID string) (decimal.Decimal, error) {
	tag := schema.PartitionKey(accountType, accountID)
	val, ok, err := m.cache.HGet(ctx, keyAccount(tag), fieldUsedMargin)
	if err != nil || !ok {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, exception.ErrCacheBadOrderEntry
	}
	return d, nil
}

// Orders lists the mirrored order ids for an account.
func (m *Mirror) Orders(ctx context.Context, accountType schema.AccountType, accountID string) ([]string, error) {
	return m.cache.SMembers(ctx, keyIndex(schema.PartitionKey(accountType, accountID)))
}

// Order reads one mirrored canonical order record.
func (m *Mirror) Order(ctx context.Context, accountType schema.AccountType, accountID, orderID string) (map[string]string, bool, error) {
	fields, err := m.cache.HGetAll(ctx, keyOrder(schema.PartitionKey(accountType, accountID), orderID))
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return fields, true, nil
}

// TriggeredOrders returns pending orders whose trigger price has been
// reached by the given market price. Buy limits trigger when the market
// falls to the order price, sell limits when it rises to it.
func (m *Mirror) TriggeredOrders(ctx context.Context, symbol string, side schema.OrderSide, price decimal.Decimal) ([]PendingRef, error) {
	var (
		members []string
		err     error
	)
	switch side {
	case schema.OrderSideBuy:
		members, err = m.cache.ZRangeByScore(ctx, keyPending(symbol, side), price.InexactFloat64(), math.Inf(1))
	case schema.OrderSideSell:
		members, err = m.cache.ZRangeByScore(ctx, keyPending(symbol, side), math.Inf(-1), price.InexactFloat64())
	default:
		return nil, exception.ErrCacheBadOrderEntry
	}
	if err != nil {
		return nil, errors.Wrap(err, "range pending orders").With("symbol", symbol)
	}

	refs := make([]PendingRef, 0, len(members))
	for _, member := range members {
		if ref, ok := parsePendingMember(member); ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// Rebuild resynchronizes the account's mirror from the durable store.
// Safe to re-run: two consecutive runs produce identical state.
func (m *Mirror) Rebuild(ctx context.Context, accountType schema.AccountType, accountID string) error {
	tag := schema.PartitionKey(accountType, accountID)

	durable, err := m.source.OpenOrders(ctx, accountType, accountID)
	if err != nil {
		return errors.Wrap(err, "load durable orders").With("tag", tag)
	}

	stale, err := m.cachedOrders(ctx, tag)
	if err != nil {
		return err
	}

	usedMargin := decimal.Zero
	for i := range durable {
		usedMargin = usedMargin.Add(durable[i].Margin)
	}

	if err := m.cache.Atomic(ctx, func(p Pipe) {
		for _, old := range stale {
			p.Del(keyOrder(tag, old.ID))
		}
		p.Del(keyIndex(tag), keyHoldings(tag))
		p.HSet(keyAccount(tag), map[string]string{fieldUsedMargin: usedMargin.String()})
		for i := range durable {
			o := &durable[i]
			p.HSet(keyOrder(tag, o.ID), orderFields(o))
			p.SAdd(keyIndex(tag), o.ID)
			p.HSet(keyHoldings(tag), map[string]string{o.ID: o.Symbol + pendingSep + signedQty(o)})
		}
	}); err != nil {
		return errors.Wrap(err, "rebuild account partition").With("tag", tag)
	}

	// Symbol partitions: clear this account's stale entries, then
	// re-add the durable ones.
	symbols := make(map[string]bool) // symbol -> still held
	for _, old := range stale {
		if _, ok := symbols[old.Symbol]; !ok {
			symbols[old.Symbol] = false
		}
	}
	for i := range durable {
		symbols[durable[i].Symbol] = true
	}

	for symbol, held := range symbols {
		if err := m.cache.Atomic(ctx, func(p Pipe) {
			for _, old := range stale {
				if old.Symbol == symbol {
					p.ZRem(keyPending(symbol, old.Side), pendingMember(tag, old.ID))
				}
			}
			if !held {
				p.SRem(keyHolders(symbol), tag)
				return
			}
			p.SAdd(keyHolders(symbol), tag)
			for i := range durable {
				o := &durable[i]
				if o.Symbol == symbol && o.Status == schema.OrderStatusPending {
					p.ZAdd(keyPending(symbol, o.Side), o.Price.InexactFloat64(), pendingMember(tag, o.ID))
				}
			}
		}); err != nil {
			return errors.Wrap(err, "rebuild symbol partition").With("symbol", symbol)
		}
	}

	return nil
}

// Prune drops mirrored entries that no longer have a durable row. It
// never removes an entry whose durable row still exists.
func (m *Mirror) Prune(ctx context.Context, accountType schema.AccountType, accountID string) error {
	tag := schema.PartitionKey(accountType, accountID)

	durable, err := m.source.OpenOrders(ctx, accountType, accountID)
	if err != nil {
		return errors.Wrap(err, "load durable orders").With("tag", tag)
	}
	alive := make(map[string]struct{}, len(durable))
	for i := range durable {
		alive[durable[i].ID] = struct{}{}
	}

	cached, err := m.cachedOrders(ctx, tag)
	if err != nil {
		return err
	}

	for _, entry := range cached {
		if _, ok := alive[entry.ID]; ok {
			continue
		}
		if err := m.remove(ctx, &entry, entry.Margin); err != nil {
			return err
		}
	}
	return nil
}

// cachedOrders snapshots the mirrored orders for a partition tag.
func (m *Mirror) cachedOrders(ctx context.Context, tag string) ([]schema.Order, error) {
	ids, err := m.cache.SMembers(ctx, keyIndex(tag))
	if err != nil {
		return nil, errors.Wrap(err, "read order index").With("tag", tag)
	}

	out := make([]schema.Order, 0, len(ids))
	for _, id := range ids {
		fields, err := m.cache.HGetAll(ctx, keyOrder(tag, id))
		if err != nil {
			return nil, errors.Wrap(err, "read cached order").With("orderId", id)
		}
		if len(fields) == 0 {
			continue
		}
		o := schema.Order{
			ID:            id,
			AccountType:   schema.AccountType(fields["account_type"]),
			AccountID:     fields["account_id"],
			Symbol:        fields["symbol"],
			Side:          schema.OrderSide(fields["side"]),
			Type:          schema.OrderType(fields["type"]),
			Status:        schema.OrderStatus(fields["status"]),
			MasterOrderID: fields["master_order_id"],
		}
		if o.Price, err = decimal.NewFromString(fields["price"]); err != nil {
			return nil, exception.ErrCacheBadOrderEntry
		}
		if o.Quantity, err = decimal.NewFromString(fields["quantity"]); err != nil {
			return nil, exception.ErrCacheBadOrderEntry
		}
		if o.Margin, err = decimal.NewFromString(fields["margin"]); err != nil {
			return nil, exception.ErrCacheBadOrderEntry
		}
		out = append(out, o)
	}
	return out, nil
}
