// Package monitor watches market ticks and activates pending limit
// orders whose trigger price has been reached.
package monitor

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/mirror"
	"main/internal/schema"
)

// PendingIndex answers trigger queries. The cache mirror satisfies this.
type PendingIndex interface {
	TriggeredOrders(ctx context.Context, symbol string, side schema.OrderSide, price decimal.Decimal) ([]mirror.PendingRef, error)
}

// Activator settles one triggered order. The flow router satisfies this.
type Activator interface {
	ActivatePending(ctx context.Context, orderID string) error
}

// Monitor consumes ticks and fires activations.
type Monitor struct {
	queue   *bus.Queue
	pending PendingIndex
	router  Activator
}

// New creates the monitor.
func New(queue *bus.Queue, pending PendingIndex, router Activator) *Monitor {
	return &Monitor{queue: queue, pending: pending, router: router}
}

// Run blocks consuming ticks until ctx is done or the queue closes.
func (m *Monitor) Run(ctx context.Context) {
	m.queue.Run(ctx, func(t bus.Tick) {
		m.handle(ctx, t)
	})
}

// handle checks both sides of the book for one tick. Buy limits fill
// at the ask, sell limits at the bid.
func (m *Monitor) handle(ctx context.Context, t bus.Tick) {
	m.activateSide(ctx, t.Symbol, schema.OrderSideBuy, t.Ask)
	m.activateSide(ctx, t.Symbol, schema.OrderSideSell, t.Bid)
}

func (m *Monitor) activateSide(ctx context.Context, symbol string, side schema.OrderSide, price decimal.Decimal) {
	if price.Sign() <= 0 {
		return
	}
	refs, err := m.pending.TriggeredOrders(ctx, symbol, side, price)
	if err != nil {
		logs.Errorf("query triggered orders for %s: %+v", symbol, err)
		return
	}
	for _, ref := range refs {
		if err := m.router.ActivatePending(ctx, ref.OrderID); err != nil {
			logs.Errorf("activate pending order %s: %+v", ref.OrderID, err)
		}
	}
}
