package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/bus"
	"main/internal/mirror"
	"main/internal/schema"
)

type stubSource struct{}

func (stubSource) OpenOrders(context.Context, schema.AccountType, string) ([]schema.Order, error) {
	return nil, nil
}

type recordingActivator struct {
	mu  sync.Mutex
	ids []string
}

func (a *recordingActivator) ActivatePending(_ context.Context, orderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, orderID)
	return nil
}

func (a *recordingActivator) activated() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ids...)
}

func pendingOrder(id string, side schema.OrderSide, price string) *schema.Order {
	return &schema.Order{
		ID:          id,
		AccountType: schema.AccountTypeLive,
		AccountID:   "a1",
		Symbol:      "EURUSD",
		Side:        side,
		Type:        schema.OrderTypeLimit,
		Price:       decimal.RequireFromString(price),
		Quantity:    decimal.NewFromInt(1),
		Status:      schema.OrderStatusPending,
	}
}

func TestMonitorActivatesTriggeredOrders(t *testing.T) {
	mi := mirror.New(mirror.NewMemoryCache(), stubSource{})

	// Buy limit at 1.20 triggers when the ask falls to it; the sell
	// limit at 1.30 needs the bid to rise.
	require.NoError(t, mi.ApplyOpen(context.Background(), pendingOrder("buy-low", schema.OrderSideBuy, "1.20")))
	require.NoError(t, mi.ApplyOpen(context.Background(), pendingOrder("sell-high", schema.OrderSideSell, "1.30")))

	queue := bus.NewQueue(8)
	activator := &recordingActivator{}
	m := New(queue, mi, activator)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	// Neither side triggers at 1.25/1.26.
	require.NoError(t, queue.TryPublish(bus.Tick{
		Symbol: "EURUSD",
		Bid:    decimal.RequireFromString("1.25"),
		Ask:    decimal.RequireFromString("1.26"),
	}))
	// Ask drops through the buy trigger.
	require.NoError(t, queue.TryPublish(bus.Tick{
		Symbol: "EURUSD",
		Bid:    decimal.RequireFromString("1.18"),
		Ask:    decimal.RequireFromString("1.19"),
	}))

	require.Eventually(t, func() bool {
		return len(activator.activated()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"buy-low"}, activator.activated())

	// Bid rises through the sell trigger.
	require.NoError(t, queue.TryPublish(bus.Tick{
		Symbol: "EURUSD",
		Bid:    decimal.RequireFromString("1.31"),
		Ask:    decimal.RequireFromString("1.32"),
	}))
	require.Eventually(t, func() bool {
		return len(activator.activated()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, activator.activated(), "sell-high")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	queue := bus.NewQueue(1)
	require.NoError(t, queue.TryPublish(bus.Tick{Symbol: "EURUSD"}))
	assert.ErrorIs(t, queue.TryPublish(bus.Tick{Symbol: "EURUSD"}), bus.ErrQueueFull)

	queue.Close()
	assert.ErrorIs(t, queue.TryPublish(bus.Tick{Symbol: "EURUSD"}), bus.ErrQueueClosed)
}
