// Package delegator is the client for the external execution boundary.
// One request/response contract per mutation type; the response
// distinguishes "applied immediately" from "queued pending confirmation".
package delegator

import (
	"context"

	"github.com/shopspring/decimal"

	"main/internal/schema"
	"main/pkg/exception"
)

// Action names one order mutation at the boundary.
type Action string

const (
	ActionOpen       Action = "open"
	ActionClose      Action = "close"
	ActionCancel     Action = "cancel"
	ActionStopLoss   Action = "stoploss"
	ActionTakeProfit Action = "takeprofit"
)

// Request carries one mutation to the execution boundary. The provider
// references the operation by LifecycleID, not the root order id.
type Request struct {
	Action      Action
	OrderID     string
	LifecycleID string
	AccountType schema.AccountType
	AccountID   string
	Symbol      string
	Side        schema.OrderSide
	Price       decimal.Decimal
	Quantity    decimal.Decimal
}

// Response reports the provider's verdict. Accepted && !Queued means
// the mutation applied immediately; Accepted && Queued means a later
// confirmation callback will carry the outcome.
type Response struct {
	Accepted    bool
	Queued      bool
	ProviderRef string
	Reason      string
}

// Client sends mutations to the execution boundary.
type Client interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// Disabled rejects every send. Wired when no boundary is configured so
// a provider-flow mutation fails loudly instead of panicking.
type Disabled struct{}

func (Disabled) Send(context.Context, Request) (Response, error) {
	return Response{}, exception.ErrBoundaryMissingCreds
}
