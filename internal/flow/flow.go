// Package flow routes order mutations between local settlement and the
// external execution boundary. The flow is re-derived from account
// state for every mutation, never stored on the order.
package flow

import (
	"context"

	"main/internal/schema"
)

// Flow selects where a mutation executes.
type Flow uint8

const (
	// FlowLocal settles against the local store.
	FlowLocal Flow = iota
	// FlowProvider forwards to the external execution boundary.
	FlowProvider
)

func (f Flow) String() string {
	if f == FlowProvider {
		return "provider"
	}
	return "local"
}

// Resolve derives the execution flow for an account. Demo accounts
// always settle locally. A follower inherits the flow of the provider
// it copies when the provider's setting is set; its own setting applies
// when the provider's is unset or no active subscription exists. Unset
// or unrecognized settings resolve to local.
func (r *Router) Resolve(ctx context.Context, acct *schema.Account) (Flow, error) {
	if acct.Type == schema.AccountTypeDemo {
		return FlowLocal, nil
	}

	if acct.Type == schema.AccountTypeFollower {
		sub, err := r.store.FollowerByAccount(ctx, acct.ID)
		if err != nil {
			return FlowLocal, err
		}
		if sub != nil {
			provider, err := r.store.Account(ctx, sub.ProviderID)
			if err != nil {
				return FlowLocal, err
			}
			if provider.OrderFlow != "" {
				return parseFlow(provider.OrderFlow), nil
			}
		}
	}

	return parseFlow(acct.OrderFlow), nil
}

func parseFlow(raw string) Flow {
	if raw == schema.OrderFlowProvider {
		return FlowProvider
	}
	return FlowLocal
}
