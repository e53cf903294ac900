// Package ledger tracks the chain of working identifiers issued for an
// order. Records are append-only; issuing a new id for a (order, type)
// pair replaces the previously active one in the same operation.
package ledger

import (
	"context"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/schema"
	"main/pkg/exception"
)

// Repository is the durable access the ledger needs. Append must
// transition any currently-active record of the same (OrderID, IDType)
// to replaced and insert the new record atomically.
type Repository interface {
	Append(ctx context.Context, rec *schema.LifecycleRecord) error
	FindActive(ctx context.Context, orderID string, idType schema.LifecycleIDType) (*schema.LifecycleRecord, error)
	FindByLifecycleID(ctx context.Context, lifecycleID string) (*schema.LifecycleRecord, error)
	UpdateStatus(ctx context.Context, lifecycleID string, to schema.LifecycleStatus, note string) error
	ListByOrder(ctx context.Context, orderID string) ([]schema.LifecycleRecord, error)
}

// Ledger issues and resolves lifecycle ids.
type Ledger struct {
	repo Repository
}

// New creates a ledger over the given repository.
func New(repo Repository) *Ledger {
	return &Ledger{repo: repo}
}

var validIDTypes = map[schema.LifecycleIDType]struct{}{
	schema.LifecycleIDOrder:          {},
	schema.LifecycleIDStopLoss:       {},
	schema.LifecycleIDStopLossCancel: {},
	schema.LifecycleIDTakeProfit:     {},
	schema.LifecycleIDCancel:         {},
	schema.LifecycleIDModify:         {},
	schema.LifecycleIDClose:          {},
}

// AddLifecycleID appends a new active record for (orderID, idType). A
// currently-active record of the same pair transitions to replaced as
// part of the same operation.
func (l *Ledger) AddLifecycleID(ctx context.Context, orderID string, idType schema.LifecycleIDType, newID, note string) error {
	if newID == "" {
		return exception.ErrLedgerEmptyID
	}
	if _, ok := validIDTypes[idType]; !ok {
		return exception.ErrLedgerUnknownIDType
	}

	rec := &schema.LifecycleRecord{
		OrderID:     orderID,
		IDType:      idType,
		LifecycleID: newID,
		Status:      schema.LifecycleStatusActive,
		Note:        note,
	}
	if err := l.repo.Append(ctx, rec); err != nil {
		return errors.Wrap(err, "append lifecycle record").
			With("orderId", orderID).
			With("idType", string(idType))
	}
	return nil
}

// ActiveLifecycleID returns the currently-active id for (orderID, idType).
func (l *Ledger) ActiveLifecycleID(ctx context.Context, orderID string, idType schema.LifecycleIDType) (string, bool, error) {
	rec, err := l.repo.FindActive(ctx, orderID, idType)
	if err != nil {
		return "", false, err
	}
	if rec == nil {
		return "", false, nil
	}
	return rec.LifecycleID, true, nil
}

// UpdateLifecycleStatus transitions one record to a terminal status.
// Only active records transition; the terminal statuses are final.
func (l *Ledger) UpdateLifecycleStatus(ctx context.Context, lifecycleID string, status schema.LifecycleStatus, note string) error {
	if status == schema.LifecycleStatusActive {
		return exception.ErrLedgerInvalidStatus
	}

	rec, err := l.repo.FindByLifecycleID(ctx, lifecycleID)
	if err != nil {
		return err
	}
	if rec == nil {
		return exception.ErrLedgerUnknownID
	}
	if rec.Status.IsTerminal() {
		logs.Warnf("lifecycle %s already %s, reject transition to %s", lifecycleID, rec.Status, status)
		return exception.ErrLedgerTerminalRecord
	}

	return l.repo.UpdateStatus(ctx, lifecycleID, status, note)
}

// FindOrderByLifecycleID resolves the root order from any issued id.
// The execution boundary references in-flight operations by working id,
// so confirmation callbacks map back through this lookup.
func (l *Ledger) FindOrderByLifecycleID(ctx context.Context, lifecycleID string) (string, bool, error) {
	rec, err := l.repo.FindByLifecycleID(ctx, lifecycleID)
	if err != nil {
		return "", false, err
	}
	if rec == nil {
		return "", false, nil
	}
	return rec.OrderID, true, nil
}

// Resolve returns the full record for an issued id. Callers branch on
// the record's IDType to decide what a provider confirmation means.
func (l *Ledger) Resolve(ctx context.Context, lifecycleID string) (*schema.LifecycleRecord, error) {
	rec, err := l.repo.FindByLifecycleID(ctx, lifecycleID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, exception.ErrLedgerUnknownID
	}
	return rec, nil
}

// History lists every record issued for an order, oldest first.
func (l *Ledger) History(ctx context.Context, orderID string) ([]schema.LifecycleRecord, error) {
	return l.repo.ListByOrder(ctx, orderID)
}
