package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"main/internal/schema"
	"main/pkg/exception"
)

// LedgerRepository is the gorm-backed lifecycle ledger store. The
// replace-and-append pair runs in one transaction, keeping the
// single-active invariant per (order, id type).
type LedgerRepository struct {
	exec *Executor
	db   *gorm.DB
}

// NewLedgerRepository creates the repository.
func NewLedgerRepository(db *gorm.DB, exec *Executor) *LedgerRepository {
	return &LedgerRepository{exec: exec, db: db}
}

// Append inserts rec as the new active record, transitioning any
// currently-active record of the same (OrderID, IDType) to replaced.
func (r *LedgerRepository) Append(ctx context.Context, rec *schema.LifecycleRecord) error {
	return r.exec.Transact(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&schema.LifecycleRecord{}).
			Where("order_id = ? AND id_type = ? AND status = ?",
				rec.OrderID, rec.IDType, schema.LifecycleStatusActive).
			Updates(map[string]any{
				"status": schema.LifecycleStatusReplaced,
				"note":   "replaced by " + rec.LifecycleID,
			}).Error; err != nil {
			return err
		}
		return tx.Create(rec).Error
	})
}

// FindActive returns the active record for (orderID, idType), nil when
// none exists.
func (r *LedgerRepository) FindActive(ctx context.Context, orderID string, idType schema.LifecycleIDType) (*schema.LifecycleRecord, error) {
	var rec schema.LifecycleRecord
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND id_type = ? AND status = ?", orderID, idType, schema.LifecycleStatusActive).
		Order("id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindByLifecycleID resolves one record by its issued id, nil when
// unknown.
func (r *LedgerRepository) FindByLifecycleID(ctx context.Context, lifecycleID string) (*schema.LifecycleRecord, error) {
	var rec schema.LifecycleRecord
	err := r.db.WithContext(ctx).Where("lifecycle_id = ?", lifecycleID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateStatus transitions a record to the given status.
func (r *LedgerRepository) UpdateStatus(ctx context.Context, lifecycleID string, to schema.LifecycleStatus, note string) error {
	return r.exec.Transact(ctx, func(tx *gorm.DB) error {
		updates := map[string]any{"status": to}
		if note != "" {
			updates["note"] = note
		}
		res := tx.Model(&schema.LifecycleRecord{}).
			Where("lifecycle_id = ?", lifecycleID).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return exception.ErrLedgerUnknownID
		}
		return nil
	})
}

// ListByOrder returns every record for an order, oldest first.
func (r *LedgerRepository) ListByOrder(ctx context.Context, orderID string) ([]schema.LifecycleRecord, error) {
	var recs []schema.LifecycleRecord
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Find(&recs).Error
	return recs, err
}
