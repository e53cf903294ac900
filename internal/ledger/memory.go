package ledger

import (
	"context"
	"sync"
	"time"

	"main/internal/schema"
	"main/pkg/exception"
)

// MemoryRepository is an in-process Repository used by demo accounts
// and tests. The mutex gives Append the same replace-and-insert
// atomicity the gorm repository gets from its transaction.
type MemoryRepository struct {
	mu      sync.Mutex
	nextID  uint64
	records []*schema.LifecycleRecord
	byID    map[string]*schema.LifecycleRecord
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*schema.LifecycleRecord)}
}

// Append inserts rec as the new active record, replacing any active
// record of the same (OrderID, IDType).
func (r *MemoryRepository) Append(_ context.Context, rec *schema.LifecycleRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[rec.LifecycleID]; ok {
		return exception.ErrLedgerDuplicateID
	}

	now := time.Now().UTC()
	for _, prev := range r.records {
		if prev.OrderID == rec.OrderID && prev.IDType == rec.IDType && prev.Status == schema.LifecycleStatusActive {
			prev.Status = schema.LifecycleStatusReplaced
			prev.Note = "replaced by " + rec.LifecycleID
			prev.UpdatedAt = now
		}
	}

	r.nextID++
	stored := *rec
	stored.ID = r.nextID
	stored.CreatedAt = now
	stored.UpdatedAt = now
	p := &stored
	r.records = append(r.records, p)
	r.byID[p.LifecycleID] = p
	return nil
}

// FindActive returns the active record for (orderID, idType), nil when none.
func (r *MemoryRepository) FindActive(_ context.Context, orderID string, idType schema.LifecycleIDType) (*schema.LifecycleRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if rec.OrderID == orderID && rec.IDType == idType && rec.Status == schema.LifecycleStatusActive {
			c := *rec
			return &c, nil
		}
	}
	return nil, nil
}

// FindByLifecycleID resolves one record by its issued id, nil when unknown.
func (r *MemoryRepository) FindByLifecycleID(_ context.Context, lifecycleID string) (*schema.LifecycleRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[lifecycleID]
	if !ok {
		return nil, nil
	}
	c := *rec
	return &c, nil
}

// UpdateStatus transitions a record to the given status.
func (r *MemoryRepository) UpdateStatus(_ context.Context, lifecycleID string, to schema.LifecycleStatus, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[lifecycleID]
	if !ok {
		return exception.ErrLedgerUnknownID
	}
	rec.Status = to
	if note != "" {
		rec.Note = note
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// ListByOrder returns every record for an order, oldest first.
func (r *MemoryRepository) ListByOrder(_ context.Context, orderID string) ([]schema.LifecycleRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []schema.LifecycleRecord
	for _, rec := range r.records {
		if rec.OrderID == orderID {
			out = append(out, *rec)
		}
	}
	return out, nil
}
