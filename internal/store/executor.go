// Package store holds the durable repositories and the retry-safe
// mutation executor every component writes through.
package store

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"main/internal/schema"
	"main/pkg/exception"
)

// SQLSTATE codes treated as transient contention. Anything else rolls
// back and propagates without retry.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// RetryConfig bounds the contention retry loop.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	return c
}

// Executor wraps durable-store mutations in transactions and retries
// transient contention failures with capped exponential backoff.
type Executor struct {
	db    *gorm.DB
	cfg   RetryConfig
	sleep func(context.Context, time.Duration) error
}

// NewExecutor creates an executor over an established gorm handle.
func NewExecutor(db *gorm.DB, cfg RetryConfig) *Executor {
	return &Executor{db: db, cfg: cfg.withDefaults(), sleep: sleepCtx}
}

// Do runs fn, retrying on contention signatures up to the configured
// bound. Delays double per attempt (capped) with up to 10% jitter so
// concurrent retriers spread out.
func (e *Executor) Do(ctx context.Context, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isContention(err) || attempt > e.cfg.MaxRetries {
			return err
		}

		delay := withJitter(backoffBase(e.cfg.BaseDelay, e.cfg.MaxDelay, attempt))
		logs.Warnf("store contention, retry %d/%d in %s, err: %+v", attempt, e.cfg.MaxRetries, delay, err)
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Transact runs fn inside a read-committed transaction with retry.
func (e *Executor) Transact(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return e.TransactIsolation(ctx, sql.LevelReadCommitted, fn)
}

// TransactIsolation runs fn at the requested isolation level.
func (e *Executor) TransactIsolation(ctx context.Context, level sql.IsolationLevel, fn func(tx *gorm.DB) error) error {
	return e.Do(ctx, func() error {
		return e.db.WithContext(ctx).Transaction(fn, &sql.TxOptions{Isolation: level})
	})
}

// WithAccountLock acquires an exclusive row lock on the account record
// and runs fn within the lock's scope, serializing balance-affecting
// operations per account.
func (e *Executor) WithAccountLock(ctx context.Context, accountID string, fn func(tx *gorm.DB, acct *schema.Account) error) error {
	return e.Transact(ctx, func(tx *gorm.DB) error {
		var acct schema.Account
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", accountID).
			First(&acct).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return exception.ErrOrderAccountNotFound
		}
		if err != nil {
			return err
		}
		return fn(tx, &acct)
	})
}

// backoffBase is the pre-jitter delay for the given attempt:
// min(base * 2^(attempt-1), ceiling).
func backoffBase(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		return ceiling
	}
	d := base << shift
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// withJitter adds up to 10% random jitter to avoid synchronized retry
// storms.
func withJitter(d time.Duration) time.Duration {
	span := int64(d / 10)
	if span <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(span+1))
}

func isContention(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return true
	default:
		return false
	}
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
