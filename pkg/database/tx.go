package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// TxBeginner is satisfied by *sqlx.DB.
type TxBeginner interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// TxRunner executes a callback inside a single database transaction. Every write issued through
// the provided executor commits or rolls back together.
type TxRunner struct {
	db   TxBeginner
	opts *sql.TxOptions
}

// NewTxRunner constructs a runner using READ COMMITTED, relying on explicit row locks
// (SELECT ... FOR UPDATE) and conditional updates for contended rows.
func NewTxRunner(db TxBeginner) *TxRunner {
	return &TxRunner{db: db, opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted}}
}

// WithinTx begins a transaction, runs fn and commits. Any error or panic rolls back.
func (r *TxRunner) WithinTx(ctx context.Context, fn func(exec sqlx.ExtContext) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, r.opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
