package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
)

const creditNoteColumns = `id, student_id, balance, created_at, updated_at`

const creditTransactionColumns = `id, credit_note_id, student_id, type, amount, balance_after, reason, reference_type, reference_id, created_by, created_at`

// CreditRepository persists credit wallets and their ledger.
type CreditRepository struct {
	db *sqlx.DB
}

// NewCreditRepository creates a new instance of CreditRepository.
func NewCreditRepository(db *sqlx.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

// LockNote returns the student's wallet with a row lock, creating it on first use.
func (r *CreditRepository) LockNote(ctx context.Context, exec sqlx.ExtContext, studentID string) (*models.CreditNote, error) {
	const ensure = `INSERT INTO credit_notes (id, student_id, balance, created_at, updated_at) VALUES ($1, $2, 0, NOW(), NOW()) ON CONFLICT (student_id) DO NOTHING`
	if _, err := exec.ExecContext(ctx, ensure, uuid.NewString(), studentID); err != nil {
		return nil, fmt.Errorf("ensure credit note: %w", err)
	}
	query := `SELECT ` + creditNoteColumns + ` FROM credit_notes WHERE student_id = $1 FOR UPDATE`
	var note models.CreditNote
	if err := sqlx.GetContext(ctx, exec, &note, query, studentID); err != nil {
		return nil, fmt.Errorf("lock credit note: %w", err)
	}
	return &note, nil
}

// FindNote returns the wallet without locking.
func (r *CreditRepository) FindNote(ctx context.Context, studentID string) (*models.CreditNote, error) {
	query := `SELECT ` + creditNoteColumns + ` FROM credit_notes WHERE student_id = $1`
	var note models.CreditNote
	if err := r.db.GetContext(ctx, &note, query, studentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find credit note: %w", err)
	}
	return &note, nil
}

// ApplyDelta adds delta to the balance, refusing to go negative, and returns the new balance.
func (r *CreditRepository) ApplyDelta(ctx context.Context, exec sqlx.ExtContext, noteID string, delta decimal.Decimal) (decimal.Decimal, error) {
	const query = `UPDATE credit_notes SET balance = balance + $2, updated_at = NOW() WHERE id = $1 AND balance + $2 >= 0 RETURNING balance`
	var balance decimal.Decimal
	if err := sqlx.GetContext(ctx, exec, &balance, query, noteID, delta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, ErrInsufficientCredit
		}
		return decimal.Zero, fmt.Errorf("apply credit delta: %w", err)
	}
	return balance, nil
}

// CreateTransaction appends a wallet ledger entry.
func (r *CreditRepository) CreateTransaction(ctx context.Context, exec sqlx.ExtContext, txn *models.CreditTransaction) error {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO credit_transactions (` + creditTransactionColumns + `) VALUES (:id, :credit_note_id, :student_id, :type, :amount, :balance_after, :reason, :reference_type, :reference_id, :created_by, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, exec, query, txn); err != nil {
		return fmt.Errorf("create credit transaction: %w", err)
	}
	return nil
}

// ListTransactions returns the student's wallet movements newest first.
func (r *CreditRepository) ListTransactions(ctx context.Context, studentID string, page, pageSize int) ([]models.CreditTransaction, int, error) {
	page, pageSize = models.NormalizePage(page, pageSize)
	query := `SELECT ` + creditTransactionColumns + ` FROM credit_transactions WHERE student_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	var txns []models.CreditTransaction
	if err := r.db.SelectContext(ctx, &txns, query, studentID, pageSize, (page-1)*pageSize); err != nil {
		return nil, 0, fmt.Errorf("list credit transactions: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(1) FROM credit_transactions WHERE student_id = $1`, studentID); err != nil {
		return nil, 0, fmt.Errorf("count credit transactions: %w", err)
	}
	return txns, total, nil
}
