package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/academy-enrollment-api/internal/dto"
	"github.com/noah-isme/academy-enrollment-api/internal/models"
	"github.com/noah-isme/academy-enrollment-api/internal/repository"
	appErrors "github.com/noah-isme/academy-enrollment-api/pkg/errors"
	"github.com/noah-isme/academy-enrollment-api/pkg/export"
)

type creditStore interface {
	LockNote(ctx context.Context, exec sqlx.ExtContext, studentID string) (*models.CreditNote, error)
	FindNote(ctx context.Context, studentID string) (*models.CreditNote, error)
	ApplyDelta(ctx context.Context, exec sqlx.ExtContext, noteID string, delta decimal.Decimal) (decimal.Decimal, error)
	CreateTransaction(ctx context.Context, exec sqlx.ExtContext, txn *models.CreditTransaction) error
	ListTransactions(ctx context.Context, studentID string, page, pageSize int) ([]models.CreditTransaction, int, error)
}

// CreditMovement describes a wallet movement recorded inside a caller's transaction.
type CreditMovement struct {
	StudentID     string
	Amount        decimal.Decimal
	Reason        string
	ReferenceType string
	ReferenceID   string
	CreatedBy     *string
}

// CreditService manages the per-student credit wallet. Every balance change happens under the
// wallet row lock followed by a guarded in-database update.
type CreditService struct {
	tx        Transactor
	store     creditStore
	validator *validator.Validate
	logger    *zap.Logger
}

// NewCreditService constructs CreditService.
func NewCreditService(tx Transactor, store creditStore, validate *validator.Validate, logger *zap.Logger) *CreditService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CreditService{tx: tx, store: store, validator: validate, logger: logger}
}

// Balance returns the student's wallet, reporting a zero balance when none exists yet.
func (s *CreditService) Balance(ctx context.Context, actor models.Actor, studentID string) (*models.CreditNote, error) {
	if !actor.CanActFor(studentID) {
		return nil, appErrors.ErrForbidden
	}
	note, err := s.store.FindNote(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.CreditNote{StudentID: studentID, Balance: decimal.Zero}, nil
		}
		return nil, internalError(err, "failed to load credit balance")
	}
	return note, nil
}

// Transactions lists wallet movements.
func (s *CreditService) Transactions(ctx context.Context, actor models.Actor, studentID string, page, pageSize int) ([]models.CreditTransaction, *models.Pagination, error) {
	if !actor.CanActFor(studentID) {
		return nil, nil, appErrors.ErrForbidden
	}
	txns, total, err := s.store.ListTransactions(ctx, studentID, page, pageSize)
	if err != nil {
		return nil, nil, internalError(err, "failed to list credit transactions")
	}
	page, pageSize = models.NormalizePage(page, pageSize)
	return txns, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// Statement renders the latest wallet movements as a CSV or PDF statement.
func (s *CreditService) Statement(ctx context.Context, actor models.Actor, studentID string, format export.Format) ([]byte, error) {
	note, err := s.Balance(ctx, actor, studentID)
	if err != nil {
		return nil, err
	}
	txns, _, err := s.store.ListTransactions(ctx, studentID, 1, 100)
	if err != nil {
		return nil, internalError(err, "failed to list credit transactions")
	}
	statement := export.Statement{
		Title:   "Credit statement " + studentID,
		Columns: []string{"date", "type", "amount", "balance_after", "reason", "reference"},
		Footer:  "Balance " + note.Balance.StringFixed(2),
	}
	for _, txn := range txns {
		reference := ""
		if txn.ReferenceType != nil && txn.ReferenceID != nil {
			reference = fmt.Sprintf("%s/%s", *txn.ReferenceType, *txn.ReferenceID)
		}
		statement.Rows = append(statement.Rows, []string{
			txn.CreatedAt.UTC().Format(time.RFC3339),
			string(txn.Type),
			txn.Amount.StringFixed(2),
			txn.BalanceAfter.StringFixed(2),
			txn.Reason,
			reference,
		})
	}
	out, err := export.Render(statement, format)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "failed to render statement")
	}
	return out, nil
}

// AddCredit tops up a wallet. Staff only.
func (s *CreditService) AddCredit(ctx context.Context, actor models.Actor, studentID string, req dto.AddCreditRequest) (*models.CreditTransaction, error) {
	if !actor.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid credit payload")
	}
	if !req.Amount.IsPositive() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "amount must be positive")
	}
	var txn *models.CreditTransaction
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		txn, err = s.AddCreditTx(ctx, exec, CreditMovement{
			StudentID:     studentID,
			Amount:        req.Amount,
			Reason:        req.Reason,
			ReferenceType: "manual",
			CreatedBy:     actor.ActorRef(),
		})
		return err
	})
	if err != nil {
		return nil, internalError(err, "failed to add credit")
	}
	s.logger.Info("credit added", zap.String("student_id", studentID), zap.String("amount", req.Amount.String()), zap.String("actor_id", actor.ID))
	return txn, nil
}

// AddCreditTx credits the wallet inside the caller's transaction.
func (s *CreditService) AddCreditTx(ctx context.Context, exec sqlx.ExtContext, m CreditMovement) (*models.CreditTransaction, error) {
	if !m.Amount.IsPositive() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "credit amount must be positive")
	}
	return s.move(ctx, exec, m, models.CreditTransactionCredit, m.Amount)
}

// UseCreditTx draws down the wallet inside the caller's transaction. The balance is checked under
// the row lock and the guarded update refuses to go negative.
func (s *CreditService) UseCreditTx(ctx context.Context, exec sqlx.ExtContext, m CreditMovement) (*models.CreditTransaction, error) {
	if !m.Amount.IsPositive() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "debit amount must be positive")
	}
	return s.move(ctx, exec, m, models.CreditTransactionDebit, m.Amount.Neg())
}

func (s *CreditService) move(ctx context.Context, exec sqlx.ExtContext, m CreditMovement, kind models.CreditTransactionType, delta decimal.Decimal) (*models.CreditTransaction, error) {
	note, err := s.store.LockNote(ctx, exec, m.StudentID)
	if err != nil {
		return nil, internalError(err, "failed to lock credit wallet")
	}
	if delta.IsNegative() && note.Balance.LessThan(delta.Neg()) {
		return nil, appErrors.Clone(appErrors.ErrInsufficientCredit, "credit balance "+note.Balance.String()+" is below "+delta.Neg().String())
	}
	balance, err := s.store.ApplyDelta(ctx, exec, note.ID, delta)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientCredit) {
			return nil, appErrors.ErrInsufficientCredit
		}
		return nil, internalError(err, "failed to update credit balance")
	}
	txn := &models.CreditTransaction{
		CreditNoteID:  note.ID,
		StudentID:     m.StudentID,
		Type:          kind,
		Amount:        m.Amount,
		BalanceAfter:  balance,
		Reason:        m.Reason,
		ReferenceType: strPtr(m.ReferenceType),
		ReferenceID:   strPtr(m.ReferenceID),
		CreatedBy:     m.CreatedBy,
	}
	if err := s.store.CreateTransaction(ctx, exec, txn); err != nil {
		return nil, internalError(err, "failed to record credit transaction")
	}
	return txn, nil
}
