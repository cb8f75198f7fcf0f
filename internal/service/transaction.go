package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
	"github.com/noah-isme/academy-enrollment-api/internal/repository"
	appErrors "github.com/noah-isme/academy-enrollment-api/pkg/errors"
)

// Transactor runs fn inside one database transaction. *database.TxRunner satisfies it.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(exec sqlx.ExtContext) error) error
}

// Outbox collects side effects raised inside a transaction. They run only after commit and
// their failures never affect the committed state.
type Outbox struct {
	effects []func(context.Context)
}

// NewOutbox returns an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

// Add registers an after-commit effect.
func (o *Outbox) Add(effect func(context.Context)) {
	if o == nil || effect == nil {
		return
	}
	o.effects = append(o.effects, effect)
}

// Len returns the number of pending effects.
func (o *Outbox) Len() int {
	if o == nil {
		return 0
	}
	return len(o.effects)
}

// Flush runs and clears pending effects in registration order.
func (o *Outbox) Flush(ctx context.Context) {
	if o == nil {
		return
	}
	effects := o.effects
	o.effects = nil
	for _, effect := range effects {
		effect(ctx)
	}
}

type sequenceGenerator interface {
	Next(ctx context.Context, exec sqlx.ExtContext, prefix models.DocumentPrefix, year int) (int64, error)
}

func nextDocumentNumber(ctx context.Context, exec sqlx.ExtContext, seq sequenceGenerator, prefix models.DocumentPrefix, now time.Time) (string, error) {
	value, err := seq.Next(ctx, exec, prefix, now.Year())
	if err != nil {
		return "", err
	}
	return models.FormatDocumentNumber(prefix, now.Year(), value), nil
}

func notFoundOr(err error, message, internalMessage string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, message)
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, internalMessage)
}

func internalError(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}

// seatError maps seat-counter conditional update failures to domain errors.
func seatError(err error, message string) error {
	switch {
	case errors.Is(err, repository.ErrSeatUnavailable):
		return appErrors.Clone(appErrors.ErrClassFull, message)
	case errors.Is(err, repository.ErrSeatUnderflow):
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "seat counter underflow")
	}
	return internalError(err, "failed to adjust class seats")
}

func invalidTransition[S ~string](from, to S) error {
	return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot move from %s to %s", from, to))
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}
