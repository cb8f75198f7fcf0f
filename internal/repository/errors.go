package repository

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Sentinel errors for conditional updates that matched no row.
var (
	ErrSeatUnavailable    = errors.New("no seat available")
	ErrSeatUnderflow      = errors.New("seat counter would underflow")
	ErrCouponExhausted    = errors.New("coupon usage limit reached")
	ErrInsufficientCredit = errors.New("insufficient credit balance")
	ErrDuplicate          = errors.New("duplicate record")
)

const uniqueViolation = "23505"

// mapWriteError translates Postgres unique violations into ErrDuplicate and wraps anything else.
func mapWriteError(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return fmt.Errorf("%s: %w", op, err)
}
