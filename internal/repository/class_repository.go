package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
)

const classColumns = `id, name, branch_id, price, capacity, current_enrollments, registration_start, registration_end, start_date, end_date, is_active, created_at, updated_at`

// ClassRepository reads catalog classes and owns the seat counter primitive.
type ClassRepository struct {
	db *sqlx.DB
}

// NewClassRepository creates a new instance of ClassRepository.
func NewClassRepository(db *sqlx.DB) *ClassRepository {
	return &ClassRepository{db: db}
}

// FindByID returns a class by identifier.
func (r *ClassRepository) FindByID(ctx context.Context, id string) (*models.Class, error) {
	query := `SELECT ` + classColumns + ` FROM classes WHERE id = $1`
	var class models.Class
	if err := r.db.GetContext(ctx, &class, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find class: %w", err)
	}
	return &class, nil
}

// LockForUpdate reads the class holding its row lock until the transaction ends.
func (r *ClassRepository) LockForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Class, error) {
	query := `SELECT ` + classColumns + ` FROM classes WHERE id = $1 FOR UPDATE`
	var class models.Class
	if err := sqlx.GetContext(ctx, exec, &class, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("lock class: %w", err)
	}
	return &class, nil
}

// AdjustSeats is the only writer of current_enrollments. The bound check and the increment
// happen in one statement, so concurrent callers can never overshoot capacity or go negative.
func (r *ClassRepository) AdjustSeats(ctx context.Context, exec sqlx.ExtContext, id string, delta int) error {
	const query = `UPDATE classes SET current_enrollments = current_enrollments + $2, updated_at = NOW()
WHERE id = $1 AND current_enrollments + $2 BETWEEN 0 AND capacity`
	res, err := exec.ExecContext(ctx, query, id, delta)
	if err != nil {
		return fmt.Errorf("adjust seats: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("adjust seats rows: %w", err)
	}
	if affected == 0 {
		if delta < 0 {
			return ErrSeatUnderflow
		}
		return ErrSeatUnavailable
	}
	return nil
}

// ReconcileSeatCounters recomputes every counter from enrollments whose seat is counted. It must
// run inside a transaction: all class rows are locked first, so the recount statements see every
// seat change committed before the locks were granted and none can commit in between.
func (r *ClassRepository) ReconcileSeatCounters(ctx context.Context, exec sqlx.ExtContext) (models.SeatReconciliation, error) {
	var result models.SeatReconciliation
	var locked []string
	if err := sqlx.SelectContext(ctx, exec, &locked, `SELECT id FROM classes ORDER BY id FOR UPDATE`); err != nil {
		return result, fmt.Errorf("lock classes: %w", err)
	}

	const overbookedQuery = `SELECT c.id FROM classes c
JOIN enrollments e ON e.class_id = c.id AND e.seat_counted = TRUE
GROUP BY c.id, c.capacity
HAVING COUNT(e.id) > c.capacity
ORDER BY c.id`
	if err := sqlx.SelectContext(ctx, exec, &result.Overbooked, overbookedQuery); err != nil {
		return result, fmt.Errorf("find overbooked classes: %w", err)
	}

	const query = `UPDATE classes c SET current_enrollments = LEAST(sub.counted, c.capacity), updated_at = NOW()
FROM (
	SELECT cl.id, COUNT(e.id) AS counted
	FROM classes cl
	LEFT JOIN enrollments e ON e.class_id = cl.id AND e.seat_counted = TRUE
	GROUP BY cl.id
) sub
WHERE c.id = sub.id AND c.current_enrollments <> LEAST(sub.counted, c.capacity)`
	res, err := exec.ExecContext(ctx, query)
	if err != nil {
		return result, fmt.Errorf("reconcile seat counters: %w", err)
	}
	if result.Corrected, err = res.RowsAffected(); err != nil {
		return result, fmt.Errorf("reconcile seat counters rows: %w", err)
	}
	return result, nil
}
