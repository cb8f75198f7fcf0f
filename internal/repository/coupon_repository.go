package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/academy-enrollment-api/internal/models"
)

const couponColumns = `id, code, discount_type, discount_value, max_discount_amount, min_purchase_amount, usage_limit, usage_limit_per_user, used_count, valid_from, valid_until, is_active, created_at`

// CouponRepository persists coupons and their usages.
type CouponRepository struct {
	db *sqlx.DB
}

// NewCouponRepository creates a new instance of CouponRepository.
func NewCouponRepository(db *sqlx.DB) *CouponRepository {
	return &CouponRepository{db: db}
}

// LockByCode loads a coupon by case-insensitive code with a row lock.
func (r *CouponRepository) LockByCode(ctx context.Context, exec sqlx.ExtContext, code string) (*models.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE UPPER(code) = UPPER($1) FOR UPDATE`
	var coupon models.Coupon
	if err := sqlx.GetContext(ctx, exec, &coupon, query, code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("lock coupon: %w", err)
	}
	return &coupon, nil
}

// IncrementUsage bumps used_count only while under the global limit.
func (r *CouponRepository) IncrementUsage(ctx context.Context, exec sqlx.ExtContext, id string) error {
	const query = `UPDATE coupons SET used_count = used_count + 1 WHERE id = $1 AND (usage_limit IS NULL OR used_count < usage_limit)`
	res, err := exec.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("increment coupon usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment coupon usage rows: %w", err)
	}
	if affected == 0 {
		return ErrCouponExhausted
	}
	return nil
}

// CountUsageByStudent returns how many times the student redeemed the coupon.
func (r *CouponRepository) CountUsageByStudent(ctx context.Context, exec sqlx.ExtContext, couponID, studentID string) (int, error) {
	const query = `SELECT COUNT(1) FROM coupon_usages WHERE coupon_id = $1 AND student_id = $2`
	var count int
	if err := sqlx.GetContext(ctx, exec, &count, query, couponID, studentID); err != nil {
		return 0, fmt.Errorf("count coupon usage: %w", err)
	}
	return count, nil
}

// CreateUsage records a redemption.
func (r *CouponRepository) CreateUsage(ctx context.Context, exec sqlx.ExtContext, usage *models.CouponUsage) error {
	if usage.ID == "" {
		usage.ID = uuid.NewString()
	}
	if usage.UsedAt.IsZero() {
		usage.UsedAt = time.Now().UTC()
	}
	const query = `INSERT INTO coupon_usages (id, coupon_id, student_id, invoice_id, discount_amount, used_at) VALUES (:id, :coupon_id, :student_id, :invoice_id, :discount_amount, :used_at)`
	if _, err := sqlx.NamedExecContext(ctx, exec, query, usage); err != nil {
		return mapWriteError(err, "create coupon usage")
	}
	return nil
}
