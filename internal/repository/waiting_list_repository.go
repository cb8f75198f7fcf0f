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

const waitingListColumns = `id, class_id, student_id, position, is_priority, status, notified_at, expires_at, enrolled_at, created_at, updated_at`

// promotionOrder is the authoritative promotion ordering. The stored position is display-only.
const promotionOrder = `ORDER BY is_priority DESC, created_at ASC, id ASC`

// WaitingListRepository persists waiting list entries.
type WaitingListRepository struct {
	db *sqlx.DB
}

// NewWaitingListRepository creates a new instance of WaitingListRepository.
func NewWaitingListRepository(db *sqlx.DB) *WaitingListRepository {
	return &WaitingListRepository{db: db}
}

// Create inserts an entry, assigning position = max(position)+1 for the class. Callers hold
// the class row lock so concurrent joins cannot share a position.
func (r *WaitingListRepository) Create(ctx context.Context, exec sqlx.ExtContext, entry *models.WaitingListEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	const query = `INSERT INTO waiting_list_entries (id, class_id, student_id, position, is_priority, status, created_at, updated_at)
SELECT $1, $2, $3, COALESCE(MAX(position), 0) + 1, $4, $5, $6, $6 FROM waiting_list_entries WHERE class_id = $2
RETURNING position`
	if err := sqlx.GetContext(ctx, exec, &entry.Position, query, entry.ID, entry.ClassID, entry.StudentID, entry.IsPriority, entry.Status, now); err != nil {
		return mapWriteError(err, "create waiting list entry")
	}
	return nil
}

// FindByID returns an entry by identifier.
func (r *WaitingListRepository) FindByID(ctx context.Context, id string) (*models.WaitingListEntry, error) {
	query := `SELECT ` + waitingListColumns + ` FROM waiting_list_entries WHERE id = $1`
	return r.get(ctx, r.db, query, "find waiting list entry", id)
}

// LockByID loads an entry with a row lock.
func (r *WaitingListRepository) LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.WaitingListEntry, error) {
	query := `SELECT ` + waitingListColumns + ` FROM waiting_list_entries WHERE id = $1 FOR UPDATE`
	return r.get(ctx, exec, query, "lock waiting list entry", id)
}

// FindOpenByStudent returns the student's WAITING or NOTIFIED entry for the class.
func (r *WaitingListRepository) FindOpenByStudent(ctx context.Context, exec sqlx.ExtContext, classID, studentID string) (*models.WaitingListEntry, error) {
	query := `SELECT ` + waitingListColumns + ` FROM waiting_list_entries WHERE class_id = $1 AND student_id = $2 AND status IN ('WAITING', 'NOTIFIED') LIMIT 1`
	return r.get(ctx, exec, query, "find open waiting list entry", classID, studentID)
}

// NextWaiting returns the next entry to promote, locking it.
func (r *WaitingListRepository) NextWaiting(ctx context.Context, exec sqlx.ExtContext, classID string) (*models.WaitingListEntry, error) {
	query := `SELECT ` + waitingListColumns + ` FROM waiting_list_entries WHERE class_id = $1 AND status = 'WAITING' ` + promotionOrder + ` LIMIT 1 FOR UPDATE`
	return r.get(ctx, exec, query, "next waiting list entry", classID)
}

func (r *WaitingListRepository) get(ctx context.Context, q sqlx.QueryerContext, query, op string, args ...interface{}) (*models.WaitingListEntry, error) {
	var entry models.WaitingListEntry
	if err := sqlx.GetContext(ctx, q, &entry, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &entry, nil
}

// CountOutstandingOffers counts unexpired NOTIFIED entries of the class, excluding a student.
func (r *WaitingListRepository) CountOutstandingOffers(ctx context.Context, exec sqlx.ExtContext, classID, excludeStudentID string, now time.Time) (int, error) {
	const query = `SELECT COUNT(1) FROM waiting_list_entries WHERE class_id = $1 AND status = 'NOTIFIED' AND expires_at > $2 AND student_id <> $3`
	var count int
	if err := sqlx.GetContext(ctx, exec, &count, query, classID, now, excludeStudentID); err != nil {
		return 0, fmt.Errorf("count outstanding offers: %w", err)
	}
	return count, nil
}

// Update persists status and offer timestamps.
func (r *WaitingListRepository) Update(ctx context.Context, exec sqlx.ExtContext, entry *models.WaitingListEntry) error {
	entry.UpdatedAt = time.Now().UTC()
	const query = `UPDATE waiting_list_entries SET status = :status, is_priority = :is_priority, notified_at = :notified_at, expires_at = :expires_at, enrolled_at = :enrolled_at, updated_at = :updated_at WHERE id = :id`
	if _, err := sqlx.NamedExecContext(ctx, exec, query, entry); err != nil {
		return fmt.Errorf("update waiting list entry: %w", err)
	}
	return nil
}

// ListByClass returns the class queue in promotion order, optionally including closed entries.
func (r *WaitingListRepository) ListByClass(ctx context.Context, classID string, openOnly bool) ([]models.WaitingListEntry, error) {
	query := `SELECT ` + waitingListColumns + ` FROM waiting_list_entries WHERE class_id = $1`
	if openOnly {
		query += ` AND status IN ('WAITING', 'NOTIFIED')`
	}
	query += ` ` + promotionOrder
	var entries []models.WaitingListEntry
	if err := r.db.SelectContext(ctx, &entries, query, classID); err != nil {
		return nil, fmt.Errorf("list waiting list: %w", err)
	}
	return entries, nil
}

// ExpireOffers moves NOTIFIED entries past expiry to EXPIRED and returns the affected classes.
func (r *WaitingListRepository) ExpireOffers(ctx context.Context, exec sqlx.ExtContext, now time.Time) ([]string, error) {
	const query = `UPDATE waiting_list_entries SET status = 'EXPIRED', updated_at = $1 WHERE status = 'NOTIFIED' AND expires_at <= $1 RETURNING class_id`
	var classIDs []string
	if err := sqlx.SelectContext(ctx, exec, &classIDs, query, now); err != nil {
		return nil, fmt.Errorf("expire waiting list offers: %w", err)
	}
	return uniqueStrings(classIDs), nil
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
