package models

import (
	"sort"
	"time"
)

// WaitingListStatus represents a waiting list entry lifecycle.
type WaitingListStatus string

const (
	WaitingListStatusWaiting   WaitingListStatus = "WAITING"
	WaitingListStatusNotified  WaitingListStatus = "NOTIFIED"
	WaitingListStatusEnrolled  WaitingListStatus = "ENROLLED"
	WaitingListStatusExpired   WaitingListStatus = "EXPIRED"
	WaitingListStatusCancelled WaitingListStatus = "CANCELLED"
)

// WaitingListEntry queues a student for a seat in a full class. Position is display-only;
// promotion order is (is_priority desc, created_at asc).
type WaitingListEntry struct {
	ID         string            `db:"id" json:"id"`
	ClassID    string            `db:"class_id" json:"class_id"`
	StudentID  string            `db:"student_id" json:"student_id"`
	Position   int               `db:"position" json:"position"`
	IsPriority bool              `db:"is_priority" json:"is_priority"`
	Status     WaitingListStatus `db:"status" json:"status"`
	NotifiedAt *time.Time        `db:"notified_at" json:"notified_at,omitempty"`
	ExpiresAt  *time.Time        `db:"expires_at" json:"expires_at,omitempty"`
	EnrolledAt *time.Time        `db:"enrolled_at" json:"enrolled_at,omitempty"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time         `db:"updated_at" json:"updated_at"`
}

// IsOpen reports whether the entry still waits for or holds an offer.
func (w WaitingListEntry) IsOpen() bool {
	return w.Status == WaitingListStatusWaiting || w.Status == WaitingListStatusNotified
}

// HoldsOffer reports whether the entry holds an unexpired seat offer at now.
func (w WaitingListEntry) HoldsOffer(now time.Time) bool {
	return w.Status == WaitingListStatusNotified && w.ExpiresAt != nil && now.Before(*w.ExpiresAt)
}

// PromotesBefore reports whether w should be promoted ahead of other.
func (w WaitingListEntry) PromotesBefore(other WaitingListEntry) bool {
	if w.IsPriority != other.IsPriority {
		return w.IsPriority
	}
	if !w.CreatedAt.Equal(other.CreatedAt) {
		return w.CreatedAt.Before(other.CreatedAt)
	}
	return w.ID < other.ID
}

// SortForPromotion orders entries in promotion order.
func SortForPromotion(entries []WaitingListEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].PromotesBefore(entries[j])
	})
}
