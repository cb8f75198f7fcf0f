package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Class is the capacity-bearing catalog record. The seat counter is mutated only through
// ClassRepository.AdjustSeats.
type Class struct {
	ID                 string          `db:"id" json:"id"`
	Name               string          `db:"name" json:"name"`
	BranchID           *string         `db:"branch_id" json:"branch_id,omitempty"`
	Price              decimal.Decimal `db:"price" json:"price"`
	Capacity           int             `db:"capacity" json:"capacity"`
	CurrentEnrollments int             `db:"current_enrollments" json:"current_enrollments"`
	RegistrationStart  *time.Time      `db:"registration_start" json:"registration_start,omitempty"`
	RegistrationEnd    *time.Time      `db:"registration_end" json:"registration_end,omitempty"`
	StartDate          *time.Time      `db:"start_date" json:"start_date,omitempty"`
	EndDate            *time.Time      `db:"end_date" json:"end_date,omitempty"`
	IsActive           bool            `db:"is_active" json:"is_active"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// IsFull reports whether every counted seat is taken.
func (c Class) IsFull() bool {
	return c.CurrentEnrollments >= c.Capacity
}

// IsRegistrationOpen reports whether the class accepts new enrollments at now.
func (c Class) IsRegistrationOpen(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.RegistrationStart != nil && now.Before(*c.RegistrationStart) {
		return false
	}
	if c.RegistrationEnd != nil && now.After(*c.RegistrationEnd) {
		return false
	}
	return true
}

// ClassAvailability summarises seat usage including soft holds.
type ClassAvailability struct {
	ClassID            string    `json:"class_id"`
	Capacity           int       `json:"capacity"`
	Taken              int       `json:"taken"`
	Held               int       `json:"held"`
	Free               int       `json:"free"`
	IsRegistrationOpen bool      `json:"is_registration_open"`
	ComputedAt         time.Time `json:"computed_at"`
}

// NewClassAvailability computes free seats from counted and held seats.
func NewClassAvailability(class Class, held int, now time.Time) ClassAvailability {
	free := class.Capacity - class.CurrentEnrollments - held
	if free < 0 {
		free = 0
	}
	return ClassAvailability{
		ClassID:            class.ID,
		Capacity:           class.Capacity,
		Taken:              class.CurrentEnrollments,
		Held:               held,
		Free:               free,
		IsRegistrationOpen: class.IsRegistrationOpen(now),
		ComputedAt:         now,
	}
}

// SeatReconciliation reports a seat counter recount. Overbooked lists classes whose
// seat-counted enrollments exceed capacity; their counters are clamped to capacity.
type SeatReconciliation struct {
	Corrected  int64    `json:"corrected"`
	Overbooked []string `json:"overbooked"`
}
