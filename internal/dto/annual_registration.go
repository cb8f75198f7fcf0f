package dto

import "time"

// CreateAnnualRegistrationRequest opens a yearly registration draft.
type CreateAnnualRegistrationRequest struct {
	StudentID    string    `json:"student_id" validate:"required"`
	AcademicYear string    `json:"academic_year" validate:"required"`
	BranchID     *string   `json:"branch_id"`
	StartDate    time.Time `json:"start_date" validate:"required"`
	EndDate      time.Time `json:"end_date" validate:"required,gtfield=StartDate"`
}
