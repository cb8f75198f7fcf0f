package dto

// JoinWaitingListRequest queues a student for a class.
type JoinWaitingListRequest struct {
	StudentID  string `json:"student_id" validate:"required"`
	IsPriority bool   `json:"is_priority"`
}
