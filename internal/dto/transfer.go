package dto

// RequestTransferRequest asks to move an active enrollment to another class.
type RequestTransferRequest struct {
	EnrollmentID string `json:"enrollment_id" validate:"required"`
	ToClassID    string `json:"to_class_id" validate:"required"`
	Reason       string `json:"reason" validate:"required,max=500"`
}
