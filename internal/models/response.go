package models

// Envelope statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// APIResponse is the status envelope shared by the rendering service and the
// intake error responses.
type APIResponse[T any] struct {
	Code   int       `json:"code"`
	Status string    `json:"status"`
	Data   T         `json:"data,omitempty"`
	Error  *APIError `json:"error,omitempty"`
}

// APIError describes a failure inside an envelope.
type APIError struct {
	ErrorCode string       `json:"errorCode"`
	Message   string       `json:"message"`
	Details   []FieldError `json:"details,omitempty"`
}

// FieldError describes a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// IsError reports whether the envelope carries an error status.
func (r *APIResponse[T]) IsError() bool {
	return r == nil || r.Status == StatusError
}
