package models

import "time"

// Audit event types.
const (
	EventRequestAccepted = "NOTIFICATION_REQUEST_ACCEPTED_V1"
	EventRequestFailed   = "NOTIFICATION_REQUEST_FAILED_V1"
	EventAttemptFailed   = "NOTIFICATION_ATTEMPT_FAILED_V1"
)

// EventEnvelope wraps every audit payload.
type EventEnvelope struct {
	EventID         string    `json:"eventId"`
	EventType       string    `json:"eventType"`
	EmittingService string    `json:"emittingService"`
	Timestamp       time.Time `json:"timestamp"`
	Payload         any       `json:"payload"`
}

// RequestAccepted echoes the accepted request so the audit trail does not
// depend on the original caller.
type RequestAccepted struct {
	RequestID        string         `json:"requestId"`
	Source           string         `json:"source"`
	Category         string         `json:"category"`
	TemplateName     string         `json:"templateName"`
	Channels         []string       `json:"channels"`
	DeliveryStrategy string         `json:"deliveryStrategy"`
	ChannelConfig    *ChannelConfig `json:"channelConfig,omitempty"`
	Recipients       []Recipient    `json:"recipients"`
}

// RequestFailed records a request-level abort.
type RequestFailed struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
	Details   string `json:"details,omitempty"`
}

// AttemptFailed records a failure local to one recipient and channel.
type AttemptFailed struct {
	RequestID    string `json:"requestId"`
	Source       string `json:"source"`
	Category     string `json:"category"`
	TemplateName string `json:"templateName"`
	RecipientID  string `json:"recipientId"`
	Channel      string `json:"channel"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}
