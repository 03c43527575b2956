package models

// SMSMessage is the payload handed to the SMS sender queue.
type SMSMessage struct {
	Phone   string         `json:"phone"`
	Content string         `json:"content"`
	Config  map[string]any `json:"config,omitempty"`
}

// PushMessage is the payload handed to the push sender queue. One message is
// produced per device token.
type PushMessage struct {
	Token   string         `json:"token"`
	Content PushContent    `json:"content"`
	Config  map[string]any `json:"config,omitempty"`
}

// PushContent is the visible part of a push notification.
type PushContent struct {
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body"`
	ImageURL string            `json:"imageUrl,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}
