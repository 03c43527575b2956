package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Channel is a delivery medium for a notification.
type Channel string

// Supported channels.
const (
	ChannelSMS  Channel = "SMS"
	ChannelPush Channel = "PUSH"
)

// UnmarshalJSON accepts channel names in any letter case.
func (c *Channel) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseChannel(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseChannel normalises a channel name.
func ParseChannel(value string) (Channel, error) {
	switch Channel(strings.ToUpper(strings.TrimSpace(value))) {
	case ChannelSMS:
		return ChannelSMS, nil
	case ChannelPush:
		return ChannelPush, nil
	default:
		return "", fmt.Errorf("invalid channel type: '%s'. Accepted values are 'sms' or 'push'", value)
	}
}

// DeliveryStrategy selects how the channels of a request are attempted.
type DeliveryStrategy string

// Supported strategies.
const (
	StrategyParallel DeliveryStrategy = "PARALLEL"
	StrategyFallback DeliveryStrategy = "FALLBACK"
)

// UnmarshalJSON accepts strategy names in any letter case.
func (s *DeliveryStrategy) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch DeliveryStrategy(strings.ToUpper(strings.TrimSpace(raw))) {
	case StrategyParallel:
		*s = StrategyParallel
	case StrategyFallback:
		*s = StrategyFallback
	default:
		return fmt.Errorf("invalid delivery strategy type: '%s'. Accepted values are 'parallel' or 'fallback'", raw)
	}
	return nil
}

// ChannelConfig carries optional provider options per channel.
type ChannelConfig struct {
	SMS  map[string]any `json:"sms,omitempty"`
	Push map[string]any `json:"push,omitempty"`
}

// NotificationRequest is a batch notification request accepted at intake.
type NotificationRequest struct {
	RequestID        string           `json:"requestId" validate:"required,uuid"`
	Source           string           `json:"source" validate:"required,notblank"`
	Category         string           `json:"category" validate:"required,notblank"`
	TemplateName     string           `json:"templateName" validate:"required,notblank"`
	Channels         []Channel        `json:"channels" validate:"required,min=1,unique,dive,oneof=SMS PUSH"`
	DeliveryStrategy DeliveryStrategy `json:"deliveryStrategy" validate:"required,oneof=PARALLEL FALLBACK"`
	ChannelConfig    *ChannelConfig   `json:"channelConfig,omitempty"`
	Recipients       []Recipient      `json:"recipients" validate:"required,min=1,max=50,unique=ID,dive"`
}

// Recipient is a single addressee within a request. ID is caller supplied and
// must be unique within the request; Phone is not unique.
type Recipient struct {
	ID        string         `json:"id" validate:"required,notblank"`
	Phone     string         `json:"phone" validate:"required,phone12"`
	Variables map[string]any `json:"variables,omitempty"`
	Lang      string         `json:"lang" validate:"required,oneof=uz en ru"`
}

// ConfigFor returns the provider options for a channel, or nil when none
// were supplied.
func (r *NotificationRequest) ConfigFor(channel Channel) map[string]any {
	if r == nil || r.ChannelConfig == nil {
		return nil
	}
	switch channel {
	case ChannelSMS:
		return r.ChannelConfig.SMS
	case ChannelPush:
		return r.ChannelConfig.Push
	default:
		return nil
	}
}

// ChannelNames returns the request channels in caller order.
func (r *NotificationRequest) ChannelNames() []string {
	out := make([]string, 0, len(r.Channels))
	for _, ch := range r.Channels {
		out = append(out, string(ch))
	}
	return out
}
