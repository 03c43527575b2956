// Package strategy applies a request's delivery strategy to one recipient.
package strategy

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/notification-gateway/internal/dispatch"
	"github.com/example/notification-gateway/internal/models"
	"github.com/example/notification-gateway/internal/render"
)

// Dispatcher publishes rendered content on one channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *models.NotificationRequest, recipient models.Recipient, channel models.Channel, content models.RenderedTemplate) dispatch.Attempt
}

// Engine runs PARALLEL and FALLBACK delivery for recipients.
type Engine struct {
	dispatcher Dispatcher
	audit      dispatch.AuditSink
	logger     zerolog.Logger
}

// New constructs an Engine.
func New(dispatcher Dispatcher, audit dispatch.AuditSink, logger zerolog.Logger) *Engine {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Engine{dispatcher: dispatcher, audit: audit, logger: logger}
}

// Deliver attempts the recipient's channels according to the request strategy
// and returns every attempt made, in channel order.
func (e *Engine) Deliver(ctx context.Context, req *models.NotificationRequest, recipient models.Recipient, results render.Results) []dispatch.Attempt {
	switch req.DeliveryStrategy {
	case models.StrategyFallback:
		return e.fallback(ctx, req, recipient, results)
	default:
		return e.parallel(ctx, req, recipient, results)
	}
}

// parallel attempts every channel; a failure on one never suppresses another.
func (e *Engine) parallel(ctx context.Context, req *models.NotificationRequest, recipient models.Recipient, results render.Results) []dispatch.Attempt {
	attempts := make([]dispatch.Attempt, 0, len(req.Channels))
	for _, channel := range req.Channels {
		attempt := e.attempt(ctx, req, recipient, channel, results)
		if !attempt.Dispatched() {
			e.recordFailure(ctx, req, attempt)
		}
		attempts = append(attempts, attempt)
	}
	return attempts
}

// fallback walks channels in caller order and stops at the first channel the
// broker accepted.
func (e *Engine) fallback(ctx context.Context, req *models.NotificationRequest, recipient models.Recipient, results render.Results) []dispatch.Attempt {
	attempts := make([]dispatch.Attempt, 0, len(req.Channels))
	for _, channel := range req.Channels {
		attempt := e.attempt(ctx, req, recipient, channel, results)
		attempts = append(attempts, attempt)
		if attempt.Dispatched() {
			e.logger.Info().
				Str("request_id", req.RequestID).
				Str("recipient_id", recipient.ID).
				Str("channel", string(channel)).
				Msg("strategy: dispatched via fallback channel")
			return attempts
		}
		e.recordFailure(ctx, req, attempt)
	}

	channels := strings.Join(req.ChannelNames(), ",")
	e.logger.Error().
		Str("request_id", req.RequestID).
		Str("recipient_id", recipient.ID).
		Str("channels", channels).
		Msg("strategy: all fallback channels failed")
	if e.audit != nil {
		e.audit.AttemptFailed(ctx, req, recipient.ID, channels, dispatch.CodeAllChannelsFailed,
			fmt.Sprintf("Notification could not be dispatched for recipient [%s]", recipient.ID))
	}
	return attempts
}

func (e *Engine) attempt(ctx context.Context, req *models.NotificationRequest, recipient models.Recipient, channel models.Channel, results render.Results) dispatch.Attempt {
	result, ok := results.Lookup(recipient.ID, channel)
	if !ok {
		return dispatch.SkippedNoRender(recipient.ID, channel, nil)
	}
	if !result.Succeeded() {
		return dispatch.SkippedNoRender(recipient.ID, channel, &result)
	}
	return e.dispatcher.Dispatch(ctx, req, recipient, channel, *result.Data)
}

func (e *Engine) recordFailure(ctx context.Context, req *models.NotificationRequest, attempt dispatch.Attempt) {
	e.logger.Warn().
		Str("request_id", req.RequestID).
		Str("recipient_id", attempt.RecipientID).
		Str("channel", string(attempt.Channel)).
		Str("outcome", string(attempt.Outcome)).
		Str("code", attempt.Code).
		Msg("strategy: channel attempt failed")
	if e.audit != nil {
		e.audit.AttemptFailed(ctx, req, attempt.RecipientID, string(attempt.Channel), attempt.Code, attempt.Message())
	}
}
