// Package dispatch resolves channel destinations and hands rendered messages
// to the broker publisher.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/notification-gateway/internal/kafka/publisher"
	"github.com/example/notification-gateway/internal/models"
)

// Outcome classifies a single channel attempt.
type Outcome string

// Attempt outcomes.
const (
	OutcomeDispatched    Outcome = "dispatched"
	OutcomeNoRender      Outcome = "skipped_no_render"
	OutcomeNoDestination Outcome = "skipped_no_destination"
	OutcomePublishFailed Outcome = "broker_publish_failed"
)

// Attempt failure codes reported on the audit stream.
const (
	CodeRenderFailed       = "RENDER_RESULT_FAILED"
	CodeNoDestination      = "NO_DESTINATION"
	CodePublishFailed      = "BROKER_PUBLISH_FAILED"
	CodeBrokerNack         = "BROKER_NACK"
	CodeAllChannelsFailed  = "ALL_CHANNELS_FAILED"
	CodeInternalError      = "INTERNAL_ERROR"
	unknownRenderResultMsg = "Unknown render result"
)

var (
	// ErrNoDestination means a channel has nowhere to deliver to, such as a
	// phone without registered push devices.
	ErrNoDestination = errors.New("dispatch: no destination")
	// ErrPublish means the broker did not accept the message for enqueue.
	ErrPublish = errors.New("dispatch: publish failed")
)

// Attempt records what happened to one recipient on one channel.
type Attempt struct {
	RecipientID    string
	Channel        models.Channel
	Outcome        Outcome
	CorrelationIDs []string
	Code           string
	Err            error
}

// Dispatched reports whether at least one message was handed to the broker.
func (a Attempt) Dispatched() bool {
	return a.Outcome == OutcomeDispatched
}

// Message returns the error text for audit payloads.
func (a Attempt) Message() string {
	if a.Err == nil {
		return ""
	}
	return a.Err.Error()
}

// Publisher hands channel messages to the broker.
type Publisher interface {
	PublishSMS(ctx context.Context, msg models.SMSMessage, onNack publisher.NackFunc) (string, error)
	PublishPush(ctx context.Context, msg models.PushMessage, onNack publisher.NackFunc) (string, error)
}

// TokenStore resolves push device tokens.
type TokenStore interface {
	TokensByPhone(ctx context.Context, phone string) ([]string, error)
}

// AuditSink records per-attempt failures.
type AuditSink interface {
	AttemptFailed(ctx context.Context, req *models.NotificationRequest, recipientID, channel, code, message string)
}

// Dispatcher turns a rendered template into broker messages for one channel.
type Dispatcher struct {
	publisher Publisher
	tokens    TokenStore
	audit     AuditSink
	logger    zerolog.Logger

	// reports counts nack audit emits still running; idle is closed when it
	// drops to zero.
	mu      sync.Mutex
	reports int
	idle    chan struct{}
}

// New constructs a Dispatcher.
func New(pub Publisher, tokens TokenStore, audit AuditSink, logger zerolog.Logger) *Dispatcher {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Dispatcher{publisher: pub, tokens: tokens, audit: audit, logger: logger, idle: idle}
}

// Dispatch publishes the rendered content for a recipient on a channel. The
// returned attempt is final for the synchronous part; broker rejections that
// arrive later are reported as BROKER_NACK audit events.
func (d *Dispatcher) Dispatch(ctx context.Context, req *models.NotificationRequest, recipient models.Recipient, channel models.Channel, content models.RenderedTemplate) Attempt {
	log := d.logger.With().
		Str("request_id", req.RequestID).
		Str("recipient_id", recipient.ID).
		Str("channel", string(channel)).
		Logger()

	attempt := Attempt{RecipientID: recipient.ID, Channel: channel}
	onNack := d.nackHandler(ctx, req, recipient.ID)

	switch channel {
	case models.ChannelSMS:
		id, err := d.publisher.PublishSMS(ctx, models.SMSMessage{
			Phone:   recipient.Phone,
			Content: content.Body,
			Config:  req.ConfigFor(channel),
		}, onNack)
		if err != nil {
			return publishFailed(attempt, err, log)
		}
		attempt.CorrelationIDs = []string{id}

	case models.ChannelPush:
		tokens, err := d.tokens.TokensByPhone(ctx, recipient.Phone)
		if err != nil {
			log.Error().Err(err).Msg("dispatch: push token lookup failed")
			attempt.Outcome = OutcomeNoDestination
			attempt.Code = CodeNoDestination
			attempt.Err = fmt.Errorf("%w: push token lookup: %v", ErrNoDestination, err)
			return attempt
		}
		if len(tokens) == 0 {
			log.Warn().Msg("dispatch: no push tokens registered")
			attempt.Outcome = OutcomeNoDestination
			attempt.Code = CodeNoDestination
			attempt.Err = fmt.Errorf("%w: no push tokens for recipient %s", ErrNoDestination, recipient.ID)
			return attempt
		}

		body := models.PushContent{
			Title:    content.Title,
			Body:     content.Body,
			ImageURL: content.ImageURL,
		}
		var (
			failed  []error
			lastErr error
		)
		for _, token := range tokens {
			id, err := d.publisher.PublishPush(ctx, models.PushMessage{
				Token:   token,
				Content: body,
				Config:  req.ConfigFor(channel),
			}, onNack)
			if err != nil {
				lastErr = err
				failed = append(failed, fmt.Errorf("%w: device %s: %v", ErrPublish, token, err))
				log.Error().Err(err).Str("token", token).Msg("dispatch: push publish failed for one device")
				continue
			}
			attempt.CorrelationIDs = append(attempt.CorrelationIDs, id)
		}
		if len(attempt.CorrelationIDs) == 0 {
			return publishFailed(attempt, lastErr, log)
		}
		// Refused devices are reported one by one when the channel still
		// dispatched.
		if d.audit != nil {
			for _, err := range failed {
				d.audit.AttemptFailed(ctx, req, recipient.ID, string(channel), CodePublishFailed, err.Error())
			}
		}

	default:
		attempt.Outcome = OutcomePublishFailed
		attempt.Code = CodePublishFailed
		attempt.Err = fmt.Errorf("%w: unsupported channel %q", ErrPublish, channel)
		return attempt
	}

	attempt.Outcome = OutcomeDispatched
	log.Info().Strs("correlation_ids", attempt.CorrelationIDs).Msg("dispatch: handed to broker")
	return attempt
}

// SkippedNoRender builds the attempt for a channel whose render result is
// missing or unsuccessful.
func SkippedNoRender(recipientID string, channel models.Channel, result *models.RenderResult) Attempt {
	attempt := Attempt{
		RecipientID: recipientID,
		Channel:     channel,
		Outcome:     OutcomeNoRender,
		Code:        CodeRenderFailed,
		Err:         errors.New(unknownRenderResultMsg),
	}
	if result != nil && result.Error != nil {
		if result.Error.ErrorCode != "" {
			attempt.Code = result.Error.ErrorCode
		}
		if result.Error.Message != "" {
			attempt.Err = errors.New(result.Error.Message)
		}
	}
	return attempt
}

func publishFailed(attempt Attempt, err error, log zerolog.Logger) Attempt {
	log.Error().Err(err).Msg("dispatch: broker did not accept message")
	attempt.Outcome = OutcomePublishFailed
	attempt.Code = CodePublishFailed
	attempt.Err = fmt.Errorf("%w: %v", ErrPublish, err)
	attempt.CorrelationIDs = nil
	return attempt
}

// nackHandler reports broker rejections. It runs on the producer completion
// path, so the audit emit is moved off that goroutine and tracked for Drain.
func (d *Dispatcher) nackHandler(ctx context.Context, req *models.NotificationRequest, recipientID string) publisher.NackFunc {
	if d.audit == nil {
		return nil
	}
	detached := context.WithoutCancel(ctx)
	return func(delivery publisher.Delivery) {
		msg := "broker rejected message"
		if delivery.Ack.Err != nil {
			msg = delivery.Ack.Err.Error()
		}
		d.logger.Error().
			Str("request_id", req.RequestID).
			Str("recipient_id", recipientID).
			Str("channel", string(delivery.Channel)).
			Str("correlation_id", delivery.CorrelationID).
			Str("reason", msg).
			Msg("dispatch: broker nack")

		d.beginReport()
		go func() {
			defer d.endReport()
			d.audit.AttemptFailed(detached, req, recipientID, string(delivery.Channel), CodeBrokerNack,
				fmt.Sprintf("%s (correlation id %s)", msg, delivery.CorrelationID))
		}()
	}
}

func (d *Dispatcher) beginReport() {
	d.mu.Lock()
	if d.reports == 0 {
		d.idle = make(chan struct{})
	}
	d.reports++
	d.mu.Unlock()
}

func (d *Dispatcher) endReport() {
	d.mu.Lock()
	d.reports--
	if d.reports == 0 {
		close(d.idle)
	}
	d.mu.Unlock()
}

// Drain waits until every broker nack seen so far has been handed to the
// audit sink, or until ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: drain nack reports: %w", ctx.Err())
	}
}
