// Package audit emits request lifecycle events to the audit topic.
//
// Emission is best-effort: marshal, enqueue and broker failures are logged and
// counted, never returned, so audit problems cannot fail an orchestration run.
package audit

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/example/notification-gateway/internal/kafka/producer"
	"github.com/example/notification-gateway/internal/models"
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_audit_events_total",
	Help: "Audit events by type and result (enqueued, failed, confirmed, rejected).",
}, []string{"event_type", "result"})

// AsyncProducer captures the producer behaviour the emitter relies on.
type AsyncProducer interface {
	PublishAsync(ctx context.Context, msg producer.Message) (string, error)
}

// Emitter publishes audit events on a topic separate from the channel topics.
type Emitter struct {
	producer AsyncProducer
	topic    string
	service  string
	logger   zerolog.Logger
	now      func() time.Time
}

// Option customises the emitter.
type Option func(*Emitter)

// WithClock overrides the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEmitter constructs an Emitter. A nil producer yields an emitter that only
// logs, which keeps callers free of nil checks.
func NewEmitter(prod AsyncProducer, topic, service string, logger zerolog.Logger, opts ...Option) *Emitter {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	e := &Emitter{
		producer: prod,
		topic:    topic,
		service:  service,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// RequestAccepted records that a request was received.
func (e *Emitter) RequestAccepted(ctx context.Context, req *models.NotificationRequest) {
	payload := models.RequestAccepted{
		RequestID:        req.RequestID,
		Source:           req.Source,
		Category:         req.Category,
		TemplateName:     req.TemplateName,
		Channels:         req.ChannelNames(),
		DeliveryStrategy: string(req.DeliveryStrategy),
		ChannelConfig:    req.ChannelConfig,
		Recipients:       req.Recipients,
	}
	e.Emit(ctx, models.EventRequestAccepted, req.RequestID, payload)
}

// RequestFailed records a request-level abort.
func (e *Emitter) RequestFailed(ctx context.Context, req *models.NotificationRequest, reason, details string) {
	e.logger.Error().
		Str("request_id", req.RequestID).
		Str("reason", reason).
		Str("details", details).
		Msg("audit: request failed")
	e.Emit(ctx, models.EventRequestFailed, req.RequestID, models.RequestFailed{
		RequestID: req.RequestID,
		Reason:    reason,
		Details:   details,
	})
}

// AttemptFailed records a failure local to one recipient and channel.
func (e *Emitter) AttemptFailed(ctx context.Context, req *models.NotificationRequest, recipientID, channel, code, message string) {
	e.Emit(ctx, models.EventAttemptFailed, req.RequestID, models.AttemptFailed{
		RequestID:    req.RequestID,
		Source:       req.Source,
		Category:     req.Category,
		TemplateName: req.TemplateName,
		RecipientID:  recipientID,
		Channel:      channel,
		ErrorCode:    code,
		ErrorMessage: message,
	})
}

// Emit wraps the payload in an envelope and hands it to the broker, keyed by
// request id so a request's events stay ordered on one partition.
func (e *Emitter) Emit(ctx context.Context, eventType, requestID string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			eventsTotal.WithLabelValues(eventType, "failed").Inc()
			e.logger.Error().
				Str("event_type", eventType).
				Str("request_id", requestID).
				Interface("panic", r).
				Msg("audit: emit panicked")
		}
	}()

	envelope := models.EventEnvelope{
		EventID:         uuid.NewString(),
		EventType:       eventType,
		EmittingService: e.service,
		Timestamp:       e.now().UTC(),
		Payload:         payload,
	}

	log := e.logger.With().
		Str("event_type", eventType).
		Str("event_id", envelope.EventID).
		Str("request_id", requestID).
		Logger()

	body, err := json.Marshal(envelope)
	if err != nil {
		eventsTotal.WithLabelValues(eventType, "failed").Inc()
		log.Error().Err(err).Msg("audit: marshal event")
		return
	}

	if e.producer == nil {
		eventsTotal.WithLabelValues(eventType, "failed").Inc()
		log.Error().RawJSON("event", body).Msg("audit: no producer configured, event dropped")
		return
	}

	id, err := e.producer.PublishAsync(ctx, producer.Message{
		Topic: e.topic,
		Key:   []byte(requestID),
		Headers: map[string][]byte{
			"content-type": []byte("application/json"),
			"event-type":   []byte(eventType),
		},
		Payload: body,
		OnAck: func(ack producer.Ack) {
			if ack.Confirmed {
				eventsTotal.WithLabelValues(eventType, "confirmed").Inc()
				return
			}
			eventsTotal.WithLabelValues(eventType, "rejected").Inc()
			log.Error().
				Err(ack.Err).
				Str("correlation_id", ack.CorrelationID).
				RawJSON("event", body).
				Msg("audit: event rejected by broker")
		},
	})
	if err != nil {
		eventsTotal.WithLabelValues(eventType, "failed").Inc()
		log.Error().Err(err).RawJSON("event", body).Msg("audit: failed to publish event")
		return
	}

	eventsTotal.WithLabelValues(eventType, "enqueued").Inc()
	log.Debug().Str("correlation_id", id).Msg("audit: event enqueued")
}
