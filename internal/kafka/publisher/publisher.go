package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/example/notification-gateway/internal/kafka/producer"
	"github.com/example/notification-gateway/internal/models"
)

var errProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

var (
	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_channel_publish_total",
		Help: "Channel messages handed to the broker, by channel and enqueue result.",
	}, []string{"channel", "result"})

	ackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_channel_ack_total",
		Help: "Broker acknowledgements for channel messages, by channel and outcome.",
	}, []string{"channel", "outcome"})
)

// AsyncProducer captures the subset of producer behaviour the publishers need.
type AsyncProducer interface {
	PublishAsync(ctx context.Context, msg producer.Message) (string, error)
}

// ErrProducerNotInitialised exposes the sentinel error for callers and tests.
func ErrProducerNotInitialised() error {
	return errProducerNotInitialised
}

// Topics names the per-channel delivery topics.
type Topics struct {
	SMS  string
	Push string
}

// Delivery identifies the message a broker outcome belongs to.
type Delivery struct {
	Channel       models.Channel
	CorrelationID string
	Destination   string
	Ack           producer.Ack
}

// NackFunc is invoked asynchronously when the broker rejects a channel message.
type NackFunc func(Delivery)

// NotificationPublisher hands rendered channel messages to the broker. It
// never retries: one call is one enqueue, and the broker outcome is observed
// on the producer's completion path.
type NotificationPublisher struct {
	producer AsyncProducer
	topics   Topics
	logger   zerolog.Logger
}

// NewNotificationPublisher constructs a NotificationPublisher instance.
func NewNotificationPublisher(prod AsyncProducer, topics Topics, logger zerolog.Logger) *NotificationPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &NotificationPublisher{
		producer: prod,
		topics:   topics,
		logger:   logger,
	}
}

// PublishSMS enqueues an SMS message keyed by phone number and returns its
// correlation id. onNack may be nil.
func (p *NotificationPublisher) PublishSMS(ctx context.Context, msg models.SMSMessage, onNack NackFunc) (string, error) {
	return p.publish(ctx, models.ChannelSMS, p.topics.SMS, msg.Phone, msg, onNack)
}

// PublishPush enqueues a push message keyed by device token and returns its
// correlation id. onNack may be nil.
func (p *NotificationPublisher) PublishPush(ctx context.Context, msg models.PushMessage, onNack NackFunc) (string, error) {
	return p.publish(ctx, models.ChannelPush, p.topics.Push, msg.Token, msg, onNack)
}

func (p *NotificationPublisher) publish(ctx context.Context, channel models.Channel, topic, destination string, body any, onNack NackFunc) (string, error) {
	if p == nil || p.producer == nil {
		return "", errProducerNotInitialised
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("kafka publisher: marshal %s message: %w", channel, err)
	}

	log := p.logger.With().
		Str("channel", string(channel)).
		Str("topic", topic).
		Logger()

	id, err := p.producer.PublishAsync(ctx, producer.Message{
		Topic: topic,
		Key:   []byte(destination),
		Headers: map[string][]byte{
			"content-type": []byte("application/json"),
			"channel":      []byte(channel),
		},
		Payload: payload,
		OnAck: func(ack producer.Ack) {
			if ack.Confirmed {
				ackTotal.WithLabelValues(string(channel), "confirmed").Inc()
				log.Debug().
					Str("correlation_id", ack.CorrelationID).
					Int32("partition", ack.Partition).
					Int64("offset", ack.Offset).
					Msg("kafka publisher: message confirmed")
				return
			}
			ackTotal.WithLabelValues(string(channel), "rejected").Inc()
			log.Error().
				Err(ack.Err).
				Str("correlation_id", ack.CorrelationID).
				Msg("kafka publisher: message rejected by broker")
			if onNack != nil {
				onNack(Delivery{Channel: channel, CorrelationID: ack.CorrelationID, Destination: destination, Ack: ack})
			}
		},
	})
	if err != nil {
		publishTotal.WithLabelValues(string(channel), "failed").Inc()
		return "", fmt.Errorf("kafka publisher: publish %s message: %w", channel, err)
	}

	publishTotal.WithLabelValues(string(channel), "enqueued").Inc()
	log.Info().Str("correlation_id", id).Msg("kafka publisher: message enqueued")
	return id, nil
}
