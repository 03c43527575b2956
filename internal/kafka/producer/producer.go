package producer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultMetadataRefreshInterval = 30 * time.Second
	defaultEnqueueTimeout          = 5 * time.Second

	// CorrelationHeader carries the per-publish correlation token.
	CorrelationHeader = "correlation_id"
)

var (
	// ErrEnqueueTimeout is returned when the async input does not accept a
	// message within the enqueue timeout.
	ErrEnqueueTimeout = errors.New("kafka producer: async input not accepting messages")
	// ErrClosed is returned for publishes after Close.
	ErrClosed = errors.New("kafka producer: closed")
)

// Ack is the broker outcome of one published message.
type Ack struct {
	CorrelationID string
	Topic         string
	Partition     int32
	Offset        int64
	Confirmed     bool
	Err           error
}

// AckHandler observes the broker outcome of a message. Handlers run on the
// producer's completion goroutines and must not block.
type AckHandler func(Ack)

// Message is a single record to hand to the broker.
type Message struct {
	Topic   string
	Key     []byte
	Headers map[string][]byte
	Payload []byte
	OnAck   AckHandler
}

// Option customises the producer during construction.
type Option func(*options)

type options struct {
	config          *sarama.Config
	refreshInterval time.Duration
	enqueueTimeout  time.Duration
	clientID        string
}

// WithConfig allows callers to supply a preconfigured Sarama config. The
// configuration is cloned internally so the caller retains ownership.
func WithConfig(cfg *sarama.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithMetadataRefreshInterval overrides the interval used when refreshing
// cluster metadata to keep readiness information current.
func WithMetadataRefreshInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.refreshInterval = interval
		}
	}
}

// WithEnqueueTimeout bounds how long PublishAsync waits for the async input.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.enqueueTimeout = d
		}
	}
}

// WithClientID sets the Kafka client id.
func WithClientID(id string) Option {
	return func(o *options) {
		o.clientID = id
	}
}

// Producer wraps a Sarama async producer. Every publish carries a correlation
// token; the matching AckHandler is resolved when the broker confirms or
// rejects the message.
type Producer struct {
	logger zerolog.Logger

	client        sarama.Client
	asyncProducer sarama.AsyncProducer
	tracker       *tracker

	refreshInterval time.Duration
	enqueueTimeout  time.Duration

	ready  atomic.Bool
	closed atomic.Bool

	// inputMu keeps Close from closing the input while a publish is sending.
	inputMu sync.RWMutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Producer using the supplied broker list and logger.
func New(brokers []string, logger zerolog.Logger, opts ...Option) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer: at least one broker is required")
	}

	settings := applyOptions(opts)

	cfg := cloneConfig(settings.config)
	if settings.refreshInterval > 0 {
		cfg.Metadata.RefreshFrequency = settings.refreshInterval
	}
	if settings.clientID != "" {
		cfg.ClientID = settings.clientID
	}

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: create client: %w", err)
	}

	asyncProd, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka producer: create async producer: %w", err)
	}

	p := newProducer(client, asyncProd, logger, settings)

	if err := p.refreshMetadata(); err != nil {
		p.logger.Error().Err(err).Msg("kafka producer initial metadata refresh failed")
	} else {
		p.ready.Store(true)
	}

	p.wg.Add(1)
	go p.watchMetadata()

	return p, nil
}

// NewWithAsyncProducer wraps an existing async producer. The producer must be
// configured with Return.Successes and Return.Errors enabled. Readiness is
// reported as true since there is no client to refresh metadata from.
func NewWithAsyncProducer(asyncProd sarama.AsyncProducer, logger zerolog.Logger, opts ...Option) *Producer {
	p := newProducer(nil, asyncProd, logger, applyOptions(opts))
	p.ready.Store(true)
	return p
}

func newProducer(client sarama.Client, asyncProd sarama.AsyncProducer, logger zerolog.Logger, settings *options) *Producer {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	p := &Producer{
		logger:          logger,
		client:          client,
		asyncProducer:   asyncProd,
		tracker:         newTracker(),
		refreshInterval: settings.refreshInterval,
		enqueueTimeout:  settings.enqueueTimeout,
		stopCh:          make(chan struct{}),
	}

	p.wg.Add(2)
	go p.consumeSuccesses()
	go p.consumeErrors()

	return p
}

func applyOptions(opts []Option) *options {
	settings := &options{
		config:          defaultConfig(),
		refreshInterval: defaultMetadataRefreshInterval,
		enqueueTimeout:  defaultEnqueueTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}
	return settings
}

// PublishAsync hands a message to the async producer and returns its
// correlation token without waiting for the broker. The message is enqueued at
// most once; the outcome is delivered to msg.OnAck later.
func (p *Producer) PublishAsync(ctx context.Context, msg Message) (string, error) {
	if msg.Topic == "" {
		return "", errors.New("kafka producer: topic is required")
	}

	correlationID := uuid.NewString()

	headers := toRecordHeaders(msg.Headers)
	headers = append(headers, sarama.RecordHeader{
		Key:   []byte(CorrelationHeader),
		Value: []byte(correlationID),
	})

	record := &sarama.ProducerMessage{
		Topic:    msg.Topic,
		Value:    sarama.ByteEncoder(msg.Payload),
		Headers:  headers,
		Metadata: correlationID,
	}
	if len(msg.Key) > 0 {
		record.Key = sarama.ByteEncoder(cloneBytes(msg.Key))
	}

	p.inputMu.RLock()
	defer p.inputMu.RUnlock()
	if p.closed.Load() {
		return "", ErrClosed
	}

	p.tracker.register(correlationID, msg.OnAck)

	timer := time.NewTimer(p.enqueueTimeout)
	defer timer.Stop()

	select {
	case p.asyncProducer.Input() <- record:
		return correlationID, nil
	case <-ctx.Done():
		p.tracker.forget(correlationID)
		return "", fmt.Errorf("kafka producer: enqueue: %w", ctx.Err())
	case <-timer.C:
		p.tracker.forget(correlationID)
		return "", ErrEnqueueTimeout
	}
}

// Pending reports how many publishes still await a broker outcome or are
// running their ack handler.
func (p *Producer) Pending() int {
	return p.tracker.size()
}

// IsReady indicates whether the producer has successfully refreshed metadata
// recently and the last broker outcome was not an error.
func (p *Producer) IsReady() bool {
	return p.ready.Load() && !p.closed.Load()
}

// Close flushes buffered messages, resolves their acknowledgements and
// releases the underlying client.
func (p *Producer) Close() error {
	p.inputMu.Lock()
	if p.closed.Swap(true) {
		p.inputMu.Unlock()
		return nil
	}
	close(p.stopCh)
	p.asyncProducer.AsyncClose()
	p.inputMu.Unlock()

	p.wg.Wait()

	if left := p.tracker.drain(); left > 0 {
		p.logger.Warn().Int("pending", left).Msg("kafka producer closed with unacknowledged messages")
	}

	if p.client != nil && !p.client.Closed() {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("kafka producer: close client: %w", err)
		}
	}
	return nil
}

func (p *Producer) watchMetadata() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.refreshMetadata(); err != nil {
				p.logger.Error().Err(err).Msg("kafka producer metadata refresh failed")
				p.ready.Store(false)
			} else {
				p.ready.Store(true)
			}
		}
	}
}

func (p *Producer) refreshMetadata() error {
	if p.client == nil {
		return nil
	}
	return p.client.RefreshMetadata()
}

func (p *Producer) consumeSuccesses() {
	defer p.wg.Done()

	for msg := range p.asyncProducer.Successes() {
		if msg == nil {
			continue
		}
		p.ready.Store(true)
		p.resolve(msg, true, nil)
	}
}

func (p *Producer) consumeErrors() {
	defer p.wg.Done()

	for perr := range p.asyncProducer.Errors() {
		if perr == nil {
			continue
		}
		p.ready.Store(false)
		if perr.Msg == nil {
			p.logger.Error().Err(perr.Err).Msg("kafka producer async error without message")
			continue
		}
		p.resolve(perr.Msg, false, perr.Err)
	}
}

func (p *Producer) resolve(msg *sarama.ProducerMessage, confirmed bool, err error) {
	correlationID, _ := msg.Metadata.(string)
	ack := Ack{
		CorrelationID: correlationID,
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Confirmed:     confirmed,
		Err:           err,
	}

	handler, ok := p.tracker.resolve(correlationID)
	if !ok {
		p.logger.Warn().
			Str("correlation_id", correlationID).
			Str("topic", msg.Topic).
			Bool("confirmed", confirmed).
			Msg("kafka producer ack without registered handler")
		return
	}
	defer p.tracker.done()
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("correlation_id", correlationID).
				Interface("panic", r).
				Msg("kafka producer ack handler panicked")
		}
	}()
	handler(ack)
}

func toRecordHeaders(headers map[string][]byte) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers)+1)
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{
			Key:   []byte(k),
			Value: cloneBytes(v),
		})
	}
	return out
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func defaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	// Retry.Max is the broker client's own acknowledgement contract; the
	// gateway never republishes on top of it.
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Net.MaxOpenRequests = 1
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.WriteTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 10 * time.Second
	cfg.Metadata.Full = true
	cfg.Metadata.RefreshFrequency = defaultMetadataRefreshInterval
	return cfg
}

func cloneConfig(cfg *sarama.Config) *sarama.Config {
	if cfg == nil {
		return defaultConfig()
	}
	cloned := *cfg
	return &cloned
}
