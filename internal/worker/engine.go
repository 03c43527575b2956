package worker

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/example/notification-gateway/internal/dispatch"
	"github.com/example/notification-gateway/internal/models"
	"github.com/example/notification-gateway/internal/render"
)

// ReasonInternalError is the audit reason for unexpected failures.
const ReasonInternalError = "INTERNAL_ERROR"

var (
	// ErrBusy is returned by Submit when no orchestration slot frees up within
	// the intake wait.
	ErrBusy = errors.New("worker: orchestrator saturated")
	// ErrShuttingDown is returned by Submit once Shutdown has been called.
	ErrShuttingDown = errors.New("worker: orchestrator shutting down")
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Orchestration runs by result (completed, failed, rejected).",
	}, []string{"result"})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_dispatch_attempts_total",
		Help: "Channel attempts by channel and outcome.",
	}, []string{"channel", "outcome"})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_requests_in_flight",
		Help: "Orchestration runs currently executing.",
	})
)

// Config contains the runtime settings the orchestrator relies on to bound
// concurrent work.
type Config struct {
	MaxConcurrentRequests int
	RecipientConcurrency  int
	IntakeWait            time.Duration
}

// Correlator validates templates and renders a request's tasks.
type Correlator interface {
	ValidateTemplate(ctx context.Context, name string) error
	Render(ctx context.Context, req *models.NotificationRequest) (render.Results, error)
}

// Strategy delivers a request to one recipient.
type Strategy interface {
	Deliver(ctx context.Context, req *models.NotificationRequest, recipient models.Recipient, results render.Results) []dispatch.Attempt
}

// Auditor records request lifecycle events. Implementations must not block
// for long or panic.
type Auditor interface {
	RequestAccepted(ctx context.Context, req *models.NotificationRequest)
	RequestFailed(ctx context.Context, req *models.NotificationRequest, reason, details string)
	AttemptFailed(ctx context.Context, req *models.NotificationRequest, recipientID, channel, code, message string)
}

// Dependencies collects the runtime collaborators required by the engine.
type Dependencies struct {
	Correlator Correlator
	Strategy   Strategy
	Auditor    Auditor
	Logger     zerolog.Logger
}

// Result summarises one orchestration run.
type Result struct {
	RequestID string
	// FailureReason is set when the request was aborted before delivery.
	FailureReason string
	Attempts      []dispatch.Attempt
}

// Engine runs requests asynchronously on a bounded pool: accepted event,
// template preflight, batch render, then the delivery strategy per recipient.
type Engine struct {
	cfg        Config
	correlator Correlator
	strategy   Strategy
	auditor    Auditor
	logger     zerolog.Logger

	semaphore *semaphore.Weighted

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewEngine constructs an orchestrator using the supplied configuration and
// collaborators.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if cfg.MaxConcurrentRequests < 1 {
		return nil, errors.New("worker: max concurrent requests must be >= 1")
	}
	if cfg.RecipientConcurrency < 1 {
		return nil, errors.New("worker: recipient concurrency must be >= 1")
	}
	if cfg.IntakeWait < 0 {
		return nil, errors.New("worker: intake wait cannot be negative")
	}
	if deps.Correlator == nil {
		return nil, errors.New("worker: correlator dependency is required")
	}
	if deps.Strategy == nil {
		return nil, errors.New("worker: strategy dependency is required")
	}
	if deps.Auditor == nil {
		return nil, errors.New("worker: auditor dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "orchestrator").Logger()

	return &Engine{
		cfg:        cfg,
		correlator: deps.Correlator,
		strategy:   deps.Strategy,
		auditor:    deps.Auditor,
		logger:     logger,
		semaphore:  semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
	}, nil
}

// Submit schedules a validated request and returns once a slot is held. The
// run continues after the caller's context is cancelled.
func (e *Engine) Submit(ctx context.Context, req *models.NotificationRequest) error {
	if req == nil {
		return errors.New("worker: request is required")
	}

	waitCtx := ctx
	if e.cfg.IntakeWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.cfg.IntakeWait)
		defer cancel()
	}
	if !e.acquire(waitCtx) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("worker: submit %s: %w", req.RequestID, err)
		}
		requestsTotal.WithLabelValues("rejected").Inc()
		e.logger.Warn().Str("request_id", req.RequestID).Msg("worker: no orchestration slot available")
		return ErrBusy
	}

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		e.semaphore.Release(1)
		return ErrShuttingDown
	}
	e.wg.Add(1)
	e.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer e.wg.Done()
		defer e.semaphore.Release(1)
		e.Process(runCtx, req)
	}()
	return nil
}

func (e *Engine) acquire(ctx context.Context) bool {
	if e.cfg.IntakeWait == 0 {
		return e.semaphore.TryAcquire(1)
	}
	return e.semaphore.Acquire(ctx, 1) == nil
}

// Process runs one request to completion on the calling goroutine. Any panic
// is contained and recorded as a request failure.
func (e *Engine) Process(ctx context.Context, req *models.NotificationRequest) (result Result) {
	result.RequestID = req.RequestID
	inFlight.Inc()
	defer inFlight.Dec()

	log := e.logger.With().Str("request_id", req.RequestID).Logger()
	log.Info().
		Str("strategy", string(req.DeliveryStrategy)).
		Int("recipients", len(req.Recipients)).
		Strs("channels", req.ChannelNames()).
		Msg("worker: processing request")

	e.auditor.RequestAccepted(ctx, req)

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker: request processing panicked")
			result.FailureReason = ReasonInternalError
			e.auditor.RequestFailed(ctx, req, ReasonInternalError, fmt.Sprint(r))
			requestsTotal.WithLabelValues("failed").Inc()
		}
	}()

	if err := e.correlator.ValidateTemplate(ctx, req.TemplateName); err != nil {
		return e.fail(ctx, req, result, err)
	}

	results, err := e.correlator.Render(ctx, req)
	if err != nil {
		return e.fail(ctx, req, result, err)
	}

	result.Attempts = e.deliver(ctx, req, results)
	requestsTotal.WithLabelValues("completed").Inc()
	log.Info().Int("attempts", len(result.Attempts)).Msg("worker: request processed")
	return result
}

func (e *Engine) fail(ctx context.Context, req *models.NotificationRequest, result Result, err error) Result {
	reason, details := render.Classify(err)
	e.logger.Error().
		Str("request_id", req.RequestID).
		Str("reason", reason).
		Err(err).
		Msg("worker: aborting request")
	e.auditor.RequestFailed(ctx, req, reason, details)
	requestsTotal.WithLabelValues("failed").Inc()
	result.FailureReason = reason
	return result
}

// deliver fans recipients out over a bounded group. A panic for one recipient
// is recorded against that recipient only.
func (e *Engine) deliver(ctx context.Context, req *models.NotificationRequest, results render.Results) []dispatch.Attempt {
	perRecipient := make([][]dispatch.Attempt, len(req.Recipients))

	var g errgroup.Group
	g.SetLimit(e.cfg.RecipientConcurrency)
	for i, recipient := range req.Recipients {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error().
						Str("request_id", req.RequestID).
						Str("recipient_id", recipient.ID).
						Interface("panic", r).
						Bytes("stack", debug.Stack()).
						Msg("worker: recipient delivery panicked")
					e.auditor.AttemptFailed(ctx, req, recipient.ID, strings.Join(req.ChannelNames(), ","), ReasonInternalError, fmt.Sprint(r))
				}
			}()
			perRecipient[i] = e.strategy.Deliver(ctx, req, recipient, results)
			return nil
		})
	}
	_ = g.Wait()

	var out []dispatch.Attempt
	for _, attempts := range perRecipient {
		for _, a := range attempts {
			attemptsTotal.WithLabelValues(string(a.Channel), string(a.Outcome)).Inc()
		}
		out = append(out, attempts...)
	}
	return out
}

// Shutdown stops accepting new requests and waits for in-flight runs to
// finish or for ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info().Msg("worker: all orchestration runs finished")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker: shutdown: %w", ctx.Err())
	}
}
