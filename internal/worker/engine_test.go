package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notification-gateway/internal/dispatch"
	"github.com/example/notification-gateway/internal/models"
	"github.com/example/notification-gateway/internal/render"
	"github.com/example/notification-gateway/internal/worker"
)

type event struct {
	kind        string
	recipientID string
	reason      string
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []event
}

func (a *recordingAuditor) add(e event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *recordingAuditor) snapshot() []event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]event(nil), a.events...)
}

func (a *recordingAuditor) RequestAccepted(context.Context, *models.NotificationRequest) {
	a.add(event{kind: "accepted"})
}

func (a *recordingAuditor) RequestFailed(_ context.Context, _ *models.NotificationRequest, reason, _ string) {
	a.add(event{kind: "request_failed", reason: reason})
}

func (a *recordingAuditor) AttemptFailed(_ context.Context, _ *models.NotificationRequest, recipientID, _, code, _ string) {
	a.add(event{kind: "attempt_failed", recipientID: recipientID, reason: code})
}

type stubCorrelator struct {
	templateErr error
	renderErr   error
	panicOn     string
	renders     int
}

func (s *stubCorrelator) ValidateTemplate(context.Context, string) error {
	if s.panicOn == "validate" {
		panic("template cache corrupted")
	}
	return s.templateErr
}

func (s *stubCorrelator) Render(_ context.Context, req *models.NotificationRequest) (render.Results, error) {
	s.renders++
	if s.renderErr != nil {
		return nil, s.renderErr
	}
	out := render.Results{}
	for _, task := range render.BuildTasks(req) {
		out[task.Key] = models.RenderResult{Key: task.Key, Success: true, Data: &models.RenderedTemplate{Body: "hi"}}
	}
	return out, nil
}

type stubStrategy struct {
	mu        sync.Mutex
	delivered []string
	panicFor  string
	block     chan struct{}
}

func (s *stubStrategy) Deliver(_ context.Context, req *models.NotificationRequest, recipient models.Recipient, _ render.Results) []dispatch.Attempt {
	if s.block != nil {
		<-s.block
	}
	if recipient.ID == s.panicFor {
		panic("nil map in dispatcher")
	}
	s.mu.Lock()
	s.delivered = append(s.delivered, recipient.ID)
	s.mu.Unlock()

	attempts := make([]dispatch.Attempt, 0, len(req.Channels))
	for _, ch := range req.Channels {
		attempts = append(attempts, dispatch.Attempt{RecipientID: recipient.ID, Channel: ch, Outcome: dispatch.OutcomeDispatched})
	}
	return attempts
}

func request(recipients int) *models.NotificationRequest {
	req := &models.NotificationRequest{
		RequestID:        "b0c9c2b0-1f3a-4d2d-9e3f-123456789abc",
		TemplateName:     "COMMON_OTP_CODE",
		Channels:         []models.Channel{models.ChannelSMS},
		DeliveryStrategy: models.StrategyParallel,
	}
	for i := 0; i < recipients; i++ {
		req.Recipients = append(req.Recipients, models.Recipient{ID: fmt.Sprintf("r-%d", i), Phone: "998931234567", Lang: "uz"})
	}
	return req
}

func newEngine(t *testing.T, cfg worker.Config, corr worker.Correlator, strat worker.Strategy, audit worker.Auditor) *worker.Engine {
	t.Helper()
	eng, err := worker.NewEngine(cfg, worker.Dependencies{
		Correlator: corr,
		Strategy:   strat,
		Auditor:    audit,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	return eng
}

var defaultCfg = worker.Config{MaxConcurrentRequests: 4, RecipientConcurrency: 2, IntakeWait: 50 * time.Millisecond}

func TestProcessDeliversEveryRecipient(t *testing.T) {
	audit := &recordingAuditor{}
	strat := &stubStrategy{}
	eng := newEngine(t, defaultCfg, &stubCorrelator{}, strat, audit)

	result := eng.Process(context.Background(), request(5))

	if result.FailureReason != "" {
		t.Fatalf("unexpected failure %s", result.FailureReason)
	}
	if len(result.Attempts) != 5 || len(strat.delivered) != 5 {
		t.Fatalf("expected five recipients delivered, got %d attempts", len(result.Attempts))
	}
	events := audit.snapshot()
	if len(events) != 1 || events[0].kind != "accepted" {
		t.Fatalf("expected only the accepted event, got %+v", events)
	}
}

func TestTemplateFailureAbortsBeforeDispatch(t *testing.T) {
	audit := &recordingAuditor{}
	strat := &stubStrategy{}
	corr := &stubCorrelator{templateErr: fmt.Errorf("%w: COMMON_OTP_CODE", render.ErrTemplateNotFound)}
	eng := newEngine(t, defaultCfg, corr, strat, audit)

	result := eng.Process(context.Background(), request(3))

	if result.FailureReason != render.ReasonTemplateNotFound {
		t.Fatalf("unexpected failure reason %q", result.FailureReason)
	}
	if corr.renders != 0 || len(strat.delivered) != 0 {
		t.Fatalf("nothing may be rendered or dispatched after a template failure")
	}
	events := audit.snapshot()
	if len(events) != 2 || events[0].kind != "accepted" || events[1].kind != "request_failed" {
		t.Fatalf("expected accepted then one request_failed, got %+v", events)
	}
}

func TestBatchFailureEmitsSingleRequestFailed(t *testing.T) {
	audit := &recordingAuditor{}
	corr := &stubCorrelator{renderErr: &render.BatchError{Reason: render.ReasonRenderResultNull, Details: "no data"}}
	eng := newEngine(t, defaultCfg, corr, &stubStrategy{}, audit)

	result := eng.Process(context.Background(), request(2))

	if result.FailureReason != render.ReasonRenderResultNull {
		t.Fatalf("unexpected failure reason %q", result.FailureReason)
	}
	failed := 0
	for _, e := range audit.snapshot() {
		if e.kind == "request_failed" {
			failed++
		}
		if e.kind == "attempt_failed" {
			t.Fatalf("no attempt events expected on batch failure")
		}
	}
	if failed != 1 {
		t.Fatalf("expected exactly one request_failed, got %d", failed)
	}
}

func TestPanicDuringPreflightBecomesRequestFailed(t *testing.T) {
	audit := &recordingAuditor{}
	eng := newEngine(t, defaultCfg, &stubCorrelator{panicOn: "validate"}, &stubStrategy{}, audit)

	result := eng.Process(context.Background(), request(1))

	if result.FailureReason != worker.ReasonInternalError {
		t.Fatalf("expected INTERNAL_ERROR, got %q", result.FailureReason)
	}
	events := audit.snapshot()
	if events[len(events)-1].kind != "request_failed" || events[len(events)-1].reason != worker.ReasonInternalError {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestRecipientPanicIsIsolated(t *testing.T) {
	audit := &recordingAuditor{}
	strat := &stubStrategy{panicFor: "r-1"}
	eng := newEngine(t, defaultCfg, &stubCorrelator{}, strat, audit)

	result := eng.Process(context.Background(), request(3))

	if result.FailureReason != "" {
		t.Fatalf("recipient panic must not fail the request, got %q", result.FailureReason)
	}
	if len(strat.delivered) != 2 {
		t.Fatalf("other recipients must still be delivered, got %v", strat.delivered)
	}
	var internal []event
	for _, e := range audit.snapshot() {
		if e.kind == "attempt_failed" {
			internal = append(internal, e)
		}
	}
	if len(internal) != 1 || internal[0].recipientID != "r-1" || internal[0].reason != worker.ReasonInternalError {
		t.Fatalf("unexpected attempt events %+v", internal)
	}
}

func TestSubmitRunsAsynchronouslyAfterCallerCancels(t *testing.T) {
	audit := &recordingAuditor{}
	strat := &stubStrategy{block: make(chan struct{})}
	eng := newEngine(t, defaultCfg, &stubCorrelator{}, strat, audit)

	ctx, cancel := context.WithCancel(context.Background())
	if err := eng.Submit(ctx, request(1)); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	cancel()
	close(strat.block)

	shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if len(strat.delivered) != 1 {
		t.Fatalf("run must complete despite caller cancellation")
	}
}

func TestSubmitReturnsBusyWhenSaturated(t *testing.T) {
	strat := &stubStrategy{block: make(chan struct{})}
	eng := newEngine(t, worker.Config{MaxConcurrentRequests: 1, RecipientConcurrency: 1, IntakeWait: 10 * time.Millisecond}, &stubCorrelator{}, strat, &recordingAuditor{})

	if err := eng.Submit(context.Background(), request(1)); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if err := eng.Submit(context.Background(), request(1)); !errors.Is(err, worker.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(strat.block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if err := eng.Submit(context.Background(), request(1)); !errors.Is(err, worker.ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestNewEngineValidatesConfig(t *testing.T) {
	deps := worker.Dependencies{Correlator: &stubCorrelator{}, Strategy: &stubStrategy{}, Auditor: &recordingAuditor{}}
	if _, err := worker.NewEngine(worker.Config{RecipientConcurrency: 1}, deps); err == nil {
		t.Fatalf("expected error for zero request concurrency")
	}
	if _, err := worker.NewEngine(worker.Config{MaxConcurrentRequests: 1}, deps); err == nil {
		t.Fatalf("expected error for zero recipient concurrency")
	}
	if _, err := worker.NewEngine(defaultCfg, worker.Dependencies{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}
