package render_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/notification-gateway/internal/models"
	"github.com/example/notification-gateway/internal/render"
)

type stubService struct {
	templateErr error
	results     []models.RenderResult
	renderErr   error
	batches     []models.BatchRenderRequest
}

func (s *stubService) GetTemplate(_ context.Context, name string) (*models.Template, error) {
	if s.templateErr != nil {
		return nil, s.templateErr
	}
	return &models.Template{ID: 1, Name: name}, nil
}

func (s *stubService) RenderBatch(_ context.Context, batch models.BatchRenderRequest) ([]models.RenderResult, error) {
	s.batches = append(s.batches, batch)
	if s.renderErr != nil {
		return nil, s.renderErr
	}
	if s.results != nil {
		return s.results, nil
	}
	out := make([]models.RenderResult, 0, len(batch.Tasks))
	for _, task := range batch.Tasks {
		out = append(out, models.RenderResult{Key: task.Key, Success: true, Data: &models.RenderedTemplate{Body: "body for " + task.Key}})
	}
	return out, nil
}

func requestWith(recipients int, channels ...models.Channel) *models.NotificationRequest {
	req := &models.NotificationRequest{
		RequestID:    "b0c9c2b0-1f3a-4d2d-9e3f-123456789abc",
		TemplateName: "COMMON_OTP_CODE",
		Channels:     channels,
	}
	for i := 0; i < recipients; i++ {
		req.Recipients = append(req.Recipients, models.Recipient{
			ID:    fmt.Sprintf("r-%d", i),
			Phone: "998931234567",
			Lang:  "uz",
		})
	}
	return req
}

func TestTaskKey(t *testing.T) {
	if got := render.TaskKey("r-1", models.ChannelPush); got != "r-1::PUSH" {
		t.Fatalf("unexpected task key %q", got)
	}
}

func TestBuildTasksCoversEveryRecipientAndChannel(t *testing.T) {
	// Every recipient shares one phone number; keys must still be distinct.
	req := requestWith(50, models.ChannelPush, models.ChannelSMS)

	tasks := render.BuildTasks(req)
	if len(tasks) != 100 {
		t.Fatalf("expected 100 tasks, got %d", len(tasks))
	}
	if tasks[0].Key != "r-0::PUSH" || tasks[1].Key != "r-0::SMS" || tasks[2].Key != "r-1::PUSH" {
		t.Fatalf("tasks not in request order: %s, %s, %s", tasks[0].Key, tasks[1].Key, tasks[2].Key)
	}
	seen := map[string]bool{}
	for _, task := range tasks {
		if seen[task.Key] {
			t.Fatalf("duplicate task key %s", task.Key)
		}
		seen[task.Key] = true
	}
}

func TestBuildTasksDeduplicates(t *testing.T) {
	req := requestWith(1, models.ChannelSMS, models.ChannelSMS)
	req.Recipients = append(req.Recipients, req.Recipients[0])

	tasks := render.BuildTasks(req)
	if len(tasks) != 1 {
		t.Fatalf("expected duplicate keys to collapse, got %d tasks", len(tasks))
	}
}

func TestValidateTemplate(t *testing.T) {
	c := render.NewCorrelator(&stubService{}, zerolog.Nop())
	if err := c.ValidateTemplate(t.Context(), "COMMON_OTP_CODE"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	missing := render.NewCorrelator(&stubService{templateErr: fmt.Errorf("%w: X", render.ErrTemplateNotFound)}, zerolog.Nop())
	err := missing.ValidateTemplate(t.Context(), "X")
	if !errors.Is(err, render.ErrTemplateNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if reason, _ := render.Classify(err); reason != render.ReasonTemplateNotFound {
		t.Fatalf("unexpected reason %s", reason)
	}

	down := render.NewCorrelator(&stubService{templateErr: errors.New("connection refused")}, zerolog.Nop())
	err = down.ValidateTemplate(t.Context(), "X")
	if errors.Is(err, render.ErrTemplateNotFound) {
		t.Fatalf("transport failure must stay distinct from not found")
	}
	if reason, _ := render.Classify(err); reason != render.ReasonServiceUnavailable {
		t.Fatalf("unexpected reason %s", reason)
	}
}

func TestRenderIndexesResultsByKey(t *testing.T) {
	svc := &stubService{}
	c := render.NewCorrelator(svc, zerolog.Nop())
	req := requestWith(2, models.ChannelSMS, models.ChannelPush)

	results, err := c.Render(t.Context(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(svc.batches) != 1 {
		t.Fatalf("expected a single batch call, got %d", len(svc.batches))
	}
	res, ok := results.Lookup("r-1", models.ChannelPush)
	if !ok || res.Data.Body != "body for r-1::PUSH" {
		t.Fatalf("unexpected lookup result %+v", res)
	}
	if _, ok := results.Lookup("r-9", models.ChannelSMS); ok {
		t.Fatalf("unexpected result for unknown recipient")
	}
}

func TestRenderKeepsFailedTasks(t *testing.T) {
	svc := &stubService{results: []models.RenderResult{
		{Key: "r-0::SMS", Success: false, Error: &models.APIError{ErrorCode: "MISSING_VARIABLE", Message: "otpCode"}},
	}}
	c := render.NewCorrelator(svc, zerolog.Nop())

	results, err := c.Render(t.Context(), requestWith(1, models.ChannelSMS))
	if err != nil {
		t.Fatalf("failed task must not fail the batch: %v", err)
	}
	res, ok := results.Lookup("r-0", models.ChannelSMS)
	if !ok || res.Succeeded() || res.Error.ErrorCode != "MISSING_VARIABLE" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRenderBatchFailures(t *testing.T) {
	cases := []struct {
		name   string
		svc    render.Service
		reason string
	}{
		{"null data", &nullService{}, render.ReasonRenderResultNull},
		{"service error", &stubService{renderErr: &render.ServiceError{StatusCode: 500, Message: "boom", Body: "{}"}}, render.ReasonServiceError},
		{"transport error", &stubService{renderErr: errors.New("dial tcp: timeout")}, render.ReasonServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := render.NewCorrelator(tc.svc, zerolog.Nop()).Render(t.Context(), requestWith(1, models.ChannelSMS))
			if !errors.Is(err, render.ErrBatchFailed) {
				t.Fatalf("expected ErrBatchFailed, got %v", err)
			}
			var batchErr *render.BatchError
			if !errors.As(err, &batchErr) || batchErr.Reason != tc.reason {
				t.Fatalf("expected reason %s, got %v", tc.reason, err)
			}
		})
	}
}

type nullService struct{ stubService }

func (*nullService) RenderBatch(context.Context, models.BatchRenderRequest) ([]models.RenderResult, error) {
	return nil, nil
}
