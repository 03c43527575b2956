// Package render builds render tasks for a request, talks to the template
// rendering service and correlates its results back to recipients.
package render

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/notification-gateway/internal/models"
)

// KeySeparator joins recipient id and channel into a task key.
const KeySeparator = "::"

// Request-level failure reasons reported on the audit stream.
const (
	ReasonTemplateNotFound   = "TEMPLATE_NOT_FOUND"
	ReasonServiceError       = "TEMPLATE_SERVICE_ERROR"
	ReasonServiceUnavailable = "TEMPLATE_SERVICE_UNAVAILABLE"
	ReasonRenderResultNull   = "RENDER_RESULT_NULL"

	renderResultNullDetails = "Batch render operation returned no data."
)

// ErrBatchFailed marks a batch render call that produced no usable results.
var ErrBatchFailed = errors.New("render: batch failed")

// BatchError describes why a whole batch could not be rendered.
type BatchError struct {
	Reason  string
	Details string
	Err     error
}

func (e *BatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("render: batch failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("render: batch failed (%s): %s", e.Reason, e.Details)
}

// Unwrap exposes both the batch sentinel and the underlying cause.
func (e *BatchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBatchFailed}
	}
	return []error{ErrBatchFailed, e.Err}
}

// Service is the rendering service surface the correlator needs.
type Service interface {
	GetTemplate(ctx context.Context, name string) (*models.Template, error)
	RenderBatch(ctx context.Context, batch models.BatchRenderRequest) ([]models.RenderResult, error)
}

// Results maps task keys to render outcomes.
type Results map[string]models.RenderResult

// Lookup returns the result for a recipient on a channel.
func (r Results) Lookup(recipientID string, channel models.Channel) (models.RenderResult, bool) {
	res, ok := r[TaskKey(recipientID, channel)]
	return res, ok
}

// TaskKey derives the correlation key for a recipient and channel. It never
// involves the phone number, which may be shared between recipients.
func TaskKey(recipientID string, channel models.Channel) string {
	return recipientID + KeySeparator + string(channel)
}

// BuildTasks produces one task per recipient and channel in request order,
// dropping repeated keys.
func BuildTasks(req *models.NotificationRequest) []models.RenderTask {
	tasks := make([]models.RenderTask, 0, len(req.Recipients)*len(req.Channels))
	seen := make(map[string]struct{}, cap(tasks))
	for _, recipient := range req.Recipients {
		for _, channel := range req.Channels {
			key := TaskKey(recipient.ID, channel)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			tasks = append(tasks, models.RenderTask{
				Key:       key,
				Lang:      recipient.Lang,
				Type:      channel,
				Variables: recipient.Variables,
			})
		}
	}
	return tasks
}

// Correlator validates templates and renders request batches.
type Correlator struct {
	service Service
	logger  zerolog.Logger
}

// NewCorrelator constructs a Correlator.
func NewCorrelator(service Service, logger zerolog.Logger) *Correlator {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Correlator{service: service, logger: logger}
}

// ValidateTemplate checks that the named template exists before any render
// work is submitted.
func (c *Correlator) ValidateTemplate(ctx context.Context, name string) error {
	if _, err := c.service.GetTemplate(ctx, name); err != nil {
		if errors.Is(err, ErrTemplateNotFound) {
			return err
		}
		return fmt.Errorf("render: template lookup %q: %w", name, err)
	}
	return nil
}

// Render submits every task of the request in one batch call and indexes the
// results by task key. Failure of an individual task is not an error; it shows
// up as an unsuccessful entry in the returned Results.
func (c *Correlator) Render(ctx context.Context, req *models.NotificationRequest) (Results, error) {
	tasks := BuildTasks(req)
	results, err := c.service.RenderBatch(ctx, models.BatchRenderRequest{
		TemplateName: req.TemplateName,
		Tasks:        tasks,
	})
	if err != nil {
		reason, details := Classify(err)
		return nil, &BatchError{Reason: reason, Details: details, Err: err}
	}
	if results == nil {
		return nil, &BatchError{Reason: ReasonRenderResultNull, Details: renderResultNullDetails}
	}

	out := make(Results, len(results))
	for _, res := range results {
		if res.Key == "" {
			continue
		}
		if _, dup := out[res.Key]; dup {
			c.logger.Warn().
				Str("request_id", req.RequestID).
				Str("task_key", res.Key).
				Msg("render: duplicate result for task key ignored")
			continue
		}
		out[res.Key] = res
	}

	c.logger.Debug().
		Str("request_id", req.RequestID).
		Int("tasks", len(tasks)).
		Int("results", len(out)).
		Msg("render: batch rendered")
	return out, nil
}

// Classify maps a template lookup or render failure onto an audit reason and
// a detail string.
func Classify(err error) (reason, details string) {
	var batchErr *BatchError
	if errors.As(err, &batchErr) {
		return batchErr.Reason, batchErr.Details
	}
	if errors.Is(err, ErrTemplateNotFound) {
		return ReasonTemplateNotFound, err.Error()
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		if svcErr.Body != "" {
			return ReasonServiceError, svcErr.Body
		}
		return ReasonServiceError, svcErr.Error()
	}
	return ReasonServiceUnavailable, err.Error()
}
