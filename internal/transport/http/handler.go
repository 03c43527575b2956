// Package http exposes the notification intake and operational endpoints.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/notification-gateway/internal/models"
	"github.com/example/notification-gateway/internal/util"
	"github.com/example/notification-gateway/internal/worker"
)

const maxBodyBytes = 1 << 20

// Error codes used in intake error envelopes.
const (
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeServiceBusy      = "SERVICE_BUSY"
	CodeInternalError    = "INTERNAL_SERVER_ERROR"
)

// Submitter schedules validated requests.
type Submitter interface {
	Submit(ctx context.Context, req *models.NotificationRequest) error
}

// RequestDecoder parses and validates a request body.
type RequestDecoder interface {
	Decode(body []byte) (*models.NotificationRequest, error)
}

// ReadinessCheck reports whether a dependency can take traffic.
type ReadinessCheck func() bool

// Handler serves the intake API.
type Handler struct {
	submitter Submitter
	decoder   RequestDecoder
	ready     map[string]ReadinessCheck
	logger    zerolog.Logger
}

// NewHandler constructs a Handler. ready may be nil.
func NewHandler(submitter Submitter, decoder RequestDecoder, ready map[string]ReadinessCheck, logger zerolog.Logger) *Handler {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Handler{submitter: submitter, decoder: decoder, ready: ready, logger: logger}
}

// Routes builds the chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/notifications", func(r chi.Router) {
		r.Post("/send", h.send)
	})
	return r
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	log := h.logger.With().Str("http_request_id", middleware.GetReqID(r.Context())).Logger()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "request body could not be read", []models.FieldError{{Field: "body", Message: err.Error()}})
		return
	}

	req, err := h.decoder.Decode(body)
	if err != nil {
		var verr *util.ValidationError
		if errors.As(err, &verr) {
			log.Info().Interface("fields", verr.Fields).Msg("http: rejected invalid notification request")
			writeError(w, http.StatusBadRequest, CodeValidationFailed, "request validation failed", verr.Fields)
			return
		}
		writeError(w, http.StatusBadRequest, CodeValidationFailed, err.Error(), nil)
		return
	}

	switch err := h.submitter.Submit(r.Context(), req); {
	case err == nil:
		log.Info().Str("request_id", req.RequestID).Msg("http: notification request accepted")
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, worker.ErrBusy), errors.Is(err, worker.ErrShuttingDown):
		log.Warn().Err(err).Str("request_id", req.RequestID).Msg("http: notification request rejected")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, CodeServiceBusy, "the gateway is not accepting requests right now", nil)
	default:
		log.Error().Err(err).Str("request_id", req.RequestID).Msg("http: submit failed")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected internal server error occurred.", nil)
	}
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, _ *http.Request) {
	checks := make(map[string]bool, len(h.ready))
	ready := true
	for name, check := range h.ready {
		ok := check == nil || check()
		checks[name] = ok
		ready = ready && ok
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

func writeError(w http.ResponseWriter, status int, code, message string, details []models.FieldError) {
	writeJSON(w, status, models.APIResponse[any]{
		Code:   status,
		Status: models.StatusError,
		Error: &models.APIError{
			ErrorCode: code,
			Message:   message,
			Details:   details,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
