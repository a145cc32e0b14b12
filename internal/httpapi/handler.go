// Package httpapi wires the control endpoints to the run controller. Write
// endpoints answer structured errors with meaningful statuses; read endpoints
// always answer HTTP 200 and carry failures in the body so dashboards keep
// rendering while the backend degrades.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/tripd/api"
	"pkt.systems/tripd/internal/clock"
	"pkt.systems/tripd/internal/run"
	"pkt.systems/tripd/internal/svcfields"
)

const defaultJSONMaxBytes = 1 << 20

// Config wires a Handler.
type Config struct {
	Controller *run.Controller
	Logger     pslog.Logger
	Clock      clock.Clock
	// BackendName labels status and health responses with the configured
	// durable backend.
	BackendName string
	// Degraded reports durable-backend degradation; nil means never.
	Degraded func() bool
	// Ready gates /readyz; nil means always ready.
	Ready func() bool
	// JSONMaxBytes caps request bodies. Zero selects 1 MiB.
	JSONMaxBytes int64
	// TracingEnabled wraps handlers with otelhttp spans.
	TracingEnabled bool
}

// Handler serves the tripd control API.
type Handler struct {
	ctrl         *run.Controller
	logger       pslog.Logger
	clock        clock.Clock
	backendName  string
	degraded     func() bool
	ready        func() bool
	jsonMaxBytes int64
	tracing      bool
	tracer       trace.Tracer
	startedAt    time.Time
}

// New builds a Handler from cfg. Config.Controller is required.
func New(cfg Config) (*Handler, error) {
	if cfg.Controller == nil {
		return nil, fmt.Errorf("httpapi: Config.Controller is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	maxBytes := cfg.JSONMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultJSONMaxBytes
	}
	return &Handler{
		ctrl:         cfg.Controller,
		logger:       logger,
		clock:        clk,
		backendName:  cfg.BackendName,
		degraded:     cfg.Degraded,
		ready:        cfg.Ready,
		jsonMaxBytes: maxBytes,
		tracing:      cfg.TracingEnabled,
		tracer:       otel.Tracer("tripd/httpapi"),
		startedAt:    clk.Now(),
	}, nil
}

// Register mounts every endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/run/start", h.wrap("run.start", h.handleStart))
	mux.Handle("/v1/run/status", h.wrap("run.status", h.handleStatus))
	mux.Handle("/v1/run/progress", h.wrap("run.progress", h.handleProgress))
	mux.Handle("/v1/run/cancel", h.wrap("run.cancel", h.handleCancel))
	mux.Handle("/v1/run/report", h.wrap("run.report", h.handleReport))
	mux.Handle("/v1/config", h.wrap("config", h.handleConfig))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealthz))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReadyz))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	spanName := "tripd.http." + operation
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuid.NewString()

		var span trace.Span
		if h.tracing {
			ctx, span = h.tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("tripd.operation", operation)),
			)
			defer span.End()
		}

		logger := svcfields.WithSubsystem(h.logger, "httpapi").With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if err := fn(w, r); err != nil {
			if h.tracing {
				span.RecordError(err)
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(r.Context(), w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName)
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail})
		return
	}
	logger.Error("http.request.internal", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSON reads a bounded request body into dst.
func (h *Handler) decodeJSON(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, h.jsonMaxBytes)
	defer func() {
		_, _ = io.Copy(io.Discard, body)
	}()
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_json", Detail: err.Error()}
	}
	return nil
}

func requireMethod(r *http.Request, method string) error {
	if r.Method != method {
		return httpError{
			Status: http.StatusMethodNotAllowed,
			Code:   "method_not_allowed",
			Detail: "supported method: " + method,
		}
	}
	return nil
}

func (h *Handler) isDegraded() bool {
	return h.degraded != nil && h.degraded()
}
