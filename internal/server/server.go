// Package server exposes the impact analysis over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/carreport/dealer-impact/internal/api"
	"github.com/carreport/dealer-impact/internal/metrics"
)

// maxBodyBytes limits request bodies to 1MB.
const maxBodyBytes = 1 << 20

// Analyzer runs one analysis.
type Analyzer interface {
	Analyze(ctx context.Context, req api.ImpactRequest) (*api.Result, error)
}

// Journal records raw request bodies before they are parsed.
type Journal interface {
	Append(entityID string, body []byte) error
}

// Options configures a Server. Zero values disable the optional parts.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Journal Journal
	// TokenRate is the sustained request rate; bursts up to twice that are
	// allowed. Zero disables rate limiting.
	TokenRate int
	// Quotas limits each dealer separately. Nil disables per-dealer limits.
	Quotas      *DealerQuotas
	MetricsUser string
	MetricsPass string
	// Gatherer serves /metrics; defaults to the Prometheus default registry.
	Gatherer prometheus.Gatherer
}

// Server handles impact requests.
type Server struct {
	analyzer Analyzer
	journal  Journal
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	quotas   *DealerQuotas
	logger   *slog.Logger
	gatherer prometheus.Gatherer

	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

// New creates a Server.
func New(a Analyzer, opts Options) *Server {
	s := &Server{
		analyzer: a,
		journal:  opts.Journal,
		quotas:   opts.Quotas,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		gatherer: opts.Gatherer,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if opts.TokenRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.TokenRate), opts.TokenRate*2)
	}
	s.metricsAuth.enabled = opts.MetricsUser != ""
	s.metricsAuth.user = opts.MetricsUser
	s.metricsAuth.password = opts.MetricsPass
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/dealers/{id}/impact", s.handleImpact)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metricsHandler())

	return s.requestIDMiddleware(s.loggingMiddleware(mux))
}

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) handleImpact(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("id")
	if err := api.ValidateEntityID(entityID); err != nil {
		s.respondAnalysisError(w, r, err)
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		if s.metrics != nil {
			s.metrics.RateLimited.Inc()
		}
		w.Header().Set("Retry-After", "10")
		s.respondError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}

	if s.quotas != nil {
		if err := s.quotas.Allow(entityID); err != nil {
			if s.metrics != nil {
				s.metrics.RateLimited.Inc()
			}
			s.respondError(w, r, http.StatusTooManyRequests, "quota_exceeded", err.Error())
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, r, http.StatusRequestEntityTooLarge, api.KindInvalidRequest,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.respondError(w, r, http.StatusBadRequest, api.KindInvalidRequest, "failed to read body")
		return
	}

	// Journal before parsing so malformed requests are kept too.
	if s.journal != nil {
		if err := s.journal.Append(entityID, body); err != nil {
			s.logger.Error("journal append failed", "error", err, "request_id", RequestID(r.Context()))
			if s.metrics != nil {
				s.metrics.JournalErrors.Inc()
			}
			s.respondError(w, r, http.StatusInternalServerError, api.KindInternal, "internal server error")
			return
		}
	}

	req, err := DecodeRequest(entityID, body)
	if err != nil {
		s.respondAnalysisError(w, r, err)
		return
	}

	result, err := s.analyzer.Analyze(r.Context(), req)
	if err != nil {
		s.respondAnalysisError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// DecodeRequest parses a request body for entityID. An empty body requests
// an analysis with every default. The path entity wins over a body entity.
func DecodeRequest(entityID string, body []byte) (api.ImpactRequest, error) {
	var req api.ImpactRequest
	if err := api.ValidateEntityID(entityID); err != nil {
		return req, err
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return req, &api.InvalidRequestError{Field: "body", Reason: "invalid JSON: " + err.Error()}
		}
	}
	req.EntityID = entityID
	return req, nil
}

// StatusFor maps an analysis error to an HTTP status code.
func StatusFor(err error) int {
	switch api.ErrorKind(err) {
	case api.KindInvalidRequest, api.KindInvalidDate:
		return http.StatusBadRequest
	case api.KindInsufficientData, api.KindModelFit:
		return http.StatusUnprocessableEntity
	case api.KindSource:
		return http.StatusBadGateway
	case api.KindCanceled:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondAnalysisError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("analysis error", "error", err, "request_id", RequestID(r.Context()))
		message = "internal server error"
	}
	s.respondError(w, r, status, api.ErrorKind(err), message)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})

	if !s.metricsAuth.enabled {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	s.respondJSON(w, status, errorBody{Error: message, Kind: kind, RequestID: RequestID(r.Context())})
}

// Middleware

type requestIDKey struct{}

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestID returns the request id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requestIDMiddleware reuses a client supplied id or generates one.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapper.statusCode,
			"duration", time.Since(start),
			"request_id", RequestID(r.Context()),
		)
	})
}

// responseWrapper captures the status code for logging.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
