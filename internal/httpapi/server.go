package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/quizdeck/accountsync/internal/metrics"
	"github.com/quizdeck/accountsync/internal/usersync"
)

// Engine is the part of usersync.Engine the admin surface drives.
type Engine interface {
	RunBatch(ctx context.Context, req usersync.BatchRequest) (usersync.RunResult, error)
	RunAll(ctx context.Context, req usersync.AllRequest) (usersync.RunResult, error)
	SyncOne(ctx context.Context, email string) (usersync.RunResult, error)
	DeleteOrphans(ctx context.Context, req usersync.OrphanRequest) (usersync.OrphanResult, error)
	ImportCSV(ctx context.Context, r io.Reader, opts usersync.ImportOptions) (usersync.ImportResult, error)
	ExportCSV(ctx context.Context, w io.Writer, format usersync.ExportFormat) (int, error)
	ListAccounts(ctx context.Context) (usersync.AccountReport, error)
	DeleteAll(ctx context.Context, req usersync.DeleteAllRequest) (usersync.DeleteAllResult, error)
	LookupExternalID(ctx context.Context, recordID string) (usersync.ExternalIDReport, error)
	ProbeSource(ctx context.Context) usersync.ProbeReport
	LastCursor(ctx context.Context, query, emailField string) usersync.Cursor
	EmailField() string
}

var _ Engine = (*usersync.Engine)(nil)

type ServerConfig struct {
	JWTSecret       string
	WebhookSecret   string
	WebhookMaxSkew  time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Hub     *Hub
	Now     func() time.Time
}

type Server struct {
	engine      Engine
	cfg         ServerConfig
	logger      *zap.Logger
	metrics     *metrics.Metrics
	hub         *Hub
	schemas     *schemaSet
	router      *mux.Router
	rateLimiter *rateLimiter
	now         func() time.Time

	webhookReplayMu   sync.Mutex
	webhookReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type correlationKey struct{}

func NewServer(engine Engine) (*Server, error) {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine Engine, cfg ServerConfig) (*Server, error) {
	if engine == nil {
		return nil, &usersync.ConfigurationError{Missing: []string{"sync engine"}}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.WebhookMaxSkew <= 0 {
		cfg.WebhookMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub()
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		engine:            engine,
		cfg:               cfg,
		logger:            logger,
		metrics:           cfg.Metrics,
		hub:               hub,
		schemas:           schemas,
		rateLimiter:       limiter,
		now:               cfg.Now,
		webhookReplaySeen: map[string]time.Time{},
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.correlationMiddleware, s.metricsMiddleware, s.recoverMiddleware)

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet).Name("health")
	r.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet).Name("dashboard")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet).Name("metrics")
	}

	r.Handle("/sync", s.authed(scopeSyncTrigger, s.handleSync)).Methods(http.MethodPost).Name("sync")
	r.Handle("/sync", s.authed(scopeSyncRead, s.handleSyncInfo)).Methods(http.MethodGet).Name("sync_info")
	r.Handle("/sync/events", s.authed(scopeSyncRead, s.handleSyncEvents)).Methods(http.MethodGet).Name("sync_events")
	r.HandleFunc("/webhooks/kintone", s.handleKintoneWebhook).Methods(http.MethodPost).Name("webhook_kintone")

	r.Handle("/users/import", s.authed(scopeUsersWrite, s.handleImport)).Methods(http.MethodPost).Name("users_import")
	r.Handle("/users/delete", s.authed(scopeUsersWrite, s.handleDeleteCSV)).Methods(http.MethodPost).Name("users_delete")
	r.Handle("/users/export", s.authed(scopeUsersRead, s.handleExport)).Methods(http.MethodGet).Name("users_export")
	r.Handle("/users/list", s.authed(scopeUsersRead, s.handleListAccounts)).Methods(http.MethodGet).Name("users_list")
	r.Handle("/users/delete-all", s.authed(scopeUsersAdmin, s.handleDeleteAll)).Methods(http.MethodPost).Name("users_delete_all")
	r.Handle("/users/test-external-id", s.authed(scopeUsersRead, s.handleTestExternalID)).Methods(http.MethodGet).Name("users_test_external_id")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.metrics.ObserveHTTP("not_found", http.StatusNotFound)
		writeError(w, http.StatusNotFound, "not_found", "route not found", requestCorrelationID(req))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.metrics.ObserveHTTP("method_not_allowed", http.StatusMethodNotAllowed)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", requestCorrelationID(req))
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, correlationID string)

// authed checks the bearer token scope and the per-subject rate limit.
// Websocket clients that cannot set headers may pass access_token instead.
func (s *Server) authed(scope string, next handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := correlationIDFrom(r.Context())
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if token := r.URL.Query().Get("access_token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, scope, s.now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, s.now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
		next(w, r, correlationID)
	})
}

func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := requestCorrelationID(r)
		w.Header().Set("X-Correlation-Id", correlationID)
		ctx := context.WithValue(r.Context(), correlationKey{}, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				correlationID := correlationIDFrom(r.Context())
				s.logger.Error("handler panic",
					zap.String("correlation_id", correlationID),
					zap.String("path", r.URL.Path),
					zap.Any("panic", recovered),
				)
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", correlationID)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if current := mux.CurrentRoute(r); current != nil && current.GetName() != "" {
			route = current.GetName()
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := s.now()
		next.ServeHTTP(rec, r)
		s.metrics.ObserveHTTP(route, rec.status)
		s.logger.Debug("request handled",
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.String("correlation_id", correlationIDFrom(r.Context())),
			zap.Duration("elapsed", s.now().Sub(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func requestCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func correlationIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

// decodeValidatedBody reads the body, checks it against schema and decodes it
// into dst. An empty body decodes as {}.
func (s *Server) decodeValidatedBody(w http.ResponseWriter, r *http.Request, correlationID string, schema *jsonschema.Schema, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := validateBody(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body failed validation: "+err.Error(), correlationID)
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Success       bool   `json:"success"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
	Result        any    `json:"result,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, errorBody{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
	})
}

// writeEngineError maps an engine error onto a status and writes the partial
// result, when there is one, next to the error.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string, partial any) {
	status, code := classifyError(err)
	log := s.logger.Warn
	if status >= http.StatusInternalServerError {
		log = s.logger.Error
	}
	log("request failed",
		zap.String("correlation_id", correlationID),
		zap.String("code", code),
		zap.Error(err),
	)
	writeJSON(w, status, errorBody{
		Code:          code,
		Message:       err.Error(),
		CorrelationID: correlationID,
		Result:        partial,
	})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, usersync.ErrValidation):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, usersync.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, usersync.ErrAlreadyRunning):
		return http.StatusConflict, "already_running"
	case errors.Is(err, usersync.ErrConfiguration):
		return http.StatusServiceUnavailable, "configuration_error"
	case errors.Is(err, usersync.ErrUpstream):
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markWebhookSeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.webhookReplayMu.Lock()
	defer s.webhookReplayMu.Unlock()
	for replayKey, expiresAt := range s.webhookReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.webhookReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.webhookReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.webhookReplaySeen[key] = now.Add(s.cfg.WebhookMaxSkew)
	return true
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", raw)
	}
	return parsed, nil
}
