// Package api exposes the pricing session and the cost matcher to the
// dashboard shell over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"quote-cpq/decision/costmatch"
	"quote-cpq/decision/cpq"
	"quote-cpq/decision/selection"
	qerrors "quote-cpq/pkg/errors"
	"quote-cpq/pkg/platform"
)

// Server is the console API server
type Server struct {
	httpServer   *http.Server
	newWorkspace WorkspaceFactory
	catalog      cpq.Catalog
	config       *Config
	logger       zerolog.Logger
	startTime    time.Time

	workspacesMu sync.Mutex
	workspaces   map[string]*Workspace

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// Config holds server configuration
type Config struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxRequestSize int64
	CORSOrigins    []string
	APIKey         string
	JWTSecret      string
	// RateLimit is requests per second per client address; 0 disables it.
	RateLimit float64
	RateBurst int
	// WorkspaceIdle drops operator workspaces unused for this long; 0 keeps them.
	WorkspaceIdle time.Duration
	Version       string
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		RequestTimeout: 60 * time.Second,
		MaxRequestSize: 1 << 20,
		CORSOrigins:    []string{"*"},
		RateLimit:      20,
		RateBurst:      40,
		WorkspaceIdle:  8 * time.Hour,
		Version:        "dev",
	}
}

// NewServer builds the server. Each operator gets its own workspace from newWorkspace.
func NewServer(newWorkspace WorkspaceFactory, catalog cpq.Catalog, config *Config, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		newWorkspace: newWorkspace,
		catalog:      catalog,
		config:       config,
		logger:       logger,
		startTime:    time.Now(),
		workspaces:   make(map[string]*Workspace),
		limiters:     make(map[string]*rate.Limiter),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.RequestTimeout))
	r.Use(s.corsMiddleware)
	r.Use(s.rateLimitMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(platform.AuthMiddleware(s.config.APIKey, []byte(s.config.JWTSecret)))

		r.Get("/catalog/rule-sets", s.handleListRuleSets)
		r.Get("/catalog/quote-templates", s.handleListQuoteTemplates)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.handleView)
			r.Put("/source", s.handleSetSource)
			r.Put("/selections/{key}", s.handleSetSelection)
			r.Put("/adjustments", s.handleSetAdjustments)
			r.Post("/preview", s.handlePreviewNow)
			r.Delete("/error", s.handleDismissError)
			r.Get("/history", s.handleHistory)
			r.Post("/drafts", s.handleSaveDraft)
		})

		r.Route("/quotes/{quoteID}/versions/{versionID}", func(r chi.Router) {
			r.Get("/items", s.handleQuoteItems)
			r.Post("/suggestions", s.handleRequestSuggestions)
			r.Get("/suggestions", s.handleListSuggestions)
			r.Get("/suggestions/records", s.handleSuggestionRecords)
			r.Patch("/suggestions/{itemID}", s.handleEditSuggestion)
			r.Post("/suggestions/apply", s.handleApplySuggestions)
			r.Delete("/suggestions", s.handleDismissSuggestions)
		})
	})
	return r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Routes(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info().Int("port", s.config.Port).Str("version", s.config.Version).Msg("console API starting")
	return s.httpServer.ListenAndServe()
}

// StartWithGracefulShutdown starts server with graceful shutdown handling
func (s *Server) StartWithGracefulShutdown() error {
	errChan := make(chan error, 1)
	go func() {
		if err := s.Start(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-quit:
		s.logger.Info().Msg("shutting down console API")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.allowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, "+SessionHeader)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.config.RateLimit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter(r.RemoteAddr).Allow() {
			s.jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limiter returns the client's bucket. Buckets live for the server's lifetime.
func (s *Server) limiter(addr string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[addr]
	if !ok {
		burst := s.config.RateBurst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(s.config.RateLimit), burst)
		s.limiters[addr] = l
	}
	return l
}

func (s *Server) allowedOrigin(origin string) bool {
	for _, o := range s.config.CORSOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// =============================================================================
// HANDLERS: health & catalog
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "quote-cpq",
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"version": s.config.Version,
		"service": "quote-cpq",
	})
}

func catalogFilter(r *http.Request) cpq.CatalogFilter {
	return cpq.CatalogFilter{
		Status:  r.URL.Query().Get("status"),
		Keyword: r.URL.Query().Get("keyword"),
	}
}

func (s *Server) handleListRuleSets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.catalog.ListRuleSets(r.Context(), catalogFilter(r))
	if err != nil {
		s.quoteError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sets)
}

func (s *Server) handleListQuoteTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.catalog.ListQuoteTemplates(r.Context(), catalogFilter(r))
	if err != nil {
		s.quoteError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, templates)
}

// =============================================================================
// HANDLERS: pricing session
// =============================================================================

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.session(r).View())
}

// SourceRequest selects the pricing source. An empty kind clears it.
type SourceRequest struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (s *Server) handleSetSource(w http.ResponseWriter, r *http.Request) {
	session := s.session(r)
	var req SourceRequest
	if !s.decode(w, r, &req) {
		return
	}
	kind, ok := selection.ParseSourceKind(req.Kind)
	if !ok {
		s.jsonError(w, http.StatusBadRequest, fmt.Sprintf("unknown source kind %q", req.Kind))
		return
	}
	if err := session.SetSource(r.Context(), kind, req.ID); err != nil {
		s.quoteError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, session.View())
}

// SelectionRequest carries either a typed JSON scalar or raw form text.
type SelectionRequest struct {
	Value *selection.Value `json:"value"`
	Raw   *string          `json:"raw"`
}

func (s *Server) handleSetSelection(w http.ResponseWriter, r *http.Request) {
	session := s.session(r)
	key := chi.URLParam(r, "key")
	var req SelectionRequest
	if !s.decode(w, r, &req) {
		return
	}

	var changed bool
	switch {
	case req.Raw != nil:
		changed = session.SetSelectionRaw(key, *req.Raw)
	case req.Value != nil:
		changed = session.SetSelection(key, *req.Value)
	default:
		s.jsonError(w, http.StatusBadRequest, "value or raw is required")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"changed": changed, "session": session.View()})
}

// AdjustmentRequest carries raw percentage text. Absent fields are left alone.
type AdjustmentRequest struct {
	Discount *string `json:"manualDiscountPct"`
	Markup   *string `json:"manualMarkupPct"`
}

func (s *Server) handleSetAdjustments(w http.ResponseWriter, r *http.Request) {
	session := s.session(r)
	var req AdjustmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Discount != nil {
		if _, err := session.SetDiscount(*req.Discount); err != nil {
			s.quoteError(w, err)
			return
		}
	}
	if req.Markup != nil {
		if _, err := session.SetMarkup(*req.Markup); err != nil {
			s.quoteError(w, err)
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, session.View())
}

func (s *Server) handlePreviewNow(w http.ResponseWriter, r *http.Request) {
	session := s.session(r)
	if _, err := session.PreviewNow(r.Context()); err != nil {
		s.quoteError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, session.View())
}

func (s *Server) handleDismissError(w http.ResponseWriter, r *http.Request) {
	s.session(r).DismissError()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.session(r).History())
}

func (s *Server) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	session := s.session(r)
	out, err := session.SaveDraft(r.Context())
	if err != nil {
		s.quoteError(w, err)
		return
	}
	s.logger.Info().
		Str("draft_id", out.ID).
		Str("quote_code", out.QuoteCode).
		Str("operator", platform.Subject(r.Context())).
		Msg("quote draft saved")
	s.jsonResponse(w, http.StatusCreated, out)
}

// =============================================================================
// HANDLERS: cost suggestions
// =============================================================================

func scope(r *http.Request) (string, string) {
	return chi.URLParam(r, "quoteID"), chi.URLParam(r, "versionID")
}

func (s *Server) handleQuoteItems(w http.ResponseWriter, r *http.Request) {
	matcher := s.matcher(r)
	quoteID, versionID := scope(r)
	items, err := matcher.LoadItems(r.Context(), quoteID, versionID)
	if err != nil {
		s.quoteError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, items)
}

func (s *Server) handleRequestSuggestions(w http.ResponseWriter, r *http.Request) {
	matcher := s.matcher(r)
	quoteID, versionID := scope(r)
	pairs, err := matcher.RequestSuggestions(r.Context(), quoteID, versionID)
	if err != nil {
		s.quoteError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, pairs)
}

func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	matcher := s.matcher(r)
	fetching, applying := matcher.Busy()
	resp := map[string]any{
		"state":       matcher.State(),
		"suggestions": matcher.Suggestions(),
		"fetching":    fetching,
		"applying":    applying,
		"totals":      matcher.Totals(),
	}
	if err := matcher.LastError(); err != nil {
		resp["error"] = qerrors.UserMessage(err)
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleSuggestionRecords(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.matcher(r).BuildRecords())
}

// EditRequest sets one field of one suggestion from form text.
type EditRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func (s *Server) handleEditSuggestion(w http.ResponseWriter, r *http.Request) {
	matcher := s.matcher(r)
	var req EditRequest
	if !s.decode(w, r, &req) {
		return
	}
	field, ok := costmatch.ParseField(req.Field)
	if !ok {
		s.quoteError(w, qerrors.NewInvalidField(req.Field, "unknown field"))
		return
	}
	if err := matcher.EditSuggestion(chi.URLParam(r, "itemID"), field, req.Value); err != nil {
		s.quoteError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, matcher.Suggestions())
}

func (s *Server) handleApplySuggestions(w http.ResponseWriter, r *http.Request) {
	matcher := s.matcher(r)
	quoteID, versionID := scope(r)
	result, err := matcher.ApplySuggestions(r.Context(), quoteID, versionID)
	if err != nil {
		s.quoteError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"result": result,
		"items":  matcher.Items(),
	})
}

func (s *Server) handleDismissSuggestions(w http.ResponseWriter, r *http.Request) {
	s.matcher(r).Dismiss()
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.jsonError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return false
	}
	return true
}

// StatusFor maps a taxonomy error to an HTTP status.
func StatusFor(err error) int {
	switch qerrors.CodeOf(err) {
	case qerrors.ErrCodeValidationRejected:
		return http.StatusUnprocessableEntity
	case qerrors.ErrCodeNoVersionSelected, qerrors.ErrCodeNoPreviewAvailable,
		qerrors.ErrCodeNoSourceSelected, qerrors.ErrCodeInvalidField:
		return http.StatusBadRequest
	case qerrors.ErrCodeBusy, qerrors.ErrCodeNoSuggestions, qerrors.ErrCodeStaleResponseDiscarded:
		return http.StatusConflict
	case qerrors.ErrCodeUnknownItem:
		return http.StatusNotFound
	case qerrors.ErrCodeNetworkOrServerFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) quoteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= 500 {
		s.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	s.jsonResponse(w, status, map[string]string{
		"error": qerrors.UserMessage(err),
		"code":  qerrors.CodeOf(err),
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{
		"error": message,
	})
}
