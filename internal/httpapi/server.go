package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/taxomap/internal/metrics"
	"github.com/agentworkforce/taxomap/internal/sheets"
	"github.com/agentworkforce/taxomap/internal/taxonomy"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// SessionIdleTTL drops wizard sessions nobody touched for this long.
	SessionIdleTTL time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Registry
}

type Server struct {
	engine      *taxonomy.Engine
	cfg         ServerConfig
	logger      *zap.Logger
	rateLimiter *rateLimiter
	feed        *Feed
	unsubscribe func()

	now        func() time.Time
	sessionsMu sync.Mutex
	sessions   map[string]*wizardSession
}

type wizardSession struct {
	wiz      *taxonomy.Wizard
	lastUsed time.Time
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

func NewServer(engine *taxonomy.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *taxonomy.Engine, cfg ServerConfig) *Server {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SessionIdleTTL <= 0 {
		cfg.SessionIdleTTL = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:   engine,
		cfg:      cfg,
		logger:   logger,
		feed:     NewFeed(logger),
		now:      time.Now,
		sessions: map[string]*wizardSession{},
	}
	if cfg.RateLimitMax > 0 {
		s.rateLimiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s.unsubscribe = engine.Bus().Subscribe(s.feed)
	return s
}

// Feed is the websocket change feed; hand it to the poller as its
// visibility signal.
func (s *Server) Feed() *Feed {
	return s.feed
}

// Close detaches the change feed from the engine bus.
func (s *Server) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "loaded": s.engine.Loaded()})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.cfg.Metrics.Handler().ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/v1/events" && r.Method == http.MethodGet {
		s.feed.ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch parts[1] {
	case "sync":
		if len(parts) == 3 && parts[2] == "reload" && r.Method == http.MethodPost {
			s.handleReload(w, r, correlationID)
			return
		}
	case "marketplaces":
		s.routeMarketplaces(w, r, parts[2:], correlationID)
		return
	case "mappings":
		s.routeMappings(w, r, parts[2:], correlationID)
		return
	case "automap":
		if len(parts) == 3 && r.Method == http.MethodPost {
			s.handleAutoMap(w, r, parts[2], correlationID)
			return
		}
	case "wizard":
		s.routeWizard(w, r, parts[2:], correlationID)
		return
	default:
		if kind, err := taxonomy.ParseKind(parts[1]); err == nil {
			s.routeCanonical(w, r, kind, parts[2:], correlationID)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
}

func (s *Server) routeCanonical(w http.ResponseWriter, r *http.Request, kind taxonomy.Kind, rest []string, correlationID string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		s.handleListCanonical(w, kind)
	case len(rest) == 0 && r.Method == http.MethodPost:
		s.handleSaveCanonical(w, r, kind, "", correlationID)
	case len(rest) == 1 && r.Method == http.MethodPut:
		s.handleSaveCanonical(w, r, kind, rest[0], correlationID)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		report, err := s.engine.DeleteCanonical(r.Context(), kind, rest[0])
		if err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, report)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) routeMarketplaces(w http.ResponseWriter, r *http.Request, rest []string, correlationID string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"items": s.engine.Marketplaces()})
	case len(rest) == 0 && r.Method == http.MethodPost:
		var in taxonomy.MarketplaceInput
		if !s.decodeJSONBody(w, r, correlationID, &in) {
			return
		}
		m, err := s.engine.CreateMarketplace(r.Context(), in)
		if err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	case len(rest) == 1 && r.Method == http.MethodPut:
		var in taxonomy.MarketplaceInput
		if !s.decodeJSONBody(w, r, correlationID, &in) {
			return
		}
		m, err := s.engine.UpdateMarketplace(r.Context(), rest[0], in)
		if err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, m)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		report, err := s.engine.DeleteMarketplace(r.Context(), rest[0])
		if err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, report)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type mappingRequest struct {
	CanonicalID string   `json:"canonicalId"`
	MpID        string   `json:"mpId"`
	MpIDs       []string `json:"mpIds"`
}

func (s *Server) routeMappings(w http.ResponseWriter, r *http.Request, rest []string, correlationID string) {
	if len(rest) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	kind, err := taxonomy.ParseKind(rest[0])
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	}
	g, err := s.engine.Graph(kind)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	rest = rest[1:]
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		canonicalID := strings.TrimSpace(r.URL.Query().Get("canonicalId"))
		if canonicalID == "" {
			writeJSON(w, http.StatusOK, map[string]any{"items": s.engine.Mappings(kind)})
			return
		}
		items := g.GetMapped(canonicalID)
		if items == nil {
			items = []taxonomy.MappedEntity{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case len(rest) == 1 && rest[0] == "unmapped" && r.Method == http.MethodGet:
		items := g.Unmapped()
		if items == nil {
			items = []taxonomy.MpEntity{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case len(rest) == 0 && r.Method == http.MethodPost:
		var req mappingRequest
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		m, created, err := g.Create(r.Context(), req.CanonicalID, req.MpID)
		if err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, m)
	case len(rest) == 1 && rest[0] == "batch" && r.Method == http.MethodPost:
		var req mappingRequest
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		writeJSON(w, http.StatusOK, g.BatchCreate(r.Context(), req.MpIDs, req.CanonicalID))
	case len(rest) == 1 && rest[0] == "remap" && r.Method == http.MethodPost:
		var req mappingRequest
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		m, err := g.Remap(r.Context(), req.MpID, req.CanonicalID)
		if err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, m)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := g.Delete(r.Context(), rest[0]); err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(rest) == 2 && rest[0] == "by-mp" && r.Method == http.MethodDelete:
		if err := g.DeleteByMpID(r.Context(), rest[1]); err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleListCanonical(w http.ResponseWriter, kind taxonomy.Kind) {
	var items any
	switch kind {
	case taxonomy.KindCategory:
		items = s.engine.Categories()
	case taxonomy.KindCharacteristic:
		items = s.engine.Characteristics()
	case taxonomy.KindOption:
		items = s.engine.Options()
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleSaveCanonical creates when id is empty, otherwise updates the record
// named by the path.
func (s *Server) handleSaveCanonical(w http.ResponseWriter, r *http.Request, kind taxonomy.Kind, id, correlationID string) {
	ctx := r.Context()
	var (
		out any
		err error
	)
	switch kind {
	case taxonomy.KindCategory:
		var in taxonomy.Category
		if !s.decodeJSONBody(w, r, correlationID, &in) {
			return
		}
		if id == "" {
			out, err = s.engine.CreateCategory(ctx, in)
		} else {
			in.ID = id
			out, err = s.engine.UpdateCategory(ctx, in)
		}
	case taxonomy.KindCharacteristic:
		var in taxonomy.Characteristic
		if !s.decodeJSONBody(w, r, correlationID, &in) {
			return
		}
		if id == "" {
			out, err = s.engine.CreateCharacteristic(ctx, in)
		} else {
			in.ID = id
			out, err = s.engine.UpdateCharacteristic(ctx, in)
		}
	case taxonomy.KindOption:
		var in taxonomy.Option
		if !s.decodeJSONBody(w, r, correlationID, &in) {
			return
		}
		if id == "" {
			out, err = s.engine.CreateOption(ctx, in)
		} else {
			in.ID = id
			out, err = s.engine.UpdateOption(ctx, in)
		}
	}
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	status := http.StatusOK
	if id == "" {
		status = http.StatusCreated
	}
	writeJSON(w, status, out)
}

// handleReload re-reads every table. Tables that failed stay empty and are
// reported alongside a 200, matching how a cold load degrades.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request, correlationID string) {
	err := s.engine.Load(r.Context())
	resp := map[string]any{
		"loaded":       s.engine.Loaded(),
		"marketplaces": len(s.engine.Marketplaces()),
	}
	if err != nil {
		s.logger.Warn("reload finished with errors", zap.String("correlation_id", correlationID), zap.Error(err))
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type autoMapRequest struct {
	MpIDs []string `json:"mpIds"`
}

func (s *Server) handleAutoMap(w http.ResponseWriter, r *http.Request, rawKind, correlationID string) {
	kind, err := taxonomy.ParseKind(rawKind)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	}
	// An empty body maps every unmapped entity.
	var req autoMapRequest
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	res, err := s.engine.AutoMap(r.Context(), kind, req.MpIDs)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type wizardActionRequest struct {
	Query        string   `json:"query"`
	Marketplaces []string `json:"marketplaces"`
	MinMatch     int      `json:"minMatch"`
	MpID         string   `json:"mpId"`
}

func (s *Server) routeWizard(w http.ResponseWriter, r *http.Request, rest []string, correlationID string) {
	switch {
	case len(rest) == 1 && rest[0] != "sessions" && r.Method == http.MethodPost:
		s.handleWizardStart(w, rest[0], correlationID)
	case len(rest) == 2 && rest[0] == "sessions" && r.Method == http.MethodGet:
		wiz, ok := s.session(rest[1])
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "wizard session not found", correlationID)
			return
		}
		writeJSON(w, http.StatusOK, wizardResponse(rest[1], wiz.View()))
	case len(rest) == 2 && rest[0] == "sessions" && r.Method == http.MethodDelete:
		if !s.dropSession(rest[1]) {
			writeError(w, http.StatusNotFound, "not_found", "wizard session not found", correlationID)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(rest) == 3 && rest[0] == "sessions" && r.Method == http.MethodPost:
		s.handleWizardAction(w, r, rest[1], rest[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleWizardStart(w http.ResponseWriter, rawKind, correlationID string) {
	kind, err := taxonomy.ParseKind(rawKind)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	}
	wiz, err := s.engine.BuildWizard(kind)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	id := uuid.NewString()
	now := s.now()
	s.sessionsMu.Lock()
	s.sweepSessionsLocked(now)
	s.sessions[id] = &wizardSession{wiz: wiz, lastUsed: now}
	s.sessionsMu.Unlock()
	s.logger.Debug("wizard session started", zap.String("session", id), zap.String("kind", string(kind)))
	writeJSON(w, http.StatusCreated, wizardResponse(id, wiz.View()))
}

func (s *Server) handleWizardAction(w http.ResponseWriter, r *http.Request, sessionID, action, correlationID string) {
	wiz, ok := s.session(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "wizard session not found", correlationID)
		return
	}
	var req wizardActionRequest
	if action == "filter" || action == "toggle" {
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
	}
	var (
		view taxonomy.WizardView
		err  error
	)
	switch action {
	case "filter":
		view, err = wiz.Filter(taxonomy.WizardFilter{Query: req.Query, Marketplaces: req.Marketplaces, MinMatch: req.MinMatch})
	case "next":
		view, err = wiz.Next()
	case "prev":
		view, err = wiz.Prev()
	case "toggle":
		view, err = wiz.Toggle(req.MpID)
	case "confirm":
		view, err = wiz.Confirm(r.Context())
	case "skip":
		view, err = wiz.Skip()
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	// A finished wizard has no further transitions; its totals go out in
	// this response.
	if view.Phase == taxonomy.PhaseDone {
		s.dropSession(sessionID)
		s.logger.Debug("wizard session finished", zap.String("session", sessionID),
			zap.Int("mapped", view.Mapped), zap.Int("skipped", view.Skipped))
	}
	writeJSON(w, http.StatusOK, wizardResponse(sessionID, view))
}

// session looks a wizard up and marks it used. Idle sessions are swept on
// the way.
func (s *Server) session(id string) (*taxonomy.Wizard, bool) {
	now := s.now()
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sweepSessionsLocked(now)
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	sess.lastUsed = now
	return sess.wiz, true
}

func (s *Server) dropSession(id string) bool {
	now := s.now()
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sweepSessionsLocked(now)
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

func (s *Server) sweepSessionsLocked(now time.Time) {
	for id, sess := range s.sessions {
		if now.Sub(sess.lastUsed) > s.cfg.SessionIdleTTL {
			delete(s.sessions, id)
			s.logger.Debug("wizard session expired", zap.String("session", id))
		}
	}
}

// Sessions reports how many wizard sessions are live.
func (s *Server) Sessions() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

func wizardResponse(sessionID string, view taxonomy.WizardView) map[string]any {
	return map[string]any{"sessionId": sessionID, "view": view}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	var httpErr *sheets.HTTPError
	switch {
	case errors.Is(err, taxonomy.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, taxonomy.ErrInvalidInput), errors.Is(err, taxonomy.ErrInvalidColumnMapping):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, taxonomy.ErrWizardState):
		writeError(w, http.StatusConflict, "wizard_state", err.Error(), correlationID)
	case errors.As(err, &httpErr):
		s.logger.Warn("remote store rejected call", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "remote_error", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
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

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
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
