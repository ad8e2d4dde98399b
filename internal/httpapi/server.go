package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/parcelbot/internal/inbox"
)

// WebhookInbox is where accepted CRM events go.
type WebhookInbox interface {
	Record(ctx context.Context, entityID int64, eventType inbox.EventType) error
	DrainPending(ctx context.Context) ([]inbox.Event, error)
	LatestPending(ctx context.Context) (inbox.Event, bool, error)
}

// Drainer is the scheduler as seen by the admin routes.
type Drainer interface {
	State() inbox.State
	LastPass() (inbox.Pass, bool)
	RunNow(ctx context.Context) (inbox.Pass, error)
}

type ServerConfig struct {
	// AppToken, when set, must match auth[application_token] on every webhook.
	AppToken string
	// JWTSecret enables the admin routes.
	JWTSecret string
	// RateLimitMax caps admin requests per subject and window; webhooks are exempt.
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          logrus.FieldLogger
}

type Server struct {
	inbox       WebhookInbox
	drainer     Drainer
	hub         *Hub
	cfg         ServerConfig
	rateLimiter *rateLimiter
	log         logrus.FieldLogger
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

func NewServer(in WebhookInbox, drainer Drainer, hub *Hub) *Server {
	return NewServerWithConfig(in, drainer, hub, ServerConfig{})
}

func NewServerWithConfig(in WebhookInbox, drainer Drainer, hub *Hub, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if hub == nil {
		hub = NewHub(cfg.Logger)
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		inbox:       in,
		drainer:     drainer,
		hub:         hub,
		cfg:         cfg,
		rateLimiter: limiter,
		log:         cfg.Logger.WithField("component", "httpapi"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/webhook" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST", getCorrelationID(r))
			return
		}
		// Not rate limited: a rejected CRM event would never be recorded.
		s.handleWebhook(w, r)
		return
	}
	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	var requiredScope string
	var route string
	switch {
	case r.URL.Path == "/v1/admin/inbox" && r.Method == http.MethodGet:
		requiredScope = scopeAdminRead
		route = "inbox"
	case r.URL.Path == "/v1/admin/drain" && r.Method == http.MethodPost:
		requiredScope = scopeAdminDrain
		route = "drain"
	case r.URL.Path == "/v1/admin/stream" && r.Method == http.MethodGet:
		requiredScope = scopeAdminRead
		route = "stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if s.cfg.JWTSecret == "" {
		writeError(w, http.StatusNotFound, "not_found", "admin routes disabled", correlationID)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "stream" {
		// Browsers cannot set headers on a websocket handshake.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.allow(w, r, "admin|"+claims.Subject) {
		return
	}

	switch route {
	case "inbox":
		s.handleAdminInbox(w, r, correlationID)
	case "drain":
		s.handleAdminDrain(w, r, correlationID)
	case "stream":
		s.handleAdminStream(w, r)
	}
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	if s.rateLimiter == nil || s.rateLimiter.allow(key, time.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
	return false
}

// handleWebhook accepts one outbound CRM event. Events the bot does not
// handle are acknowledged so the CRM does not redeliver them.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := r.ParseForm(); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "invalid form body", correlationID)
		return
	}
	if authErr := verifyApplicationToken(s.cfg.AppToken, r.PostForm.Get("auth[application_token]")); authErr != nil {
		s.log.WithField("remote", clientIP(r)).Warn("webhook rejected: application token mismatch")
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	rawEvent := r.PostForm.Get("event")
	eventType, err := inbox.ParseEventType(rawEvent)
	if err != nil {
		s.log.WithField("event", rawEvent).Debug("webhook ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	entityID, err := strconv.ParseInt(strings.TrimSpace(r.PostForm.Get("data[FIELDS][ID]")), 10, 64)
	if err != nil || entityID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "missing data[FIELDS][ID]", correlationID)
		return
	}

	if err := s.inbox.Record(r.Context(), entityID, eventType); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"entity_id": entityID, "event_type": eventType}).Error("record webhook")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to record event", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) handleAdminInbox(w http.ResponseWriter, r *http.Request, correlationID string) {
	pending, err := s.inbox.DrainPending(r.Context())
	if err != nil {
		s.log.WithError(err).Error("list pending webhooks")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read inbox", correlationID)
		return
	}
	resp := map[string]any{
		"pending": len(pending),
		"newest":  nil,
	}
	if newest, ok, err := s.inbox.LatestPending(r.Context()); err == nil && ok {
		resp["newest"] = newest
	}
	if s.drainer != nil {
		resp["state"] = s.drainer.State().String()
		if last, ok := s.drainer.LastPass(); ok {
			resp["lastPass"] = last
		}
	}
	resp["subscribers"] = s.hub.Subscribers()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminDrain(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.drainer == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "scheduler not running", correlationID)
		return
	}
	pass, err := s.drainer.RunNow(r.Context())
	if err != nil {
		s.log.WithError(err).Error("manual drain")
		writeError(w, http.StatusInternalServerError, "internal_error", "drain failed", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, pass)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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
