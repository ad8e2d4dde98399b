package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/parcelbot/internal/inbox"
	"github.com/agentworkforce/parcelbot/internal/store"
)

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestWebhookQueuesKnownEvents(t *testing.T) {
	server, in := newTestServer(t, ServerConfig{})

	resp := postWebhook(t, server, url.Values{
		"event":            {"ONCRMDEALADD"},
		"data[FIELDS][ID]": {"100"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if status := decodeStatus(t, resp); status != "queued" {
		t.Fatalf("expected queued, got %q", status)
	}

	pending, err := in.DrainPending(context.Background())
	if err != nil {
		t.Fatalf("drain pending: %v", err)
	}
	if len(pending) != 1 || pending[0].EntityID != 100 || pending[0].Type != inbox.DealAdded {
		t.Fatalf("expected one deal-added event for 100, got %+v", pending)
	}
}

func TestWebhookIgnoresUnknownEvents(t *testing.T) {
	server, in := newTestServer(t, ServerConfig{})

	resp := postWebhook(t, server, url.Values{
		"event":            {"ONCRMLEADADD"},
		"data[FIELDS][ID]": {"5"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if status := decodeStatus(t, resp); status != "ignored" {
		t.Fatalf("expected ignored, got %q", status)
	}
	pending, _ := in.DrainPending(context.Background())
	if len(pending) != 0 {
		t.Fatalf("expected nothing queued, got %d", len(pending))
	}
}

func TestWebhookRequiresEntityID(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	resp := postWebhook(t, server, url.Values{"event": {"ONCRMDEALUPDATE"}})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	resp = postWebhook(t, server, url.Values{"event": {"ONCRMDEALUPDATE"}, "data[FIELDS][ID]": {"abc"}})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric id, got %d", resp.Code)
	}
}

func TestWebhookStoreFailureReturns500(t *testing.T) {
	server := NewServerWithConfig(failingInbox{}, nil, nil, ServerConfig{Logger: quietLogger()})
	resp := postWebhook(t, server, url.Values{"event": {"ONCRMCONTACTUPDATE"}, "data[FIELDS][ID]": {"420"}})
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}

func TestWebhookApplicationToken(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{AppToken: "app-secret"})

	denied := postWebhook(t, server, url.Values{
		"event":                   {"ONCRMDEALADD"},
		"data[FIELDS][ID]":        {"1"},
		"auth[application_token]": {"wrong"},
	})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", denied.Code)
	}

	allowed := postWebhook(t, server, url.Values{
		"event":                   {"ONCRMDEALADD"},
		"data[FIELDS][ID]":        {"1"},
		"auth[application_token]": {"app-secret"},
	})
	if allowed.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", allowed.Code, allowed.Body.String())
	}
}

func TestWebhookBodyLimit(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{MaxBodyBytes: 32})
	resp := postWebhook(t, server, url.Values{
		"event":            {"ONCRMDEALADD"},
		"data[FIELDS][ID]": {"1"},
		"padding":          {strings.Repeat("x", 64)},
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestWebhookIsNotRateLimited(t *testing.T) {
	server, in := newTestServer(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	for i := 1; i <= 5; i++ {
		form := url.Values{"event": {"ONCRMDEALADD"}, "data[FIELDS][ID]": {strconv.Itoa(i)}}
		if resp := postWebhook(t, server, form); resp.Code != http.StatusOK {
			t.Fatalf("expected webhook %d to be queued, got %d", i, resp.Code)
		}
	}
	pending, err := in.DrainPending(context.Background())
	if err != nil {
		t.Fatalf("drain pending: %v", err)
	}
	if len(pending) != 5 {
		t.Fatalf("expected 5 recorded events, got %d", len(pending))
	}
}

func TestAdminRateLimitBySubject(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{JWTSecret: "admin-secret", RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := mustTestJWT(t, "admin-secret", []string{scopeAdminRead}, adminAudience, time.Now().Add(time.Hour))
	auth := map[string]string{"Authorization": "Bearer " + token}
	for i := 0; i < 2; i++ {
		if resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/inbox", headers: auth}); resp.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d", i, resp.Code)
		}
	}
	denied := doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/inbox", headers: auth})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d", denied.Code)
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", denied.Header().Get("Retry-After"))
	}
}

func TestAdminRoutesDisabledWithoutSecret(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/inbox"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{JWTSecret: "admin-secret"})

	cases := []struct {
		name   string
		token  string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong secret", mustTestJWT(t, "other", []string{scopeAdminRead}, adminAudience, time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"expired", mustTestJWT(t, "admin-secret", []string{scopeAdminRead}, adminAudience, time.Now().Add(-time.Minute)), http.StatusUnauthorized},
		{"wrong audience", mustTestJWT(t, "admin-secret", []string{scopeAdminRead}, "relay", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"wrong scope", mustTestJWT(t, "admin-secret", []string{scopeAdminDrain}, adminAudience, time.Now().Add(time.Hour)), http.StatusForbidden},
		{"ok", mustTestJWT(t, "admin-secret", []string{scopeAdminRead}, adminAudience, time.Now().Add(time.Hour)), http.StatusOK},
	}
	for _, tc := range cases {
		headers := map[string]string{}
		if tc.token != "" {
			headers["Authorization"] = "Bearer " + tc.token
		}
		resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/inbox", headers: headers})
		if resp.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.status, resp.Code, resp.Body.String())
		}
	}
}

func TestAdminInboxAndDrain(t *testing.T) {
	memory := store.NewMemoryStore()
	in := inbox.New(memory, inbox.SystemClock{})
	drainer := &fakeDrainer{in: in}
	server := NewServerWithConfig(in, drainer, nil, ServerConfig{JWTSecret: "admin-secret", Logger: quietLogger()})
	token := mustTestJWT(t, "admin-secret", []string{scopeAdminRead, scopeAdminDrain}, adminAudience, time.Now().Add(time.Hour))
	auth := map[string]string{"Authorization": "Bearer " + token}

	for _, id := range []string{"10", "11"} {
		postWebhook(t, server, url.Values{"event": {"ONCRMDEALUPDATE"}, "data[FIELDS][ID]": {id}})
	}

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/inbox", headers: auth})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var body struct {
		Pending int          `json:"pending"`
		Newest  *inbox.Event `json:"newest"`
		State   string       `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode inbox: %v", err)
	}
	if body.Pending != 2 || body.Newest == nil || body.Newest.EntityID != 11 || body.State != "IDLE" {
		t.Fatalf("unexpected inbox response: %+v", body)
	}

	drained := doRequest(t, server, request{method: http.MethodPost, path: "/v1/admin/drain", headers: auth})
	if drained.Code != http.StatusOK {
		t.Fatalf("expected 200 on drain, got %d (%s)", drained.Code, drained.Body.String())
	}
	var pass inbox.Pass
	if err := json.NewDecoder(drained.Body).Decode(&pass); err != nil {
		t.Fatalf("decode pass: %v", err)
	}
	if pass.Events != 2 {
		t.Fatalf("expected 2 events drained, got %d", pass.Events)
	}
}

func TestAdminStreamPushesPublishedReports(t *testing.T) {
	hub := NewHub(quietLogger())
	server := NewServerWithConfig(inbox.New(store.NewMemoryStore(), nil), nil, hub, ServerConfig{JWTSecret: "admin-secret", Logger: quietLogger()})
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	token := mustTestJWT(t, "admin-secret", []string{scopeAdminRead}, adminAudience, time.Now().Add(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/v1/admin/stream?access_token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a stream subscriber")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.Publish(map[string]any{"pass_id": "p-1", "events": 3})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode stream message: %v", err)
	}
	if msg["pass_id"] != "p-1" {
		t.Fatalf("expected pass p-1, got %v", msg)
	}
}

func TestDashboardServed(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/dashboard"})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "/v1/admin/stream") {
		t.Fatalf("expected dashboard page, got %d", resp.Code)
	}
}

type fakeDrainer struct {
	in *inbox.Inbox
}

func (d *fakeDrainer) State() inbox.State { return inbox.StateIdle }

func (d *fakeDrainer) LastPass() (inbox.Pass, bool) { return inbox.Pass{}, false }

func (d *fakeDrainer) RunNow(ctx context.Context) (inbox.Pass, error) {
	events, err := d.in.DrainPending(ctx)
	if err != nil {
		return inbox.Pass{}, err
	}
	for _, ev := range events {
		if err := d.in.MarkProcessed(ctx, ev.ID); err != nil {
			return inbox.Pass{}, err
		}
	}
	return inbox.Pass{ID: "manual", Events: len(events)}, nil
}

type failingInbox struct{}

func (failingInbox) Record(context.Context, int64, inbox.EventType) error {
	return fmt.Errorf("database is locked")
}

func (failingInbox) DrainPending(context.Context) ([]inbox.Event, error) { return nil, nil }

func (failingInbox) LatestPending(context.Context) (inbox.Event, bool, error) {
	return inbox.Event{}, false, nil
}

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *inbox.Inbox) {
	t.Helper()
	in := inbox.New(store.NewMemoryStore(), inbox.SystemClock{})
	cfg.Logger = quietLogger()
	return NewServerWithConfig(in, nil, nil, cfg), in
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    string
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, strings.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func postWebhook(t *testing.T, server http.Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	return doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/webhook",
		headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		body:    form.Encode(),
	})
}

func decodeStatus(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body["status"]
}

func mustTestJWT(t *testing.T, secret string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ops",
		"scope": strings.Join(scopes, " "),
		"aud":   aud,
		"exp":   exp.Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}
