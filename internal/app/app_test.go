package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/parcelbot/internal/config"
	"github.com/agentworkforce/parcelbot/internal/notify"
	"github.com/agentworkforce/parcelbot/internal/store"
)

type crmStub struct {
	mu       sync.Mutex
	commands []map[string]string
}

func (c *crmStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/batch.json") {
		http.Error(w, "unexpected method", http.StatusNotFound)
		return
	}
	var body struct {
		Cmd map[string]string `json:"cmd"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.commands = append(c.commands, body.Cmd)
	c.mu.Unlock()

	result := map[string]any{}
	for key := range body.Cmd {
		result[key] = map[string]any{"ID": strings.TrimPrefix(key, "contact_"), "NAME": "Someone"}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"result": map[string]any{"result": result, "result_error": []any{}},
	})
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig(webhookURL string) *config.Config {
	return &config.Config{
		Addr:             ":0",
		StoreDSN:         "memory://",
		BitrixWebhookURL: webhookURL,
		BitrixTimeout:    5 * time.Second,
		DrainInterval:    time.Hour,
		DrainIdle:        10 * time.Second,
		BatchSize:        50,
		BatchMaxAttempts: 1,
		RateLimitWindow:  time.Minute,
		MaxBodyBytes:     1 << 20,
	}
}

func TestWebhookToDrainPass(t *testing.T) {
	stub := &crmStub{}
	crmServer := httptest.NewServer(stub)
	defer crmServer.Close()

	a, err := New(testConfig(crmServer.URL+"/rest/1/secret"), quietLogger(), Options{
		Store:    store.NewMemoryStore(),
		Notifier: notify.LogNotifier{Log: quietLogger()},
	})
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer a.Close()

	form := url.Values{"event": {"ONCRMCONTACTUPDATE"}, "data[FIELDS][ID]": {"420"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	pass, err := a.Scheduler.RunNow(context.Background())
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if pass.Events != 1 || pass.Error != "" {
		t.Fatalf("expected one clean event, got %+v", pass)
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.commands) != 1 {
		t.Fatalf("expected a single read batch for an unknown contact, got %d", len(stub.commands))
	}
	if got := stub.commands[0]["contact_420"]; got != "crm.contact.get?id=420" {
		t.Fatalf("expected contact read command, got %q", got)
	}

	pending, err := a.Inbox.DrainPending(context.Background())
	if err != nil {
		t.Fatalf("drain pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected inbox empty after pass, got %d", len(pending))
	}
}

func TestNewRejectsBadTenantFile(t *testing.T) {
	cfg := testConfig("https://example.bitrix24.kz/rest/1/x")
	cfg.TenantFile = "/does/not/exist.json"
	if _, err := New(cfg, quietLogger(), Options{Store: store.NewMemoryStore()}); err == nil {
		t.Fatalf("expected missing tenant file to fail")
	}
}
