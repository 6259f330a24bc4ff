package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/energizer-project/tether/internal/config"
	"github.com/energizer-project/tether/internal/db"
	"github.com/energizer-project/tether/internal/events"
	"github.com/energizer-project/tether/internal/health"
	"github.com/energizer-project/tether/internal/protocol"
	"github.com/energizer-project/tether/internal/registry"
	"github.com/energizer-project/tether/internal/server"
	"github.com/energizer-project/tether/internal/telemetry"
	"github.com/energizer-project/tether/internal/transport/transporttest"
	"github.com/energizer-project/tether/internal/util"
)

type apiFixture struct {
	cfg      *config.Config
	reg      *registry.Registry
	manager  *server.Manager
	srv      *Server
	sessions map[string]*transporttest.Session
}

func newAPIFixture(t *testing.T, mutate func(*config.Config)) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.ApplicationData.Security.RateLimitRPS = 0
	if mutate != nil {
		mutate(cfg)
	}

	reg := registry.New()
	mgr := server.NewManager(cfg, reg, nil, nil)
	f := &apiFixture{
		cfg:      cfg,
		reg:      reg,
		manager:  mgr,
		srv:      NewServer(cfg, nil, mgr, "1.2.3"),
		sessions: make(map[string]*transporttest.Session),
	}
	t.Cleanup(mgr.Wait)
	return f
}

func (f *apiFixture) add(t *testing.T, id string) *registry.Participant {
	t.Helper()
	sess := transporttest.NewSession("10.0.0.1:" + id)
	p, err := f.reg.Add(id, sess)
	if err != nil {
		t.Fatalf("add %s: %v", id, err)
	}
	f.sessions[id] = sess
	return p
}

func (f *apiFixture) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return m
}

func TestPing(t *testing.T) {
	f := newAPIFixture(t, nil)
	w := f.do(t, http.MethodGet, "/api/public/ping", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "ok" || body["version"] != "1.2.3" {
		t.Fatalf("body = %v", body)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing security headers")
	}
}

func TestServerInfoCountsParticipants(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.add(t, "a")
	f.add(t, "b")

	body := decodeBody(t, f.do(t, http.MethodGet, "/api/public/server_info", "", nil))
	if body["participants"] != float64(2) || body["server_name"] != "tether" {
		t.Fatalf("body = %v", body)
	}
}

func TestAdminTokenRequired(t *testing.T) {
	f := newAPIFixture(t, func(cfg *config.Config) {
		cfg.ApplicationData.Security.AdminToken = "s3cret"
	})

	if w := f.do(t, http.MethodGet, "/api/monitor/participants", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", w.Code)
	}
	bad := http.Header{"Authorization": []string{"Bearer nope"}}
	if w := f.do(t, http.MethodGet, "/api/monitor/participants", "", bad); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d", w.Code)
	}
	good := http.Header{"Authorization": []string{"Bearer s3cret"}}
	if w := f.do(t, http.MethodGet, "/api/monitor/participants", "", good); w.Code != http.StatusOK {
		t.Fatalf("good token: status = %d", w.Code)
	}
	// Public routes stay open.
	if w := f.do(t, http.MethodGet, "/api/public/ping", "", nil); w.Code != http.StatusOK {
		t.Fatalf("ping: status = %d", w.Code)
	}
}

func TestGetParticipants(t *testing.T) {
	f := newAPIFixture(t, nil)
	p := f.add(t, "a")
	p.SetName("Alex")
	p.SetTransform(protocol.Vec3{X: 1, Y: 2, Z: 3}, protocol.Vec3{}, time.UnixMilli(1_700_000_000_500))
	f.add(t, "b")

	body := decodeBody(t, f.do(t, http.MethodGet, "/api/monitor/participants", "", nil))
	if body["total"] != float64(2) {
		t.Fatalf("body = %v", body)
	}

	w := f.do(t, http.MethodGet, "/api/monitor/participants/a", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var view participantView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.DisplayName != "Alex" || view.Position.Y != 2 || view.LastUpdate != 1_700_000_000_500 {
		t.Fatalf("view = %+v", view)
	}

	if w := f.do(t, http.MethodGet, "/api/monitor/participants/zzz", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown: status = %d", w.Code)
	}
}

func TestKick(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.add(t, "a")

	w := f.do(t, http.MethodPost, "/api/control/kick/a", `{"reason":"spam"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if f.sessions["a"].CloseCalls() == 0 {
		t.Fatal("session not closed")
	}

	if w := f.do(t, http.MethodPost, "/api/control/kick/ghost", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown: status = %d", w.Code)
	}
}

func TestAnnounce(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.add(t, "a")
	f.add(t, "b")

	if w := f.do(t, http.MethodPost, "/api/control/announce", `{}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("empty: status = %d", w.Code)
	}

	w := f.do(t, http.MethodPost, "/api/control/announce", `{"message":"restart in 5"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["recipients"] != float64(2) {
		t.Fatalf("body = %v", body)
	}

	for id, sess := range f.sessions {
		data, err := sess.NextNotification(time.Second)
		if err != nil {
			t.Fatalf("%s: %v", id, err)
		}
		var msg protocol.Announcement
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != protocol.MsgAnnouncement || msg.Message != "restart in 5" {
			t.Fatalf("%s: notification = %s", id, data)
		}
	}
}

func TestSessionsEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	if w := f.do(t, http.MethodGet, "/api/monitor/sessions", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled: status = %d", w.Code)
	}

	sl, err := db.NewSessionLog(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sl.Close()
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	for i, id := range []string{"p1", "p2", "p3"} {
		if err := sl.RecordJoin(ctx, id, "", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	f.srv.SetDependencies(nil, sl, nil)

	body := decodeBody(t, f.do(t, http.MethodGet, "/api/monitor/sessions?limit=2", "", nil))
	if body["count"] != float64(2) {
		t.Fatalf("body = %v", body)
	}

	if w := f.do(t, http.MethodGet, "/api/monitor/sessions?id=p2", "", nil); w.Code != http.StatusOK {
		t.Fatalf("by id: status = %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/monitor/sessions?id=nope", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing id: status = %d", w.Code)
	}
}

func TestTicksEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	if w := f.do(t, http.MethodGet, "/api/monitor/ticks", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("no monitor: status = %d", w.Code)
	}

	bus := events.NewEventBus()
	defer bus.Stop()
	tm := health.NewTickMonitor(bus)
	bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventTickOverrun,
		Payload: events.TickOverrunPayload{Duration: 25 * time.Millisecond, Interval: 16 * time.Millisecond, Participants: 3},
	})
	f.srv.SetDependencies(tm, nil, nil)

	body := decodeBody(t, f.do(t, http.MethodGet, "/api/monitor/ticks", "", nil))
	data := body["data"].(map[string]interface{})
	if data["total_overruns"] != float64(1) {
		t.Fatalf("body = %v", body)
	}
}

func TestSetServerField(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/configure/server_field", `{"key":"max_participants","value":12}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := f.cfg.GetServerData().MaxParticipants; got != 12 {
		t.Fatalf("max_participants = %d", got)
	}

	w = f.do(t, http.MethodPost, "/api/configure/server_field", `{"key":"tick_interval_ms","value":5000}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid value: status = %d", w.Code)
	}
	if got := f.cfg.GetServerData().TickIntervalMs; got != config.DefaultTickInterval {
		t.Fatalf("tick interval not rolled back: %d", got)
	}

	w = f.do(t, http.MethodPost, "/api/configure/server_field", `{"key":"no_such_field","value":1}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown key: status = %d", w.Code)
	}
}

func TestGetConfigRedactsToken(t *testing.T) {
	f := newAPIFixture(t, func(cfg *config.Config) {
		cfg.ApplicationData.Security.AdminToken = "s3cret"
	})
	w := f.do(t, http.MethodGet, "/api/configure/config", "", http.Header{"Authorization": []string{"Bearer s3cret"}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "s3cret") {
		t.Fatal("admin token leaked")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	metrics.SetParticipants(3)
	f.srv.SetDependencies(nil, nil, reg)

	w := f.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tether_participants 3") {
		t.Fatalf("metrics body missing gauge:\n%s", w.Body.String())
	}
}

func TestLogEntries(t *testing.T) {
	dir := t.TempDir()
	f := newAPIFixture(t, func(cfg *config.Config) {
		cfg.ApplicationData.Logging.Directory = dir
	})

	lines := strings.Join([]string{
		`{"level":"info","time":"2026-05-01T10:00:00Z","message":"first","component":"manager"}`,
		`not json`,
		`{"level":"warn","time":"2026-05-01T10:00:01Z","message":"second"}`,
	}, "\n")
	if err := os.WriteFile(filepath.Join(dir, util.LogFileName(time.Now())), []byte(lines+"\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w := f.do(t, http.MethodGet, "/api/monitor/log_entries?count=2", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Entries []logEntry `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// The trailing newline yields an empty last line, so count=2 covers
	// "second" and the blank.
	if len(resp.Entries) != 1 || resp.Entries[0].Message != "second" || resp.Entries[0].Level != "warn" {
		t.Fatalf("entries = %+v", resp.Entries)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Unix(0, 0)
	rl.now = func() time.Time { return now }

	// Burst of two, then refused until a token refills.
	if !rl.Allow("ip") || !rl.Allow("ip") {
		t.Fatal("burst refused")
	}
	if rl.Allow("ip") {
		t.Fatal("request over burst allowed")
	}
	if !rl.Allow("other") {
		t.Fatal("clients share buckets")
	}
	now = now.Add(time.Second)
	if !rl.Allow("ip") {
		t.Fatal("token not refilled")
	}
}
