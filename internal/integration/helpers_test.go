package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"kioskqueue/internal/api"
	"kioskqueue/internal/auth"
	"kioskqueue/internal/clock"
	"kioskqueue/internal/database"
	"kioskqueue/internal/devicesession"
	"kioskqueue/internal/hub"
	"kioskqueue/internal/kiosk"
	"kioskqueue/internal/queue"
	"kioskqueue/internal/websocket"
	dbconfig "kioskqueue/pkg/database"
	"kioskqueue/pkg/types"
)

const secret = "integration-secret"

// stack is a full server on an httptest listener with a fake clock
type stack struct {
	t        *testing.T
	store    *database.Manager
	hub      *hub.Hub
	clock    *clock.FakeClock
	queue    *queue.Service
	kiosks   *kiosk.Registry
	sessions *devicesession.Manager
	server   *httptest.Server
	token    string
}

func newStack(t *testing.T, kioskCount int) *stack {
	t.Helper()
	ctx := context.Background()

	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "integration.db")
	store, err := database.NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	bus := hub.NewHub()
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = bus.Stop() })

	clk := clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	svc := queue.NewService(store, bus, clk)
	kiosks := kiosk.NewRegistry(store, svc, bus, clk)
	if err := kiosks.Provision(ctx, kioskCount); err != nil {
		t.Fatal(err)
	}
	sessions := devicesession.NewManager(store, bus, clk, "https://school.example")

	registry := websocket.NewRegistry()
	t.Cleanup(registry.CloseAll)
	server := api.NewServer(svc, kiosks, sessions, store, registry, websocket.NewHandler(registry, bus), clk, api.Config{
		JWTSecret:         secret,
		DefaultSessionTTL: 8,
	})
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	token, err := auth.IssueToken(secret, "integration", types.Actor{UserID: "t1", Role: types.RoleTeacher}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	return &stack{
		t: t, store: store, hub: bus, clock: clk, queue: svc, kiosks: kiosks,
		sessions: sessions, server: ts, token: token,
	}
}

// call sends a staff request and decodes the JSON reply into out when non-nil
func (s *stack) call(method, path string, body, out interface{}) int {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, s.server.URL+path, &buf)
	if err != nil {
		s.t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			s.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (s *stack) addStudent(id, name string) {
	s.t.Helper()
	if err := s.store.UpsertStudent(context.Background(), &types.Student{ID: id, Name: name}); err != nil {
		s.t.Fatal(err)
	}
}

// dial opens a websocket for the given topics and consumes the subscribed message
func (s *stack) dial(topics ...string) *gorillaws.Conn {
	s.t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?topics=" + strings.Join(topics, ",")
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		s.t.Fatalf("dial: %v", err)
	}
	s.t.Cleanup(func() { _ = conn.Close() })

	var msg websocket.Message
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		s.t.Fatal(err)
	}
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "subscribed" {
		s.t.Fatalf("expected subscribed message, got %+v err=%v", msg, err)
	}
	return conn
}

// awaitEvent reads until an event matching table and op arrives
func awaitEvent(t *testing.T, conn *gorillaws.Conn, table, op string) types.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatal(err)
		}
		var msg websocket.Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s %s: %v", table, op, err)
		}
		if msg.Type == "event" && msg.Event != nil && msg.Event.Table == table && msg.Event.Op == op {
			return *msg.Event
		}
	}
}

// eventually polls cond until it holds or two seconds pass
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
