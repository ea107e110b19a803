package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kioskqueue/internal/hub"
	"kioskqueue/pkg/types"
)

func TestParseTopics(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{"empty means all", "", 4, false},
		{"single", "kiosks", 1, false},
		{"dedup and trim", " kiosks, kiosks ,behavior_requests", 2, false},
		{"unknown", "kiosks,users", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTopics(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownTopic) {
					t.Errorf("expected ErrUnknownTopic, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %v, want %d topics", got, tt.want)
			}
		})
	}
}

func setupHandler(t *testing.T) (*httptest.Server, *hub.Hub, *Registry) {
	t.Helper()
	h := hub.NewHub()
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Stop() })

	registry := NewRegistry()
	handler := NewHandler(registry, h)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)
	return server, h, registry
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func TestHandler_RejectsUnknownTopic(t *testing.T) {
	server, _, _ := setupHandler(t)

	resp, err := http.Get(server.URL + "/ws?topics=secrets")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandler_ForwardsSubscribedTopicsOnly(t *testing.T) {
	server, h, registry := setupHandler(t)
	conn := dial(t, server, "?topics=kiosks")

	first := readMessage(t, conn)
	if first.Type != "subscribed" || len(first.Topics) != 1 || first.Topics[0] != types.TableKiosks {
		t.Fatalf("unexpected first message: %+v", first)
	}

	// Registration happens before the subscribed message is written
	if got := len(registry.GetTopicConnections(types.TableKiosks)); got != 1 {
		t.Errorf("expected 1 registered kiosks connection, got %d", got)
	}

	ctx := context.Background()
	_ = h.Publish(ctx, types.Event{Table: types.TableBehaviorRequests, Op: types.OpInsert, ID: "skip"})
	_ = h.Publish(ctx, types.Event{Table: types.TableKiosks, Op: types.OpUpdate, ID: "3"})

	msg := readMessage(t, conn)
	if msg.Type != "event" || msg.Event == nil || msg.Event.ID != "3" {
		t.Errorf("expected the kiosks event, got %+v", msg)
	}
}

func TestHandler_UnregistersOnClientClose(t *testing.T) {
	server, h, registry := setupHandler(t)
	conn := dial(t, server, "")
	readMessage(t, conn)

	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if registry.GetStats()["total_connections"] == 0 && h.SubscriberCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("connection not cleaned up: stats=%v subscribers=%d", registry.GetStats(), h.SubscriberCount())
}

func TestHandler_SetKeepalive(t *testing.T) {
	h := NewHandler(NewRegistry(), hub.NewHub())

	h.SetKeepalive(10*time.Second, 25*time.Second)
	if h.pingInterval != 10*time.Second || h.pongWait != 25*time.Second {
		t.Errorf("got ping=%v pong=%v", h.pingInterval, h.pongWait)
	}

	// A pong wait that does not exceed the ping interval is ignored
	h.SetKeepalive(30*time.Second, 20*time.Second)
	if h.pingInterval != 10*time.Second || h.pongWait != 25*time.Second {
		t.Errorf("got ping=%v pong=%v", h.pingInterval, h.pongWait)
	}
}
