package websocket

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"kioskqueue/pkg/interfaces"
	"kioskqueue/pkg/types"
)

const (
	defaultPongWait     = 60 * time.Second
	defaultPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	// Kiosk browsers load the page from the same host; origin checks are left to the proxy
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

var knownTopics = map[string]bool{
	types.TableBehaviorRequests: true,
	types.TableReflections:      true,
	types.TableKiosks:           true,
	types.TableDeviceSessions:   true,
}

// Message is what a client receives. "subscribed" is sent once after the upgrade so
// the client knows to fetch a fresh snapshot; "event" carries one invalidation.
type Message struct {
	Type      string       `json:"type"`
	Topics    []string     `json:"topics,omitempty"`
	Event     *types.Event `json:"event,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Handler upgrades /ws requests and forwards bus events to the socket
type Handler struct {
	registry     *Registry
	bus          interfaces.EventBus
	pingInterval time.Duration
	pongWait     time.Duration
}

// NewHandler creates a new WebSocket handler
func NewHandler(registry *Registry, bus interfaces.EventBus) *Handler {
	return &Handler{
		registry:     registry,
		bus:          bus,
		pingInterval: defaultPingInterval,
		pongWait:     defaultPongWait,
	}
}

// SetKeepalive overrides the ping interval and the read deadline extended by each
// pong. Pairs where the pong wait does not exceed the ping interval are ignored.
func (h *Handler) SetKeepalive(pingInterval, pongWait time.Duration) {
	if pingInterval <= 0 || pongWait <= pingInterval {
		return
	}
	h.pingInterval = pingInterval
	h.pongWait = pongWait
}

// ParseTopics splits a comma separated topic list. Empty means every table.
func ParseTopics(raw string) ([]string, error) {
	var topics []string
	seen := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		if !knownTopics[t] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, t)
		}
		seen[t] = true
		topics = append(topics, t)
	}
	if len(topics) == 0 {
		topics = []string{
			types.TableBehaviorRequests,
			types.TableReflections,
			types.TableKiosks,
			types.TableDeviceSessions,
		}
	}
	return topics, nil
}

// HandleWebSocket handles GET /ws?topics=a,b
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	topics, err := ParseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn)
	wsConn.SetTopics(topics)

	if err := h.registry.RegisterConnection(wsConn); err != nil {
		log.Printf("Failed to register connection: %v", err)
		_ = wsConn.Close()
		return
	}

	sub := h.bus.Subscribe(topics...)
	log.Printf("WebSocket subscribed: id=%s topics=%s", wsConn.ID(), strings.Join(topics, ","))

	if err := wsConn.WriteJSON(Message{Type: "subscribed", Topics: topics, Timestamp: time.Now()}); err != nil {
		log.Printf("Failed to send subscribed message: id=%s err=%v", wsConn.ID(), err)
	}

	go h.forward(wsConn, sub)
	go h.handleConnection(wsConn, sub)
}

// forward copies bus events to the socket. A closed subscription means this client
// fell behind; closing the socket makes it reconnect and re-fetch.
func (h *Handler) forward(conn *Connection, sub interfaces.Subscription) {
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				_ = conn.Close()
				return
			}
			ev := event
			if err := conn.WriteJSON(Message{Type: "event", Event: &ev, Timestamp: time.Now()}); err != nil {
				log.Printf("Failed to forward event: id=%s table=%s err=%v", conn.ID(), event.Table, err)
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// handleConnection runs the read pump and ping heartbeat until the socket closes
func (h *Handler) handleConnection(conn *Connection, sub interfaces.Subscription) {
	defer func() {
		sub.Close()
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.pongWait)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	// Clients never send anything meaningful; reading keeps pong and close frames flowing
	for {
		if _, _, err := conn.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: id=%s err=%v", conn.ID(), err)
			}
			return
		}
	}
}
