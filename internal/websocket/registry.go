package websocket

import (
	"log"
	"sync"
)

// Registry tracks live connections by id and by topic
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	byTopic     map[string]map[string]*Connection
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		byTopic:     make(map[string]map[string]*Connection),
	}
}

// RegisterConnection adds a connection under each of its topics
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	topics := conn.Topics()
	if len(topics) == 0 {
		return ErrNoTopics
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	r.connections[id] = conn
	for _, topic := range topics {
		if r.byTopic[topic] == nil {
			r.byTopic[topic] = make(map[string]*Connection)
		}
		r.byTopic[topic][id] = conn
	}
	return nil
}

// UnregisterConnection removes a connection. Idempotent.
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if _, exists := r.connections[id]; !exists {
		return
	}
	delete(r.connections, id)

	for _, topic := range conn.Topics() {
		if conns, exists := r.byTopic[topic]; exists {
			delete(conns, id)
			if len(conns) == 0 {
				delete(r.byTopic, topic)
			}
		}
	}
}

// GetTopicConnections returns the connections listening to a table
func (r *Registry) GetTopicConnections(topic string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var connections []*Connection
	for _, conn := range r.byTopic[topic] {
		connections = append(connections, conn)
	}
	return connections
}

// CloseAll closes every registered connection, used on server shutdown
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			log.Printf("Failed to close websocket connection: id=%s err=%v", conn.ID(), err)
		}
	}
}

// GetStats returns registry statistics for monitoring
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"active_topics":     len(r.byTopic),
	}
}
