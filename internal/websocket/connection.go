package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeBuffer  = 100
	writeTimeout = 5 * time.Second
)

// Connection wraps one browser socket. All writes go through a single writer
// goroutine; gorilla connections do not support concurrent writers.
type Connection struct {
	conn      *websocket.Conn
	writeCh   chan []byte
	id        string
	topics    []string
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	mu        sync.RWMutex
}

// NewConnection creates a new WebSocket connection wrapper
func NewConnection(conn *websocket.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		writeCh: make(chan []byte, writeBuffer),
		id:      uuid.New().String(),
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for the writer goroutine
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close is safe to call more than once
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection has been closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// ID returns the server-assigned connection id
func (c *Connection) ID() string {
	return c.id
}

// SetTopics records the tables this connection listens to
func (c *Connection) SetTopics(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append([]string(nil), topics...)
}

// Topics returns a copy of the subscribed tables
func (c *Connection) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.topics...)
}
