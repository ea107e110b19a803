package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout after 5 seconds")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrNoTopics      = errors.New("connection must subscribe to at least one topic before registration")
)

// Handler-related errors
var (
	ErrUnknownTopic = errors.New("unknown topic")
)
