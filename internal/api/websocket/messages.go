package websocket

import (
	"time"

	"github.com/fleetcore-io/fleetcore/internal/auth"
	"github.com/fleetcore-io/fleetcore/internal/connection"
	"github.com/fleetcore-io/fleetcore/internal/safety"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Server-pushed events
	MessageTypeConnectionEvent MessageType = "connection_event"
	MessageTypeSafetyEvent     MessageType = "safety_event"
	MessageTypeSystemStatus    MessageType = "system_status"

	// Handshake and keepalive replies
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthError   MessageType = "auth_error"
	MessageTypePong        MessageType = "pong"
)

// Message is the wire envelope for every server-to-client frame.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// AuthSuccessData tells the client who it authenticated as.
type AuthSuccessData struct {
	Subject     string            `json:"subject"`
	Role        auth.Role         `json:"role"`
	Permissions []auth.Permission `json:"permissions"`
}

// AuthErrorData carries the rejection reason before the server closes
// the connection.
type AuthErrorData struct {
	Reason string `json:"reason"`
}

func NewConnectionEventMessage(ev connection.Event) Message {
	return NewMessage(MessageTypeConnectionEvent, ev)
}

func NewSafetyEventMessage(ev safety.StopEvent) Message {
	return NewMessage(MessageTypeSafetyEvent, ev)
}

func NewSystemStatusMessage(status any) Message {
	return NewMessage(MessageTypeSystemStatus, status)
}
