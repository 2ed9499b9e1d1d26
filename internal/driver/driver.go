package driver

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ChannelKind identifies the transport family a channel speaks.
type ChannelKind string

const (
	ChannelSerial ChannelKind = "serial"
	ChannelTCP    ChannelKind = "tcp"
	ChannelSSH    ChannelKind = "ssh"
)

// Channel is the byte transport a driver uses to reach a device.
// Implementations live outside the core and own their timeouts.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context, buf []byte) (int, error)
	IsConnected() bool
	Kind() ChannelKind
	Address() string
}

// ChannelFactory re-materializes a transport for a known endpoint. The
// reconnection and hot-plug attach paths use it to rebuild channels.
type ChannelFactory interface {
	NewChannel(kind ChannelKind, address string) (Channel, error)
}

// StreamSink receives values pushed by a device stream subscription.
type StreamSink func(value any)

// SubscriptionID identifies an active stream subscription within a session.
type SubscriptionID uint64

// SessionStats are per-session counters reported by Session.Stats.
type SessionStats struct {
	CommandsSent   uint64    `json:"commands_sent"`
	CommandsFailed uint64    `json:"commands_failed"`
	BytesSent      uint64    `json:"bytes_sent"`
	BytesReceived  uint64    `json:"bytes_received"`
	Subscriptions  int       `json:"subscriptions"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivity   time.Time `json:"last_activity"`
}

// Session is an open, stateful handle to a single connected device.
type Session interface {
	ID() uuid.UUID
	DeviceName() string
	Invoke(ctx context.Context, endpoint string, args []any) (any, error)
	Subscribe(ctx context.Context, stream string, sink StreamSink) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
	// Close releases the underlying channel. Safe to call more than once.
	Close() error
	Active() bool
	Stats() SessionStats
}

// Driver recognizes and opens sessions to one class of hardware device.
// Implementations are supplied by plugins.
type Driver interface {
	Name() string
	Version() string
	SupportedChannels() []ChannelKind
	// Probe reports whether the device behind the channel is one this
	// driver controls. It must be side-effect-light and bounded by the
	// channel's own timeouts; the manager calls it once per candidate
	// driver per probe cycle.
	Probe(ctx context.Context, ch Channel) (bool, error)
	Open(ctx context.Context, ch Channel) (Session, error)
	Capabilities() Capabilities
}
