// Package drivertest provides in-memory fakes for the driver contracts.
// They back the package tests; nothing here touches real hardware.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetcore-io/fleetcore/internal/driver"
)

// Channel is a loopback driver.Channel. Sent frames are recorded; queued
// frames are served by Receive.
type Channel struct {
	kind    driver.ChannelKind
	address string

	mu        sync.Mutex
	connected bool
	sent      [][]byte
	queued    [][]byte

	ConnectErr error
	SendErr    error
	ReceiveErr error
}

func NewChannel(kind driver.ChannelKind, address string) *Channel {
	return &Channel{kind: kind, address: address}
}

func (c *Channel) Connect(ctx context.Context) error {
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Channel) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *Channel) Send(ctx context.Context, data []byte) error {
	if c.SendErr != nil {
		return c.SendErr
	}
	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *Channel) Receive(ctx context.Context, buf []byte) (int, error) {
	if c.ReceiveErr != nil {
		return 0, c.ReceiveErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queued) == 0 {
		return 0, driver.ErrChannelUnavailable
	}
	frame := c.queued[0]
	c.queued = c.queued[1:]
	return copy(buf, frame), nil
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Channel) Kind() driver.ChannelKind { return c.kind }
func (c *Channel) Address() string          { return c.address }

// Queue schedules a frame for the next Receive call.
func (c *Channel) Queue(frame []byte) {
	c.mu.Lock()
	c.queued = append(c.queued, append([]byte(nil), frame...))
	c.mu.Unlock()
}

// Sent returns a copy of all frames written so far.
func (c *Channel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// Driver is a configurable driver.Driver fake. The zero hooks probe true
// and open a fresh Session.
type Driver struct {
	name     string
	version  string
	channels []driver.ChannelKind
	caps     driver.Capabilities

	ProbeFunc func(ctx context.Context, ch driver.Channel) (bool, error)
	OpenFunc  func(ctx context.Context, ch driver.Channel) (driver.Session, error)

	mu         sync.Mutex
	probeCalls int
	openCalls  int
}

func NewDriver(name, version string, kinds ...driver.ChannelKind) *Driver {
	if len(kinds) == 0 {
		kinds = []driver.ChannelKind{driver.ChannelSerial, driver.ChannelTCP, driver.ChannelSSH}
	}
	return &Driver{
		name:     name,
		version:  version,
		channels: kinds,
		caps: driver.Capabilities{
			Flags: driver.CapabilityTelemetry | driver.CapabilityPWM | driver.CapabilityGPIO,
		},
	}
}

// WithCapabilities overrides the reported capability set.
func (d *Driver) WithCapabilities(caps driver.Capabilities) *Driver {
	d.caps = caps
	return d
}

func (d *Driver) Name() string                            { return d.name }
func (d *Driver) Version() string                         { return d.version }
func (d *Driver) SupportedChannels() []driver.ChannelKind { return d.channels }
func (d *Driver) Capabilities() driver.Capabilities       { return d.caps }

func (d *Driver) Probe(ctx context.Context, ch driver.Channel) (bool, error) {
	d.mu.Lock()
	d.probeCalls++
	d.mu.Unlock()
	if d.ProbeFunc != nil {
		return d.ProbeFunc(ctx, ch)
	}
	return true, nil
}

func (d *Driver) Open(ctx context.Context, ch driver.Channel) (driver.Session, error) {
	d.mu.Lock()
	d.openCalls++
	d.mu.Unlock()
	if d.OpenFunc != nil {
		return d.OpenFunc(ctx, ch)
	}
	return NewSession(d.name+"-device", ch), nil
}

func (d *Driver) ProbeCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.probeCalls
}

func (d *Driver) OpenCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCalls
}

// Session is an in-memory driver.Session. Invoke echoes unless InvokeFunc
// is set; Close is idempotent and disconnects the channel.
type Session struct {
	id         uuid.UUID
	deviceName string
	channel    driver.Channel

	InvokeFunc func(endpoint string, args []any) (any, error)

	mu         sync.Mutex
	closed     bool
	closeCalls int
	nextSub    driver.SubscriptionID
	sinks      map[driver.SubscriptionID]driver.StreamSink
	stats      driver.SessionStats
}

func NewSession(deviceName string, ch driver.Channel) *Session {
	return &Session{
		id:         uuid.New(),
		deviceName: deviceName,
		channel:    ch,
		sinks:      make(map[driver.SubscriptionID]driver.StreamSink),
		stats:      driver.SessionStats{ConnectedAt: time.Now().UTC()},
	}
}

func (s *Session) ID() uuid.UUID      { return s.id }
func (s *Session) DeviceName() string { return s.deviceName }

func (s *Session) Invoke(ctx context.Context, endpoint string, args []any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, driver.ErrSessionClosed
	}
	s.stats.LastActivity = time.Now().UTC()
	if s.InvokeFunc != nil {
		out, err := s.InvokeFunc(endpoint, args)
		if err != nil {
			s.stats.CommandsFailed++
			return nil, err
		}
		s.stats.CommandsSent++
		return out, nil
	}
	s.stats.CommandsSent++
	return map[string]any{"endpoint": endpoint, "args": args}, nil
}

func (s *Session) Subscribe(ctx context.Context, stream string, sink driver.StreamSink) (driver.SubscriptionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, driver.ErrSessionClosed
	}
	s.nextSub++
	s.sinks[s.nextSub] = sink
	s.stats.Subscriptions = len(s.sinks)
	return s.nextSub, nil
}

func (s *Session) Unsubscribe(id driver.SubscriptionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sinks[id]; !ok {
		return driver.ErrUnknownSubscription
	}
	delete(s.sinks, id)
	s.stats.Subscriptions = len(s.sinks)
	return nil
}

// Push feeds a value to every registered sink, as a device stream would.
func (s *Session) Push(value any) {
	s.mu.Lock()
	sinks := make([]driver.StreamSink, 0, len(s.sinks))
	for _, sink := range s.sinks {
		sinks = append(sinks, sink)
	}
	s.mu.Unlock()
	for _, sink := range sinks {
		sink(value)
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.sinks = make(map[driver.SubscriptionID]driver.StreamSink)
	s.mu.Unlock()
	if s.channel != nil {
		return s.channel.Disconnect()
	}
	return nil
}

func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Session) Stats() driver.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// MarkDead closes the session without touching the channel, simulating a
// transport drop.
func (s *Session) MarkDead() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Factory is a driver.ChannelFactory producing loopback channels. Created
// channels are retained for inspection.
type Factory struct {
	mu      sync.Mutex
	created []*Channel

	NewErr error
}

func NewFactory() *Factory { return &Factory{} }

func (f *Factory) NewChannel(kind driver.ChannelKind, address string) (driver.Channel, error) {
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	ch := NewChannel(kind, address)
	f.mu.Lock()
	f.created = append(f.created, ch)
	f.mu.Unlock()
	return ch, nil
}

func (f *Factory) Created() []*Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Channel, len(f.created))
	copy(out, f.created)
	return out
}

// FailingDriver builds a driver whose Open always fails with err.
func FailingDriver(name string, err error) *Driver {
	d := NewDriver(name, "0.0.1")
	d.OpenFunc = func(ctx context.Context, ch driver.Channel) (driver.Session, error) {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return d
}
