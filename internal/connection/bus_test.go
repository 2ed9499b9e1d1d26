package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetcore-io/fleetcore/internal/driver"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	bus.Publish(NewDeviceDetected("tcp:10.0.0.9:502", driver.ChannelTCP, "10.0.0.9:502", nil))

	for _, ch := range []chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventDeviceDetected, ev.Type)
			assert.Equal(t, DeviceID("tcp:10.0.0.9:502"), ev.DeviceID)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	ch := bus.Subscribe(1)
	bus.Publish(NewDeviceRemoved("serial:/dev/ttyUSB0"))
	// The buffer is full; this publish must drop instead of blocking.
	bus.Publish(NewDeviceRemoved("serial:/dev/ttyUSB1"))

	ev := <-ch
	assert.Equal(t, DeviceID("serial:/dev/ttyUSB0"), ev.DeviceID)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	ch := bus.Subscribe(1)
	bus.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)

	// Publishing after an unsubscribe must not reach the closed channel.
	bus.Publish(NewDeviceRemoved("tcp:10.0.0.1:502"))
}

func TestBusClose(t *testing.T) {
	bus := NewBus(zap.NewNop())
	ch := bus.Subscribe(1)
	bus.Close()

	_, open := <-ch
	require.False(t, open)

	late := bus.Subscribe(1)
	_, open = <-late
	assert.False(t, open, "subscribing to a closed bus yields a closed channel")

	bus.Publish(NewDeviceRemoved("tcp:10.0.0.1:502"))
	bus.Close()
}
