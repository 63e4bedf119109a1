package mavlink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/frame"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/terranav/fieldrover/internal/timeutil"
)

// fakeConn is a scripted transport.
type fakeConn struct {
	mu       sync.Mutex
	events   chan gomavlib.Event
	sent     []message.Message
	writeErr error
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan gomavlib.Event, 16)}
}

func (c *fakeConn) Events() <-chan gomavlib.Event { return c.events }

func (c *fakeConn) WriteMessageAll(m message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.sent = append(c.sent, m)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeConn) feedHeartbeat(systemID byte) {
	c.events <- &gomavlib.EventFrame{
		Frame: &frame.V2Frame{
			SystemID:    systemID,
			ComponentID: 1,
			Message:     &common.MessageHeartbeat{Type: common.MAV_TYPE_GROUND_ROVER},
		},
	}
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestLinkConnectReachesStreaming(t *testing.T) {
	conn := newFakeConn()
	conn.feedHeartbeat(7)

	l, err := NewLink(LinkConfig{
		Dial: func() (Conn, error) { return conn, nil },
		Logf: func(string, ...interface{}) {},
	})
	if err != nil {
		t.Fatal(err)
	}
	if l.State() != StateDisconnected {
		t.Fatalf("initial state = %v", l.State())
	}

	if err := l.EnsureStreaming(context.Background()); err != nil {
		t.Fatalf("EnsureStreaming: %v", err)
	}
	if l.State() != StateStreaming {
		t.Errorf("state = %v, want streaming", l.State())
	}
	if l.TargetSystem() != 7 {
		t.Errorf("TargetSystem = %d, want 7", l.TargetSystem())
	}
	if !l.Healthy() {
		t.Error("link not healthy after heartbeat")
	}
}

func TestLinkHeartbeatTimeout(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	dials := 0
	l, err := NewLink(LinkConfig{
		Dial: func() (Conn, error) {
			dials++
			return newFakeConn(), nil // never sends a heartbeat
		},
		HeartbeatTimeout: time.Second,
		RetryLimit:       2,
		RetryDelay:       time.Second,
		Clock:            clock,
		Logf:             func(string, ...interface{}) {},
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- l.EnsureStreaming(context.Background()) }()

	// Drive the mock clock until the bounded retries are exhausted.
	for {
		select {
		case err := <-done:
			if err == nil {
				t.Fatal("expected connect failure with no heartbeat")
			}
			if dials != 2 {
				t.Errorf("dials = %d, want 2 (bounded retry)", dials)
			}
			if l.State() != StateDisconnected {
				t.Errorf("state = %v, want disconnected", l.State())
			}
			return
		case <-time.After(time.Millisecond):
			clock.Advance(time.Second)
		}
	}
}

func TestLinkSendRequiresStreaming(t *testing.T) {
	l, err := NewLink(LinkConfig{
		Dial: func() (Conn, error) { return newFakeConn(), nil },
		Logf: func(string, ...interface{}) {},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.SendHeartbeat(); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("err = %v, want ErrNotStreaming", err)
	}
}

func TestLinkSendFailureDemotes(t *testing.T) {
	conn := newFakeConn()
	conn.feedHeartbeat(1)

	l, err := NewLink(LinkConfig{
		Dial: func() (Conn, error) { return conn, nil },
		Logf: func(string, ...interface{}) {},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.EnsureStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := l.SendHeartbeat(); err != nil {
		t.Fatalf("first send: %v", err)
	}
	conn.mu.Lock()
	conn.writeErr = errors.New("pipe broken")
	conn.mu.Unlock()

	if err := l.SendHeartbeat(); err == nil {
		t.Fatal("expected send failure")
	}
	if l.State() != StateDisconnected {
		t.Errorf("state after send failure = %v, want disconnected", l.State())
	}
	if conn.sentCount() != 1 {
		t.Errorf("sent = %d, want 1", conn.sentCount())
	}
}

func TestLinkReconnectAfterDemotion(t *testing.T) {
	first := newFakeConn()
	first.feedHeartbeat(1)
	second := newFakeConn()
	second.feedHeartbeat(1)
	conns := []*fakeConn{first, second}
	dials := 0

	l, err := NewLink(LinkConfig{
		Dial: func() (Conn, error) {
			c := conns[dials]
			dials++
			return c, nil
		},
		Logf: func(string, ...interface{}) {},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.EnsureStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}

	first.mu.Lock()
	first.writeErr = errors.New("gone")
	first.mu.Unlock()
	l.SendHeartbeat() // demotes

	if err := l.EnsureStreaming(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if l.State() != StateStreaming {
		t.Errorf("state = %v, want streaming", l.State())
	}
	if dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
	if err := l.SendHeartbeat(); err != nil {
		t.Errorf("send on new conn: %v", err)
	}
	if second.sentCount() != 1 {
		t.Errorf("second conn sent = %d, want 1", second.sentCount())
	}
}

func TestLinkCloseIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	conn.feedHeartbeat(1)
	l, _ := NewLink(LinkConfig{
		Dial: func() (Conn, error) { return conn, nil },
		Logf: func(string, ...interface{}) {},
	})
	if err := l.EnsureStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if l.State() != StateDisconnected {
		t.Errorf("state = %v", l.State())
	}
}
