// Package mavlink maintains the long-lived autopilot link and the message
// plumbing shared by the telemetry publisher and the navigation controller.
package mavlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/terranav/fieldrover/internal/monitoring"
	"github.com/terranav/fieldrover/internal/timeutil"
)

// State is the link's position in its connection state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHeartbeatWait
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHeartbeatWait:
		return "heartbeat-wait"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// ErrNotStreaming is returned by Send when the link is not up.
var ErrNotStreaming = errors.New("mavlink link not streaming")

// Conn is the transport surface the Link needs. The gomavlib node satisfies
// it; tests substitute a scripted connection.
type Conn interface {
	// Events delivers inbound frames and channel lifecycle events.
	Events() <-chan gomavlib.Event

	// WriteMessageAll sends a message on every open channel.
	WriteMessageAll(m message.Message) error

	// Close shuts the transport down and closes the event channel.
	Close() error
}

// Dialer opens a transport connection to the autopilot.
type Dialer func() (Conn, error)

type nodeConn struct {
	node *gomavlib.Node
}

func (c *nodeConn) Events() <-chan gomavlib.Event           { return c.node.Events() }
func (c *nodeConn) WriteMessageAll(m message.Message) error { return c.node.WriteMessageAll(m) }
func (c *nodeConn) Close() error                            { c.node.Close(); return nil }

// DialSerial returns a Dialer over the autopilot's serial port.
func DialSerial(device string, baud int, systemID byte) Dialer {
	return dial(gomavlib.EndpointSerial{Device: device, Baud: baud}, systemID)
}

// DialUDP returns a Dialer over a UDP endpoint ("host:port").
func DialUDP(address string, systemID byte) Dialer {
	return dial(gomavlib.EndpointUDPClient{Address: address}, systemID)
}

func dial(endpoint gomavlib.EndpointConf, systemID byte) Dialer {
	return func() (Conn, error) {
		node, err := gomavlib.NewNode(gomavlib.NodeConf{
			Endpoints:   []gomavlib.EndpointConf{endpoint},
			Dialect:     common.Dialect,
			OutVersion:  gomavlib.V2,
			OutSystemID: systemID,
		})
		if err != nil {
			return nil, err
		}
		return &nodeConn{node: node}, nil
	}
}

// LinkConfig configures a Link.
type LinkConfig struct {
	// Dial opens the transport. Required.
	Dial Dialer

	// HeartbeatTimeout bounds both the wait for the initial heartbeat and
	// how old the last heartbeat may be before the link counts as lost.
	// Default 10s.
	HeartbeatTimeout time.Duration

	// RetryLimit bounds connection attempts per Connect call. Default 5.
	RetryLimit int

	// RetryDelay is slept between attempts. Default 2s.
	RetryDelay time.Duration

	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock

	// Logf defaults to monitoring.Logf.
	Logf func(format string, v ...interface{})
}

func (c *LinkConfig) applyDefaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	if c.Logf == nil {
		c.Logf = monitoring.Logf
	}
}

// Link drives the autopilot connection through
// Disconnected -> Connecting -> HeartbeatWait -> Streaming. Any send failure
// or heartbeat loss demotes it to Disconnected; the next EnsureStreaming call
// runs the bounded reconnect sequence. Safe for concurrent use.
type Link struct {
	cfg LinkConfig

	mu            sync.Mutex
	state         State
	conn          Conn
	lastHeartbeat time.Time
	targetSystem  byte
}

// NewLink validates cfg and builds a Link in the Disconnected state.
func NewLink(cfg LinkConfig) (*Link, error) {
	if cfg.Dial == nil {
		return nil, errors.New("mavlink: Dial is required")
	}
	cfg.applyDefaults()
	return &Link{cfg: cfg}, nil
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// TargetSystem returns the system id of the autopilot whose heartbeat was
// last seen, or 0 before the first heartbeat.
func (l *Link) TargetSystem() byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.targetSystem
}

// Healthy reports whether the link is streaming and the autopilot's
// heartbeat is fresh.
func (l *Link) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateStreaming &&
		!l.lastHeartbeat.IsZero() &&
		l.cfg.Clock.Since(l.lastHeartbeat) <= l.cfg.HeartbeatTimeout
}

// EnsureStreaming returns immediately when the link is healthy; otherwise it
// tears the connection down and runs the bounded reconnect sequence.
func (l *Link) EnsureStreaming(ctx context.Context) error {
	if l.Healthy() {
		return nil
	}
	l.teardown()
	return l.connect(ctx)
}

// connect attempts dial-then-heartbeat up to RetryLimit times.
func (l *Link) connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.RetryLimit; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := l.attempt(ctx); err != nil {
			lastErr = err
			l.cfg.Logf("mavlink: connect attempt %d/%d failed: %v", attempt, l.cfg.RetryLimit, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.cfg.Clock.After(l.cfg.RetryDelay):
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("mavlink: connect failed after %d attempts: %w", l.cfg.RetryLimit, lastErr)
}

func (l *Link) attempt(ctx context.Context) error {
	l.setState(StateConnecting)
	conn, err := l.cfg.Dial()
	if err != nil {
		l.setState(StateDisconnected)
		return err
	}

	l.setState(StateHeartbeatWait)
	deadline := l.cfg.Clock.After(l.cfg.HeartbeatTimeout)
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			l.setState(StateDisconnected)
			return ctx.Err()
		case <-deadline:
			conn.Close()
			l.setState(StateDisconnected)
			return fmt.Errorf("no heartbeat within %v", l.cfg.HeartbeatTimeout)
		case ev, ok := <-conn.Events():
			if !ok {
				l.setState(StateDisconnected)
				return errors.New("transport closed while waiting for heartbeat")
			}
			frame, ok := ev.(*gomavlib.EventFrame)
			if !ok {
				continue
			}
			if _, ok := frame.Message().(*common.MessageHeartbeat); !ok {
				continue
			}

			l.mu.Lock()
			l.conn = conn
			l.state = StateStreaming
			l.targetSystem = frame.SystemID()
			l.lastHeartbeat = l.cfg.Clock.Now()
			l.mu.Unlock()
			go l.watch(conn)
			l.cfg.Logf("mavlink: streaming (autopilot system %d)", frame.SystemID())
			return nil
		}
	}
}

// watch tracks inbound heartbeats for link liveness until the transport's
// event channel closes.
func (l *Link) watch(conn Conn) {
	for ev := range conn.Events() {
		frame, ok := ev.(*gomavlib.EventFrame)
		if !ok {
			continue
		}
		if _, ok := frame.Message().(*common.MessageHeartbeat); !ok {
			continue
		}
		l.mu.Lock()
		if l.conn == conn {
			l.lastHeartbeat = l.cfg.Clock.Now()
		}
		l.mu.Unlock()
	}
}

// Send writes a message on the streaming link. A write failure demotes the
// link to Disconnected so the caller's next EnsureStreaming reconnects.
func (l *Link) Send(m message.Message) error {
	l.mu.Lock()
	conn := l.conn
	state := l.state
	l.mu.Unlock()

	if state != StateStreaming || conn == nil {
		return ErrNotStreaming
	}
	if err := conn.WriteMessageAll(m); err != nil {
		l.cfg.Logf("mavlink: send failed: %v", err)
		l.teardown()
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// SendHeartbeat emits this process's own heartbeat so the autopilot keeps
// the companion link alive.
func (l *Link) SendHeartbeat() error {
	return l.Send(&common.MessageHeartbeat{
		Type:           common.MAV_TYPE_ONBOARD_CONTROLLER,
		Autopilot:      common.MAV_AUTOPILOT_INVALID,
		SystemStatus:   common.MAV_STATE_ACTIVE,
		MavlinkVersion: 3,
	})
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Link) teardown() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.state = StateDisconnected
	l.lastHeartbeat = time.Time{}
	l.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close tears the link down.
func (l *Link) Close() error {
	l.teardown()
	return nil
}
