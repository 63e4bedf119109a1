package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/frame"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/terranav/fieldrover/internal/mavlink"
	"github.com/terranav/fieldrover/internal/proximity"
)

type fakeConn struct {
	mu     sync.Mutex
	events chan gomavlib.Event
	sent   []message.Message
}

func newFakeConn() *fakeConn {
	c := &fakeConn{events: make(chan gomavlib.Event, 4)}
	c.events <- &gomavlib.EventFrame{
		Frame: &frame.V2Frame{
			SystemID:    1,
			ComponentID: 1,
			Message:     &common.MessageHeartbeat{},
		},
	}
	return c
}

func (c *fakeConn) Events() <-chan gomavlib.Event { return c.events }

func (c *fakeConn) WriteMessageAll(m message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, m)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) messages() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]message.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

type fixedSource struct {
	fused proximity.FusedProximity
	ok    bool
}

func (s fixedSource) Latest() (proximity.FusedProximity, bool) { return s.fused, s.ok }

func newStreamingLink(t *testing.T) (*mavlink.Link, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	link, err := mavlink.NewLink(mavlink.LinkConfig{
		Dial: func() (mavlink.Conn, error) { return conn, nil },
		Logf: func(string, ...interface{}) {},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := link.EnsureStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}
	return link, conn
}

func TestPublishTickSendsAllSectors(t *testing.T) {
	link, conn := newStreamingLink(t)

	fused := proximity.FusedProximity{Sectors: proximity.Unknown(), GeneratedAt: time.Now(), LidarOK: true}
	fused.Sectors[proximity.SectorFront] = 150
	fused.Sectors[proximity.SectorRear] = 90

	var tracker proximity.StatusTracker
	p, err := New(Config{
		Link:    link,
		Source:  fixedSource{fused: fused, ok: true},
		Tracker: &tracker,
		Logf:    func(string, ...interface{}) {},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := p.publishTick(context.Background()); err != nil {
		t.Fatalf("publishTick: %v", err)
	}

	msgs := conn.messages()
	if len(msgs) != proximity.NumSectors {
		t.Fatalf("sent %d messages, want %d", len(msgs), proximity.NumSectors)
	}
	for i, m := range msgs {
		ds, ok := m.(*common.MessageDistanceSensor)
		if !ok {
			t.Fatalf("message %d is %T", i, m)
		}
		if int(ds.Id) != i {
			t.Errorf("message %d has id %d", i, ds.Id)
		}
		if ds.Orientation != sectorOrientations[i] {
			t.Errorf("sector %d orientation = %v, want %v", i, ds.Orientation, sectorOrientations[i])
		}
		if ds.MinDistance != proximity.MinDistanceCM || ds.MaxDistance != proximity.MaxDistanceCM {
			t.Errorf("sector %d bounds = %d..%d", i, ds.MinDistance, ds.MaxDistance)
		}
	}

	front := msgs[proximity.SectorFront].(*common.MessageDistanceSensor)
	if front.CurrentDistance != 150 {
		t.Errorf("front distance = %d, want 150", front.CurrentDistance)
	}
	rear := msgs[proximity.SectorRear].(*common.MessageDistanceSensor)
	if rear.CurrentDistance != 90 {
		t.Errorf("rear distance = %d, want 90", rear.CurrentDistance)
	}

	if p.Sent() != proximity.NumSectors {
		t.Errorf("Sent = %d", p.Sent())
	}
}

func TestPublishTickSkipsWithoutGeneration(t *testing.T) {
	link, conn := newStreamingLink(t)

	p, err := New(Config{
		Link:   link,
		Source: fixedSource{ok: false},
		Logf:   func(string, ...interface{}) {},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.publishTick(context.Background()); err != nil {
		t.Fatalf("publishTick: %v", err)
	}
	if len(conn.messages()) != 0 {
		t.Errorf("sent %d messages with no fused generation", len(conn.messages()))
	}
}

func TestRunPublishesOnTicks(t *testing.T) {
	link, conn := newStreamingLink(t)

	fused := proximity.FusedProximity{Sectors: proximity.Unknown(), GeneratedAt: time.Now(), LidarOK: true}
	p, err := New(Config{
		Link:   link,
		Source: fixedSource{fused: fused, ok: true},
		Rate:   time.Millisecond,
		Logf:   func(string, ...interface{}) {},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for p.Sent() < 2*proximity.NumSectors {
		select {
		case <-deadline:
			t.Fatal("publisher did not stream on ticks")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	if len(conn.messages()) < 2*proximity.NumSectors {
		t.Errorf("messages = %d", len(conn.messages()))
	}
}
