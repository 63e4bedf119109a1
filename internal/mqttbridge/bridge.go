// Package mqttbridge publishes rover status snapshots to an MQTT broker
// so a base station can watch the rover without a MAVLink ground link.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/terranav/fieldrover/internal/monitoring"
	"github.com/terranav/fieldrover/internal/proximity"
)

// Publisher is the broker connection surface the bridge needs. Satisfied
// by *autopaho.ConnectionManager.
type Publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Config for the bridge.
type Config struct {
	// BrokerURL is the MQTT endpoint, e.g. "tcp://basestation:1883".
	BrokerURL string

	// Topic for status payloads.
	Topic string

	// ClientID on the broker. Defaults to "fieldrover".
	ClientID string

	// KeepAlive in seconds. Defaults to 30.
	KeepAlive uint16

	Logf func(string, ...interface{})
}

// Bridge serializes Status snapshots onto the broker.
type Bridge struct {
	cfg  Config
	conn Publisher
}

// New connects to the broker and returns a ready Bridge. The underlying
// connection manager reconnects on its own after broker drops.
func New(ctx context.Context, cfg Config) (*Bridge, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqttbridge: broker url is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqttbridge: topic is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "fieldrover"
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30
	}
	if cfg.Logf == nil {
		cfg.Logf = monitoring.Logf
	}

	u, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("mqttbridge: bad broker url: %w", err)
	}

	cm, err := autopaho.NewConnection(ctx, autopaho.ClientConfig{
		ServerUrls: []*url.URL{u},
		KeepAlive:  cfg.KeepAlive,
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			cfg.Logf("mqttbridge: connected to %s", cfg.BrokerURL)
		},
		OnConnectError: func(err error) {
			cfg.Logf("mqttbridge: connect error: %v", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mqttbridge: connection setup failed: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(waitCtx); err != nil {
		return nil, fmt.Errorf("mqttbridge: broker unreachable: %w", err)
	}

	return &Bridge{cfg: cfg, conn: cm}, nil
}

// NewWithPublisher wires a Bridge onto an existing connection. Used by
// tests and by callers that manage the broker connection themselves.
func NewWithPublisher(cfg Config, p Publisher) *Bridge {
	if cfg.Topic == "" {
		cfg.Topic = "fieldrover/status"
	}
	if cfg.Logf == nil {
		cfg.Logf = monitoring.Logf
	}
	return &Bridge{cfg: cfg, conn: p}
}

// PublishStatus sends one status snapshot as JSON at QoS 0. Losing a
// snapshot is fine, the next tick supersedes it.
func (b *Bridge) PublishStatus(ctx context.Context, s proximity.Status) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = b.conn.Publish(ctx, &paho.Publish{
		Topic:   b.cfg.Topic,
		QoS:     0,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("mqttbridge: publish failed: %w", err)
	}
	return nil
}
