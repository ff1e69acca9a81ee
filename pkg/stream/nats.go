package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/grainflow/grainflow/pkg/core"
	"github.com/grainflow/grainflow/pkg/eventlog"
)

// NATSConfig configures the NATS-backed publisher.
type NATSConfig struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string

	// Prefix is prepended to all subjects. Default: "grainflow".
	Prefix string

	// Name is an optional NATS connection name.
	Name string
}

// DefaultNATSConfig returns the local-server defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{URL: nats.DefaultURL, Prefix: "grainflow"}
}

// NATSPublisher publishes confirmed events as JSON on subject
// <prefix>.events.<namespace>.<entityID>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher connects to NATS and returns a publisher.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "grainflow"
	}

	nc, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stream: connect %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, namespace, entityID string, ev *eventlog.TransitionEvent) error {
	data, err := core.JSONEncode(ev)
	if err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: p.subject(namespace, entityID),
		Data:    data,
		Header:  nats.Header{},
	}
	if ev.CorrelationID != "" {
		msg.Header.Set("X-Correlation-ID", ev.CorrelationID)
	}
	return p.nc.PublishMsg(msg)
}

// Subscribe delivers decoded events for one stream until the returned
// unsubscribe function is called.
func (p *NATSPublisher) Subscribe(namespace, entityID string, handler func(*eventlog.TransitionEvent)) (func() error, error) {
	sub, err := p.nc.Subscribe(p.subject(namespace, entityID), func(nm *nats.Msg) {
		var ev eventlog.TransitionEvent
		if err := core.JSONDecode(nm.Data, &ev); err != nil {
			return
		}
		handler(&ev)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (p *NATSPublisher) subject(namespace, entityID string) string {
	return p.prefix + ".events." + namespace + "." + entityID
}

func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	// Drain closes asynchronously; give it a bounded moment.
	for i := 0; i < 50 && !p.nc.IsClosed(); i++ {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// Compile-time interface assertion.
var _ Publisher = (*NATSPublisher)(nil)
