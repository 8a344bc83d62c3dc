package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL            string
	Name           string
	SubjectPrefix  string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NATSPublisher publishes events as JSON on <prefix>.<type>.
type NATSPublisher struct {
	conn      *nats.Conn
	prefix    string
	connected atomic.Bool
	logger    *slog.Logger
}

// NewNATSPublisher connects to the NATS server in cfg.
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if cfg.Name == "" {
		cfg.Name = "ltts"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "ltts"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	p := &NATSPublisher{
		prefix: cfg.SubjectPrefix,
		logger: logger.With("component", "events"),
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.connected.Store(false)
			p.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.connected.Store(true)
			p.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	p.conn = conn
	p.connected.Store(true)
	return p, nil
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(typ string) string {
	return p.prefix + "." + typ
}

// Publish encodes ev and hands it to the connection. While disconnected the
// client buffers up to its reconnect buffer size.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", ev.Type, err)
	}
	if err := p.conn.Publish(p.Subject(ev.Type), payload); err != nil {
		return fmt.Errorf("publishing %s: %w", ev.Type, err)
	}
	return nil
}

// Connected reports whether the connection is currently up.
func (p *NATSPublisher) Connected() bool {
	return p.connected.Load()
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
