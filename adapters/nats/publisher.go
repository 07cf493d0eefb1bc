// Package nats publishes session events to a NATS bus
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gonats "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/voiceagent/domain/entities"
	"github.com/satriahrh/arunika/voiceagent/internal/config"
)

// Publisher implements repositories.EventSink by publishing each event as JSON on
// <prefix>.<event type>
type Publisher struct {
	conn   *gonats.Conn
	prefix string
	logger *zap.Logger
}

// Connect dials the configured NATS servers
func Connect(ctx context.Context, cfg config.BusConfig, logger *zap.Logger) (*Publisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "nats"))

	options := []gonats.Option{
		gonats.Name("voice-agent"),
		gonats.Timeout(time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond),
		gonats.DisconnectErrHandler(func(_ *gonats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
		gonats.ReconnectHandler(func(conn *gonats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", conn.ConnectedUrl()))
		}),
	}
	if cfg.Token != "" {
		options = append(options, gonats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := gonats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("Connected to NATS", zap.String("servers", url), zap.String("subjectPrefix", cfg.SubjectPrefix))
	return NewPublisher(conn, cfg.SubjectPrefix, logger), nil
}

// NewPublisher publishes on an existing connection
func NewPublisher(conn *gonats.Conn, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger,
	}
}

// Subject returns the subject events of the given type are published on
func (p *Publisher) Subject(eventType entities.EventType) string {
	return p.prefix + "." + string(eventType)
}

// Publish implements repositories.EventSink. The client buffers outgoing messages, so this
// never waits on the network.
func (p *Publisher) Publish(event entities.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal event", zap.String("type", string(event.Type)), zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.Subject(event.Type), payload); err != nil {
		p.logger.Warn("Failed to publish event", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

// Healthy reports whether the connection is up
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == gonats.CONNECTED
}

// Close flushes pending events and closes the connection
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.logger.Info("Closing NATS connection")
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("Failed to drain NATS connection", zap.Error(err))
		p.conn.Close()
	}
}
