package notification

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
)

// Subject returns the NATS subject events of kind are published on.
func Subject(prefix string, kind model.EventKind) string {
	return prefix + "." + string(kind)
}

// NATSPublisher publishes events to NATS, one subject per event kind.
type NATSPublisher struct {
	nc       *nats.Conn
	prefix   string
	encoding string
	logger   *zap.Logger
}

func natsOptions(name string, logger *zap.Logger) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
}

// NewNATSPublisher connects to the configured server.
func NewNATSPublisher(cfg config.NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	logger = logger.Named("nats")
	nc, err := nats.Connect(cfg.URL, natsOptions("ns-sentry", logger)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("Connected to NATS server", zap.String("url", cfg.URL), zap.String("subject_prefix", cfg.SubjectPrefix))
	return &NATSPublisher{nc: nc, prefix: cfg.SubjectPrefix, encoding: cfg.Encoding, logger: logger}, nil
}

// Publish serializes the event and publishes it on <prefix>.<kind>.
func (p *NATSPublisher) Publish(event model.Event) error {
	data, err := EncodeEvent(event, p.encoding)
	if err != nil {
		return err
	}
	return p.nc.Publish(Subject(p.prefix, event.Kind), data)
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.logger.Warn("Failed to drain NATS connection", zap.Error(err))
		}
		p.logger.Info("NATS connection drained and closed.")
	}
}

// EventHandler processes a received event.
type EventHandler func(subject string, event DecodedEvent)

// NATSSubscriber receives the events published by NATSPublisher.
type NATSSubscriber struct {
	nc       *nats.Conn
	sub      *nats.Subscription
	prefix   string
	encoding string
	logger   *zap.Logger
}

// NewNATSSubscriber connects to the configured server.
func NewNATSSubscriber(cfg config.NATSConfig, logger *zap.Logger) (*NATSSubscriber, error) {
	logger = logger.Named("nats")
	nc, err := nats.Connect(cfg.URL, natsOptions("ns-sentry-tail", logger)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSSubscriber{nc: nc, prefix: cfg.SubjectPrefix, encoding: cfg.Encoding, logger: logger}, nil
}

// Start subscribes to every event subject under the prefix.
func (s *NATSSubscriber) Start(handler EventHandler) error {
	sub, err := s.nc.Subscribe(s.prefix+".>", func(msg *nats.Msg) {
		event, err := DecodeEvent(msg.Data, s.encoding)
		if err != nil {
			s.logger.Warn("Dropping undecodable message", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		handler(msg.Subject, event)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("Subscribed to events", zap.String("subject", s.prefix+".>"))
	return nil
}

// Stop unsubscribes and closes the connection.
func (s *NATSSubscriber) Stop() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	s.nc.Close()
}
