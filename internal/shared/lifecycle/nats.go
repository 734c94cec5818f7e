package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/adred-codev/realtime-relay/internal/shared/monitoring"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig configures the NATS lifecycle sink
type NATSConfig struct {
	URL           string
	Subject       string
	MaxReconnects int           // default 10, -1 for unlimited
	ReconnectWait time.Duration // default 2s
}

// NATSSink publishes lifecycle records on a NATS subject
type NATSSink struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSSink connects to NATS and returns a sink publishing on cfg.Subject
func NewNATSSink(cfg NATSConfig, logger zerolog.Logger) (*NATSSink, error) {
	if cfg.Subject == "" {
		return nil, fmt.Errorf("nats subject is required")
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	s := &NATSSink{
		subject: cfg.Subject,
		logger:  logger.With().Str("component", "nats_sink").Logger(),
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("realtime-relay"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			s.logger.Error().Err(err).Msg("NATS error")
			monitoring.RecordError(monitoring.ErrorTypeLifecycle, monitoring.ErrorSeverityWarning)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s.conn = conn

	s.logger.Info().
		Str("url", conn.ConnectedUrl()).
		Str("subject", cfg.Subject).
		Msg("Connected to NATS")

	return s, nil
}

// Publish sends one record. NATS buffers internally so ctx is only checked up front.
func (s *NATSSink) Publish(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := r.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle record: %w", err)
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.subject, err)
	}
	return nil
}

// Close flushes buffered publishes and closes the connection
func (s *NATSSink) Close() error {
	if s.conn == nil || s.conn.IsClosed() {
		return nil
	}
	if err := s.conn.FlushTimeout(5 * time.Second); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to flush NATS publishes")
	}
	return s.conn.Drain()
}
