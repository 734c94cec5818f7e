package lifecycle

import (
	"context"
	"fmt"

	"github.com/adred-codev/realtime-relay/internal/shared/types"
	"github.com/rs/zerolog"
)

// Sink receives session lifecycle records
type Sink interface {
	Publish(ctx context.Context, r Record) error
	Close() error
}

// Config selects and configures a Sink
type Config struct {
	Kind        types.SinkKind
	NATSURL     string
	NATSSubject string
	Brokers     []string
	KafkaTopic  string
}

// NewSink builds the sink named by cfg.Kind
func NewSink(cfg Config, logger zerolog.Logger) (Sink, error) {
	switch cfg.Kind {
	case types.SinkNone, "":
		return NopSink{}, nil
	case types.SinkNATS:
		return NewNATSSink(NATSConfig{URL: cfg.NATSURL, Subject: cfg.NATSSubject}, logger)
	case types.SinkKafka:
		return NewKafkaSink(KafkaConfig{Brokers: cfg.Brokers, Topic: cfg.KafkaTopic}, logger)
	default:
		return nil, fmt.Errorf("unknown lifecycle sink %q", cfg.Kind)
	}
}

// NopSink discards every record
type NopSink struct{}

func (NopSink) Publish(context.Context, Record) error { return nil }
func (NopSink) Close() error                          { return nil }
