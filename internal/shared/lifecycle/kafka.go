package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configures the Kafka (Redpanda) lifecycle sink
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Linger  time.Duration // 0 sends each record as soon as it is produced
}

// KafkaSink produces lifecycle records to a Kafka topic keyed by session ID
type KafkaSink struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger
}

// NewKafkaSink creates a franz-go producer client
func NewKafkaSink(cfg KafkaConfig, logger zerolog.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RecordRetries(3),
		kgo.ProduceRequestTimeout(10 * time.Second),
	}
	if cfg.Linger > 0 {
		opts = append(opts, kgo.ProducerLinger(cfg.Linger))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	s := &KafkaSink{
		client: client,
		topic:  cfg.Topic,
		logger: logger.With().Str("component", "kafka_sink").Logger(),
	}

	s.logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Msg("Kafka lifecycle sink created")

	return s, nil
}

// Publish produces one record and waits for the broker ack or ctx expiry.
// The Publisher bounds ctx, so a failed produce surfaces as an error.
func (s *KafkaSink) Publish(ctx context.Context, r Record) error {
	data, err := r.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle record: %w", err)
	}

	rec := &kgo.Record{Key: []byte(r.SessionID), Value: data}
	if err := s.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes outstanding records and closes the client
func (s *KafkaSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.client.Flush(ctx)
	s.client.Close()
	if err != nil {
		return fmt.Errorf("failed to flush kafka producer: %w", err)
	}
	return nil
}
