package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/realtime-relay/internal/shared/monitoring"
	"github.com/rs/zerolog"
)

// Publisher hands lifecycle records to a Sink from a fixed pool of workers.
//
// Emit never blocks the caller: session teardown runs on hot paths, so when the
// queue is full the record is dropped and counted instead.
type Publisher struct {
	sink    Sink
	queue   chan Record
	timeout time.Duration
	logger  zerolog.Logger

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	published int64
	dropped   int64
	failed    int64
}

// PublisherConfig configures the worker pool in front of a Sink
type PublisherConfig struct {
	Workers        int           // default 2
	QueueSize      int           // default 1024
	PublishTimeout time.Duration // default 5s
}

// NewPublisher creates a publisher and starts its workers
func NewPublisher(sink Sink, cfg PublisherConfig, logger zerolog.Logger) *Publisher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	p := &Publisher{
		sink:    sink,
		queue:   make(chan Record, cfg.QueueSize),
		timeout: cfg.PublishTimeout,
		logger:  logger.With().Str("component", "lifecycle_publisher").Logger(),
		done:    make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Emit enqueues a record for publishing
func (p *Publisher) Emit(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	select {
	case <-p.done:
		atomic.AddInt64(&p.dropped, 1)
		return
	default:
	}

	select {
	case p.queue <- r:
	default:
		atomic.AddInt64(&p.dropped, 1)
	}
}

func (p *Publisher) worker() {
	defer p.wg.Done()
	defer monitoring.RecoverPanic(p.logger, "lifecycleWorker", nil)

	for {
		select {
		case r := <-p.queue:
			p.publish(r)
		case <-p.done:
			// Drain what was queued before Stop
			for {
				select {
				case r := <-p.queue:
					p.publish(r)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publish(r Record) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.sink.Publish(ctx, r); err != nil {
		atomic.AddInt64(&p.failed, 1)
		monitoring.RecordError(monitoring.ErrorTypeLifecycle, monitoring.ErrorSeverityWarning)
		p.logger.Warn().
			Err(err).
			Str("session_id", r.SessionID).
			Str("stage", string(r.Stage)).
			Msg("Failed to publish lifecycle record")
		return
	}
	atomic.AddInt64(&p.published, 1)
}

// Stop drains queued records, waits for the workers and closes the sink.
// Safe to call more than once.
func (p *Publisher) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		err = p.sink.Close()

		p.logger.Info().
			Int64("published", atomic.LoadInt64(&p.published)).
			Int64("dropped", atomic.LoadInt64(&p.dropped)).
			Int64("failed", atomic.LoadInt64(&p.failed)).
			Msg("Lifecycle publisher stopped")
	})
	return err
}

// Published returns how many records the sink accepted
func (p *Publisher) Published() int64 { return atomic.LoadInt64(&p.published) }

// Dropped returns how many records were discarded because the queue was full or stopped
func (p *Publisher) Dropped() int64 { return atomic.LoadInt64(&p.dropped) }

// Failed returns how many records the sink rejected
func (p *Publisher) Failed() int64 { return atomic.LoadInt64(&p.failed) }
