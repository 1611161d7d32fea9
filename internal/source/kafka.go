package source

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the subset of *kafka.Reader the source needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConfig configures the ride event reader. Each process needs its own
// GroupID: trackers live in one process only, so replicas sharing a group
// would each miss the rides on partitions assigned elsewhere.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Kafka consumes the ride events topic once per process and fans messages
// out to the trackers subscribed to each ride id.
type Kafka struct {
	reader MessageReader
	logger *slog.Logger
	f      *fanout

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	// MaxBackoff caps the delay between failed reads.
	MaxBackoff time.Duration
}

func NewKafka(cfg KafkaConfig, logger *slog.Logger) *Kafka {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  250 * time.Millisecond,

		// a new per-instance group only cares about rides from now on
		StartOffset: kafka.LastOffset,
	})
	return NewKafkaFromReader(r, logger)
}

func NewKafkaFromReader(r MessageReader, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{reader: r, logger: logger, f: newFanout(), done: make(chan struct{}), MaxBackoff: 30 * time.Second}
}

// Start launches the consume loop. Subscribe calls it lazily.
func (k *Kafka) Start(ctx context.Context) {
	k.startOnce.Do(func() {
		ctx, k.cancel = context.WithCancel(ctx)
		go k.consume(ctx)
	})
}

func (k *Kafka) Subscribe(ctx context.Context, rideID string, h Handler) (func(), error) {
	k.Start(context.Background())
	id, _ := k.f.add(rideID, h)
	unsub := onceFunc(func() { k.f.remove(rideID, id) })
	go func() {
		select {
		case <-ctx.Done():
			unsub()
		case <-k.done:
		}
	}()
	return unsub, nil
}

func (k *Kafka) consume(ctx context.Context) {
	defer close(k.done)
	backoff := k.initialBackoff()
	healthy := true

	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if healthy {
				healthy = false
				k.f.disconnect(err)
			}
			k.logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > k.MaxBackoff {
				backoff = k.MaxBackoff
			}
			continue
		}
		backoff = k.initialBackoff()
		if !healthy {
			healthy = true
			k.f.reconnect()
		}

		rideID, ev, err := DecodeEnvelope(m.Value)
		if err != nil {
			k.logger.Warn("invalid ride event message", "error", err, "offset", m.Offset, "partition", m.Partition)
			continue
		}
		k.f.deliver(rideID, ev)
	}
}

func (k *Kafka) initialBackoff() time.Duration {
	return min(time.Second, k.MaxBackoff)
}

// Close stops the consumer and closes the reader.
func (k *Kafka) Close() error {
	if k.cancel != nil {
		k.cancel()
		<-k.done
	}
	return k.reader.Close()
}
