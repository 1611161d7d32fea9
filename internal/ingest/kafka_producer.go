package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-tracker/internal/lifecycle"
	"github.com/example/ride-tracker/internal/models"
	"github.com/example/ride-tracker/internal/source"
)

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes ride events (keyed by ride id so a ride stays on
// one partition) and integrity violations for operators.
type KafkaProducer struct {
	events     MessageWriter
	violations MessageWriter // optional
	logger     *slog.Logger
}

func NewKafkaProducer(brokers []string, eventsTopic, violationsTopic string, logger *slog.Logger) *KafkaProducer {
	events := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: eventsTopic, Balancer: &kafka.Hash{}}
	var violations MessageWriter
	if violationsTopic != "" {
		violations = &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: violationsTopic, Balancer: &kafka.LeastBytes{}, Async: true}
	}
	return NewKafkaProducerFromWriters(events, violations, logger)
}

func NewKafkaProducerFromWriters(events, violations MessageWriter, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaProducer{events: events, violations: violations, logger: logger}
}

func (k *KafkaProducer) PublishEvent(ctx context.Context, rideID string, ev models.RideEvent) error {
	b, err := source.EncodeEnvelope(rideID, ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.events.WriteMessages(ctx, kafka.Message{Key: []byte(rideID), Value: b})
}

type violation struct {
	RideID  string       `json:"ride_id"`
	Seq     uint64       `json:"seq"`
	LastSeq uint64       `json:"last_seq"`
	From    models.Phase `json:"from"`
	To      models.Phase `json:"to"`
	At      time.Time    `json:"at"`
}

// ReportViolation implements lifecycle.IntegrityReporter.
func (k *KafkaProducer) ReportViolation(rej *lifecycle.RejectionError) {
	if k.violations == nil {
		return
	}
	b, _ := json.Marshal(violation{RideID: rej.RideID, Seq: rej.Seq, LastSeq: rej.LastSeq, From: rej.From, To: rej.To, At: time.Now().UTC()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := k.violations.WriteMessages(ctx, kafka.Message{Key: []byte(rej.RideID), Value: b}); err != nil {
		k.logger.Warn("publish integrity violation failed", "ride_id", rej.RideID, "error", err)
	}
}

var _ lifecycle.IntegrityReporter = (*KafkaProducer)(nil)

func (k *KafkaProducer) Close() error {
	var err error
	if k.events != nil {
		err = k.events.Close()
	}
	if k.violations != nil {
		if verr := k.violations.Close(); err == nil {
			err = verr
		}
	}
	return err
}
