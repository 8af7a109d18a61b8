package notify

import (
	"context"
	"time"

	"relay/internal/errors"
	"relay/internal/schema"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
)

const defaultWriteTimeout = 5 * time.Second

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes outcomes as JSON keyed by user id, so one user's events
// stay ordered within a partition.
type Kafka struct {
	w       messageWriter
	timeout time.Duration
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka publisher needs brokers and topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafka(w, cfg.WriteTimeout), nil
}

func newKafka(w messageWriter, timeout time.Duration) *Kafka {
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &Kafka{w: w, timeout: timeout}
}

func (k *Kafka) Publish(ctx context.Context, outcome schema.OrderOutcome) error {
	value, err := sonic.Marshal(outcome)
	if err != nil {
		return errors.Wrap(err, "marshal outcome")
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	err = k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(outcome.UserID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(outcome.Status)},
			{Key: "signal", Value: []byte(outcome.SignalID)},
		},
	})
	if err != nil {
		return errors.Wrapf(err, "publish outcome %s/%s", outcome.UserID, outcome.OrderID)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.w.Close()
}
