package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON records to a Kafka topic. The record key
// is the event resource so transitions for one resource stay ordered.
type KafkaSink struct {
	w       messageWriter
	timeout time.Duration
}

// NewKafkaSink creates a synchronous writer for brokers (comma separated).
func NewKafkaSink(brokers, topic string, timeout time.Duration) (*KafkaSink, error) {
	brokers = strings.TrimSpace(brokers)
	if brokers == "" || strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka sink requires brokers and topic")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		WriteTimeout: timeout,
	}
	return &KafkaSink{w: w, timeout: timeout}, nil
}

func (k *KafkaSink) Publish(ctx context.Context, ev *Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := ev.Resource
	if key == "" {
		key = ev.Type
	}
	writeCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.w.WriteMessages(writeCtx, kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(ev.Type)}},
		Time:    ev.Timestamp,
	})
}

func (k *KafkaSink) Close() error {
	return k.w.Close()
}
