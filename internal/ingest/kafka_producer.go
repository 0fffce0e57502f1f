package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const writeTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes driver location pings and dispatch events. Both
// are keyed so that one driver's pings, or one ride's events, stay ordered
// within a partition.
type KafkaProducer struct {
	locations messageWriter
	events    messageWriter
}

func NewKafkaProducer(brokers []string, locationsTopic, eventsTopic string) *KafkaProducer {
	p := &KafkaProducer{locations: newWriter(brokers, locationsTopic)}
	if eventsTopic != "" {
		p.events = newWriter(brokers, eventsTopic)
	}
	return p
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(u.DriverID), Value: b, Time: u.At}); err != nil {
		return fmt.Errorf("publish location for %s: %w", u.DriverID, err)
	}
	return nil
}

// Publish writes a dispatch event. Without an events topic it is a no-op.
func (k *KafkaProducer) Publish(ctx context.Context, ev models.DispatchEvent) error {
	if k.events == nil {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	msg := kafka.Message{
		Key:     []byte(ev.RideID),
		Value:   b,
		Time:    ev.At,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	}
	if err := k.events.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s for ride %s: %w", ev.Type, ev.RideID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []messageWriter{k.locations, k.events} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
