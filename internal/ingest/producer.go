package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// Producer streams driver presence and ride transitions to kafka. Writes are
// async: a slow broker never holds up dispatch, failures are only logged.
type Producer struct {
	locations *kafka.Writer
	rides     *kafka.Writer
	logger    *slog.Logger
}

func NewProducer(brokers []string, locationTopic, rideTopic string, logger *slog.Logger) *Producer {
	p := &Producer{logger: logger}
	p.locations = p.newWriter(brokers, locationTopic)
	p.rides = p.newWriter(brokers, rideTopic)
	return p
}

// keyed by entity id so each driver's and each ride's messages stay ordered
func (p *Producer) newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				p.logger.Warn("kafka write failed", "topic", topic, "messages", len(msgs), "error", err)
			}
		},
	}
}

func (p *Producer) PublishLocation(ctx context.Context, d models.DriverPresence) error {
	msg, err := locationMessage(d)
	if err != nil {
		return err
	}
	return p.locations.WriteMessages(ctx, msg)
}

func (p *Producer) PublishRideEvent(ctx context.Context, ev models.RideEvent) error {
	msg, err := rideMessage(ev)
	if err != nil {
		return err
	}
	return p.rides.WriteMessages(ctx, msg)
}

func (p *Producer) Close() error {
	return errors.Join(p.locations.Close(), p.rides.Close())
}

func locationMessage(d models.DriverPresence) (kafka.Message, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(d.DriverID), Value: b, Time: d.LastSeenAt}, nil
}

func rideMessage(ev models.RideEvent) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(ev.RideID),
		Value:   b,
		Time:    ev.At,
		Headers: []kafka.Header{{Key: "status", Value: []byte(ev.To)}},
	}, nil
}

// DecodeLocation parses a driver-locations message value.
func DecodeLocation(value []byte) (models.DriverPresence, error) {
	var d models.DriverPresence
	if err := json.Unmarshal(value, &d); err != nil {
		return d, err
	}
	if d.DriverID == "" {
		return d, errors.New("location message without driverId")
	}
	return d, nil
}
