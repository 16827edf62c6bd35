package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Envelope is the Kafka message body: the event plus the rooms computed by
// the producing process.
type Envelope struct {
	Rooms []string `json:"rooms"`
	Event Event    `json:"event"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaSink publishes envelopes so every api-server instance can relay them
// to its own live connections.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
		WriteTimeout:           2 * time.Second,
	}}
}

// Send writes one message keyed by practitioner so one practitioner's events
// stay ordered within a partition.
func (k *KafkaSink) Send(ctx context.Context, rooms []string, ev Event) error {
	value, err := json.Marshal(Envelope{Rooms: rooms, Event: ev})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	partKey := ev.PractitionerID
	if partKey == "" {
		partKey = ev.EntityID
	}

	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(partKey), Value: value}); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

// Relay consumes envelopes from Kafka and hands them to a local sink,
// normally the websocket hub. Each instance needs its own consumer group so
// every instance sees every event.
type Relay struct {
	reader  messageReader
	target  Sink
	timeout time.Duration
	log     zerolog.Logger
}

func NewRelay(brokers []string, topic, groupID string, target Sink, log zerolog.Logger) *Relay {
	if groupID == "" {
		groupID = "consultation-relay-" + uuid.NewString()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     500 * time.Millisecond,
	})
	return newRelay(reader, target, log)
}

func newRelay(reader messageReader, target Sink, log zerolog.Logger) *Relay {
	return &Relay{
		reader:  reader,
		target:  target,
		timeout: 2 * time.Second,
		log:     log.With().Str("component", "relay").Logger(),
	}
}

// Run blocks until ctx is cancelled. Bad messages and delivery errors are
// logged and skipped.
func (r *Relay) Run(ctx context.Context) error {
	defer func() {
		if err := r.reader.Close(); err != nil {
			r.log.Error().Err(err).Msg("close kafka reader")
		}
	}()

	for {
		msg, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("kafka read: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			r.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("skipping malformed envelope")
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err = r.target.Send(sendCtx, env.Rooms, env.Event)
		cancel()
		if err != nil {
			r.log.Error().Err(err).Str("event_id", env.Event.ID.String()).Msg("relay delivery failed")
		}
	}
}
