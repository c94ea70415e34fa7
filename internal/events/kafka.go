// Package events relays committed chat events to Kafka for other services.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/npezzotti/chatcore/internal/chat"
	"github.com/npezzotti/chatcore/internal/config"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const eventTypeHeader = "event-type"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes every event keyed by room id, so a room's events stay
// ordered within one partition.
type KafkaSink struct {
	w   messageWriter
	log *zap.Logger
}

func NewKafkaSink(cfg config.KafkaConfig, logger *zap.Logger) *KafkaSink {
	logger = logger.With(zap.String("topic", cfg.Topic))
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		WriteTimeout:           5 * time.Second,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
		// requests must not wait on the brokers
		Async: true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Error("kafka write failed", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}

	return newKafkaSink(w, logger)
}

func newKafkaSink(w messageWriter, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{w: w, log: logger}
}

func (k *KafkaSink) Publish(ctx context.Context, ev chat.Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		k.log.Error("encode event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}

	msg := kafka.Message{
		Key:   []byte(ev.RoomId),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: eventTypeHeader, Value: []byte(ev.Type)},
		},
	}

	// the request context is cancelled once the response is written
	if err := k.w.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		k.log.Error("kafka publish", zap.String("type", string(ev.Type)), zap.String("room_id", ev.RoomId), zap.Error(err))
	}
}

func (k *KafkaSink) Close() error {
	return k.w.Close()
}
