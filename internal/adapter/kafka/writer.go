package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/config"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

// Writer publishes hotspot transitions, exhausted alert tasks and lost alert
// triggers. Each message names its own topic so one producer serves all three.
// It implements pipeline.TransitionPublisher, pipeline.LostTriggerSink and
// dispatch.ExhaustedSink.
type Writer struct {
	writer           *kafkago.Writer
	transitionsTopic string
	alertsTopic      string
	logger           *slog.Logger
}

// NewWriter creates a Kafka producer for the configured output topics.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{
		writer:           w,
		transitionsTopic: cfg.KafkaTransitionsTopic,
		alertsTopic:      cfg.KafkaAlertsTopic,
		logger:           logger,
	}
}

// PublishTransitions writes the transitions in a single WriteMessages call.
// Messages are keyed by hotspot ID so one hotspot's history stays on one
// partition in order.
func (w *Writer) PublishTransitions(ctx context.Context, ts []domain.Transition) error {
	if len(ts) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(ts))
	for i := range ts {
		msg, err := transitionMessage(w.transitionsTopic, ts[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

// PublishExhausted announces an alert task that ran out of retries.
func (w *Writer) PublishExhausted(ctx context.Context, task domain.AlertTask) error {
	if w.alertsTopic == "" {
		return nil
	}
	msg, err := exhaustedMessage(w.alertsTopic, task)
	if err != nil {
		return err
	}
	return w.writer.WriteMessages(ctx, msg)
}

// PublishLostTrigger announces an alert trigger that never became tasks.
func (w *Writer) PublishLostTrigger(ctx context.Context, t domain.Transition, cause error) error {
	if w.alertsTopic == "" {
		return nil
	}
	msg, err := lostTriggerMessage(w.alertsTopic, t, cause)
	if err != nil {
		return err
	}
	return w.writer.WriteMessages(ctx, msg)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// transitionMessage marshals a Transition into a Kafka message.
func transitionMessage(topic string, t domain.Transition) (kafkago.Message, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize transition: %w", err)
	}
	return kafkago.Message{
		Topic: topic,
		Key:   []byte(t.HotspotID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "hazard_type", Value: []byte(t.HazardType)},
			{Key: "state", Value: []byte(t.To)},
			{Key: "transitioned_at", Value: []byte(t.At.Format(time.RFC3339))},
		},
	}, nil
}

func exhaustedMessage(topic string, task domain.AlertTask) (kafkago.Message, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize alert task: %w", err)
	}
	return kafkago.Message{
		Topic: topic,
		Key:   []byte(task.HotspotID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte("task_exhausted")},
			{Key: "channel", Value: []byte(task.Channel)},
			{Key: "attempts", Value: []byte(strconv.Itoa(task.Attempts))},
		},
	}, nil
}

func lostTriggerMessage(topic string, t domain.Transition, cause error) (kafkago.Message, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize lost trigger: %w", err)
	}
	return kafkago.Message{
		Topic: topic,
		Key:   []byte(t.HotspotID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte("trigger_lost")},
			{Key: "state", Value: []byte(t.To)},
			{Key: "error", Value: []byte(cause.Error())},
		},
	}, nil
}
