// Package notify delivers tenant-facing messages: quarantine notices, fix
// round summaries, crash reports. Delivery is at-most-once per event; a
// failed delivery is retried once at the call site and then dropped, never
// rolling back the action that triggered it.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hostbox/internal/common/mq"
	appErr "hostbox/pkg/errors"
	"hostbox/pkg/utils/logger"
)

// Kind classifies a notification.
type Kind string

const (
	KindQuarantine  Kind = "quarantine"
	KindLaunchBlock Kind = "launch_blocked"
	KindCrash       Kind = "crash"
	KindFixRound    Kind = "fix_round"
	KindStatement   Kind = "statement"
	KindReclaimed   Kind = "slot_reclaimed"
)

// Notification is one tenant-facing message.
type Notification struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	Slot      string    `json:"slot"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink delivers notifications to the tenant.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// New fills in ID and timestamp.
func New(tenant, slot string, kind Kind, message string) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		Slot:      slot,
		Kind:      kind,
		Message:   message,
		CreatedAt: time.Now(),
	}
}

// Deliver sends with one retry. Failure after the retry is logged and
// swallowed: the triggering action (a quarantine deletion, a teardown) has
// already happened and must not be undone.
func Deliver(ctx context.Context, sink Sink, n Notification) {
	if sink == nil {
		return
	}
	err := sink.Send(ctx, n)
	if err != nil {
		err = sink.Send(ctx, n)
	}
	if err != nil {
		logger.Warn(ctx, "notification dropped after retry",
			zap.String("tenant", n.Tenant),
			zap.String("kind", string(n.Kind)),
			zap.Error(err))
	}
}

// LogSink writes notifications to the structured log. Used when no external
// channel is configured.
type LogSink struct{}

func (LogSink) Send(ctx context.Context, n Notification) error {
	logger.Info(ctx, "tenant notification",
		zap.String("tenant", n.Tenant),
		zap.String("slot", n.Slot),
		zap.String("kind", string(n.Kind)),
		zap.String("message", n.Message))
	return nil
}

// QueueSink publishes notifications to a message queue topic, where an
// external delivery worker picks them up.
type QueueSink struct {
	queue mq.Producer
	topic string
}

// NewQueueSink creates a queue-backed sink.
func NewQueueSink(queue mq.Producer, topic string) *QueueSink {
	return &QueueSink{queue: queue, topic: topic}
}

func (s *QueueSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return appErr.Wrap(err, appErr.NotificationDeliveryFailed)
	}
	msg := &mq.Message{ID: n.ID, Body: body, Timestamp: n.CreatedAt}
	if err := s.queue.Publish(ctx, s.topic, msg); err != nil {
		return appErr.Wrap(err, appErr.NotificationDeliveryFailed)
	}
	return nil
}
