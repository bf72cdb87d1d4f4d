package audit

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"hostbox/internal/common/mq"
	"hostbox/pkg/utils/logger"
)

// Recorder writes an entry to the store and then publishes it to the message
// queue. The store write is the source of truth; a publish failure is logged
// and dropped, never propagated, so audit consumers may lag but the record
// always exists.
type Recorder struct {
	store Store
	queue mq.Producer // optional
	topic string
}

// NewRecorder composes a store with an optional event producer.
func NewRecorder(store Store, queue mq.Producer, topic string) *Recorder {
	return &Recorder{store: store, queue: queue, topic: topic}
}

// Record appends the entry and publishes it best-effort.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if err := r.store.Append(ctx, e); err != nil {
		return err
	}
	if r.queue == nil {
		return nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		logger.Error(ctx, "marshal audit event failed", zap.Error(err))
		return nil
	}
	msg := &mq.Message{ID: e.ID, Body: body, Timestamp: e.CreatedAt}
	if err := r.queue.Publish(ctx, r.topic, msg); err != nil {
		logger.Warn(ctx, "publish audit event failed",
			zap.String("entry", e.ID), zap.Error(err))
	}
	return nil
}

// ListBySlot proxies to the underlying store.
func (r *Recorder) ListBySlot(ctx context.Context, slotID string, limit int) ([]Entry, error) {
	return r.store.ListBySlot(ctx, slotID, limit)
}
