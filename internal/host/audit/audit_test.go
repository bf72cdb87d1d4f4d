package audit

import (
	"context"
	"errors"
	"testing"

	"hostbox/internal/common/mq"
)

type fakeProducer struct {
	published []*mq.Message
	err       error
}

func (f *fakeProducer) Publish(_ context.Context, _ string, msg *mq.Message) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func TestMemoryStoreListsNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, reason := range []string{"first", "second", "third"} {
		e := NewEntry("tenant-a", "slot-1", "", ActionQuarantine, reason)
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	_ = store.Append(ctx, NewEntry("tenant-a", "slot-2", "", ActionQuarantine, "other slot"))

	entries, err := store.ListBySlot(ctx, "slot-1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Reason != "third" || entries[1].Reason != "second" {
		t.Fatalf("order = %q, %q", entries[0].Reason, entries[1].Reason)
	}
}

func TestRecordPublishesAfterStore(t *testing.T) {
	store := NewMemoryStore()
	producer := &fakeProducer{}
	r := NewRecorder(store, producer, "audit.events")

	e := NewEntry("tenant-a", "slot-1", "evil.py", ActionQuarantine, "shell exec")
	if err := r.Record(context.Background(), e); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(producer.published) != 1 {
		t.Fatalf("published = %d", len(producer.published))
	}
	if producer.published[0].ID != e.ID {
		t.Fatalf("message id = %s, want %s", producer.published[0].ID, e.ID)
	}
}

func TestRecordSurvivesPublishFailure(t *testing.T) {
	store := NewMemoryStore()
	producer := &fakeProducer{err: errors.New("broker down")}
	r := NewRecorder(store, producer, "audit.events")

	e := NewEntry("tenant-a", "slot-1", "evil.py", ActionQuarantine, "shell exec")
	if err := r.Record(context.Background(), e); err != nil {
		t.Fatalf("publish failure must not propagate: %v", err)
	}

	entries, err := r.ListBySlot(context.Background(), "slot-1", 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("stored entries = %v, err = %v", entries, err)
	}
}

func TestRecordWithoutQueue(t *testing.T) {
	r := NewRecorder(NewMemoryStore(), nil, "")
	e := NewEntry("tenant-a", "slot-1", "", ActionSlotReclaimed, "idle past ttl")
	if err := r.Record(context.Background(), e); err != nil {
		t.Fatalf("record: %v", err)
	}
}
