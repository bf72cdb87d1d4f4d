// Package audit records security-relevant events: quarantines, blocked
// launches, teardown decisions. Entries go to durable storage first; event
// publication is best-effort and never rolls back the stored entry.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action classifies an audit entry.
type Action string

const (
	ActionQuarantine     Action = "quarantine"
	ActionLaunchBlocked  Action = "launch_blocked"
	ActionSlotReclaimed  Action = "slot_reclaimed"
	ActionArchiveRetain  Action = "archive_retained"
	ActionProcessCrashed Action = "process_crashed"
)

// Entry is one audit record.
type Entry struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	Slot      string    `json:"slot"`
	Path      string    `json:"path,omitempty"`
	Action    Action    `json:"action"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, e Entry) error
	ListBySlot(ctx context.Context, slotID string, limit int) ([]Entry, error)
	Close() error
}

// NewEntry fills in ID and timestamp.
func NewEntry(tenant, slot, path string, action Action, reason string) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		Slot:      slot,
		Path:      path,
		Action:    action,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
}

// MemoryStore is an in-process store for tests and single-node setups.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryStore) ListBySlot(_ context.Context, slotID string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Slot == slotID {
			out = append(out, m.entries[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
