// Package registry owns the tenant → slot table: atomic slot acquisition
// under the per-tenant cap, state transitions, and session expiry.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErr "hostbox/pkg/errors"
	"hostbox/pkg/utils/logger"
)

// SlotState is the lifecycle state of a slot.
type SlotState string

const (
	// StateEmpty means the slot identifier is free; an Empty slot does not
	// appear in the table at all.
	StateEmpty SlotState = "empty"
	// StateProvisioned means a workspace exists and is ready to launch.
	StateProvisioned SlotState = "provisioned"
	// StateScanning means the security pipeline is running on the upload.
	StateScanning SlotState = "scanning"
	// StateRunning means the guest process is alive.
	StateRunning SlotState = "running"
	// StateStopping means teardown of the process has begun.
	StateStopping SlotState = "stopping"
	// StateStopped means the process exited on request.
	StateStopped SlotState = "stopped"
	// StateCrashed means the process exited on its own with a failure.
	StateCrashed SlotState = "crashed"
)

// validTransitions encodes the slot state machine. A transition absent here
// is rejected with InvalidSlotState.
var validTransitions = map[SlotState][]SlotState{
	StateProvisioned: {StateScanning, StateRunning},
	StateScanning:    {StateProvisioned},
	StateRunning:     {StateStopping, StateStopped, StateCrashed},
	StateStopping:    {StateStopped, StateCrashed},
	StateStopped:     {StateScanning, StateRunning, StateProvisioned},
	StateCrashed:     {StateScanning, StateRunning, StateProvisioned},
}

// Slot is one hosting slot owned by a tenant. Ordinal is the tenant-facing
// slot number (1..SlotsPerTenant): the lowest free number at acquisition,
// stable for the slot's lifetime, reusable after release.
type Slot struct {
	ID       string
	Tenant   string
	Ordinal  int
	State    SlotState
	Name     string
	Created  time.Time
	LastUsed time.Time
}

// Config holds registry limits.
type Config struct {
	// SlotsPerTenant caps concurrent slots per tenant.
	SlotsPerTenant int `yaml:"slotsPerTenant"`
	// SessionTTL is how long an idle non-running slot survives before the
	// sweep reclaims it. Zero disables expiry.
	SessionTTL time.Duration `yaml:"sessionTTL"`
	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// DefaultConfig returns registry defaults.
func DefaultConfig() Config {
	return Config{
		SlotsPerTenant: 2,
		SessionTTL:     30 * time.Minute,
		SweepInterval:  time.Minute,
	}
}

// Reclaimer is called by the expiry sweep for each expired slot. It must
// release the slot's resources and finally call Release.
type Reclaimer func(ctx context.Context, slot Slot)

// Registry tracks slots. All table mutations happen under one short-lived
// mutex; long-running per-slot work never holds it.
type Registry struct {
	cfg Config

	mu    sync.Mutex
	slots map[string]*Slot // slot ID → slot
}

// New creates a registry.
func New(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.SlotsPerTenant <= 0 {
		cfg.SlotsPerTenant = def.SlotsPerTenant
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Registry{
		cfg:   cfg,
		slots: make(map[string]*Slot),
	}
}

// Acquire allocates a new slot for tenant, atomically enforcing the
// per-tenant cap. The count check and the insert happen under one lock so
// concurrent acquisitions can never exceed the cap.
func (r *Registry) Acquire(tenant, name string) (Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	used := 0
	taken := make(map[int]bool)
	for _, s := range r.slots {
		if s.Tenant == tenant {
			used++
			taken[s.Ordinal] = true
		}
	}
	if used >= r.cfg.SlotsPerTenant {
		return Slot{}, appErr.Newf(appErr.SlotsExhausted, "tenant %s already holds %d slots", tenant, used)
	}
	ordinal := 1
	for taken[ordinal] {
		ordinal++
	}

	now := time.Now()
	slot := &Slot{
		ID:       uuid.NewString(),
		Tenant:   tenant,
		Ordinal:  ordinal,
		State:    StateProvisioned,
		Name:     name,
		Created:  now,
		LastUsed: now,
	}
	r.slots[slot.ID] = slot
	return *slot, nil
}

// Get returns a copy of the slot, verifying tenant ownership.
func (r *Registry) Get(tenant, slotID string) (Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok || s.Tenant != tenant {
		return Slot{}, appErr.Newf(appErr.SlotNotFound, "slot %s not found", slotID)
	}
	return *s, nil
}

// List returns copies of the tenant's slots.
func (r *Registry) List(tenant string) []Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Slot
	for _, s := range r.slots {
		if s.Tenant == tenant {
			out = append(out, *s)
		}
	}
	return out
}

// All returns copies of every slot.
func (r *Registry) All() []Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Slot, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, *s)
	}
	return out
}

// Transition moves a slot to next, validating the transition against the
// state machine and refreshing the last-used stamp.
func (r *Registry) Transition(slotID string, next SlotState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok {
		return appErr.Newf(appErr.SlotNotFound, "slot %s not found", slotID)
	}
	for _, allowed := range validTransitions[s.State] {
		if allowed == next {
			s.State = next
			s.LastUsed = time.Now()
			return nil
		}
	}
	return appErr.Newf(appErr.InvalidSlotState, "cannot move slot %s from %s to %s", slotID, s.State, next)
}

// Touch refreshes a slot's last-used stamp without changing state.
func (r *Registry) Touch(slotID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[slotID]; ok {
		s.LastUsed = time.Now()
	}
}

// Release frees a slot identifier. Idempotent: releasing an unknown slot is
// a no-op, so teardown retries are safe.
func (r *Registry) Release(slotID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.slots, slotID)
}

// Sweep runs the session-expiry loop until ctx is cancelled. Running slots
// never expire; everything else is handed to reclaim once its idle time
// exceeds the TTL.
func (r *Registry) Sweep(ctx context.Context, reclaim Reclaimer) {
	if r.cfg.SessionTTL <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, slot := range r.expired() {
				logger.Info(ctx, "reclaiming expired slot",
					zap.String("slot", slot.ID),
					zap.String("tenant", slot.Tenant),
					zap.String("state", string(slot.State)))
				reclaim(ctx, slot)
			}
		}
	}
}

func (r *Registry) expired() []Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.cfg.SessionTTL)
	var out []Slot
	for _, s := range r.slots {
		if s.State == StateRunning || s.State == StateStopping {
			continue
		}
		if s.LastUsed.Before(cutoff) {
			out = append(out, *s)
		}
	}
	return out
}
