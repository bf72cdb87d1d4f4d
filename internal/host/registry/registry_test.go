package registry

import (
	"sync"
	"testing"
	"time"

	pkgerrors "hostbox/pkg/errors"
)

func TestAcquireEnforcesCapUnderConcurrency(t *testing.T) {
	reg := New(Config{SlotsPerTenant: 2})

	const attempts = 32
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reg.Acquire("tenant-a", "")
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, err := range errs {
		if err == nil {
			granted++
			continue
		}
		if pkgerrors.GetCode(err) != pkgerrors.SlotsExhausted {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if granted != 2 {
		t.Fatalf("expected exactly 2 grants, got %d", granted)
	}
	if got := len(reg.List("tenant-a")); got != 2 {
		t.Fatalf("expected 2 slots listed, got %d", got)
	}
}

func TestAcquireIsPerTenant(t *testing.T) {
	reg := New(Config{SlotsPerTenant: 2})
	for _, tenant := range []string{"a", "a", "b", "b"} {
		if _, err := reg.Acquire(tenant, ""); err != nil {
			t.Fatalf("acquire for %s: %v", tenant, err)
		}
	}
	if _, err := reg.Acquire("a", ""); pkgerrors.GetCode(err) != pkgerrors.SlotsExhausted {
		t.Fatalf("expected SlotsExhausted, got %v", err)
	}
}

func TestAcquireAssignsLowestFreeOrdinal(t *testing.T) {
	reg := New(Config{SlotsPerTenant: 2})
	first, err := reg.Acquire("a", "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := reg.Acquire("a", "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if first.Ordinal != 1 || second.Ordinal != 2 {
		t.Fatalf("ordinals = %d, %d", first.Ordinal, second.Ordinal)
	}

	other, err := reg.Acquire("b", "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if other.Ordinal != 1 {
		t.Fatalf("ordinals are per tenant, got %d", other.Ordinal)
	}

	reg.Release(first.ID)
	third, err := reg.Acquire("a", "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if third.Ordinal != 1 {
		t.Fatalf("freed ordinal not reused, got %d", third.Ordinal)
	}
	if got, _ := reg.Get("a", second.ID); got.Ordinal != 2 {
		t.Fatalf("surviving slot ordinal changed to %d", got.Ordinal)
	}
}

func TestReleaseFreesCapacity(t *testing.T) {
	reg := New(Config{SlotsPerTenant: 1})
	slot, err := reg.Acquire("a", "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	reg.Release(slot.ID)
	reg.Release(slot.ID) // idempotent
	if _, err := reg.Acquire("a", ""); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestTransitionValidation(t *testing.T) {
	reg := New(Config{})
	slot, err := reg.Acquire("a", "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Provisioned → Scanning → Provisioned → Running → Stopping → Stopped
	steps := []SlotState{StateScanning, StateProvisioned, StateRunning, StateStopping, StateStopped}
	for _, next := range steps {
		if err := reg.Transition(slot.ID, next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}

	// Stopped → Stopping is not a thing.
	if err := reg.Transition(slot.ID, StateStopping); pkgerrors.GetCode(err) != pkgerrors.InvalidSlotState {
		t.Fatalf("expected InvalidSlotState, got %v", err)
	}
}

func TestTransitionUnknownSlot(t *testing.T) {
	reg := New(Config{})
	if err := reg.Transition("nope", StateRunning); pkgerrors.GetCode(err) != pkgerrors.SlotNotFound {
		t.Fatalf("expected SlotNotFound, got %v", err)
	}
}

func TestGetChecksOwnership(t *testing.T) {
	reg := New(Config{})
	slot, err := reg.Acquire("a", "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := reg.Get("b", slot.ID); pkgerrors.GetCode(err) != pkgerrors.SlotNotFound {
		t.Fatalf("cross-tenant get must fail with SlotNotFound, got %v", err)
	}
}

func TestExpiredSkipsRunningSlots(t *testing.T) {
	reg := New(Config{SessionTTL: 10 * time.Millisecond})
	idle, err := reg.Acquire("a", "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	running, err := reg.Acquire("a", "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := reg.Transition(running.ID, StateRunning); err != nil {
		t.Fatalf("transition: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	expired := reg.expired()
	if len(expired) != 1 || expired[0].ID != idle.ID {
		t.Fatalf("expected only the idle slot to expire, got %+v", expired)
	}
}
