package remote

import (
	"testing"
	"time"
)

func TestWaitersArmSetPop(t *testing.T) {
	w := NewWaiters()
	key := WorkspacesKey("10.0.0.1")

	ch := w.Arm(key)
	w.Set(key, Payload{Envelope: Envelope{Status: "ok"}, FromIP: "10.0.0.1"})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("arm channel never signalled")
	}

	payload, ok := w.Pop(key)
	if !ok {
		t.Fatalf("Pop() ok = false, want true")
	}
	if payload.Envelope.Status != "ok" {
		t.Errorf("payload.Envelope.Status = %q, want ok", payload.Envelope.Status)
	}

	if _, ok := w.Pop(key); ok {
		t.Errorf("second Pop() ok = true, want false (one-shot)")
	}
}

func TestWaitersSetWithoutArmStoresPayload(t *testing.T) {
	w := NewWaiters()
	key := WorkspacesKey("10.0.0.2")

	w.Set(key, Payload{Envelope: Envelope{Status: "ok"}})

	if _, ok := w.Pop(key); !ok {
		t.Fatalf("Set without Arm should still store a payload for a subsequent Pop")
	}
}

func TestWaitersCleanupDiscardsPendingArm(t *testing.T) {
	w := NewWaiters()
	key := ConnectKey("10.0.0.3", "ws-1")

	w.Arm(key)
	w.Cleanup(key)

	if _, ok := w.Pop(key); ok {
		t.Errorf("Pop() after Cleanup() ok = true, want false")
	}
}

func TestWaitersLateSetAfterCleanupIsBenign(t *testing.T) {
	w := NewWaiters()
	key := ConnectKey("10.0.0.4", "ws-2")

	ch := w.Arm(key)
	w.Cleanup(key) // simulates the waiting goroutine timing out first

	// A reply that arrives after cleanup must not panic or block; it
	// simply inserts a payload nobody will ever pop, per spec.md §4.3.
	w.Set(key, Payload{Envelope: Envelope{Status: "ok"}})

	select {
	case <-ch:
		t.Errorf("stale channel should not be signalled after cleanup")
	default:
	}

	// The next Arm on the same key starts fresh, overwriting the stale
	// payload before the next send, per spec.md §4.3.
	ch2 := w.Arm(key)
	w.Set(key, Payload{Envelope: Envelope{Status: "fresh"}})
	<-ch2
	payload, ok := w.Pop(key)
	if !ok || payload.Envelope.Status != "fresh" {
		t.Errorf("Pop() = %+v, %v, want fresh payload", payload, ok)
	}
}

func TestWaitersDistinctKeysDoNotInterfere(t *testing.T) {
	w := NewWaiters()
	k1 := WorkspacesKey("10.0.0.5")
	k2 := WorkspacesKey("10.0.0.6")

	ch1 := w.Arm(k1)
	w.Arm(k2)

	w.Set(k1, Payload{Envelope: Envelope{Status: "ok"}, FromIP: "10.0.0.5"})

	<-ch1
	if _, ok := w.Pop(k2); ok {
		t.Errorf("unrelated key should not have a payload set")
	}
}
