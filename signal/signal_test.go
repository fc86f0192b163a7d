// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package signal_test

import (
	"testing"
	"time"

	"github.com/objwire/objwire/peers"
	"github.com/objwire/objwire/signal"
)

func TestEmitAndHandle(t *testing.T) {
	loc := peers.NewLocal()
	defer loc.Stop()

	l := signal.Listen(loc.B)
	got := make(chan []byte, 1)
	capability, unregister := l.Handle(func(data []byte) { got <- data })
	defer unregister()

	if err := signal.Emit(loc.A, capability, []byte("tick")); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != "tick" {
			t.Errorf("signal payload = %q, want %q", data, "tick")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	loc := peers.NewLocal()
	defer loc.Stop()

	l := signal.Listen(loc.B)
	got := make(chan []byte, 1)
	capability, unregister := l.Handle(func(data []byte) { got <- data })
	unregister()

	if err := signal.Emit(loc.A, capability, []byte("tick")); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case data := <-got:
		t.Fatalf("unexpected signal delivered after unregister: %q", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnknownCapabilityIgnored(t *testing.T) {
	loc := peers.NewLocal()
	defer loc.Stop()

	signal.Listen(loc.B)
	if err := signal.Emit(loc.A, signal.NewCapability(), []byte("tick")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	// No handler registered for this capability; the packet is dropped
	// silently. There is nothing further to assert beyond "this does not
	// panic or block".
}
