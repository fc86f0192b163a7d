// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package gcbridge_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/objwire/objwire/gcbridge"
)

func TestBridgeCollectAndWait(t *testing.T) {
	var mu sync.Mutex
	var got []string
	b := gcbridge.New(func(id string) error {
		mu.Lock()
		got = append(got, id)
		mu.Unlock()
		return nil
	}, 2)

	for _, id := range []string{"a", "b", "c", "d"} {
		b.Collect(id)
	}
	if err := b.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	mu.Lock()
	n := len(got)
	mu.Unlock()
	if n != 4 {
		t.Errorf("got %d sends, want 4", n)
	}
	if s := b.Sent(); s != 4 {
		t.Errorf("Sent() = %d, want 4", s)
	}
}

func TestBridgeSendErrorDoesNotFailWait(t *testing.T) {
	b := gcbridge.New(func(id string) error {
		return errors.New("boom")
	}, 1)
	b.Collect("x")
	if err := b.Wait(); err != nil {
		t.Errorf("Wait: got %v, want nil (send errors are swallowed)", err)
	}
	if s := b.Sent(); s != 0 {
		t.Errorf("Sent() = %d, want 0", s)
	}
}
