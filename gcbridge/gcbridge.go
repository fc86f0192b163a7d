// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package gcbridge connects the identity registry's finalizer-driven
// collection of remote stubs to the one-way "del" notice that tells the
// owning peer it can release the corresponding local object.
//
// A registry's cleanup hook runs on its own goroutine, one per collected
// stub, with no guarantee about how many fire together after a GC pause.
// Sending each del notice inline on that goroutine would serialize an
// unbounded burst of finalizers behind a network write; Bridge instead
// enqueues them onto a bounded pool of senders.
package gcbridge

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds how many del notices Bridge sends at once.
const DefaultConcurrency = 8

// Bridge batches best-effort release notices triggered by the garbage
// collector reclaiming remote stubs. It knows nothing about the wire format
// of a release notice; the caller supplies that as send.
type Bridge struct {
	send func(id string) error
	g    *errgroup.Group

	mu   sync.Mutex
	sent uint64
}

// New returns a Bridge that calls send for each collected id, with at most
// concurrency sends in flight at once. A concurrency of 0 or less uses
// DefaultConcurrency.
func New(send func(id string) error, concurrency int) *Bridge {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	return &Bridge{send: send, g: g}
}

// Collect is the registry's GC hook. It fires from a cleanup goroutine once
// a materialized stub becomes unreachable, and schedules a one-way "del"
// send for id. While fewer than the concurrency limit of sends are in
// flight it returns at once; otherwise it blocks until one finishes.
func (b *Bridge) Collect(id string) {
	b.g.Go(func() error {
		if err := b.send(id); err != nil {
			slog.Warn("sending del notice failed", "id", id, "error", err)
		} else {
			b.mu.Lock()
			b.sent++
			b.mu.Unlock()
		}
		return nil // a dropped release is a leaked remote object, not a fatal error
	})
}

// Sent returns the number of del notices successfully handed to the peer.
func (b *Bridge) Sent() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent
}

// Wait blocks until every scheduled send has completed. Callers use this
// during an orderly shutdown so in-flight release notices are not abandoned
// mid-send.
func (b *Bridge) Wait() error { return b.g.Wait() }

var warnOnce sync.Once

// Unsupported logs once that finalizer-driven release tracking is not
// available. On Go 1.24 and later runtime.AddCleanup is always present, so
// in practice this path is unreachable; it exists so that a host without GC
// integration logs the fact, rather than silently never releasing anything.
func Unsupported(reason string) {
	warnOnce.Do(func() {
		slog.Warn("gc-driven object release unavailable, falling back to explicit del only", "reason", reason)
	})
}
