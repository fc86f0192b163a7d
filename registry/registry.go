// Package registry implements the bidirectional identity map at the base
// of the object-graph runtme: the bookkeeping that lets a wire ID stand in
// for an in-memory value on either side of a session.
//
// A Registry tracks two independent tables. The local table answers "what
// value did I expose under this ID", for objects this peer owns. The remote
// table answers "what stub have I already materialized for this ID", for
// objects the peer owns. Both tables are guarded by a single mutex; neither
// the local nor the remote lookups are expected to be hot enough to need
// finer-grained locking.
//
// Both tables get real, GC-integrated weak tracking, by the same trick:
// [RegisterRemote] and [IDFor] are generic over the concrete pointer type
// they're handed, so [weak.Make] and [runtime.AddCleanup] can be
// instantiated directly against it — Go has no way to take a weak pointer
// to a value without naming its static type, and class.Instance is the
// only type this system ever hands across either boundary (see the class
// package's doc comment). A Local Object Entry starts, and normally stays,
// strong; ReleaseLocal (an inbound "del") only demotes it to weak rather
// than erasing it, so a value the application still holds elsewhere
// survives the peer's release and resumes its old ID on re-export
// (Invariant 6). The entry is only actually erased once the weak target
// itself is collected.
//
// IDFor's live-object lookup — "does obj already have an ID" — is answered
// without a second map from object to ID, which would have to hold the
// object as a map key and so would pin it forever, defeating the weak
// tracking above. Instead the ID is cached on the object itself, in the
// slot [Identified.RegistryID] exposes: the cache costs nothing extra to
// keep live and vanishes with the object when nothing else holds it.
package registry

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"
)

// ErrUnknownLocal is returned by LocalFor when no local entry exists for an ID.
type ErrUnknownLocal struct{ ID string }

func (e *ErrUnknownLocal) Error() string { return fmt.Sprintf("unknown local object %q", e.ID) }

// ErrDuplicateRemote is returned by RegisterRemote when a live stub already
// occupies the given ID.
type ErrDuplicateRemote struct{ ID string }

func (e *ErrDuplicateRemote) Error() string { return fmt.Sprintf("duplicate remote object %q", e.ID) }

// Identified is implemented by a local value that caches its own assigned
// ID, in the slot RegistryID points at. class.Instance is the only type
// this package ever registers locally, and it implements this by
// returning the address of its own ID field.
type Identified interface {
	RegistryID() *string
}

// localEntry is one row of the local table: a value this peer has
// exposed, the class name it was exposed under, and a strong-or-weak hold
// on it. strong is nil once the entry has been demoted by ReleaseLocal;
// weak is always populated, so the entry can still be dereferenced (and
// re-promoted) as long as the value is alive anywhere.
type localEntry struct {
	class  string
	strong any
	weak   weakAny
}

func (e *localEntry) value() (any, bool) {
	if e.strong != nil {
		return e.strong, true
	}
	return e.weak.value()
}

// weakAny type-erases a weak.Pointer[T] behind a common interface, so the
// local and remote tables can both hold stubs or values of any concrete
// type the class package cares to materialize.
type weakAny interface {
	value() (any, bool)
}

type weakPtr[T any] weak.Pointer[T]

func (w weakPtr[T]) value() (any, bool) {
	p := weak.Pointer[T](w).Value()
	if p == nil {
		return nil, false
	}
	return p, true
}

// remoteEntry is one row of the remote table.
type remoteEntry struct {
	weak weakAny
}

// Registry is the bidirectional identity map described in §4.A. The zero
// value is not ready for use; call New.
type Registry struct {
	mu sync.Mutex

	localByID map[string]*localEntry

	remoteByID map[string]*remoteEntry

	nextID uint64

	// onRemoteCollected is invoked (outside the lock) when a stub registered
	// through RegisterRemote is collected. It is the GC Bridge's hook for
	// sending the one-way "del" notice.
	onRemoteCollected func(id string)
}

// New constructs an empty Registry. onRemoteCollected, if non-nil, is called
// whenever a previously registered remote stub is garbage collected; it
// runs on a cleanup goroutine, not on the goroutine that dropped the stub.
func New(onRemoteCollected func(id string)) *Registry {
	return &Registry{
		localByID:         make(map[string]*localEntry),
		remoteByID:        make(map[string]*remoteEntry),
		onRemoteCollected: onRemoteCollected,
	}
}

// newID allocates a fresh, session-unique printable token. IDs are opaque:
// nothing about their shape is part of the wire contract, and nothing
// downstream may parse them.
func (r *Registry) newID() string {
	n := atomic.AddUint64(&r.nextID, 1)
	return fmt.Sprintf("L%d", n)
}

// IDFor returns the ID under which obj is already exposed — re-promoting
// it to a strong hold if it had been demoted — or allocates and registers
// a new one under className. isNew reports whether this call allocated
// the ID. It does not say whether obj's description has been sent yet:
// an object can hold an ID long before its first export.
//
// obj must implement Identified; class.Instance is the only type this
// system ever passes here, and panics on any other type are a programming
// error in this package's callers, not a condition callers need to guard.
func IDFor[T any](r *Registry, obj *T, className string) (id string, isNew bool) {
	idc, ok := any(obj).(Identified)
	if !ok {
		panic(fmt.Sprintf("registry: IDFor requires %T to implement Identified", obj))
	}
	slot := idc.RegistryID()

	r.mu.Lock()
	if *slot != "" {
		if e, ok := r.localByID[*slot]; ok {
			if _, alive := e.value(); alive {
				e.strong = obj
				r.mu.Unlock()
				return *slot, false
			}
		}
	}

	id = r.newID()
	*slot = id
	r.localByID[id] = &localEntry{class: className, strong: obj, weak: weakPtr[T](weak.Make(obj))}
	r.mu.Unlock()

	runtime.AddCleanup(obj, r.localCollected, id)
	return id, true
}

// localCollected runs (on a cleanup goroutine) once a demoted local entry's
// value has actually been collected. There is no peer-facing event for
// this: the wire-visible release already happened when ReleaseLocal
// demoted the entry; this just reclaims the registry's own bookkeeping.
func (r *Registry) localCollected(id string) {
	r.mu.Lock()
	delete(r.localByID, id)
	r.mu.Unlock()
}

// HasID reports the ID already assigned to obj, without allocating one if
// none exists. Unlike IDFor it has no side effect on the registry. The
// ID is read from obj itself, so it may have been assigned by a
// different Registry.
func HasID[T any](obj *T) (string, bool) {
	idc, ok := any(obj).(Identified)
	if !ok {
		return "", false
	}
	id := *idc.RegistryID()
	return id, id != ""
}

// LocalFor dereferences a local ID back to the value exposed under it,
// re-promoting a demoted (weak) entry to strong in the process — a value
// the caller looks up is, by construction, about to be used again.
func (r *Registry) LocalFor(id string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.localByID[id]
	if !ok {
		return nil, &ErrUnknownLocal{ID: id}
	}
	v, alive := e.value()
	if !alive {
		return nil, &ErrUnknownLocal{ID: id}
	}
	e.strong = v
	return v, nil
}

// ClassOf reports the class name a local object was registered under.
func (r *Registry) ClassOf(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.localByID[id]
	if !ok {
		return "", false
	}
	return e.class, true
}

// ReleaseLocal handles an inbound "del" notice for a locally-owned ID: it
// demotes the entry from strong to weak (Invariant 6), so the value
// survives as long as the application holds it elsewhere and resumes its
// ID if re-exported. It is a no-op if the ID is already gone or already
// weak.
func (r *Registry) ReleaseLocal(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.localByID[id]
	if !ok {
		return
	}
	e.strong = nil
}

// LocalCount reports the number of local entries still tracked (strong or
// weak-but-not-yet-collected).
func (r *Registry) LocalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.localByID)
}

// RegisterRemote installs stub as the materialized proxy for id. It fails
// with ErrDuplicateRemote if a live stub is already registered for id (the
// peer re-introduced an ID that is still in use, a peer bug per §7).
//
// Collection of stub is tracked with a real weak pointer: stub's type is
// whatever the class package uses to represent a materialized proxy, fixed
// at this call site, so runtime.AddCleanup can be wired up directly. When
// stub is collected, the registry erases the entry and invokes
// onRemoteCollected(id), which the GC Bridge uses to send "del".
func RegisterRemote[T any](r *Registry, id string, stub *T) error {
	r.mu.Lock()
	if e, ok := r.remoteByID[id]; ok {
		if _, alive := e.weak.value(); alive {
			r.mu.Unlock()
			return &ErrDuplicateRemote{ID: id}
		}
	}
	r.remoteByID[id] = &remoteEntry{weak: weakPtr[T](weak.Make(stub))}
	r.mu.Unlock()

	runtime.AddCleanup(stub, r.remoteCollected, id)
	return nil
}

// remoteCollected runs (on a cleanup goroutine) after a registered remote
// stub has been collected.
func (r *Registry) remoteCollected(id string) {
	r.mu.Lock()
	_, had := r.remoteByID[id]
	delete(r.remoteByID, id)
	cb := r.onRemoteCollected
	r.mu.Unlock()

	if had && cb != nil {
		cb(id)
	}
}

// RemoteFor dereferences a remote ID to its live stub, without error: a
// miss simply means no stub has been materialized yet, which is a normal
// condition the class package uses to decide whether to build one.
func (r *Registry) RemoteFor(id string) (any, bool) {
	r.mu.Lock()
	e, ok := r.remoteByID[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.weak.value()
}

// RemoteCount reports the number of live remote entries. Forcing a GC
// between mutation and this call is the caller's responsibility.
func (r *Registry) RemoteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.remoteByID {
		if _, alive := e.weak.value(); alive {
			n++
		}
	}
	return n
}
