// Package class implements the class/instance mirror at the heart of the
// object-graph runtime: it describes local classes to the peer on first
// use, materializes stub prototypes for classes the peer describes, and
// represents every classed value — local or remote, instance or callable —
// with a single concrete type, Instance.
//
// Using one concrete type for both halves is not just convenient: it is
// what lets package registry take a real, GC-integrated weak pointer to a
// materialized stub (see registry.RegisterRemote), since Go can only do
// that against a statically named type, and Instance is the only type this
// system ever hands across that boundary.
package class

import (
	"fmt"
	"sync"

	"github.com/creachadair/mds/value"
)

// IterKind names which iteration protocol, if any, a class implements.
type IterKind string

const (
	IterNone  IterKind = ""
	IterSync  IterKind = "iterator"
	IterAsync IterKind = "asyncIterator"
)

// LocalFunc is the implementation of a local class's method, or of a bare
// callable value exposed without a class (a "Function" reference).
type LocalFunc func(ctx any, self *Instance, args []any) (any, error)

// LocalGetter and LocalSetter implement a local class's accessor pair.
type LocalGetter func(ctx any, self *Instance) (any, error)
type LocalSetter func(ctx any, self *Instance, value any) error

// Accessor bundles a getter with its optional setter.
type Accessor struct {
	Get LocalGetter
	Set LocalSetter // nil if the getter has no setter
}

// Class describes a class this peer implements in Go: its functions,
// getters, iterator behavior, and the parent it extends. Classes are
// registered once, at session setup, and never mutated afterward.
type Class struct {
	Name      string
	Parent    *Class
	Functions map[string]LocalFunc
	Getters   map[string]Accessor
	Iterator  IterKind

	// Signals names this class's one-way, never-awaited notifications
	// (the supplemented Signals feature). Unlike Functions and Getters,
	// a signal has no Go-side implementation to register here: firing
	// one is driven by application code via Session.EmitSignal, not by
	// a peer-initiated call.
	Signals []string
}

func (c *Class) function(name string) (LocalFunc, bool) {
	for cc := c; cc != nil; cc = cc.Parent {
		if f, ok := cc.Functions[name]; ok {
			return f, true
		}
	}
	return nil, false
}

func (c *Class) accessor(name string) (Accessor, bool) {
	for cc := c; cc != nil; cc = cc.Parent {
		if a, ok := cc.Getters[name]; ok {
			return a, true
		}
	}
	return Accessor{}, false
}

// Description is the wire record of a class's shape, per §4.C. Properties
// are not part of the shape: declared data properties travel inline with
// each instance, not as part of the class description.
type Description struct {
	ClassName string       `json:"className"`
	Extends   string       `json:"extends,omitempty"`
	Iterator  IterKind     `json:"iterator,omitempty"`
	Functions []string     `json:"functions,omitempty"`
	Getters   []GetterDesc `json:"getters,omitempty"`
	Signals   []string     `json:"signals,omitempty"`
}

// GetterDesc is one entry of a Description's getter list.
type GetterDesc struct {
	Name      string `json:"name"`
	HasSetter bool   `json:"hasSetter"`
}

func (c *Class) describe() Description {
	d := Description{ClassName: c.Name, Iterator: c.Iterator}
	if c.Parent != nil {
		d.Extends = c.Parent.Name
	}
	for name := range c.Functions {
		if name == "constructor" || (name != "" && name[0] == '_') {
			continue
		}
		d.Functions = append(d.Functions, name)
	}
	for name, a := range c.Getters {
		if name != "" && name[0] == '_' {
			continue
		}
		d.Getters = append(d.Getters, GetterDesc{Name: name, HasSetter: value.Cond(a.Set != nil, true, false)})
	}
	d.Signals = append(d.Signals, c.Signals...)
	return d
}

// StubClass mirrors a class the peer has described: a record of its shape,
// never an implementation, chained to its own parent StubClass.
type StubClass struct {
	Name      string
	Parent    *StubClass
	Functions map[string]bool
	Getters   map[string]bool // value is hasSetter
	Iterator  IterKind
	Signals   map[string]bool
}

// HasSignal reports whether the named signal is declared on the stub class
// or one of its ancestors.
func (s *StubClass) HasSignal(name string) bool {
	for ss := s; ss != nil; ss = ss.Parent {
		if ss.Signals[name] {
			return true
		}
	}
	return false
}

// SignalNames returns every signal name declared across the stub class's
// own chain, parent first, deduplicated.
func (s *StubClass) SignalNames() []string {
	var chain []*StubClass
	for ss := s; ss != nil; ss = ss.Parent {
		chain = append(chain, ss)
	}
	seen := make(map[string]bool)
	var names []string
	for i := len(chain) - 1; i >= 0; i-- {
		for name := range chain[i].Signals {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// HasFunction reports whether the named method is available on the stub
// class or one of its ancestors.
func (s *StubClass) HasFunction(name string) bool {
	for ss := s; ss != nil; ss = ss.Parent {
		if ss.Functions[name] {
			return true
		}
	}
	return false
}

func (s *StubClass) getterHasSetter(name string) (hasSetter, found bool) {
	for ss := s; ss != nil; ss = ss.Parent {
		if v, ok := ss.Getters[name]; ok {
			return v, true
		}
	}
	return false, false
}

// ErrUnknownParentClass is returned by Observe when a description names a
// parent class this mirror has not yet received.
type ErrUnknownParentClass struct{ Class, Parent string }

func (e *ErrUnknownParentClass) Error() string {
	return fmt.Sprintf("class %q extends unknown parent %q", e.Class, e.Parent)
}

// Caller is the capability a materialized stub needs to forward its
// operations across the wire. Session implements this; package class never
// imports the session or peer types, so it stays free of wire framing.
type Caller interface {
	CallFunc(ctx any, id, name string, args []any) (any, error)
	CallGet(ctx any, id, name string) (any, error)
	CallSet(ctx any, id, name string, value any) error
	CallIter(ctx any, id string, kind IterKind) (*Instance, error)
	CallInvoke(ctx any, id string, args []any) (any, error)
}

// Instance represents either a local object exposed to the peer or a
// materialized stub for an object the peer owns. Exactly one of Local or
// Stub is set for a classed instance; both may be nil for a bare callable
// value (Function == true).
type Instance struct {
	ID       string
	Local    *Class
	Stub     *StubClass
	Function bool
	caller   Caller    // set iff this is a remote reference (stub or remote function)
	fn       LocalFunc // set iff Function && caller == nil (a local callable)

	mu         sync.RWMutex
	fields     map[string]any
	sent       bool              // local instance: whether its full {idLocal, className, properties} description has already gone out once
	signalCaps map[string]string // signal name -> capability; owner side keys by its own signals, stub side by signals it has subscribed to
}

// Remote reports whether i forwards its operations to the peer.
func (i *Instance) Remote() bool { return i.caller != nil }

// RegistryID implements registry.Identified: it exposes the slot where
// the identity registry caches an already-assigned local ID directly on
// the instance, so the registry never needs a second map — keyed on the
// instance pointer — that would hold it strongly and defeat weak
// tracking.
func (i *Instance) RegistryID() *string { return &i.ID }

// ClassName reports the instance's class name, or "Function" for a bare
// callable, or "" if neither is set (should not happen for a well-formed
// Instance).
func (i *Instance) ClassName() string {
	switch {
	case i.Local != nil:
		return i.Local.Name
	case i.Stub != nil:
		return i.Stub.Name
	case i.Function:
		return "Function"
	default:
		return ""
	}
}

// Fields returns a snapshot of the instance's own declared data properties
// (not accessors, not methods, never a name starting with "_" — see §8 P4).
func (i *Instance) Fields() map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]any, len(i.fields))
	for k, v := range i.fields {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		out[k] = v
	}
	return out
}

// SetField assigns a local data property directly (used by local
// application code and by stub materialization to seed the initial
// property bag).
func (i *Instance) SetField(name string, v any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.fields == nil {
		i.fields = make(map[string]any)
	}
	i.fields[name] = v
}

// Field reads a local data property.
func (i *Instance) Field(name string) (any, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	v, ok := i.fields[name]
	return v, ok
}

// MarkSent reports whether this is the first time i's full description
// (className plus properties) is going out to the peer, and marks it sent.
// Only the first caller gets true; every later export of the same instance
// — including ones racing concurrently with it — gets false and must emit
// a bare {idLocal} reference instead of re-describing it. This is
// deliberately independent of whether i already has a registry ID: an ID
// is allocated once at creation (so the object can be referenced before
// its first export), while "sent" tracks first export itself.
func (i *Instance) MarkSent() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sent {
		return false
	}
	i.sent = true
	return true
}

// SetSignalCapability records the capability token a remote stub has
// registered for one of i's signals. Called on the owning side when a
// *SignalReg registration arrives; EmitSignal looks it up by name.
func (i *Instance) SetSignalCapability(name, capability string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.signalCaps == nil {
		i.signalCaps = make(map[string]string)
	}
	i.signalCaps[name] = capability
}

// SignalCapability returns the capability registered for the named signal,
// if any.
func (i *Instance) SignalCapability(name string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	token, ok := i.signalCaps[name]
	return token, ok
}

// CallMethod invokes the named method, locally if i is local, or by
// forwarding a "func" verb if i is a stub.
func (i *Instance) CallMethod(ctx any, name string, args []any) (any, error) {
	if i.Remote() {
		return i.caller.CallFunc(ctx, i.ID, name, args)
	}
	if i.Local == nil {
		return nil, fmt.Errorf("object has no methods")
	}
	fn, ok := i.Local.function(name)
	if !ok {
		return nil, fmt.Errorf("unknown method %q on class %q", name, i.Local.Name)
	}
	return fn(ctx, i, args)
}

// GetProp invokes the named getter, locally or by forwarding a "get" verb.
func (i *Instance) GetProp(ctx any, name string) (any, error) {
	if i.Remote() {
		return i.caller.CallGet(ctx, i.ID, name)
	}
	if i.Local == nil {
		return nil, fmt.Errorf("object has no getters")
	}
	a, ok := i.Local.accessor(name)
	if !ok {
		return nil, fmt.Errorf("unknown getter %q on class %q", name, i.Local.Name)
	}
	return a.Get(ctx, i)
}

// SetProp invokes the named setter, locally or by forwarding a "set" verb.
func (i *Instance) SetProp(ctx any, name string, value any) error {
	if i.Remote() {
		return i.caller.CallSet(ctx, i.ID, name, value)
	}
	if i.Local == nil {
		return fmt.Errorf("object has no setters")
	}
	a, ok := i.Local.accessor(name)
	if !ok || a.Set == nil {
		return fmt.Errorf("no setter %q on class %q", name, i.Local.Name)
	}
	return a.Set(ctx, i, value)
}

// Invoke calls i as a bare callable value.
func (i *Instance) Invoke(ctx any, args []any) (any, error) {
	if !i.Function {
		return nil, fmt.Errorf("object is not callable")
	}
	if i.Remote() {
		return i.caller.CallInvoke(ctx, i.ID, args)
	}
	return i.fn(ctx, i, args)
}

// Iterate begins an iteration of the given kind on i.
func (i *Instance) Iterate(ctx any, kind IterKind) (*Instance, error) {
	if i.Remote() {
		return i.caller.CallIter(ctx, i.ID, kind)
	}
	return nil, fmt.Errorf("local iteration must be driven by application code, not Iterate")
}
