package class

import (
	"fmt"
	"sync"

	"github.com/objwire/objwire/registry"
)

// Mirror is the Class Mirror component (§4.C). It holds the registered
// local classes and the set already described to the peer on the outgoing
// side, and the table of mirrored StubClasses on the incoming side. A
// Mirror owns one Registry and uses it to allocate IDs for newly exposed
// local instances and to register materialized stubs.
type Mirror struct {
	reg *registry.Registry

	mu       sync.Mutex
	local    map[string]*Class     // registered local classes, by name
	sentDesc map[string]bool       // local class names already described
	remote   map[string]*StubClass // mirrored classes, by name

	funcIdentity map[any]*Instance // stable identity for wrapped local funcs
}

// NewMirror constructs a Mirror bound to reg.
func NewMirror(reg *registry.Registry) *Mirror {
	return &Mirror{
		reg:          reg,
		local:        make(map[string]*Class),
		sentDesc:     make(map[string]bool),
		remote:       make(map[string]*StubClass),
		funcIdentity: make(map[any]*Instance),
	}
}

// RegisterClass installs a locally-implemented class. It must be called
// before the first instance of the class (or any subclass) is exposed.
func (m *Mirror) RegisterClass(c *Class) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local[c.Name] = c
}

// ClassByName looks up a registered local class, e.g. to implement the
// "new" verb's class-name-to-constructor resolution.
func (m *Mirror) ClassByName(name string) (*Class, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.local[name]
	return c, ok
}

// Describe returns, in parent-first order, the descriptions that have not
// yet been sent for className and its ancestors, and marks them sent. It
// returns nil if className (and hence all its ancestors) is already fully
// described — the common case after the class's first instance.
func (m *Mirror) Describe(className string) ([]Description, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.local[className]
	if !ok {
		return nil, fmt.Errorf("class %q is not registered", className)
	}

	var chain []*Class
	for cc := c; cc != nil; cc = cc.Parent {
		if m.sentDesc[cc.Name] {
			break
		}
		chain = append(chain, cc)
	}
	// chain is child-first; reverse to parent-first so the peer always
	// receives a parent before the child that extends it (invariant 3).
	descs := make([]Description, len(chain))
	for i, cc := range chain {
		descs[len(chain)-1-i] = cc.describe()
		m.sentDesc[cc.Name] = true
	}
	return descs, nil
}

// AncestorChain returns className and its registered ancestors, parent
// first, regardless of whether any of them has been described yet. Session
// uses this to walk a new instance's class hierarchy and describe each link
// in order, closing the race where a concurrent first-exposure of a sibling
// subclass observes an ancestor as "already described" while that
// ancestor's description is still in flight to the peer.
func (m *Mirror) AncestorChain(className string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.local[className]
	if !ok {
		return nil, fmt.Errorf("class %q is not registered", className)
	}
	var names []string
	for cc := c; cc != nil; cc = cc.Parent {
		names = append(names, cc.Name)
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return names, nil
}

// IsFullyDescribed reports whether className's description has already
// been sent.
func (m *Mirror) IsFullyDescribed(className string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentDesc[className]
}

// DescribeOne describes exactly className, not its ancestors, and marks it
// sent. It returns an empty slice, not an error, if className was already
// described — the normal case when called as part of an ancestor-chain
// walk. Pair with AncestorChain to describe a whole lineage in order.
func (m *Mirror) DescribeOne(className string) ([]Description, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.local[className]
	if !ok {
		return nil, fmt.Errorf("class %q is not registered", className)
	}
	if m.sentDesc[className] {
		return nil, nil
	}
	m.sentDesc[className] = true
	return []Description{c.describe()}, nil
}

// NewLocalInstance wraps fields into a freshly exposed local instance of
// className, allocating its ID via the registry so the instance can be
// referenced (e.g. as a property of another object, or a call argument)
// even before it is ever marshalled onto the wire itself. isNew is the
// registry's own bookkeeping result (practically always true here, since
// inst was just created) — it is not the signal for "does this export need
// the full description"; that decision belongs to the marshaller, which
// tracks it per-instance via Instance.MarkSent instead, because an object
// gets its ID long before its first export and the two events almost
// never coincide.
func (m *Mirror) NewLocalInstance(className string, fields map[string]any) (inst *Instance, id string, isNew bool, err error) {
	class, ok := m.ClassByName(className)
	if !ok {
		return nil, "", false, fmt.Errorf("class %q is not registered", className)
	}
	inst = &Instance{Local: class, fields: cleanFields(fields)}
	id, isNew = registry.IDFor(m.reg, inst, className)
	inst.ID = id
	return inst, id, isNew, nil
}

// WrapLocalFunction wraps a Go closure as a local callable instance.
// identity must be a stable, comparable key the caller derives from fn
// (Go function values are themselves neither comparable nor usable as map
// keys, so the caller — typically the marshaller, keyed on the enclosing
// method call site — supplies one): repeated wrapping of "the same"
// function must reuse the same Instance so stub identity is preserved
// (§8 P1, and scenario 3's "stub identity equals any later return of the
// same f").
func (m *Mirror) WrapLocalFunction(identity any, fn LocalFunc) (inst *Instance, id string, isNew bool) {
	m.mu.Lock()
	if cached, ok := m.funcIdentity[identity]; ok {
		m.mu.Unlock()
		return cached, cached.ID, false
	}
	m.mu.Unlock()

	inst = &Instance{Function: true, fn: fn}
	id, isNew = registry.IDFor(m.reg, inst, "Function")
	inst.ID = id

	m.mu.Lock()
	m.funcIdentity[identity] = inst
	m.mu.Unlock()
	return inst, id, isNew
}

// LocalInstance dereferences a local ID, failing with *registry.ErrUnknownLocal
// if absent.
func (m *Mirror) LocalInstance(id string) (*Instance, error) {
	v, err := m.reg.LocalFor(id)
	if err != nil {
		return nil, err
	}
	inst, ok := v.(*Instance)
	if !ok {
		return nil, fmt.Errorf("local id %q does not name an instance", id)
	}
	return inst, nil
}

// Observe incorporates class descriptions received from the peer (the
// payload of a "class" verb). Descriptions are applied in the order
// given; each must either already be known or name a parent already
// known (invariant 3). It fails on the first bad description and leaves
// any not-yet-applied entries of the batch uninstalled.
func (m *Mirror) Observe(descs []Description) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range descs {
		if _, ok := m.remote[d.ClassName]; ok {
			continue
		}
		var parent *StubClass
		if d.Extends != "" {
			p, ok := m.remote[d.Extends]
			if !ok {
				return &ErrUnknownParentClass{Class: d.ClassName, Parent: d.Extends}
			}
			parent = p
		}
		sc := &StubClass{
			Name:      d.ClassName,
			Parent:    parent,
			Iterator:  d.Iterator,
			Functions: make(map[string]bool, len(d.Functions)),
			Getters:   make(map[string]bool, len(d.Getters)),
			Signals:   make(map[string]bool, len(d.Signals)),
		}
		for _, fn := range d.Functions {
			sc.Functions[fn] = true
		}
		for _, g := range d.Getters {
			sc.Getters[g.Name] = g.HasSetter
		}
		for _, sig := range d.Signals {
			sc.Signals[sig] = true
		}
		m.remote[d.ClassName] = sc
	}
	return nil
}

// StubClassByName looks up a mirrored class by name.
func (m *Mirror) StubClassByName(name string) (*StubClass, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.remote[name]
	return sc, ok
}

// MaterializeStub builds the stub for id if it does not already exist
// (returning the live one if it does — §4.B rule 4's "if a stub already
// exists for this ID, return it"), registers it with the registry so
// later references resolve to the same value (P2), and seeds its property
// bag. caller becomes the stub's forwarding target.
func (m *Mirror) MaterializeStub(id, className string, fields map[string]any, caller Caller) (*Instance, error) {
	if existing, ok := m.reg.RemoteFor(id); ok {
		if inst, ok := existing.(*Instance); ok {
			return inst, nil
		}
	}
	sc, ok := m.StubClassByName(className)
	if !ok {
		return nil, &ErrUnknownParentClass{Class: className, Parent: className}
	}
	inst := &Instance{ID: id, Stub: sc, caller: caller, fields: cleanFields(fields)}
	if err := registry.RegisterRemote(m.reg, id, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// MaterializeFunction builds (or returns the existing) callable stub for a
// remote Function-kind idLocal reference.
func (m *Mirror) MaterializeFunction(id string, caller Caller) (*Instance, error) {
	if existing, ok := m.reg.RemoteFor(id); ok {
		if inst, ok := existing.(*Instance); ok {
			return inst, nil
		}
	}
	inst := &Instance{ID: id, Function: true, caller: caller}
	if err := registry.RegisterRemote(m.reg, id, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// StubByID returns the live stub for id without attempting to create one.
func (m *Mirror) StubByID(id string) (*Instance, bool) {
	v, ok := m.reg.RemoteFor(id)
	if !ok {
		return nil, false
	}
	inst, ok := v.(*Instance)
	return inst, ok
}

func cleanFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		out[k] = v
	}
	return out
}
