// Package marshal implements the recursive value transforms described in
// §4.B: converting between in-memory domain values and the JSON-only wire
// grammar, and back.
//
// The domain value space this package accepts and produces is closed: nil,
// bool, float64, string, []any, map[string]any (a plain record), and
// *class.Instance (a classed object, a remote stub, or a callable). Any
// other Go type reaching Outgoing is a programming error in the caller,
// not a value this runtime knows how to mirror.
package marshal

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/objwire/objwire/class"
	"github.com/objwire/objwire/registry"
)


// Wire is the decoded JSON shape of a single wire value, per the grammar
// table in §4.B. Exactly the fields relevant to the value's shape are set;
// callers distinguish shapes by which fields are present, mirroring the
// "tie-break" rule that a value carrying both IDLocal and Properties is
// always a full description.
type Wire struct {
	Plain      any             `json:"plainObject,omitempty"`
	IDLocal    string          `json:"idLocal,omitempty"`
	IDRemote   string          `json:"idRemote,omitempty"`
	ClassName  string          `json:"className,omitempty"`
	Properties map[string]Wire `json:"properties,omitempty"`

	// Scalar holds a primitive, array, or null value (a JSON value with
	// none of the wrapper shapes above). It is promoted to the top level
	// rather than nested so plain primitives encode without an envelope.
	Scalar any `json:"-"`
	IsObj  bool `json:"-"` // true if this Wire came from (or encodes as) an object shape
}

// MarshalJSON encodes w per the wire grammar: object shapes as a JSON
// object with the relevant keys, everything else as the bare scalar.
func (w Wire) MarshalJSON() ([]byte, error) {
	if !w.IsObj {
		return json.Marshal(w.Scalar)
	}
	m := map[string]any{}
	if w.Plain != nil {
		m["plainObject"] = w.Plain
	}
	if w.IDLocal != "" {
		m["idLocal"] = w.IDLocal
	}
	if w.IDRemote != "" {
		m["idRemote"] = w.IDRemote
	}
	if w.ClassName != "" {
		m["className"] = w.ClassName
	}
	if w.Properties != nil {
		m["properties"] = w.Properties
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes w from either an object shape or a bare scalar.
func (w *Wire) UnmarshalJSON(data []byte) error {
	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	m, ok := probe.(map[string]any)
	if !ok {
		w.Scalar = probe
		w.IsObj = false
		return nil
	}
	w.IsObj = true
	if v, ok := m["plainObject"].(map[string]any); ok {
		fields, err := decodeWireMap(v)
		if err != nil {
			return err
		}
		w.Plain = fields
	}
	if v, ok := m["idLocal"].(string); ok {
		w.IDLocal = v
	}
	if v, ok := m["idRemote"].(string); ok {
		w.IDRemote = v
	}
	if v, ok := m["className"].(string); ok {
		w.ClassName = v
	}
	if v, ok := m["properties"].(map[string]any); ok {
		fields, err := decodeWireMap(v)
		if err != nil {
			return err
		}
		w.Properties = fields
	}
	return nil
}

// decodeWireMap re-decodes a generically-parsed JSON object (each value
// still an untyped any) into a map of Wire values, so nested shapes are
// recognized the same way regardless of nesting depth.
func decodeWireMap(m map[string]any) (map[string]Wire, error) {
	out := make(map[string]Wire, len(m))
	for k, v := range m {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var w Wire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		out[k] = w
	}
	return out, nil
}

// Marshaller implements the outgoing and incoming recursive transforms. It
// is safe for concurrent use.
type Marshaller struct {
	reg    *registry.Registry
	mirror *class.Mirror

	mu       sync.Mutex
	promoted map[uintptr]*class.Instance // cycle-promoted plain records, by map header pointer
}

// New constructs a Marshaller over the given registry and class mirror.
func New(reg *registry.Registry, mirror *class.Mirror) *Marshaller {
	return &Marshaller{reg: reg, mirror: mirror, promoted: make(map[uintptr]*class.Instance)}
}

// Pending accumulates the class descriptions Outgoing discovers it must
// send before the value it is building. Outgoing never sends anything
// itself — see the ordering note in §4.B — it only reports what the
// caller still owes the wire.
type Pending struct {
	Descs []class.Description
}

// Outgoing converts a domain value into its wire form. Any class
// descriptions that must precede this value on the wire (because this
// call exposed a class for the first time) are appended to pending, in
// the order they must be sent; the caller is responsible for actually
// transmitting them via the "class" verb before this value's carrier
// verb.
func (m *Marshaller) Outgoing(v any, pending *Pending) (Wire, error) {
	return m.outgoing(v, pending, map[uintptr]bool{})
}

func (m *Marshaller) outgoing(v any, pending *Pending, active map[uintptr]bool) (Wire, error) {
	switch t := v.(type) {
	case nil:
		return Wire{Scalar: nil}, nil
	case bool, string, float64, int, int64:
		return Wire{Scalar: v}, nil
	case []any:
		ptr := sliceHeader(t)
		if active[ptr] {
			return m.promoteCycle(v, ptr)
		}
		active[ptr] = true
		defer delete(active, ptr)

		out := make([]any, len(t))
		for i, e := range t {
			w, err := m.outgoing(e, pending, active)
			if err != nil {
				return Wire{}, err
			}
			out[i] = w
		}
		return Wire{Scalar: out}, nil
	case map[string]any:
		ptr := mapHeader(t)
		if active[ptr] {
			return m.promoteCycle(v, ptr)
		}
		active[ptr] = true
		defer delete(active, ptr)

		fields := make(map[string]Wire, len(t))
		for k, fv := range t {
			if len(k) > 0 && k[0] == '_' {
				continue
			}
			w, err := m.outgoing(fv, pending, active)
			if err != nil {
				return Wire{}, err
			}
			fields[k] = w
		}
		return Wire{IsObj: true, Plain: fields}, nil
	case *class.Instance:
		return m.outgoingInstance(t, pending)
	default:
		return Wire{}, fmt.Errorf("marshal: cannot send value of type %T", v)
	}
}

func (m *Marshaller) outgoingInstance(inst *class.Instance, pending *Pending) (Wire, error) {
	// Rule 5: a materialized stub returning to its owner is {idRemote}.
	if inst.Remote() {
		return Wire{IsObj: true, IDRemote: inst.ID}, nil
	}
	// Rule 3: a callable value.
	if inst.Function {
		return Wire{IsObj: true, IDLocal: inst.ID, ClassName: "Function"}, nil
	}

	// Rule 6: any other (local, classed) object. IDFor registers inst in
	// this Marshaller's registry (or re-promotes an existing entry), so
	// the peer's later idRemote references resolve here. Its isNew is not
	// consulted: "has an ID" and "has ever been sent" are different
	// questions, and MarkSent answers the one that decides whether this
	// export carries the full description.
	id, _ := registry.IDFor(m.reg, inst, inst.ClassName())
	if !inst.MarkSent() {
		return Wire{IsObj: true, IDLocal: id}, nil
	}

	descs, err := m.mirror.Describe(inst.ClassName())
	if err != nil {
		return Wire{}, err
	}
	pending.Descs = append(pending.Descs, descs...)

	props := make(map[string]Wire)
	for k, fv := range inst.Fields() {
		w, err := m.outgoing(fv, pending, map[uintptr]bool{})
		if err != nil {
			return Wire{}, err
		}
		props[k] = w
	}
	return Wire{IsObj: true, IDLocal: id, ClassName: inst.ClassName(), Properties: props}, nil
}

// promoteCycle handles the correctness gap called out in Design Notes §9:
// a plain record participating in a cycle is promoted to classed identity
// on the fly, and the back-edge is encoded as a reference instead of being
// inlined again.
func (m *Marshaller) promoteCycle(v any, ptr uintptr) (Wire, error) {
	m.mu.Lock()
	inst, ok := m.promoted[ptr]
	if !ok {
		inst = &class.Instance{Local: plainRecordClass}
		// TODO: a cyclic []any loses its element data here; only the
		// map[string]any case round-trips its contents once promoted.
		if mv, ok := v.(map[string]any); ok {
			for k, fv := range mv {
				inst.SetField(k, fv)
			}
		}
		m.promoted[ptr] = inst
	}
	m.mu.Unlock()

	id, _ := registry.IDFor(m.reg, inst, inst.ClassName())
	return Wire{IsObj: true, IDLocal: id}, nil
}

// plainRecordClass is the synthetic class used only to give a cyclic plain
// record a stable identity; it is never described to the peer because its
// name is never passed to Mirror.Describe.
var plainRecordClass = &class.Class{Name: "__PlainRecord"}

// Incoming converts a decoded wire value back into a domain value. caller
// supplies the forwarding target used if this call materializes a new
// stub.
func (m *Marshaller) Incoming(ctx context.Context, w Wire, caller class.Caller) (any, error) {
	if !w.IsObj {
		switch s := w.Scalar.(type) {
		case []any:
			out := make([]any, len(s))
			for i, e := range s {
				raw, err := json.Marshal(e)
				if err != nil {
					return nil, err
				}
				var ew Wire
				if err := json.Unmarshal(raw, &ew); err != nil {
					return nil, err
				}
				v, err := m.Incoming(ctx, ew, caller)
				if err != nil {
					return nil, err
				}
				out[i] = v
			}
			return out, nil
		default:
			return s, nil
		}
	}

	// Rule 3: {plainObject: m}.
	if w.Plain != nil && w.IDLocal == "" && w.IDRemote == "" {
		pm, _ := w.Plain.(map[string]Wire)
		out := make(map[string]any, len(pm))
		for k, fv := range pm {
			v, err := m.Incoming(ctx, fv, caller)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	}

	// Rule 6: {idRemote}.
	if w.IDRemote != "" {
		v, err := m.mirror.LocalInstance(w.IDRemote)
		if err != nil {
			return nil, err
		}
		return v, nil
	}

	// Tie-break: idLocal + properties is always a full description (rule 5),
	// even if idLocal was already known.
	if w.IDLocal != "" && w.Properties != nil {
		fields := make(map[string]any, len(w.Properties))
		for k, fv := range w.Properties {
			v, err := m.Incoming(ctx, fv, caller)
			if err != nil {
				return nil, err
			}
			fields[k] = v
		}
		if w.ClassName == "Function" {
			return m.mirror.MaterializeFunction(w.IDLocal, caller)
		}
		return m.mirror.MaterializeStub(w.IDLocal, w.ClassName, fields, caller)
	}

	// Rule 4: {idLocal, className?} without properties.
	if w.IDLocal != "" {
		if w.ClassName == "Function" {
			return m.mirror.MaterializeFunction(w.IDLocal, caller)
		}
		if inst, ok := m.mirror.StubByID(w.IDLocal); ok {
			return inst, nil
		}
		return nil, &ErrUnknownRemote{ID: w.IDLocal}
	}

	return nil, fmt.Errorf("marshal: malformed wire value")
}

// ErrUnknownRemote is returned by Incoming when a {idLocal} reference names
// a stub this side has never materialized and no description accompanies it.
type ErrUnknownRemote struct{ ID string }

func (e *ErrUnknownRemote) Error() string {
	return fmt.Sprintf("unknown remote object %q", e.ID)
}

func sliceHeader(s []any) uintptr {
	if len(s) == 0 {
		return 0
	}
	return reflect.ValueOf(s).Pointer()
}

func mapHeader(m map[string]any) uintptr {
	if len(m) == 0 {
		return 0
	}
	return reflect.ValueOf(m).Pointer()
}
