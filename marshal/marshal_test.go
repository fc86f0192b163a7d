package marshal_test

import (
	"testing"

	"github.com/objwire/objwire/class"
	"github.com/objwire/objwire/marshal"
	"github.com/objwire/objwire/registry"
)

type fakeCaller struct{}

func (fakeCaller) CallFunc(ctx any, id, name string, args []any) (any, error) { return nil, nil }
func (fakeCaller) CallGet(ctx any, id, name string) (any, error)              { return nil, nil }
func (fakeCaller) CallSet(ctx any, id, name string, value any) error          { return nil }
func (fakeCaller) CallIter(ctx any, id string, kind class.IterKind) (*class.Instance, error) {
	return nil, nil
}
func (fakeCaller) CallInvoke(ctx any, id string, args []any) (any, error) { return nil, nil }

func newMarshaller() (*marshal.Marshaller, *registry.Registry, *class.Mirror) {
	reg := registry.New(nil)
	mirror := class.NewMirror(reg)
	return marshal.New(reg, mirror), reg, mirror
}

func TestOutgoingPlainValues(t *testing.T) {
	m, _, _ := newMarshaller()

	for _, v := range []any{nil, true, float64(3), "hi"} {
		w, err := m.Outgoing(v, &marshal.Pending{})
		if err != nil {
			t.Fatalf("Outgoing(%v): %v", v, err)
		}
		if w.IsObj {
			t.Errorf("Outgoing(%v).IsObj = true, want false", v)
		}
	}

	w, err := m.Outgoing(map[string]any{"a": float64(1), "_hidden": "nope"}, &marshal.Pending{})
	if err != nil {
		t.Fatalf("Outgoing(plain record): %v", err)
	}
	if !w.IsObj || w.Plain == nil {
		t.Fatalf("Outgoing(plain record) = %+v, want a plainObject shape", w)
	}
	fields, ok := w.Plain.(map[string]marshal.Wire)
	if !ok {
		t.Fatalf("Plain = %T, want map[string]marshal.Wire", w.Plain)
	}
	if _, ok := fields["_hidden"]; ok {
		t.Error("plain record kept an underscore-prefixed field")
	}
	if _, ok := fields["a"]; !ok {
		t.Error("plain record dropped field \"a\"")
	}
}

// TestOutgoingClassedInstanceFirstAndSecondExport is the regression test for
// the bug where a local instance's ID — allocated once, at creation, so the
// object can be referenced before it is ever marshalled — was mistaken by
// the marshaller for "has this object already been sent." The first call to
// Outgoing for a freshly created local instance must carry the full
// {idLocal, className, properties} description; every later call for the
// same instance must carry only a bare {idLocal} reference.
func TestOutgoingClassedInstanceFirstAndSecondExport(t *testing.T) {
	m, _, mirror := newMarshaller()

	carClass := &class.Class{Name: "Car"}
	mirror.RegisterClass(carClass)

	inst, id, _, err := mirror.NewLocalInstance("Car", map[string]any{"color": "red"})
	if err != nil {
		t.Fatalf("NewLocalInstance: %v", err)
	}

	// The instance already has an ID at this point (allocated at creation),
	// which is exactly the state that fooled the old isNew check.
	if got, ok := registry.HasID(inst); !ok || got != id {
		t.Fatalf("HasID(inst) = %q, %v, want %q, true", got, ok, id)
	}

	pending := &marshal.Pending{}
	first, err := m.Outgoing(inst, pending)
	if err != nil {
		t.Fatalf("Outgoing (first export): %v", err)
	}
	if first.IDLocal != id || first.ClassName != "Car" || first.Properties == nil {
		t.Fatalf("first export = %+v, want full description for %q", first, id)
	}
	if len(pending.Descs) != 1 || pending.Descs[0].ClassName != "Car" {
		t.Fatalf("pending.Descs = %+v, want [Car]", pending.Descs)
	}

	pending2 := &marshal.Pending{}
	second, err := m.Outgoing(inst, pending2)
	if err != nil {
		t.Fatalf("Outgoing (second export): %v", err)
	}
	if second.IDLocal != id || second.ClassName != "" || second.Properties != nil {
		t.Fatalf("second export = %+v, want bare {idLocal: %q}", second, id)
	}
	if len(pending2.Descs) != 0 {
		t.Errorf("second export queued descriptions %+v, want none", pending2.Descs)
	}
}

func TestOutgoingRemoteStubIsIDRemote(t *testing.T) {
	m, _, mirror := newMarshaller()
	if err := mirror.Observe([]class.Description{{ClassName: "Car"}}); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	stub, err := mirror.MaterializeStub("7", "Car", nil, fakeCaller{})
	if err != nil {
		t.Fatalf("MaterializeStub: %v", err)
	}

	w, err := m.Outgoing(stub, &marshal.Pending{})
	if err != nil {
		t.Fatalf("Outgoing(stub): %v", err)
	}
	if w.IDRemote != "7" || w.IDLocal != "" {
		t.Errorf("Outgoing(stub) = %+v, want {idRemote: 7}", w)
	}
}

func TestIncomingPlainAndClassed(t *testing.T) {
	m, _, mirror := newMarshaller()
	if err := mirror.Observe([]class.Description{{ClassName: "Car", Functions: []string{"honk"}}}); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	plain := marshal.Wire{IsObj: true, Plain: map[string]marshal.Wire{"n": {Scalar: float64(2)}}}
	v, err := m.Incoming(t.Context(), plain, fakeCaller{})
	if err != nil {
		t.Fatalf("Incoming(plain): %v", err)
	}
	rec, ok := v.(map[string]any)
	if !ok || rec["n"] != float64(2) {
		t.Fatalf("Incoming(plain) = %v, want map with n=2", v)
	}

	full := marshal.Wire{
		IsObj:      true,
		IDLocal:    "9",
		ClassName:  "Car",
		Properties: map[string]marshal.Wire{"color": {Scalar: "blue"}},
	}
	inst, err := m.Incoming(t.Context(), full, fakeCaller{})
	if err != nil {
		t.Fatalf("Incoming(full description): %v", err)
	}
	stub, ok := inst.(*class.Instance)
	if !ok || !stub.Remote() || stub.ClassName() != "Car" {
		t.Fatalf("Incoming(full description) = %v, want a Car stub", inst)
	}
	if got, _ := stub.Field("color"); got != "blue" {
		t.Errorf("stub field color = %v, want blue", got)
	}

	// A bare {idLocal} reference to an ID already materialized must return
	// the same stub (P2), not error or create a second one.
	bare := marshal.Wire{IsObj: true, IDLocal: "9"}
	again, err := m.Incoming(t.Context(), bare, fakeCaller{})
	if err != nil {
		t.Fatalf("Incoming(bare reference): %v", err)
	}
	if again != inst {
		t.Errorf("Incoming(bare reference) = %v, want the same instance %v", again, inst)
	}
}

func TestIncomingBareReferenceToUnknownIDFails(t *testing.T) {
	m, _, _ := newMarshaller()
	bare := marshal.Wire{IsObj: true, IDLocal: "missing"}
	if _, err := m.Incoming(t.Context(), bare, fakeCaller{}); err == nil {
		t.Fatal("Incoming(bare reference to unknown id): want error, got nil")
	} else if _, ok := err.(*marshal.ErrUnknownRemote); !ok {
		t.Errorf("Incoming error = %T, want *marshal.ErrUnknownRemote", err)
	}
}

func TestCyclicPlainRecordPromotesToReference(t *testing.T) {
	m, _, _ := newMarshaller()

	self := map[string]any{"name": "loop"}
	self["self"] = self // a cycle: self refers back to itself

	pending := &marshal.Pending{}
	w, err := m.Outgoing(self, pending)
	if err != nil {
		t.Fatalf("Outgoing(cyclic record): %v", err)
	}
	fields, ok := w.Plain.(map[string]marshal.Wire)
	if !ok {
		t.Fatalf("Outgoing(cyclic record).Plain = %T, want map[string]marshal.Wire", w.Plain)
	}
	back := fields["self"]
	if !back.IsObj || back.IDLocal == "" || back.Plain != nil {
		t.Errorf("back-edge = %+v, want a bare {idLocal} reference", back)
	}
}
