package class_test

import (
	"testing"

	"github.com/objwire/objwire/class"
	"github.com/objwire/objwire/registry"
)

func newMirror() *class.Mirror {
	return class.NewMirror(registry.New(nil))
}

func TestDescribeParentFirst(t *testing.T) {
	m := newMirror()

	movable := &class.Class{
		Name:      "Movable",
		Functions: map[string]class.LocalFunc{"move": func(ctx any, self *class.Instance, args []any) (any, error) { return nil, nil }},
	}
	car := &class.Class{
		Name:   "Car",
		Parent: movable,
		Getters: map[string]class.Accessor{
			"owner": {
				Get: func(ctx any, self *class.Instance) (any, error) {
					v, _ := self.Field("_owner")
					return v, nil
				},
				Set: func(ctx any, self *class.Instance, v any) error {
					self.SetField("_owner", v)
					return nil
				},
			},
		},
	}
	m.RegisterClass(movable)
	m.RegisterClass(car)

	descs, err := m.Describe("Car")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("Describe(Car) = %d descriptions, want 2", len(descs))
	}
	if descs[0].ClassName != "Movable" {
		t.Errorf("descs[0].ClassName = %q, want Movable", descs[0].ClassName)
	}
	if descs[1].ClassName != "Car" || descs[1].Extends != "Movable" {
		t.Errorf("descs[1] = %+v, want Car extending Movable", descs[1])
	}

	// A second Describe call for the same class (already fully sent)
	// must be a no-op: nothing new travels on the wire.
	again, err := m.Describe("Car")
	if err != nil {
		t.Fatalf("Describe (again): %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Describe(Car) again = %d descriptions, want 0", len(again))
	}
}

func TestObserveRejectsUnknownParent(t *testing.T) {
	m := newMirror()
	err := m.Observe([]class.Description{{ClassName: "Car", Extends: "Movable"}})
	if err == nil {
		t.Fatal("Observe with unknown parent: want error, got nil")
	}
	if _, ok := m.StubClassByName("Car"); ok {
		t.Error("Car should not be installed when its parent is unknown")
	}
}

func TestObserveThenMaterializeStub(t *testing.T) {
	m := newMirror()
	if err := m.Observe([]class.Description{
		{ClassName: "Movable", Functions: []string{"move"}},
		{ClassName: "Car", Extends: "Movable", Getters: []class.GetterDesc{{Name: "owner", HasSetter: true}}},
	}); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	inst, err := m.MaterializeStub("42", "Car", map[string]any{"color": "red"}, fakeCaller{})
	if err != nil {
		t.Fatalf("MaterializeStub: %v", err)
	}
	if !inst.Remote() {
		t.Error("materialized stub should report Remote() == true")
	}
	if inst.Stub.Name != "Car" {
		t.Errorf("inst.Stub.Name = %q, want Car", inst.Stub.Name)
	}
	if !inst.Stub.HasFunction("move") {
		t.Error("Car stub should inherit move from Movable")
	}

	again, err := m.MaterializeStub("42", "Car", nil, fakeCaller{})
	if err != nil {
		t.Fatalf("MaterializeStub (again): %v", err)
	}
	if again != inst {
		t.Error("MaterializeStub for a live ID must return the existing stub (P2)")
	}
}

type fakeCaller struct{}

func (fakeCaller) CallFunc(ctx any, id, name string, args []any) (any, error)  { return nil, nil }
func (fakeCaller) CallGet(ctx any, id, name string) (any, error)              { return nil, nil }
func (fakeCaller) CallSet(ctx any, id, name string, value any) error          { return nil }
func (fakeCaller) CallIter(ctx any, id string, kind class.IterKind) (*class.Instance, error) {
	return nil, nil
}
func (fakeCaller) CallInvoke(ctx any, id string, args []any) (any, error) { return nil, nil }
