package verb_test

import (
	"testing"

	"github.com/objwire/objwire/verb"
)

func TestIsValid(t *testing.T) {
	for _, name := range verb.All {
		if !verb.IsValid(name) {
			t.Errorf("IsValid(%q) = false, want true", name)
		}
	}
	if verb.IsValid("bogus") {
		t.Error("IsValid(bogus) = true, want false")
	}
}

func TestOneway(t *testing.T) {
	if !verb.Oneway(verb.Del) {
		t.Error("Oneway(del) = false, want true")
	}
	for _, name := range verb.All {
		if name == verb.Del {
			continue
		}
		if verb.Oneway(name) {
			t.Errorf("Oneway(%q) = true, want false", name)
		}
	}
}

func TestTableRoundTrip(t *testing.T) {
	tab := verb.NewTable()
	data := tab.Encode()

	var got verb.Table
	if err := got.Decode(data); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Names()) != len(verb.All) {
		t.Fatalf("Decode produced %d names, want %d", len(got.Names()), len(verb.All))
	}
	for _, name := range verb.All {
		found := false
		for _, g := range got.Names() {
			if g == name {
				found = true
			}
		}
		if !found {
			t.Errorf("decoded table missing verb %q", name)
		}
	}
}
