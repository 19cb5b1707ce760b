package tablemap

import "testing"

func TestLookupUnknownTableNumberIsIgnored(t *testing.T) {
	m := New(nil)
	if _, ok := m.Lookup(42, 0); ok {
		t.Fatalf("expected no binding for unbound table number")
	}
}

func TestAssignThenLookup(t *testing.T) {
	m := New(nil)
	id := TableID{Database: "db1", Table: "t"}
	if ok := m.Assign(42, id); !ok {
		t.Fatalf("expected assign to be accepted with nil filter")
	}
	rft, ok := m.Lookup(42, 0b111)
	if !ok {
		t.Fatalf("expected binding to be found")
	}
	if rft.TableID != id {
		t.Fatalf("unexpected table id: %+v", rft.TableID)
	}
}

func TestLookupCachesByColumnBitset(t *testing.T) {
	m := New(nil)
	m.Assign(7, TableID{Database: "d", Table: "u"})

	a, _ := m.Lookup(7, 0b11)
	b, _ := m.Lookup(7, 0b11)
	if a != b {
		t.Fatalf("expected same cached emitter for identical bitset")
	}

	c, _ := m.Lookup(7, 0b01)
	if c == a {
		t.Fatalf("expected a distinct emitter when the column bitset changes")
	}
}

func TestAssignFilteredOutIsRejected(t *testing.T) {
	m := New(func(TableID) bool { return false })
	if ok := m.Assign(5, TableID{Database: "d", Table: "t"}); ok {
		t.Fatalf("expected filtered table to be rejected")
	}
	if _, ok := m.Lookup(5, 0); ok {
		t.Fatalf("filtered table must not be looked up")
	}
}

func TestClearInvalidatesAllBindings(t *testing.T) {
	m := New(nil)
	m.Assign(5, TableID{Database: "d", Table: "t"})
	m.Clear()
	if _, ok := m.Lookup(5, 0); ok {
		t.Fatalf("expected binding to be invalidated after Clear")
	}
}

func TestRotationResetsBindingsLaw(t *testing.T) {
	// Law from spec §8: ROTATE followed by a row event whose tableNumber
	// was bound only before the rotation must be ignored.
	m := New(nil)
	m.Assign(5, TableID{Database: "d", Table: "t"})
	m.Clear() // simulates the dispatcher's ROTATE handling
	if _, ok := m.Lookup(5, 0); ok {
		t.Fatalf("row event after rotation must not resolve a pre-rotation binding")
	}
}
