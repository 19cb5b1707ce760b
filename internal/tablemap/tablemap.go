// Package tablemap implements the Table-Id Map (C3): binds ephemeral
// numeric table-ids from TABLE_MAP events to stable logical table
// identities and caches per-(tableNumber, columnBitset) row emitters.
package tablemap

import "fmt"

// TableID is the stable logical identity of a table — (database, table),
// with an optional schema qualifier for flavors that have one.
type TableID struct {
	Database string
	Schema   string
	Table    string
}

func (t TableID) String() string {
	if t.Schema != "" {
		return fmt.Sprintf("%s.%s.%s", t.Database, t.Schema, t.Table)
	}
	return fmt.Sprintf("%s.%s", t.Database, t.Table)
}

// RecordsForTable is the cached, per-(tableNumber, columnBitset) row-image
// emitter the record maker uses to type and emit rows for one table.
type RecordsForTable struct {
	TableID         TableID
	IncludedColumns uint64
}

type cacheKey struct {
	number uint64
	cols   uint64
}

type binding struct {
	id       TableID
	included bool
}

// Map binds table numbers to logical ids within the scope of one binlog
// file. It is owned exclusively by the dispatcher's receiver context — no
// locking.
type Map struct {
	bindings map[uint64]binding
	cache    map[cacheKey]*RecordsForTable
	// isIncluded reports whether a logical table passes the reader's
	// inclusion filter. A nil filter includes everything.
	isIncluded func(TableID) bool
}

// New returns an empty Map. filter may be nil to include every table.
func New(filter func(TableID) bool) *Map {
	return &Map{
		bindings:   make(map[uint64]binding),
		cache:      make(map[cacheKey]*RecordsForTable),
		isIncluded: filter,
	}
}

// Assign binds a table number to a logical table id, as observed in a
// TABLE_MAP event. Returns true if the binding was accepted (the table
// passed the inclusion filter); false if it was filtered out, in which
// case subsequent row events for this number are ignored by Lookup.
func (m *Map) Assign(tableNumber uint64, id TableID) bool {
	included := m.isIncluded == nil || m.isIncluded(id)
	m.bindings[tableNumber] = binding{id: id, included: included}
	// Drop any stale cache entries for this number; re-binding
	// always re-derives the emitter rather than mutating it.
	for key := range m.cache {
		if key.number == tableNumber {
			delete(m.cache, key)
		}
	}
	return included
}

// Lookup returns the cached emitter for (tableNumber, includedColumns),
// deriving and caching it on first use. Returns (nil, false) if the
// number has no current binding (unbound — spec §4.3's "unknown
// tableNumber" case) or the binding was filtered out.
func (m *Map) Lookup(tableNumber uint64, includedColumns uint64) (*RecordsForTable, bool) {
	b, ok := m.bindings[tableNumber]
	if !ok || !b.included {
		return nil, false
	}
	key := cacheKey{number: tableNumber, cols: includedColumns}
	if rft, ok := m.cache[key]; ok {
		return rft, true
	}
	rft := &RecordsForTable{TableID: b.id, IncludedColumns: includedColumns}
	m.cache[key] = rft
	return rft, true
}

// Clear invalidates every binding. Called on ROTATE: table numbers are
// only valid within one binlog file.
func (m *Map) Clear() {
	m.bindings = make(map[uint64]binding)
	m.cache = make(map[cacheKey]*RecordsForTable)
}
