package schema

import "mysql-cdc-reader/internal/tablemap"

// ColumnDef describes one column of a tracked table: its MySQL type text,
// nullability, ordinal position, and optional default expression text.
type ColumnDef struct {
	Name     string
	Type     string
	Nullable bool
	Ordinal  int
	Default  *string
}

// TableDef is the column list for one logical table, ordered by Ordinal.
type TableDef struct {
	Columns []ColumnDef
}

func (t *TableDef) columnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (t *TableDef) clone() *TableDef {
	cp := &TableDef{Columns: make([]ColumnDef, len(t.Columns))}
	copy(cp.Columns, t.Columns)
	return cp
}

// Snapshot maps a logical table id to its current column list. Mutated
// only by DDL application (schema.Tracker.Apply); read-only to everyone
// else, including the record maker (spec §3's "weak/read-only" access).
type Snapshot map[tablemap.TableID]*TableDef

func (s Snapshot) clone() Snapshot {
	cp := make(Snapshot, len(s))
	for id, def := range s {
		cp[id] = def.clone()
	}
	return cp
}

// Table returns the definition for id, or nil if the table is unknown to
// the snapshot (never tracked, or dropped).
func (s Snapshot) Table(id tablemap.TableID) *TableDef {
	return s[id]
}
