// Package schema implements the Schema Tracker (C2): consumes QUERY
// events as (database, sqlText), applies DDL to an in-memory Snapshot,
// and persists each applied statement to a HistoryStore before the
// dispatcher moves on to any row event that might depend on it.
package schema

import (
	"fmt"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver" // registers literal-expression evaluation used by ast.ValueExpr

	"mysql-cdc-reader/internal/tablemap"
)

// ParseError signals that a QUERY event's SQL text could not be parsed.
// Per spec §4.2/§7, this is logged and the snapshot is left unchanged —
// it is never fatal to the dispatcher.
type ParseError struct {
	SQL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("schema: parse error for %q: %v", e.SQL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Statement is one applied DDL statement, used both for schema-change
// record emission and for history persistence.
type Statement struct {
	Kind  string // "create_table", "alter_table", "drop_table", "rename_table"
	Table tablemap.TableID
	SQL   string
}

// HistoryEntry is the append-only unit spec §6 defines: a position,
// database, and the statements applied at that position.
type HistoryEntry struct {
	Position   map[string]any
	Database   string
	Statements []string
}

// HistoryStore persists HistoryEntry values. Append must complete (and be
// durable — fsync'd) before the caller acknowledges the QUERY event as
// applied (spec §4.2, §9).
type HistoryStore interface {
	Append(entry HistoryEntry) error
}

// Tracker owns the schema Snapshot and the parser used to interpret DDL.
type Tracker struct {
	snapshot Snapshot
	parser   *parser.Parser
	history  HistoryStore
}

// NewTracker returns a Tracker seeded from an existing snapshot (e.g. one
// reconstructed by internal/loader at startup), or an empty one when seed
// is nil. history may be nil to disable persistence (tests).
func NewTracker(seed Snapshot, history HistoryStore) *Tracker {
	snap := seed
	if snap == nil {
		snap = make(Snapshot)
	}
	return &Tracker{
		snapshot: snap,
		parser:   parser.New(),
		history:  history,
	}
}

// Snapshot returns the current schema snapshot. Callers must treat it as
// read-only; Apply always installs a fresh map on success.
func (t *Tracker) Snapshot() Snapshot {
	return t.snapshot
}

// Apply parses sqlText (one or more `;`-separated statements) and applies
// every DDL statement found to a cloned snapshot. Application is atomic
// per event: either every statement in sqlText takes effect, or none do
// (spec §4.2's "Contract"). position is the cursor coordinate the QUERY
// event was observed at (cursor.Cursor.Snapshot()); it is carried through
// to the persisted HistoryEntry unchanged, so a replay can report where in
// the binlog each schema change happened. On success, the applied history
// entry is persisted before Apply returns, and the list of applied
// Statements is returned for schema-change record emission.
func (t *Tracker) Apply(database, sqlText string, position map[string]any) ([]Statement, error) {
	stmtNodes, _, err := t.parser.Parse(sqlText, "", "")
	if err != nil {
		return nil, &ParseError{SQL: sqlText, Err: err}
	}

	working := t.snapshot.clone()
	var applied []Statement
	var rawStatements []string

	for _, node := range stmtNodes {
		stmt, sql, ok := applyNode(working, database, node)
		if !ok {
			continue // non-DDL statement (e.g. BEGIN) embedded in the QUERY event; not a schema change
		}
		applied = append(applied, stmt)
		rawStatements = append(rawStatements, sql)
	}

	if len(applied) == 0 {
		return nil, nil
	}

	if t.history != nil {
		if err := t.history.Append(HistoryEntry{
			Position:   position,
			Database:   database,
			Statements: rawStatements,
		}); err != nil {
			return nil, fmt.Errorf("schema: Apply: history append failed, snapshot left unchanged: %w", err)
		}
	}

	t.snapshot = working
	return applied, nil
}

// applyNode mutates working for a single statement node. Returns
// ok == false for statement kinds that are not schema-affecting DDL
// (e.g. a bare BEGIN wrapping the event, or a DCL statement).
func applyNode(working Snapshot, database string, node ast.StmtNode) (Statement, string, bool) {
	switch n := node.(type) {
	case *ast.CreateTableStmt:
		id := tableID(database, n.Table)
		def := &TableDef{}
		for i, col := range n.Cols {
			def.Columns = append(def.Columns, columnDefFrom(col, i))
		}
		working[id] = def
		return Statement{Kind: "create_table", Table: id, SQL: n.Text()}, n.Text(), true

	case *ast.AlterTableStmt:
		id := tableID(database, n.Table)
		def := working[id]
		if def == nil {
			def = &TableDef{}
		} else {
			def = def.clone()
		}
		for _, spec := range n.Specs {
			applyAlterSpec(def, spec)
		}
		working[id] = def
		return Statement{Kind: "alter_table", Table: id, SQL: n.Text()}, n.Text(), true

	case *ast.DropTableStmt:
		var last tablemap.TableID
		for _, tbl := range n.Tables {
			last = tableID(database, tbl)
			delete(working, last)
		}
		return Statement{Kind: "drop_table", Table: last, SQL: n.Text()}, n.Text(), true

	case *ast.RenameTableStmt:
		var last tablemap.TableID
		for _, clause := range n.TableToTables {
			oldID := tableID(database, clause.OldTable)
			newID := tableID(database, clause.NewTable)
			if def, ok := working[oldID]; ok {
				working[newID] = def
				delete(working, oldID)
			}
			last = newID
		}
		return Statement{Kind: "rename_table", Table: last, SQL: n.Text()}, n.Text(), true

	default:
		return Statement{}, "", false
	}
}

func applyAlterSpec(def *TableDef, spec *ast.AlterTableSpec) {
	switch spec.Tp {
	case ast.AlterTableAddColumns:
		for _, col := range spec.NewColumns {
			def.Columns = append(def.Columns, columnDefFrom(col, len(def.Columns)))
		}
	case ast.AlterTableDropColumn:
		if spec.OldColumnName == nil {
			return
		}
		name := spec.OldColumnName.Name.O
		if idx := def.columnIndex(name); idx >= 0 {
			def.Columns = append(def.Columns[:idx], def.Columns[idx+1:]...)
			renumber(def)
		}
	case ast.AlterTableModifyColumn, ast.AlterTableChangeColumn:
		if len(spec.NewColumns) == 0 {
			return
		}
		oldName := spec.NewColumns[0].Name.Name.O
		if spec.OldColumnName != nil {
			oldName = spec.OldColumnName.Name.O
		}
		idx := def.columnIndex(oldName)
		newCol := columnDefFrom(spec.NewColumns[0], 0)
		if idx >= 0 {
			newCol.Ordinal = def.Columns[idx].Ordinal
			def.Columns[idx] = newCol
		} else {
			newCol.Ordinal = len(def.Columns)
			def.Columns = append(def.Columns, newCol)
		}
	}
}

func renumber(def *TableDef) {
	for i := range def.Columns {
		def.Columns[i].Ordinal = i
	}
}

func tableID(database string, name *ast.TableName) tablemap.TableID {
	db := database
	if name.Schema.O != "" {
		db = name.Schema.O
	}
	return tablemap.TableID{Database: db, Table: name.Name.O}
}

func columnDefFrom(col *ast.ColumnDef, ordinal int) ColumnDef {
	c := ColumnDef{
		Name:     col.Name.Name.O,
		Type:     col.Tp.String(),
		Nullable: true,
		Ordinal:  ordinal,
	}
	for _, opt := range col.Options {
		switch opt.Tp {
		case ast.ColumnOptionNotNull, ast.ColumnOptionPrimaryKey:
			c.Nullable = false
		case ast.ColumnOptionNull:
			c.Nullable = true
		case ast.ColumnOptionDefaultValue:
			if v, ok := opt.Expr.(ast.ValueExpr); ok {
				s := fmt.Sprintf("%v", v.GetValue())
				c.Default = &s
			}
		}
	}
	return c
}
