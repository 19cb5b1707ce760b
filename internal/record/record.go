// Package record implements the Record Maker (C4): converts raw row
// tuples and applied DDL into typed ChangeRecords, stamping each with a
// frozen cursor offset and handing it to the downstream queue.
package record

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"mysql-cdc-reader/internal/cursor"
	"mysql-cdc-reader/internal/event"
	"mysql-cdc-reader/internal/schema"
	"mysql-cdc-reader/internal/tablemap"
)

// Op is the kind of change a ChangeRecord carries.
type Op string

const (
	Create Op = "create"
	Update Op = "update"
	Delete Op = "delete"
	DDL    Op = "ddl"
)

// ChangeRecord is the typed unit the dispatcher publishes downstream.
type ChangeRecord struct {
	Op        Op
	Table     *tablemap.TableID
	Before    map[string]any
	After     map[string]any
	Statement *schema.Statement // set only for DDL records
	Timestamp time.Time
	// Offset is the frozen cursor snapshot at the moment of emission —
	// the resume coordinate a sink checkpoints against this record.
	Offset map[string]any
}

// Enqueue hands a record to the downstream queue. It blocks under
// backpressure (spec §5) and returns a non-nil error only when the
// enqueue was interrupted by a stop request (spec §7's Interrupted kind).
type Enqueue func(ChangeRecord) error

// Maker is the sole writer of ChangeRecords into the downstream queue.
// It snapshots the cursor and advances or pins its row-in-event counter;
// table definitions are passed in per call and only read. It owns no
// other state.
type Maker struct {
	cur     *cursor.Cursor
	enqueue Enqueue
}

// NewMaker returns a Maker bound to cur (read for snapshotting, advanced
// for row bookkeeping) and enqueue (the queue's blocking producer side).
func NewMaker(cur *cursor.Cursor, enqueue Enqueue) *Maker {
	return &Maker{cur: cur, enqueue: enqueue}
}

// CreateEach emits one `create` record per row, advancing the cursor's
// row-in-event counter after each emission so that a not-yet-emitted row
// retains the coordinate of the row before it until its own turn.
func (m *Maker) CreateEach(table tablemap.TableID, def *schema.TableDef, rows []event.Row, ts time.Time) (int, error) {
	count := 0
	for _, row := range rows {
		rec := ChangeRecord{
			Op:        Create,
			Table:     &table,
			After:     typeRow(def, row),
			Timestamp: ts,
			Offset:    m.cur.Snapshot(),
		}
		if err := m.enqueue(rec); err != nil {
			return count, err
		}
		m.cur.AdvanceRow()
		count++
	}
	return count, nil
}

// DeleteEach emits one `delete` record per row, with the same
// advance-after-emit discipline as CreateEach.
func (m *Maker) DeleteEach(table tablemap.TableID, def *schema.TableDef, rows []event.Row, ts time.Time) (int, error) {
	count := 0
	for _, row := range rows {
		rec := ChangeRecord{
			Op:        Delete,
			Table:     &table,
			Before:    typeRow(def, row),
			Timestamp: ts,
			Offset:    m.cur.Snapshot(),
		}
		if err := m.enqueue(rec); err != nil {
			return count, err
		}
		m.cur.AdvanceRow()
		count++
	}
	return count, nil
}

// Update emits one `update` record for a single before/after pair.
// rowIndex pins the cursor's row-in-event coordinate before the snapshot
// is taken, rather than advancing it afterward — the update path's pairs
// arrive pre-indexed by the dispatcher, unlike the single-row create/
// delete paths (spec §4.4, §9's open question on the two advance
// strategies: both must still yield strictly increasing row-in-event
// values within one event, which holds as long as rowIndex is itself
// strictly increasing across calls for the same event).
func (m *Maker) Update(table tablemap.TableID, def *schema.TableDef, before, after event.Row, ts time.Time, rowIndex uint32) error {
	m.cur.SetRowInEvent(rowIndex)
	rec := ChangeRecord{
		Op:        Update,
		Table:     &table,
		Before:    typeRow(def, before),
		After:     typeRow(def, after),
		Timestamp: ts,
		Offset:    m.cur.Snapshot(),
	}
	return m.enqueue(rec)
}

// SchemaChanges emits one `ddl` record per applied statement, when the
// caller has schema-change emission enabled (spec §6's
// include.schema.changes option).
func (m *Maker) SchemaChanges(database string, statements []schema.Statement, ts time.Time) (int, error) {
	count := 0
	for i := range statements {
		stmt := statements[i]
		rec := ChangeRecord{
			Op:        DDL,
			Table:     &stmt.Table,
			Statement: &stmt,
			Timestamp: ts,
			Offset:    m.cur.Snapshot(),
		}
		if err := m.enqueue(rec); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// typeRow maps a raw row image onto its column names, applying the
// typed conversions the schema snapshot knows about (currently DECIMAL).
// def may be nil when the table's schema is unknown (DDL not yet seen,
// or tracking disabled); row values then get ordinal keys.
func typeRow(def *schema.TableDef, row event.Row) map[string]any {
	out := make(map[string]any, len(row))
	for i, v := range row {
		name := fmt.Sprintf("col%d", i)
		var typ string
		if def != nil && i < len(def.Columns) {
			name = def.Columns[i].Name
			typ = def.Columns[i].Type
		}
		out[name] = typedValue(typ, v)
	}
	return out
}

func typedValue(columnType string, v any) any {
	if v == nil {
		return nil
	}
	if strings.HasPrefix(strings.ToLower(columnType), "decimal") ||
		strings.HasPrefix(strings.ToLower(columnType), "numeric") {
		if d, err := toDecimal(v); err == nil {
			return d
		}
	}
	return v
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case string:
		return decimal.NewFromString(t)
	case []byte:
		return decimal.NewFromString(string(t))
	case float64:
		return decimal.NewFromFloat(t), nil
	case float32:
		return decimal.NewFromFloat32(t), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("record: unsupported decimal source type %T", v)
	}
}
