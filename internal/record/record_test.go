package record

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mysql-cdc-reader/internal/cursor"
	"mysql-cdc-reader/internal/event"
	"mysql-cdc-reader/internal/schema"
	"mysql-cdc-reader/internal/tablemap"
)

func TestCreateEachEmitsOnePerRowWithIncreasingRowInEvent(t *testing.T) {
	cur := cursor.New(cursor.Position{File: "mysql-bin.000001", Pos: 4})
	var got []ChangeRecord
	maker := NewMaker(cur, func(r ChangeRecord) error {
		got = append(got, r)
		return nil
	})

	table := tablemap.TableID{Database: "db1", Table: "t"}
	rows := []event.Row{{1, "a"}, {2, "b"}}

	count, err := maker.CreateEach(table, nil, rows, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != len(rows) {
		t.Fatalf("expected %d records, got %d", len(rows), count)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 emitted records, got %d", len(got))
	}
	if got[0].Offset["row"] != uint32(0) || got[1].Offset["row"] != uint32(1) {
		t.Fatalf("expected strictly increasing row-in-event: %v, %v", got[0].Offset["row"], got[1].Offset["row"])
	}
}

func TestUpdatePinsRowIndexBeforeSnapshot(t *testing.T) {
	cur := cursor.New(cursor.Position{})
	var got []ChangeRecord
	maker := NewMaker(cur, func(r ChangeRecord) error {
		got = append(got, r)
		return nil
	})
	table := tablemap.TableID{Database: "db", Table: "u"}

	if err := maker.Update(table, nil, event.Row{1, "x"}, event.Row{1, "y"}, time.Now(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := maker.Update(table, nil, event.Row{2, "p"}, event.Row{2, "q"}, time.Now(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Offset["row"] != uint32(0) || got[1].Offset["row"] != uint32(1) {
		t.Fatalf("unexpected row-in-event values: %v, %v", got[0].Offset["row"], got[1].Offset["row"])
	}
	if got[0].Before["col0"] != 1 || got[0].After["col1"] != "y" {
		t.Fatalf("unexpected before/after images: %+v", got[0])
	}
}

func TestEmissionStopsOnEnqueueError(t *testing.T) {
	cur := cursor.New(cursor.Position{})
	calls := 0
	stopErr := errors.New("interrupted")
	maker := NewMaker(cur, func(r ChangeRecord) error {
		calls++
		if calls == 2 {
			return stopErr
		}
		return nil
	})
	table := tablemap.TableID{Database: "d", Table: "t"}
	rows := []event.Row{{1}, {2}, {3}}

	count, err := maker.CreateEach(table, nil, rows, time.Now())
	if !errors.Is(err, stopErr) {
		t.Fatalf("expected stopErr, got %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 successfully emitted record before the error, got %d", count)
	}
}

func TestTypeRowUsesSchemaColumnNamesAndDecimal(t *testing.T) {
	cur := cursor.New(cursor.Position{})
	var got ChangeRecord
	maker := NewMaker(cur, func(r ChangeRecord) error {
		got = r
		return nil
	})
	def := &schema.TableDef{Columns: []schema.ColumnDef{
		{Name: "id", Type: "int", Ordinal: 0},
		{Name: "price", Type: "decimal(10,2)", Ordinal: 1},
	}}
	table := tablemap.TableID{Database: "d", Table: "t"}

	if _, err := maker.CreateEach(table, def, []event.Row{{1, "19.99"}}, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.After["id"] != 1 {
		t.Fatalf("expected id column name mapping, got %+v", got.After)
	}
	price, ok := got.After["price"].(decimal.Decimal)
	if !ok || price.String() != "19.99" {
		t.Fatalf("expected price column typed as decimal 19.99: %+v", got.After)
	}
}
