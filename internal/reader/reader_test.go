package reader

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"mysql-cdc-reader/internal/cursor"
	"mysql-cdc-reader/internal/event"
	"mysql-cdc-reader/internal/record"
	"mysql-cdc-reader/internal/schema"
	"mysql-cdc-reader/internal/source"
	"mysql-cdc-reader/internal/tablemap"
)

// recorder collects emitted ChangeRecords behind a mutex, since Start runs
// its receive loop on its own goroutine in the Stop-driven tests.
type recorder struct {
	mu      sync.Mutex
	records []record.ChangeRecord
}

func (r *recorder) enqueue(rec record.ChangeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recorder) snapshot() []record.ChangeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]record.ChangeRecord, len(r.records))
	copy(out, r.records)
	return out
}

func newTestReader(rec *recorder, includeSchemaChanges bool) *Reader {
	cur := cursor.New(cursor.Position{File: "binlog.000001"})
	tm := tablemap.New(nil)
	tracker := schema.NewTracker(nil, nil)
	maker := record.NewMaker(cur, rec.enqueue)
	return New(nil, cur, tm, tracker, maker, includeSchemaChanges, zap.NewNop().Sugar())
}

func tableMapEvent(tableNumber uint64, db, table string) *event.Event {
	return &event.Event{
		Header: event.Header{EventType: event.TableMap},
		Data:   &event.TableMapData{TableNumber: tableNumber, Database: db, Table: table},
	}
}

func TestDispatchInsertEmitsCreateRecord(t *testing.T) {
	rec := &recorder{}
	r := newTestReader(rec, false)
	ctx := context.Background()

	if err := r.handle(ctx, tableMapEvent(42, "db1", "t")); err != nil {
		t.Fatalf("table map handle: %v", err)
	}
	writeEv := &event.Event{
		Header: event.Header{EventType: event.WriteRows},
		Data: &event.RowsData{
			TableNumber:     42,
			IncludedColumns: 0b11,
			Rows:            []event.Row{{1, "a"}},
		},
	}
	if err := r.handle(ctx, writeEv); err != nil {
		t.Fatalf("write rows handle: %v", err)
	}

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].Op != record.Create {
		t.Fatalf("expected create op, got %v", got[0].Op)
	}
	if got[0].After["col0"] != 1 || got[0].After["col1"] != "a" {
		t.Fatalf("unexpected after image: %#v", got[0].After)
	}
	if got[0].Offset["row"] != uint32(0) {
		t.Fatalf("expected rowInEvent 0, got %v", got[0].Offset["row"])
	}
}

func TestDispatchMultiRowUpdateIndexesRows(t *testing.T) {
	rec := &recorder{}
	r := newTestReader(rec, false)
	ctx := context.Background()

	if err := r.handle(ctx, tableMapEvent(7, "db1", "accounts")); err != nil {
		t.Fatalf("table map handle: %v", err)
	}
	updateEv := &event.Event{
		Header: event.Header{EventType: event.UpdateRows},
		Data: &event.UpdateRowsData{
			TableNumber:     7,
			IncludedColumns: 0b1,
			Rows: []event.UpdatePair{
				{Before: event.Row{1}, After: event.Row{2}},
				{Before: event.Row{3}, After: event.Row{4}},
			},
		},
	}
	if err := r.handle(ctx, updateEv); err != nil {
		t.Fatalf("update rows handle: %v", err)
	}

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Offset["row"] != uint32(0) || got[1].Offset["row"] != uint32(1) {
		t.Fatalf("expected strictly increasing rowInEvent, got %v then %v", got[0].Offset["row"], got[1].Offset["row"])
	}
}

func TestDispatchRotateInvalidatesTableMap(t *testing.T) {
	rec := &recorder{}
	r := newTestReader(rec, false)
	ctx := context.Background()

	if err := r.handle(ctx, tableMapEvent(42, "db1", "t")); err != nil {
		t.Fatalf("table map handle: %v", err)
	}
	rotateEv := &event.Event{
		Header: event.Header{EventType: event.Rotate},
		Data:   &event.RotateData{File: "binlog.000002", Position: 4},
	}
	if err := r.handle(ctx, rotateEv); err != nil {
		t.Fatalf("rotate handle: %v", err)
	}

	writeEv := &event.Event{
		Header: event.Header{EventType: event.WriteRows},
		Data: &event.RowsData{
			TableNumber:     42,
			IncludedColumns: 0b1,
			Rows:            []event.Row{{1}},
		},
	}
	if err := r.handle(ctx, writeEv); err != nil {
		t.Fatalf("write rows handle: %v", err)
	}

	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("expected rotate to invalidate the stale table number, got %d records", len(got))
	}
}

func TestDispatchDDLEmitsSchemaChangeRecord(t *testing.T) {
	rec := &recorder{}
	r := newTestReader(rec, true)
	ctx := context.Background()

	queryEv := &event.Event{
		Header: event.Header{EventType: event.Query},
		Data:   &event.QueryData{Database: "db1", SQL: "CREATE TABLE t (id INT)"},
	}
	if err := r.handle(ctx, queryEv); err != nil {
		t.Fatalf("query handle: %v", err)
	}

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 ddl record, got %d", len(got))
	}
	if got[0].Op != record.DDL {
		t.Fatalf("expected ddl op, got %v", got[0].Op)
	}
	if got[0].Statement == nil || got[0].Statement.Kind != "create_table" {
		t.Fatalf("expected create_table statement, got %#v", got[0].Statement)
	}

	def := r.schemaTracker.Snapshot().Table(tablemap.TableID{Database: "db1", Table: "t"})
	if def == nil || len(def.Columns) != 1 || def.Columns[0].Name != "id" {
		t.Fatalf("expected schema snapshot to record the new table, got %#v", def)
	}
}

func TestDispatchSchemaChangesSuppressedWhenDisabled(t *testing.T) {
	rec := &recorder{}
	r := newTestReader(rec, false)
	ctx := context.Background()

	queryEv := &event.Event{
		Header: event.Header{EventType: event.Query},
		Data:   &event.QueryData{Database: "db1", SQL: "CREATE TABLE t (id INT)"},
	}
	if err := r.handle(ctx, queryEv); err != nil {
		t.Fatalf("query handle: %v", err)
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("expected no ddl record when schema-change emission is disabled, got %d", len(got))
	}
	// The snapshot still updates even when emission is off.
	def := r.schemaTracker.Snapshot().Table(tablemap.TableID{Database: "db1", Table: "t"})
	if def == nil {
		t.Fatalf("expected schema snapshot to still record the new table")
	}
}

func TestDispatchUnparseableDDLIsNonFatal(t *testing.T) {
	rec := &recorder{}
	r := newTestReader(rec, true)
	ctx := context.Background()

	queryEv := &event.Event{
		Header: event.Header{EventType: event.Query},
		Data:   &event.QueryData{Database: "db1", SQL: "NOT EVEN SQL %%%"},
	}
	if err := r.handle(ctx, queryEv); err != nil {
		t.Fatalf("expected a parse error to be swallowed as non-fatal, got %v", err)
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("expected no records for an unparseable statement, got %d", len(got))
	}
}

func TestDispatchUnknownTableNumberIgnored(t *testing.T) {
	rec := &recorder{}
	r := newTestReader(rec, false)
	ctx := context.Background()

	writeEv := &event.Event{
		Header: event.Header{EventType: event.WriteRows},
		Data: &event.RowsData{
			TableNumber:     99,
			IncludedColumns: 0b1,
			Rows:            []event.Row{{1}},
		},
	}
	if err := r.handle(ctx, writeEv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("expected an unbound table number to be ignored, got %d records", len(got))
	}
}

// fakeSource replays a fixed event list, then blocks on ctx.Done() once
// exhausted — mirroring a live streamer idling for the next event.
type fakeSource struct {
	mu         sync.Mutex
	events     []*event.Event
	served     int
	connectErr error
	closed     bool
}

func (f *fakeSource) Connect(ctx context.Context, opts source.StartOptions) error {
	return f.connectErr
}

func (f *fakeSource) NextEvent(ctx context.Context) (*event.Event, error) {
	f.mu.Lock()
	if f.served < len(f.events) {
		ev := f.events[f.served]
		f.served++
		f.mu.Unlock()
		return ev, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSource) Served() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.served
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestStartSurfacesAuthenticationFailure(t *testing.T) {
	rec := &recorder{}
	src := &fakeSource{connectErr: &source.AuthenticationFailedError{Host: "db", Port: 3306, User: "repl"}}
	cur := cursor.New(cursor.Position{})
	tm := tablemap.New(nil)
	tracker := schema.NewTracker(nil, nil)
	maker := record.NewMaker(cur, rec.enqueue)
	r := New(src, cur, tm, tracker, maker, false, zap.NewNop().Sugar())

	err := r.Start(context.Background(), source.StartOptions{Host: "db", Port: 3306, User: "repl"})
	if err == nil {
		t.Fatalf("expected authentication failure to be surfaced")
	}
	if r.State() != Failed {
		t.Fatalf("expected state Failed, got %v", r.State())
	}
}

func TestStartStopDrainsThenStopsCleanly(t *testing.T) {
	rec := &recorder{}
	src := &fakeSource{events: []*event.Event{
		tableMapEvent(1, "db1", "t"),
		{
			Header: event.Header{EventType: event.WriteRows},
			Data:   &event.RowsData{TableNumber: 1, IncludedColumns: 0b1, Rows: []event.Row{{1}}},
		},
	}}
	cur := cursor.New(cursor.Position{})
	tm := tablemap.New(nil)
	tracker := schema.NewTracker(nil, nil)
	maker := record.NewMaker(cur, rec.enqueue)
	r := New(src, cur, tm, tracker, maker, false, zap.NewNop().Sugar())

	done := make(chan error, 1)
	go func() {
		done <- r.Start(context.Background(), source.StartOptions{Host: "db", Port: 3306, User: "repl"})
	}()

	deadline := time.Now().Add(time.Second)
	for src.Served() < len(src.events) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	r.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Start did not return after Stop")
	}

	if r.State() != Stopped {
		t.Fatalf("expected state Stopped, got %v", r.State())
	}
	if !src.closed {
		t.Fatalf("expected Stop to close the source")
	}
	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("expected the buffered write to have drained before stopping, got %d records", len(got))
	}
}
