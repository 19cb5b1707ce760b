package loader

import (
	"testing"

	"mysql-cdc-reader/internal/schema"
	"mysql-cdc-reader/internal/tablemap"
)

type fakeSource struct {
	entries []schema.HistoryEntry
	err     error
}

func (f *fakeSource) LoadEntries() ([]schema.HistoryEntry, error) {
	return f.entries, f.err
}

func TestReplayReconstructsSnapshot(t *testing.T) {
	src := &fakeSource{entries: []schema.HistoryEntry{
		{Database: "db1", Statements: []string{"CREATE TABLE t (id INT)"}},
		{Database: "db1", Statements: []string{"ALTER TABLE t ADD c INT"}},
	}}
	r := NewHistoryReplayer(src)

	snap, err := r.Replay()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def := snap.Table(tablemap.TableID{Database: "db1", Table: "t"})
	if def == nil {
		t.Fatalf("expected table t to exist in replayed snapshot")
	}
	if len(def.Columns) != 2 || def.Columns[1].Name != "c" {
		t.Fatalf("expected replayed ALTER to add column c, got %#v", def.Columns)
	}
}

func TestReplayPropagatesUnparseableHistory(t *testing.T) {
	src := &fakeSource{entries: []schema.HistoryEntry{
		{Database: "db1", Statements: []string{"NOT EVEN SQL %%%"}},
	}}
	r := NewHistoryReplayer(src)

	if _, err := r.Replay(); err == nil {
		t.Fatalf("expected an unparseable persisted statement to surface as an error")
	}
}
