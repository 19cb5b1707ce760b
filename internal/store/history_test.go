package store

import (
	"reflect"
	"testing"

	"mysql-cdc-reader/internal/schema"
)

func TestArchiveRoundTrip(t *testing.T) {
	entries := []schema.HistoryEntry{
		{
			Database:   "d1",
			Position:   map[string]any{"file": "bin.000001", "pos": float64(4)},
			Statements: []string{"CREATE TABLE t (id INT)"},
		},
		{
			Database:   "d1",
			Position:   map[string]any{"file": "bin.000001", "pos": float64(900)},
			Statements: []string{"ALTER TABLE t ADD c INT"},
		},
	}

	archive, err := encodeArchive(entries)
	if err != nil {
		t.Fatalf("encodeArchive: %v", err)
	}
	if len(archive) == 0 {
		t.Fatalf("expected a non-empty archive")
	}

	restored, err := DecodeArchive(archive)
	if err != nil {
		t.Fatalf("DecodeArchive: %v", err)
	}
	if !reflect.DeepEqual(entries, restored) {
		t.Fatalf("round-tripped entries differ:\nwant %+v\ngot  %+v", entries, restored)
	}
}

func TestDecodeArchiveRejectsGarbage(t *testing.T) {
	if _, err := DecodeArchive([]byte("not a zstd frame")); err == nil {
		t.Fatalf("expected an error decoding a non-zstd blob")
	}
}
