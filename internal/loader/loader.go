// Package loader reconstructs a schema.Snapshot at startup by replaying
// the persisted schema-history log, the way data_loader.go's DataLoader
// reads a flat external source into an in-memory slice — here repointed
// from CSV-of-external-transactions to a stream of schema.HistoryEntry.
package loader

import (
	"fmt"

	"mysql-cdc-reader/internal/schema"
)

// EntrySource supplies the persisted history entries to replay, in
// application order. internal/store.HistoryRepository satisfies this.
type EntrySource interface {
	LoadEntries() ([]schema.HistoryEntry, error)
}

// HistoryReplayer rebuilds a schema.Snapshot from a history log.
type HistoryReplayer struct {
	source EntrySource
}

// NewHistoryReplayer returns a replayer reading from source.
func NewHistoryReplayer(source EntrySource) *HistoryReplayer {
	return &HistoryReplayer{source: source}
}

// Replay loads every persisted entry and applies its statements, in
// order, to a fresh schema.Tracker with persistence disabled — replaying
// history must never re-append it — then returns the resulting snapshot.
func (l *HistoryReplayer) Replay() (schema.Snapshot, error) {
	entries, err := l.source.LoadEntries()
	if err != nil {
		return nil, fmt.Errorf("loader: Replay: load entries: %w", err)
	}

	tracker := schema.NewTracker(nil, nil)
	for _, entry := range entries {
		for _, stmt := range entry.Statements {
			if _, err := tracker.Apply(entry.Database, stmt, entry.Position); err != nil {
				return nil, fmt.Errorf("loader: Replay: replaying %q for database %q: %w", stmt, entry.Database, err)
			}
		}
	}
	return tracker.Snapshot(), nil
}
