package store

import (
	"bytes"
	"database/sql"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"mysql-cdc-reader/internal/schema"
)

// HistoryRepository persists schema.HistoryEntry values and implements
// schema.HistoryStore. Adapted from transaction_repo.go's insert shape,
// with the append wrapped in its own transaction so a partial write can
// never leave a statement list truncated — the atomicity the teacher's
// TransferFunds comment wished for but never wired up.
type HistoryRepository struct {
	db *sql.DB
}

// NewHistoryRepository wraps db. Callers own db's lifecycle.
func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// EnsureSchema creates the backing table if it doesn't already exist.
func (r *HistoryRepository) EnsureSchema() error {
	const ddl = `CREATE TABLE IF NOT EXISTS cdc_schema_history (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		database_name VARCHAR(255) NOT NULL,
		position_json MEDIUMTEXT NOT NULL,
		statements_json MEDIUMTEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := r.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: EnsureSchema: %w", err)
	}
	return nil
}

// Append persists entry inside its own transaction, fsync'd on commit —
// the schema.Tracker calls this before treating a DDL event as applied
// (spec.md §4.2/§9's crash-safety requirement). entry.Position is the
// binlog coordinate the QUERY event carrying these statements was
// observed at (spec.md §6's {position, database, statements[]} format).
func (r *HistoryRepository) Append(entry schema.HistoryEntry) error {
	position, err := json.Marshal(entry.Position)
	if err != nil {
		return fmt.Errorf("store: Append: encode position: %w", err)
	}
	payload, err := json.Marshal(entry.Statements)
	if err != nil {
		return fmt.Errorf("store: Append: encode statements: %w", err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("store: Append: begin: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO cdc_schema_history (database_name, position_json, statements_json) VALUES (?, ?, ?)",
		entry.Database, position, payload,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("store: Append: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: Append: commit: %w", err)
	}
	return nil
}

// LoadEntries returns every live (not yet compacted) entry in application
// order, for internal/loader to replay into a fresh schema.Snapshot at
// startup. Entries compacted out by CompactBefore are not included here;
// callers that need the full history must also decode any archive blobs
// written by CompactBefore, via DecodeArchive.
func (r *HistoryRepository) LoadEntries() ([]schema.HistoryEntry, error) {
	rows, err := r.db.Query("SELECT database_name, position_json, statements_json FROM cdc_schema_history ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("store: LoadEntries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// RetentionBoundary returns the id below which rows may be compacted while
// keeping the `retain` most recent entries live, for CompactBefore's
// caller to decide a compaction boundary without guessing at row counts.
// ok is false when there is nothing yet eligible for compaction.
func (r *HistoryRepository) RetentionBoundary(retain int) (id int64, ok bool, err error) {
	if retain < 0 {
		retain = 0
	}
	row := r.db.QueryRow("SELECT id FROM cdc_schema_history ORDER BY id DESC LIMIT 1 OFFSET ?", retain)
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: RetentionBoundary: %w", err)
	}
	// id is the newest row that falls outside the retained window;
	// CompactBefore takes an exclusive bound, so include it.
	return id + 1, true, nil
}

// CompactBefore moves every entry with id < beforeID out of the live
// table into a single zstd-compressed archive blob, atomically: the
// select and the delete happen in the same transaction, so a crash
// midway never loses or duplicates an entry. The caller is responsible
// for durably writing the returned archive (e.g. to an archive
// directory) before the next call raises beforeID further; DecodeArchive
// reads it back for a full-history replay.
func (r *HistoryRepository) CompactBefore(beforeID int64) ([]byte, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: CompactBefore: begin: %w", err)
	}

	rows, err := tx.Query(
		"SELECT database_name, position_json, statements_json FROM cdc_schema_history WHERE id < ? ORDER BY id ASC",
		beforeID,
	)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("store: CompactBefore: select: %w", err)
	}
	entries, err := scanEntries(rows)
	rows.Close()
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if len(entries) == 0 {
		tx.Rollback()
		return nil, nil
	}

	archive, err := encodeArchive(entries)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if _, err := tx.Exec("DELETE FROM cdc_schema_history WHERE id < ?", beforeID); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("store: CompactBefore: delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: CompactBefore: commit: %w", err)
	}
	return archive, nil
}

func scanEntries(rows *sql.Rows) ([]schema.HistoryEntry, error) {
	var entries []schema.HistoryEntry
	for rows.Next() {
		var database string
		var position, payload []byte
		if err := rows.Scan(&database, &position, &payload); err != nil {
			return nil, fmt.Errorf("store: scan entry: %w", err)
		}
		var pos map[string]any
		if err := json.Unmarshal(position, &pos); err != nil {
			return nil, fmt.Errorf("store: decode position: %w", err)
		}
		var statements []string
		if err := json.Unmarshal(payload, &statements); err != nil {
			return nil, fmt.Errorf("store: decode statements: %w", err)
		}
		entries = append(entries, schema.HistoryEntry{Database: database, Position: pos, Statements: statements})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: scan entries: rows: %w", err)
	}
	return entries, nil
}

// encodeArchive zstd-compresses entries as a JSON array. Pure (no DB),
// so it and its inverse, DecodeArchive, are tested directly.
func encodeArchive(entries []schema.HistoryEntry) ([]byte, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("store: encodeArchive: encode: %w", err)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("store: encodeArchive: new zstd writer: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return nil, fmt.Errorf("store: encodeArchive: compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("store: encodeArchive: close: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeArchive reverses encodeArchive: it decompresses a blob produced by
// CompactBefore back into the entries it archived, in their original
// order, so a startup replay can fold compacted history back in ahead of
// whatever is still live in the table.
func DecodeArchive(archive []byte) ([]schema.HistoryEntry, error) {
	dec, err := zstd.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("store: DecodeArchive: new zstd reader: %w", err)
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("store: DecodeArchive: decompress: %w", err)
	}

	var entries []schema.HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("store: DecodeArchive: decode: %w", err)
	}
	return entries, nil
}
