// Package store provides SQL-backed persistence for the reader's resume
// state: the last-seen cursor offset and the append-only schema-history
// log, plus a reconciler that checks replay idempotence. Built in the
// CRUD-over-*sql.DB shape of the teacher's repository package.
package store

import (
	"database/sql"
	"fmt"
)

// StartOffset is the resume coordinate OffsetRepository persists —
// spec.md §3's Position plus an optional GTID set string.
type StartOffset struct {
	File    string
	Pos     uint64
	Row     uint32
	GTIDSet string
}

// OffsetRepository persists a single reader instance's last-acknowledged
// offset, the way NewMySQLAccountRepository wraps CRUD over one table.
// One physical row (id=1): spec.md's Non-goals exclude distributed
// coordination across multiple readers, so there is never more than one.
type OffsetRepository struct {
	db *sql.DB
}

// NewOffsetRepository wraps db. Callers own db's lifecycle.
func NewOffsetRepository(db *sql.DB) *OffsetRepository {
	return &OffsetRepository{db: db}
}

// EnsureSchema creates the backing table if it doesn't already exist.
func (r *OffsetRepository) EnsureSchema() error {
	const ddl = `CREATE TABLE IF NOT EXISTS cdc_reader_offset (
		id INT PRIMARY KEY,
		file VARCHAR(255) NOT NULL,
		pos BIGINT UNSIGNED NOT NULL,
		row_in_event INT UNSIGNED NOT NULL,
		gtid_set TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	)`
	if _, err := r.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: EnsureSchema: %w", err)
	}
	return nil
}

// Load returns the persisted offset, or ok == false if the reader has
// never checkpointed (a fresh start, per spec.md §3's "created at start
// from persisted offsets or defaults").
func (r *OffsetRepository) Load() (StartOffset, bool, error) {
	var off StartOffset
	row := r.db.QueryRow("SELECT file, pos, row_in_event, gtid_set FROM cdc_reader_offset WHERE id = 1")
	err := row.Scan(&off.File, &off.Pos, &off.Row, &off.GTIDSet)
	if err != nil {
		if err == sql.ErrNoRows {
			return StartOffset{}, false, nil
		}
		return StartOffset{}, false, fmt.Errorf("store: Load: %w", err)
	}
	return off, true, nil
}

// Save upserts the current offset from a cursor.Snapshot() map.
func (r *OffsetRepository) Save(snapshot map[string]any) error {
	file, _ := snapshot["file"].(string)
	pos := toUint64(snapshot["pos"])
	row := toUint64(snapshot["row"])
	gtids, _ := snapshot["gtids"].(string)

	const query = `INSERT INTO cdc_reader_offset (id, file, pos, row_in_event, gtid_set)
		VALUES (1, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE file = VALUES(file), pos = VALUES(pos),
			row_in_event = VALUES(row_in_event), gtid_set = VALUES(gtid_set)`
	if _, err := r.db.Exec(query, file, pos, row, gtids); err != nil {
		return fmt.Errorf("store: Save: %w", err)
	}
	return nil
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case uint32:
		return uint64(n)
	case int:
		return uint64(n)
	default:
		return 0
	}
}
