package gomysql

import (
	"database/sql"
	"fmt"

	"github.com/Masterminds/semver"
	_ "github.com/go-sql-driver/mysql"
)

// minGTIDServerVersion is the first MySQL release line with GTID
// replication support.
var minGTIDServerVersion = semver.MustParse("5.6.0")

// ResolveCurrentPosition connects with database/sql (the way the
// reference consumer's main() does via SHOW MASTER STATUS) and returns
// the master's current binlog file/position, for a reader starting fresh
// with no persisted offset.
func ResolveCurrentPosition(dsn string) (file string, pos uint64, err error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return "", 0, fmt.Errorf("source/gomysql: open: %w", err)
	}
	defer db.Close()

	var logPos uint32
	var binlogDoDB, binlogIgnoreDB, executedGtidSet string
	row := db.QueryRow("SHOW MASTER STATUS")
	if err := row.Scan(&file, &logPos, &binlogDoDB, &binlogIgnoreDB, &executedGtidSet); err != nil {
		return "", 0, fmt.Errorf("source/gomysql: SHOW MASTER STATUS: %w", err)
	}
	return file, uint64(logPos), nil
}

// ResolveExecutedGTIDSet reads @@global.gtid_executed, for a reader that
// wants to start by GTID rather than file/position.
func ResolveExecutedGTIDSet(dsn string) (string, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return "", fmt.Errorf("source/gomysql: open: %w", err)
	}
	defer db.Close()

	var gtidSet string
	if err := db.QueryRow("SELECT @@global.gtid_executed").Scan(&gtidSet); err != nil {
		return "", fmt.Errorf("source/gomysql: read gtid_executed: %w", err)
	}
	return gtidSet, nil
}

// SupportsGTID reports whether the connected server's version is new
// enough to support GTID-based replication (MySQL >= 5.6). Servers that
// fail the version parse are conservatively treated as unsupported.
func SupportsGTID(dsn string) (bool, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return false, fmt.Errorf("source/gomysql: open: %w", err)
	}
	defer db.Close()

	var version string
	if err := db.QueryRow("SELECT VERSION()").Scan(&version); err != nil {
		return false, fmt.Errorf("source/gomysql: read version: %w", err)
	}
	v, err := semver.NewVersion(normalizeVersion(version))
	if err != nil {
		return false, nil
	}
	return !v.LessThan(minGTIDServerVersion), nil
}

// normalizeVersion strips vendor suffixes MySQL/Percona/MariaDB append to
// VERSION() (e.g. "8.0.34-0ubuntu0.22.04.1") down to a bare semver.
func normalizeVersion(raw string) string {
	out := make([]byte, 0, len(raw))
	dots := 0
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c == '.' {
			dots++
			if dots > 2 {
				break
			}
			out = append(out, c)
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		out = append(out, c)
	}
	return string(out)
}
