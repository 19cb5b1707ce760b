// Command cdc-reader wires the Position Cursor, Schema Tracker,
// Table-Id Map, Record Maker, Event Dispatcher, and Downstream Queue into
// a running binlog reader, resolving its start point from a persisted
// offset (or the server's current position on a fresh start) and
// reconstructing its schema snapshot by replaying the history log — the
// production counterpart to the reference binlog_consumption.go, with
// graceful shutdown handled the same signal.Notify way.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mysql-cdc-reader/internal/config"
	"mysql-cdc-reader/internal/cursor"
	"mysql-cdc-reader/internal/loader"
	"mysql-cdc-reader/internal/logging"
	"mysql-cdc-reader/internal/queue"
	"mysql-cdc-reader/internal/reader"
	"mysql-cdc-reader/internal/record"
	"mysql-cdc-reader/internal/schema"
	"mysql-cdc-reader/internal/source"
	"mysql-cdc-reader/internal/source/gomysql"
	"mysql-cdc-reader/internal/store"
	"mysql-cdc-reader/internal/tablemap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cdc-reader: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogFilePath)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatalw("cdc-reader: exiting", "error", err)
	}
}

func run(cfg config.Config, log *zap.SugaredLogger) error {
	offsetDB, err := sql.Open("mysql", cfg.OffsetDSN)
	if err != nil {
		return fmt.Errorf("open offset store: %w", err)
	}

	historyDB := offsetDB
	separateHistoryDB := cfg.HistoryDSN != cfg.OffsetDSN
	if separateHistoryDB {
		historyDB, err = sql.Open("mysql", cfg.HistoryDSN)
		if err != nil {
			offsetDB.Close()
			return fmt.Errorf("open history store: %w", err)
		}
	}
	defer func() {
		closeErr := offsetDB.Close()
		if separateHistoryDB {
			closeErr = multierr.Append(closeErr, historyDB.Close())
		}
		if closeErr != nil {
			log.Warnw("error closing store connections", "error", closeErr)
		}
	}()

	offsetRepo := store.NewOffsetRepository(offsetDB)
	if err := offsetRepo.EnsureSchema(); err != nil {
		return err
	}
	historyRepo := store.NewHistoryRepository(historyDB)
	if err := historyRepo.EnsureSchema(); err != nil {
		return err
	}

	archived, err := loadArchivedEntries(cfg.HistoryArchiveDir)
	if err != nil {
		return fmt.Errorf("load history archives: %w", err)
	}
	entrySource := &combinedEntrySource{archived: archived, live: historyRepo}

	snapshot, err := loader.NewHistoryReplayer(entrySource).Replay()
	if err != nil {
		return fmt.Errorf("replay schema history: %w", err)
	}
	log.Infow("replayed schema history", "tables", len(snapshot), "archived_entries", len(archived))

	opts := source.StartOptions{
		Host:           cfg.Host,
		Port:           cfg.Port,
		User:           cfg.User,
		Password:       cfg.Password,
		ServerID:       cfg.ServerID,
		KeepAlive:      cfg.KeepAlive,
		ConnectTimeout: cfg.ConnectTimeout,
	}

	startPos, err := resolveStart(cfg, offsetRepo, &opts)
	if err != nil {
		return err
	}
	log.Infow("resolved start position", "file", startPos.File, "pos", startPos.Pos)

	cur := cursor.New(startPos)
	tm := tablemap.New(nil)
	q := queue.New(4096)
	tracker := schema.NewTracker(snapshot, historyRepo)

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	maker := record.NewMaker(cur, func(rec record.ChangeRecord) error {
		return q.Enqueue(appCtx, rec)
	})

	src := gomysql.New()
	rdr := reader.New(src, cur, tm, tracker, maker, cfg.IncludeSchemaChanges, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infow("shutdown signal received")
		rdr.Stop()
		q.Close()
		cancel()
	}()

	readerDone := make(chan error, 1)
	go func() {
		readerDone <- rdr.Start(appCtx, opts)
	}()

	go compactHistoryPeriodically(appCtx, historyRepo, cfg, log)

	pollLoop(appCtx, q, offsetRepo, log)

	return <-readerDone
}

// resolveStart fills in opts' start point from a persisted offset, or —
// on a fresh start — the server's current binlog position (spec.md §3's
// "created at start from persisted offsets or defaults").
func resolveStart(cfg config.Config, offsetRepo *store.OffsetRepository, opts *source.StartOptions) (cursor.Position, error) {
	saved, ok, err := offsetRepo.Load()
	if err != nil {
		return cursor.Position{}, fmt.Errorf("load persisted offset: %w", err)
	}
	if ok {
		opts.StartFile = saved.File
		opts.StartPosition = saved.Pos
		opts.StartGTIDSet = saved.GTIDSet
		return cursor.Position{File: saved.File, Pos: saved.Pos, RowInEvent: saved.Row}, nil
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/", cfg.User, cfg.Password, cfg.Host, cfg.Port)
	file, pos, err := gomysql.ResolveCurrentPosition(dsn)
	if err != nil {
		return cursor.Position{}, fmt.Errorf("resolve current master position: %w", err)
	}
	opts.StartFile = file
	opts.StartPosition = pos
	return cursor.Position{File: file, Pos: pos}, nil
}

// pollLoop drains the downstream queue until appCtx is cancelled,
// checkpointing each batch's last offset. This stands in for the real
// Kafka-style sink spec.md §6 keeps out of scope.
func pollLoop(ctx context.Context, q *queue.Queue, offsetRepo *store.OffsetRepository, log *zap.SugaredLogger) {
	for {
		select {
		case <-ctx.Done():
			flushRemaining(q, offsetRepo, log)
			return
		default:
		}

		batch := q.DrainBatch(256, 500*time.Millisecond)
		if len(batch) == 0 {
			continue
		}
		for _, rec := range batch {
			log.Debugw("change record", "op", rec.Op, "table", rec.Table)
		}
		if err := offsetRepo.Save(batch[len(batch)-1].Offset); err != nil {
			log.Errorw("checkpoint failed", "error", err)
		}
	}
}

func flushRemaining(q *queue.Queue, offsetRepo *store.OffsetRepository, log *zap.SugaredLogger) {
	batch := q.DrainBatch(4096, 50*time.Millisecond)
	if len(batch) == 0 {
		return
	}
	if err := offsetRepo.Save(batch[len(batch)-1].Offset); err != nil {
		log.Errorw("final checkpoint failed", "error", err)
	}
}

// combinedEntrySource stitches archived (compacted-out) entries ahead of
// whatever is still live in the history table, so a replay sees the
// complete, in-order history regardless of how much has been compacted.
type combinedEntrySource struct {
	archived []schema.HistoryEntry
	live     loader.EntrySource
}

func (c *combinedEntrySource) LoadEntries() ([]schema.HistoryEntry, error) {
	liveEntries, err := c.live.LoadEntries()
	if err != nil {
		return nil, err
	}
	all := make([]schema.HistoryEntry, 0, len(c.archived)+len(liveEntries))
	all = append(all, c.archived...)
	all = append(all, liveEntries...)
	return all, nil
}

// loadArchivedEntries decodes every archive blob CompactBefore has written
// to dir, in the order they were compacted (archive filenames are the
// zero-padded compaction boundary id, so lexical sort is chronological
// order). A missing dir is not an error — a fresh deployment has none yet.
func loadArchivedEntries(dir string) ([]schema.HistoryEntry, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.zst"))
	if err != nil {
		return nil, fmt.Errorf("glob history archives: %w", err)
	}
	sort.Strings(matches)

	var all []schema.HistoryEntry
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read archive %s: %w", path, err)
		}
		entries, err := store.DecodeArchive(raw)
		if err != nil {
			return nil, fmt.Errorf("decode archive %s: %w", path, err)
		}
		all = append(all, entries...)
	}
	return all, nil
}

// compactHistoryPeriodically runs compactHistoryOnce on cfg's interval
// until ctx is cancelled, keeping the live cdc_schema_history table small
// on a long-running reader without losing any entry a replay needs —
// those move into the archive directory instead (spec.md §6's archive
// DOMAIN STACK entry for klauspost/compress's zstd).
func compactHistoryPeriodically(ctx context.Context, historyRepo *store.HistoryRepository, cfg config.Config, log *zap.SugaredLogger) {
	if cfg.HistoryCompactInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.HistoryCompactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := compactHistoryOnce(historyRepo, cfg, log); err != nil {
				log.Errorw("history compaction failed", "error", err)
			}
		}
	}
}

func compactHistoryOnce(historyRepo *store.HistoryRepository, cfg config.Config, log *zap.SugaredLogger) error {
	boundary, ok, err := historyRepo.RetentionBoundary(cfg.HistoryRetainEntries)
	if err != nil {
		return fmt.Errorf("retention boundary: %w", err)
	}
	if !ok {
		return nil
	}

	archive, err := historyRepo.CompactBefore(boundary)
	if err != nil {
		return fmt.Errorf("compact before %d: %w", boundary, err)
	}
	if len(archive) == 0 {
		return nil
	}

	if err := os.MkdirAll(cfg.HistoryArchiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(cfg.HistoryArchiveDir, fmt.Sprintf("%020d.zst", boundary))
	if err := os.WriteFile(path, archive, 0o644); err != nil {
		return fmt.Errorf("write archive %s: %w", path, err)
	}
	log.Infow("compacted schema history", "boundary_id", boundary, "archive_path", path)
	return nil
}
