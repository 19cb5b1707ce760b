// Package reader implements the Event Dispatcher (C5): the reader's main
// state machine. It subscribes to a source.Source, owns the position
// cursor and table-id map exclusively (single-writer, no locking), and
// routes each event to a fixed handler table, applying backpressure
// through the record maker's blocking enqueue.
package reader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"mysql-cdc-reader/internal/cursor"
	"mysql-cdc-reader/internal/event"
	"mysql-cdc-reader/internal/record"
	"mysql-cdc-reader/internal/schema"
	"mysql-cdc-reader/internal/source"
	"mysql-cdc-reader/internal/tablemap"
)

// State is one of the dispatcher's five states (spec §4.5's diagram).
type State int32

const (
	Idle State = iota
	Connecting
	Streaming
	Failed
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Streaming:
		return "STREAMING"
	case Failed:
		return "FAILED"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

var errHandlerFault = errors.New("reader: uncaught handler fault")

type handlerFunc func(ctx context.Context, ev *event.Event) error

// Reader is the dispatcher. Construct one with New and run it with
// Start; Stop requests a clean shutdown from any goroutine.
type Reader struct {
	src                  source.Source
	cur                  *cursor.Cursor
	tableMap             *tablemap.Map
	schemaTracker        *schema.Tracker
	maker                *record.Maker
	includeSchemaChanges bool
	instanceID           uuid.UUID
	log                  *zap.SugaredLogger

	handlers map[event.Type]handlerFunc

	state    atomic.Int32
	stopping atomic.Bool
	cancel   context.CancelFunc
}

// New wires a Reader from its collaborators. src is the inbound event
// source; cur and tableMap are owned exclusively by the returned Reader
// from this point on; tracker supplies the read-only schema snapshot;
// maker is the sole writer into the downstream queue.
func New(
	src source.Source,
	cur *cursor.Cursor,
	tableMap *tablemap.Map,
	tracker *schema.Tracker,
	maker *record.Maker,
	includeSchemaChanges bool,
	log *zap.SugaredLogger,
) *Reader {
	r := &Reader{
		src:                  src,
		cur:                  cur,
		tableMap:             tableMap,
		schemaTracker:        tracker,
		maker:                maker,
		includeSchemaChanges: includeSchemaChanges,
		instanceID:           uuid.New(),
		log:                  log,
	}
	r.handlers = map[event.Type]handlerFunc{
		event.Stop:       r.handleStop,
		event.Heartbeat:  r.handleHeartbeat,
		event.Incident:   r.handleIncident,
		event.TableMap:   r.handleTableMap,
		event.Query:      r.handleQuery,
		event.WriteRows:  r.handleWriteRows,
		event.UpdateRows: r.handleUpdateRows,
		event.DeleteRows: r.handleDeleteRows,
	}
	return r
}

// State returns the dispatcher's current state.
func (r *Reader) State() State {
	return State(r.state.Load())
}

func (r *Reader) setState(s State) {
	r.state.Store(int32(s))
}

// Start connects to opts' start point and runs the receive loop until
// the source fails, a handler faults, or Stop is called. Connection
// timeout and authentication failures are fatal and returned directly
// (spec §7); mid-stream transport and deserialization failures transition
// to Failed and are also returned, for the supervisor to decide on retry.
// A clean Stop returns nil.
func (r *Reader) Start(ctx context.Context, opts source.StartOptions) error {
	r.setState(Connecting)
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	defer cancel()

	if err := r.src.Connect(runCtx, opts); err != nil {
		r.setState(Failed)
		return err
	}
	r.setState(Streaming)
	r.log.Infow("binlog streaming started",
		"reader_id", r.instanceID,
		"file", opts.StartFile,
		"position", opts.StartPosition,
	)

	for {
		if r.stopping.Load() {
			r.setState(Stopped)
			return nil
		}

		ev, err := r.src.NextEvent(runCtx)
		if err != nil {
			if r.stopping.Load() && errors.Is(err, context.Canceled) {
				r.setState(Stopped)
				return nil
			}
			r.setState(Failed)
			return err
		}

		if err := r.handle(runCtx, ev); err != nil {
			if errors.Is(err, errHandlerFault) {
				r.setState(Failed)
				return err
			}
			if runCtx.Err() != nil {
				// The only way a handler observes our own run context as
				// cancelled is a blocked enqueue unwinding after Stop().
				// Per spec §5/§7 this is a clean shutdown, not an error.
				r.tableMap.Clear()
				r.stopping.Store(true)
				r.setState(Stopped)
				return nil
			}
			r.setState(Failed)
			return fmt.Errorf("reader: handler error: %w", err)
		}
	}
}

// Stop requests a clean shutdown: it disconnects the source (idempotent)
// and cancels the run context, which unblocks any in-flight blocking
// enqueue so the receive loop can unwind (spec §5's cancellation rules).
func (r *Reader) Stop() {
	r.stopping.Store(true)
	if r.cancel != nil {
		r.cancel()
	}
	_ = r.src.Close()
}

// handle recovers an uncaught handler fault into errHandlerFault so Start
// can distinguish it from a backpressure-driven interruption.
func (r *Reader) handle(ctx context.Context, ev *event.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", errHandlerFault, p)
		}
	}()
	return r.dispatch(ctx, ev)
}

// dispatch is the per-event algorithm of spec §4.5.
func (r *Reader) dispatch(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return nil
	}
	h := ev.Header
	r.cur.ObserveHeader(h.Timestamp, h.ServerID)

	if h.EventType == event.Rotate {
		data := ev.Data.(*event.RotateData)
		r.cur.ObserveRotate(data.File, data.Position)
		r.tableMap.Clear()
		r.log.Debugw("rotate", "file", data.File, "position", data.Position)
		return nil
	}
	if h.NextPosition > 0 {
		r.cur.ObserveNextPosition(h.NextPosition)
	}
	if h.EventType == event.GTID {
		data := ev.Data.(*event.GTIDData)
		r.cur.ObserveGTID(data.GTID)
	}

	handler, ok := r.handlers[h.EventType]
	if !ok {
		return nil
	}
	return handler(ctx, ev)
}

func (r *Reader) handleStop(ctx context.Context, ev *event.Event) error {
	r.log.Debugw("stop event received")
	return nil
}

func (r *Reader) handleHeartbeat(ctx context.Context, ev *event.Event) error {
	r.log.Debugw("heartbeat") // spec calls for trace; zap's lowest level here is debug
	return nil
}

func (r *Reader) handleIncident(ctx context.Context, ev *event.Event) error {
	r.log.Warnw("incident event received; no cursor rewind performed")
	return nil
}

func (r *Reader) handleTableMap(ctx context.Context, ev *event.Event) error {
	data := ev.Data.(*event.TableMapData)
	r.tableMap.Assign(data.TableNumber, tablemap.TableID{Database: data.Database, Table: data.Table})
	return nil
}

func (r *Reader) handleQuery(ctx context.Context, ev *event.Event) error {
	data := ev.Data.(*event.QueryData)
	stmts, err := r.schemaTracker.Apply(data.Database, data.SQL, r.cur.Snapshot())
	if err != nil {
		var perr *schema.ParseError
		if errors.As(err, &perr) {
			r.log.Warnw("schema parse error; snapshot unchanged", "sql", perr.SQL, "error", perr.Err)
			return nil
		}
		return fmt.Errorf("reader: schema apply failed: %w", err)
	}
	if len(stmts) == 0 || !r.includeSchemaChanges {
		return nil
	}
	_, err = r.maker.SchemaChanges(data.Database, stmts, eventTime(ev))
	return err
}

func (r *Reader) handleWriteRows(ctx context.Context, ev *event.Event) error {
	data := ev.Data.(*event.RowsData)
	rft, ok := r.tableMap.Lookup(data.TableNumber, data.IncludedColumns)
	if !ok {
		r.log.Debugw("unknown table number; ignoring row event", "table_number", data.TableNumber)
		return nil
	}
	def := r.schemaTracker.Snapshot().Table(rft.TableID)
	_, err := r.maker.CreateEach(rft.TableID, def, data.Rows, eventTime(ev))
	return err
}

func (r *Reader) handleUpdateRows(ctx context.Context, ev *event.Event) error {
	data := ev.Data.(*event.UpdateRowsData)
	rft, ok := r.tableMap.Lookup(data.TableNumber, data.IncludedColumns)
	if !ok {
		r.log.Debugw("unknown table number; ignoring row event", "table_number", data.TableNumber)
		return nil
	}
	def := r.schemaTracker.Snapshot().Table(rft.TableID)
	ts := eventTime(ev)
	for i, pair := range data.Rows {
		if err := r.maker.Update(rft.TableID, def, pair.Before, pair.After, ts, uint32(i)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) handleDeleteRows(ctx context.Context, ev *event.Event) error {
	data := ev.Data.(*event.RowsData)
	rft, ok := r.tableMap.Lookup(data.TableNumber, data.IncludedColumns)
	if !ok {
		r.log.Debugw("unknown table number; ignoring row event", "table_number", data.TableNumber)
		return nil
	}
	def := r.schemaTracker.Snapshot().Table(rft.TableID)
	_, err := r.maker.DeleteEach(rft.TableID, def, data.Rows, eventTime(ev))
	return err
}

func eventTime(ev *event.Event) time.Time {
	return time.Unix(int64(ev.Header.Timestamp), 0)
}
