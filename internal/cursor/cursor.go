// Package cursor implements the Position Cursor (C1): a persistable
// resume coordinate mutated exclusively by the dispatcher's receiver
// context. No locking — see the single-writer rule in spec §5.
package cursor

import "time"

// Position is the tuple spec.md §3 defines: file + byte offset + the
// row-in-event ordinal that disambiguates records from a single
// multi-row event.
type Position struct {
	File       string
	Pos        uint64
	RowInEvent uint32
}

// Cursor tracks the latest header fields, the current file/position, an
// optional GTID set, and the row-in-event counter for the event currently
// being emitted.
type Cursor struct {
	serverID  uint32
	timestamp uint32
	position  Position
	gtidSet   []string // ordered, append-only; joined on Snapshot
}

// New returns a Cursor seeded at the given starting position. Pass a zero
// Position to start from the beginning of the earliest binlog.
func New(start Position) *Cursor {
	return &Cursor{position: start}
}

// ObserveHeader updates the latest timestamp and server id. Never fails:
// every event carries a header, including ones with no other effect
// (STOP, HEARTBEAT).
func (c *Cursor) ObserveHeader(ts, serverID uint32) {
	c.timestamp = ts
	c.serverID = serverID
}

// ObserveRotate atomically replaces file/position and resets RowInEvent.
// Called for ROTATE events before the table-id map is cleared.
func (c *Cursor) ObserveRotate(file string, pos uint64) {
	c.position.File = file
	c.position.Pos = pos
	c.position.RowInEvent = 0
}

// ObserveNextPosition advances the position to the header-declared
// next-event position, when the header actually carries one (next > 0),
// and resets RowInEvent.
func (c *Cursor) ObserveNextPosition(next uint64) {
	if next == 0 {
		return
	}
	c.position.Pos = next
	c.position.RowInEvent = 0
}

// ObserveGTID appends a GTID to the tracked set.
func (c *Cursor) ObserveGTID(gtid string) {
	if gtid == "" {
		return
	}
	c.gtidSet = append(c.gtidSet, gtid)
}

// AdvanceRow increments RowInEvent. Called exactly once per emitted
// create or delete record, by the record maker, so that RowInEvent is strictly
// increasing within one multi-row event (spec §4.4, §8 invariant 1's
// "Open question").
func (c *Cursor) AdvanceRow() {
	c.position.RowInEvent++
}

// SetRowInEvent pins RowInEvent to an explicit index. Used by the update
// path, which — unlike createEach/deleteEach — indexes rows in pairs and
// must set the coordinate before emitting rather than merely advancing
// it (spec §4.4's update contract, and §9's open question about the two
// differing advance strategies).
func (c *Cursor) SetRowInEvent(i uint32) {
	c.position.RowInEvent = i
}

// Position returns the current resume coordinate.
func (c *Cursor) Position() Position {
	return c.position
}

// Snapshot produces the persistable offset map a downstream sink uses for
// checkpointing (spec §6's offset map keys): server_id, file, pos, row,
// ts_sec, and gtids when any GTID has been observed.
func (c *Cursor) Snapshot() map[string]any {
	snap := map[string]any{
		"server_id": c.serverID,
		"file":      c.position.File,
		"pos":       c.position.Pos,
		"row":       c.position.RowInEvent,
		"ts_sec":    time.Unix(int64(c.timestamp), 0).Unix(),
	}
	if len(c.gtidSet) > 0 {
		snap["gtids"] = joinGTIDs(c.gtidSet)
	}
	return snap
}

func joinGTIDs(set []string) string {
	out := set[0]
	for _, g := range set[1:] {
		out += "," + g
	}
	return out
}
