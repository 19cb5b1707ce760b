package cursor

import "testing"

func TestObserveRotateResetsRowInEvent(t *testing.T) {
	c := New(Position{File: "mysql-bin.000001", Pos: 4})
	c.SetRowInEvent(7)
	c.ObserveRotate("mysql-bin.000002", 4)

	pos := c.Position()
	if pos.File != "mysql-bin.000002" || pos.Pos != 4 || pos.RowInEvent != 0 {
		t.Fatalf("unexpected position after rotate: %+v", pos)
	}
}

func TestObserveNextPositionIgnoresZero(t *testing.T) {
	c := New(Position{File: "mysql-bin.000001", Pos: 4})
	c.ObserveNextPosition(0)
	if c.Position().Pos != 4 {
		t.Fatalf("position should be unchanged, got %d", c.Position().Pos)
	}
	c.ObserveNextPosition(120)
	if c.Position().Pos != 120 || c.Position().RowInEvent != 0 {
		t.Fatalf("unexpected position after next-position advance: %+v", c.Position())
	}
}

func TestAdvanceRowStrictlyIncreasing(t *testing.T) {
	c := New(Position{File: "mysql-bin.000001", Pos: 4})
	var last uint32
	for i := 0; i < 3; i++ {
		before := c.Position().RowInEvent
		c.AdvanceRow()
		after := c.Position().RowInEvent
		if after <= before {
			t.Fatalf("row-in-event did not strictly increase: %d -> %d", before, after)
		}
		last = after
	}
	if last != 3 {
		t.Fatalf("expected row-in-event 3, got %d", last)
	}
}

func TestSnapshotIncludesGTIDsOnlyWhenObserved(t *testing.T) {
	c := New(Position{File: "mysql-bin.000001", Pos: 4})
	snap := c.Snapshot()
	if _, ok := snap["gtids"]; ok {
		t.Fatalf("expected no gtids key before any GTID observed")
	}

	c.ObserveGTID("3E11FA47-71CA-11E1-9E33-C80AA9429562:1-5")
	snap = c.Snapshot()
	if snap["gtids"] != "3E11FA47-71CA-11E1-9E33-C80AA9429562:1-5" {
		t.Fatalf("unexpected gtids value: %v", snap["gtids"])
	}
}

func TestSnapshotKeys(t *testing.T) {
	c := New(Position{})
	c.ObserveHeader(1700000000, 101)
	c.ObserveRotate("mysql-bin.000001", 4)
	snap := c.Snapshot()
	for _, key := range []string{"server_id", "file", "pos", "row", "ts_sec"} {
		if _, ok := snap[key]; !ok {
			t.Fatalf("snapshot missing key %q: %+v", key, snap)
		}
	}
}
