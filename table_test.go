package myfs

import (
	"testing"
	"time"
)

func testEntry(name string) *FileEntry {
	return &FileEntry{
		Name:         name,
		OriginalSize: 3,
		ImportedAt:   testClock.UTC(),
		State:        StateActive,
		Locator:      Locator{Offset: 200, Length: 31},
	}
}

// TestTableInsertAndLookup covers the name index over active and deleted
// entries.
func TestTableInsertAndLookup(t *testing.T) {
	tbl := newFileTable()

	a := testEntry("a.txt")
	if err := tbl.insert(a); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if a.ID != 1 {
		t.Errorf("first id = %d, want 1", a.ID)
	}
	if err := tbl.insert(testEntry("a.txt")); !IsNameTaken(err) {
		t.Fatalf("duplicate insert = %v, want ErrNameTaken", err)
	}

	if err := tbl.transition(a.ID, StateSoftDeleted, testClock); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if tbl.findByName("a.txt", false) != nil {
		t.Error("deleted entry visible in active lookup")
	}
	if got := tbl.findByName("a.txt", true); got != a {
		t.Error("deleted entry not found with includeDeleted")
	}

	// The name is reusable; the deleted-name lookup prefers the most
	// recently deleted entry.
	b := testEntry("a.txt")
	if err := tbl.insert(b); err != nil {
		t.Fatalf("insert after delete failed: %v", err)
	}
	if err := tbl.transition(b.ID, StateSoftDeleted, testClock.Add(time.Hour)); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if got := tbl.findByName("a.txt", true); got != b {
		t.Error("expected the most recently deleted entry")
	}
}

// TestTableTransitions enforces the lifecycle edges.
func TestTableTransitions(t *testing.T) {
	tbl := newFileTable()
	e := testEntry("f")
	if err := tbl.insert(e); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// Active -> Active is illegal.
	if err := tbl.transition(e.ID, StateActive, testClock); err == nil {
		t.Error("Active -> Active should fail")
	}
	// Active -> SoftDeleted -> Active round-trips.
	if err := tbl.transition(e.ID, StateSoftDeleted, testClock); err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}
	if e.DeletedAt.IsZero() {
		t.Error("deletion time not recorded")
	}
	if err := tbl.transition(e.ID, StateActive, testClock); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if !e.DeletedAt.IsZero() {
		t.Error("deletion time not cleared on recover")
	}
	// Active -> PendingPurge is terminal.
	if err := tbl.transition(e.ID, StatePendingPurge, testClock); err != nil {
		t.Fatalf("hard delete failed: %v", err)
	}
	if err := tbl.transition(e.ID, StateActive, testClock); err == nil {
		t.Error("PendingPurge -> Active should fail")
	}
	if err := tbl.transition(99, StateSoftDeleted, testClock); !IsNotFound(err) {
		t.Errorf("transition of unknown id = %v, want ErrNotFound", err)
	}
}

// TestTableSerializeRoundTrip serializes a table with every entry shape and
// parses it back.
func TestTableSerializeRoundTrip(t *testing.T) {
	tbl := newFileTable()

	plain := testEntry("plain.txt")
	tbl.insert(plain)

	locked := testEntry("locked.bin")
	locked.Protected = true
	locked.WrappedKey = make([]byte, KeySize+SealOverhead)
	locked.Compressed = true
	locked.OriginalPath = "/home/user/locked.bin"
	tbl.insert(locked)

	gone := testEntry("gone.txt")
	tbl.insert(gone)
	tbl.transition(gone.ID, StateSoftDeleted, testClock)

	parsed, err := parseTable(tbl.serialize())
	if err != nil {
		t.Fatalf("parseTable failed: %v", err)
	}
	if parsed.nextID != tbl.nextID {
		t.Errorf("nextID = %d, want %d", parsed.nextID, tbl.nextID)
	}
	if len(parsed.entries) != 3 {
		t.Fatalf("parsed %d entries, want 3", len(parsed.entries))
	}
	got := parsed.findByName("locked.bin", false)
	if got == nil {
		t.Fatal("locked.bin missing after round trip")
	}
	if !got.Protected || !got.Compressed || got.OriginalPath != "/home/user/locked.bin" {
		t.Errorf("entry attributes lost: %+v", got)
	}
	if parsed.findByName("gone.txt", false) != nil {
		t.Error("soft-deleted entry appeared active after round trip")
	}
	if parsed.findByName("gone.txt", true) == nil {
		t.Error("soft-deleted entry lost after round trip")
	}
}

// TestTableParseRejectsDamage feeds structurally broken streams.
func TestTableParseRejectsDamage(t *testing.T) {
	tbl := newFileTable()
	tbl.insert(testEntry("a"))
	data := tbl.serialize()

	if _, err := parseTable(data[:len(data)-4]); err == nil {
		t.Error("truncated stream should fail")
	}
	if _, err := parseTable(nil); err == nil {
		t.Error("empty stream should fail")
	}
	bad := append([]byte(nil), data...)
	bad[0], bad[1] = 0xFF, 0xFF // version
	if _, err := parseTable(bad); err == nil {
		t.Error("bad version should fail")
	}
}

// TestTableCompactPlan packs survivors and preserves order.
func TestTableCompactPlan(t *testing.T) {
	tbl := newFileTable()
	sizes := []uint64{10, 20, 30}
	for i, n := range sizes {
		e := testEntry(string(rune('a' + i)))
		e.Locator = Locator{Offset: 1000 + 100*uint64(i), Length: n}
		tbl.insert(e)
	}
	tbl.transition(2, StatePendingPurge, testClock) // drop the middle entry

	plan := tbl.compact(500)
	if len(plan) != 2 {
		t.Fatalf("plan has %d steps, want 2", len(plan))
	}
	if plan[0].fresh.Offset != 500 || plan[0].fresh.Length != 10 {
		t.Errorf("step 0 fresh = %+v", plan[0].fresh)
	}
	if plan[1].fresh.Offset != 510 || plan[1].fresh.Length != 30 {
		t.Errorf("step 1 fresh = %+v", plan[1].fresh)
	}
	if plan[0].entry.Name != "a" || plan[1].entry.Name != "c" {
		t.Error("plan does not preserve entry order")
	}
}

// TestSealedTableBinding makes sure a table sealed for one volume cannot be
// opened as another volume's table.
func TestSealedTableBinding(t *testing.T) {
	key := make([]byte, KeySize)
	key[0] = 1
	engine, err := newCipherEngine(key)
	if err != nil {
		t.Fatalf("newCipherEngine failed: %v", err)
	}

	tbl := newFileTable()
	tbl.insert(testEntry("x"))
	sealed, err := sealTable(tbl, engine, []byte("mfs/table-volume-1"))
	if err != nil {
		t.Fatalf("sealTable failed: %v", err)
	}

	if _, err := openTable(sealed, engine, []byte("mfs/table-volume-1")); err != nil {
		t.Fatalf("openTable with right context failed: %v", err)
	}
	if _, err := openTable(sealed, engine, []byte("mfs/table-volume-2")); err == nil {
		t.Error("openTable with foreign context should fail")
	}

	// Flip one ciphertext byte.
	sealed[len(sealed)/2] ^= 0x01
	if _, err := openTable(sealed, engine, []byte("mfs/table-volume-1")); err == nil {
		t.Error("openTable of tampered segment should fail")
	}
}
