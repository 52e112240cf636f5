package myfs

import (
	"path/filepath"
	"testing"
	"time"
)

// memoryAudit collects records for assertions.
type memoryAudit struct {
	records []AuditRecord
}

func (m *memoryAudit) Record(rec AuditRecord) error {
	m.records = append(m.records, rec)
	return nil
}

// TestVerifyHealthy passes on an untouched volume.
func TestVerifyHealthy(t *testing.T) {
	cfg := testConfig(t)
	vol := newTestVolume(t, cfg)
	defer vol.Close()

	mustImport(t, vol, "a.txt", []byte("A"), nil)
	mustImport(t, vol, "b.txt", []byte("B"), &ImportOptions{FileSecret: []byte("s")})
	if err := vol.Verify(); err != nil {
		t.Fatalf("Verify on healthy volume failed: %v", err)
	}
}

// TestVerifyDetectsDamage garbles one payload, expects Verify to condemn
// the entry and write an audit record.
func TestVerifyDetectsDamage(t *testing.T) {
	cfg := testConfig(t)
	audit := &memoryAudit{}
	cfg.Audit = audit
	vol := newTestVolume(t, cfg)
	defer vol.Close()

	mustImport(t, vol, "ok.txt", []byte("fine"), nil)
	mustImport(t, vol, "bad.txt", []byte("doomed"), nil)

	loc := vol.table.findByName("bad.txt", false).Locator
	corruptTestFile(t, cfg.FS, "/vol.DRI", int64(loc.Offset)+NonceSize, 4)

	err := vol.Verify()
	if !IsIntegrityFailed(err) {
		t.Fatalf("Verify = %v, want ErrIntegrityFailed", err)
	}

	// The damaged entry is now pending purge and gone from listings.
	entries, _ := vol.List(true)
	for _, e := range entries {
		if e.Name == "bad.txt" {
			t.Error("condemned entry still listed")
		}
	}

	if len(audit.records) == 0 {
		t.Fatal("no audit record written")
	}
	rec := audit.records[0]
	if rec.Event != "integrity-failed" || rec.Entry != "bad.txt" {
		t.Errorf("audit record = %+v", rec)
	}
	if rec.VolumeID != vol.VolumeID().String() {
		t.Errorf("audit volume id = %q", rec.VolumeID)
	}

	// The healthy entry is unaffected.
	wantBytes(t, mustExport(t, vol, "ok.txt", nil), []byte("fine"))
}

// TestVerifyRunsOnOpen: damage done while the volume is closed surfaces as
// a warning on the next open.
func TestVerifyRunsOnOpen(t *testing.T) {
	cfg := testConfig(t)
	vol := newTestVolume(t, cfg)
	mustImport(t, vol, "bad.txt", []byte("doomed"), nil)
	loc := vol.table.findByName("bad.txt", false).Locator
	vol.Close()

	corruptTestFile(t, cfg.FS, "/vol.DRI", int64(loc.Offset)+NonceSize, 4)

	vol2, err := reopenTestVolume(t, cfg, "hunter2")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer vol2.Close()
	if len(vol2.Warnings()) == 0 {
		t.Error("expected an integrity warning on open")
	}
}

// TestBoltAuditLog round-trips records through the bbolt store.
func TestBoltAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	log, err := OpenBoltAuditLog(path)
	if err != nil {
		t.Fatalf("OpenBoltAuditLog failed: %v", err)
	}
	defer log.Close()

	want := []AuditRecord{
		{Time: testClock.UTC(), VolumeID: "vol-1", Event: "integrity-failed", Entry: "a.txt"},
		{Time: testClock.Add(time.Minute).UTC(), VolumeID: "vol-1", Event: "integrity-failed", Entry: "b.txt"},
	}
	for _, rec := range want {
		if err := log.Record(rec); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	got, err := log.Records()
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Entry != want[i].Entry || got[i].Event != want[i].Event {
			t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if !got[0].Time.Before(got[1].Time) {
		t.Error("records not in chronological order")
	}
}
