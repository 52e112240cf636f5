package myfs

import (
	"bytes"
	"testing"

	"github.com/absfs/memfs"
)

// TestStagedWritesCommit stages writes, checks they are invisible until
// Commit, then visible and durable after.
func TestStagedWritesCommit(t *testing.T) {
	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("Failed to create memfs: %v", err)
	}
	cf, err := openContainer(fs, "/c.bin", true)
	if err != nil {
		t.Fatalf("openContainer failed: %v", err)
	}
	defer cf.Close()

	cf.Stage(0, []byte("hello"))
	off := cf.StageAppend([]byte("world"))
	if off != 5 {
		t.Errorf("append offset = %d, want 5", off)
	}
	if cf.Size() != 10 {
		t.Errorf("logical size = %d, want 10", cf.Size())
	}

	// Nothing on disk yet.
	if info, _ := fs.Stat("/c.bin"); info.Size() != 0 {
		t.Errorf("on-disk size before commit = %d, want 0", info.Size())
	}

	if err := cf.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	buf := make([]byte, 10)
	if err := cf.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(buf, []byte("helloworld")) {
		t.Errorf("content = %q", buf)
	}
}

// TestDiscardDropsStagedState discards staged writes and truncation.
func TestDiscardDropsStagedState(t *testing.T) {
	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("Failed to create memfs: %v", err)
	}
	cf, err := openContainer(fs, "/c.bin", true)
	if err != nil {
		t.Fatalf("openContainer failed: %v", err)
	}
	defer cf.Close()

	cf.Stage(0, []byte("committed"))
	if err := cf.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	cf.Stage(0, []byte("scrapped!"))
	cf.StageTruncate(3)
	cf.Discard()

	if cf.Size() != 9 {
		t.Errorf("size after discard = %d, want 9", cf.Size())
	}
	buf := make([]byte, 9)
	if err := cf.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(buf, []byte("committed")) {
		t.Errorf("content after discard = %q", buf)
	}
}

// TestStaleSidecarAdoptsContainer simulates a crash between the container
// commit and the sidecar write: the next open must treat the container as
// authoritative and rewrite the sidecar.
func TestStaleSidecarAdoptsContainer(t *testing.T) {
	cfg := testConfig(t)
	vol := newTestVolume(t, cfg)
	mustImport(t, vol, "old.txt", []byte("old"), nil)

	// Capture the sidecar as of now, then mutate and roll the sidecar
	// back, as a crash between the two writes would leave it.
	staleSidecar := readTestFile(t, cfg, "/vol.IXF")
	mustImport(t, vol, "new.txt", []byte("new"), nil)
	vol.Close()
	if err := writeFileSynced(cfg, "/vol.IXF", staleSidecar); err != nil {
		t.Fatalf("Failed to roll back sidecar: %v", err)
	}

	vol2, err := reopenTestVolume(t, cfg, "hunter2")
	if err != nil {
		t.Fatalf("Open with stale sidecar failed: %v", err)
	}
	defer vol2.Close()
	if len(vol2.Warnings()) == 0 {
		t.Error("expected a stale-sidecar warning")
	}
	wantBytes(t, mustExport(t, vol2, "new.txt", nil), []byte("new"))

	// The sidecar must be back in lockstep.
	container := readTestFile(t, cfg, "/vol.DRI")
	sidecar := readTestFile(t, cfg, "/vol.IXF")
	if !bytes.Contains(container, sidecar[sidecarPrefixSize:]) {
		t.Error("rewritten sidecar table not present in container")
	}
}
