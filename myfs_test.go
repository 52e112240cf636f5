package myfs

import (
	"bytes"
	"crypto/sha256"
	"os"
	"testing"
	"time"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

// Shared test fixtures. Volumes live on memfs with a pinned clock and a
// synthetic machine fingerprint so every binding and session check is
// reproducible.

var testClock = time.Date(2024, 1, 31, 10, 0, 0, 0, time.Local)

const testSessionSecret = "myfs-20240131"

func testFingerprint(seed string) func() ([]byte, error) {
	return func() ([]byte, error) {
		sum := sha256.Sum256([]byte(seed))
		return sum[:], nil
	}
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("Failed to create memfs: %v", err)
	}
	return &Config{
		FS:     fs,
		Locker: NoopLocker{},
		KDF: KDFParams{
			Memory:      1024 * 1024, // 1 MiB, low for testing speed
			Iterations:  1,
			Parallelism: 1,
		},
		Now:         func() time.Time { return testClock },
		Fingerprint: testFingerprint("machine-m"),
	}
}

func testSession(t *testing.T, cfg *Config) *Session {
	t.Helper()
	session, err := OpenSession(testSessionSecret, cfg)
	if err != nil {
		t.Fatalf("Failed to open session: %v", err)
	}
	return session
}

// newTestVolume formats and opens a volume at /vol.DRI with the master
// secret "hunter2".
func newTestVolume(t *testing.T, cfg *Config) *Volume {
	t.Helper()
	session := testSession(t, cfg)
	if err := Format(session, "/vol.DRI", "/vol.IXF", []byte("hunter2"), cfg); err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	vol, err := Open(session, "/vol.DRI", "/vol.IXF", []byte("hunter2"), cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return vol
}

// reopenTestVolume closes nothing; it opens a fresh session against the
// existing files.
func reopenTestVolume(t *testing.T, cfg *Config, master string) (*Volume, error) {
	t.Helper()
	session := testSession(t, cfg)
	return Open(session, "/vol.DRI", "/vol.IXF", []byte(master), cfg)
}

// readTestFile reads a file back through the configured filesystem.
func readTestFile(t *testing.T, cfg *Config, path string) []byte {
	t.Helper()
	data, err := readWholeFile(cfg, path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return data
}

// corruptTestFile overwrites length bytes at offset with zeros.
func corruptTestFile(t *testing.T, fs absfs.FileSystem, path string, offset, length int64) {
	t.Helper()
	f, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("Failed to open %s for corruption: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(make([]byte, length), offset); err != nil {
		t.Fatalf("Failed to corrupt %s: %v", path, err)
	}
}

// exportBytes exports an entry to a scratch path and returns the bytes.
func exportBytes(t *testing.T, vol *Volume, name string, opts *ExportOptions) ([]byte, error) {
	t.Helper()
	dest := "/out-" + name
	if err := vol.Export(name, dest, opts); err != nil {
		return nil, err
	}
	return readTestFile(t, vol.cfg, dest), nil
}

func mustExport(t *testing.T, vol *Volume, name string, opts *ExportOptions) []byte {
	t.Helper()
	data, err := exportBytes(t, vol, name, opts)
	if err != nil {
		t.Fatalf("Export(%q) failed: %v", name, err)
	}
	return data
}

func mustImport(t *testing.T, vol *Volume, name string, data []byte, opts *ImportOptions) {
	t.Helper()
	if err := vol.Import(name, data, opts); err != nil {
		t.Fatalf("Import(%q) failed: %v", name, err)
	}
}

func wantBytes(t *testing.T, got, want []byte) {
	t.Helper()
	if !bytes.Equal(got, want) {
		t.Errorf("content mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}
