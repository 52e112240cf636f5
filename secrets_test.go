package myfs

import (
	"testing"
)

// TestChangeMasterSecret re-keys the volume: the old master stops opening
// it, the new one opens it, and every payload survives, including entries
// guarded by their own secret.
func TestChangeMasterSecret(t *testing.T) {
	cfg := testConfig(t)
	vol := newTestVolume(t, cfg)

	mustImport(t, vol, "plain.txt", []byte("plain payload"), nil)
	mustImport(t, vol, "locked.txt", []byte("locked payload"), &ImportOptions{FileSecret: []byte("s")})

	if err := vol.ChangeMasterSecret([]byte("new-master")); err != nil {
		t.Fatalf("ChangeMasterSecret failed: %v", err)
	}

	// The open volume keeps working under the new key.
	wantBytes(t, mustExport(t, vol, "plain.txt", nil), []byte("plain payload"))
	vol.Close()

	if _, err := reopenTestVolume(t, cfg, "hunter2"); !IsAuthFailed(err) {
		t.Fatalf("Open with old master = %v, want ErrAuthFailed", err)
	}

	vol2, err := reopenTestVolume(t, cfg, "new-master")
	if err != nil {
		t.Fatalf("Open with new master failed: %v", err)
	}
	defer vol2.Close()
	wantBytes(t, mustExport(t, vol2, "plain.txt", nil), []byte("plain payload"))
	wantBytes(t, mustExport(t, vol2, "locked.txt", &ExportOptions{FileSecret: []byte("s")}), []byte("locked payload"))
}

// TestChangeMasterSecretRejectsEmpty keeps the old key on bad input.
func TestChangeMasterSecretRejectsEmpty(t *testing.T) {
	cfg := testConfig(t)
	vol := newTestVolume(t, cfg)

	if err := vol.ChangeMasterSecret(nil); err == nil {
		t.Fatal("empty master secret accepted")
	}
	mustImport(t, vol, "a.txt", []byte("A"), nil)
	vol.Close()

	vol2, err := reopenTestVolume(t, cfg, "hunter2")
	if err != nil {
		t.Fatalf("Open with original master failed: %v", err)
	}
	vol2.Close()
}

// TestSetFileSecretRejectsProtected: adding over an existing secret is an
// explicit error, not a silent overwrite.
func TestSetFileSecretRejectsProtected(t *testing.T) {
	cfg := testConfig(t)
	vol := newTestVolume(t, cfg)
	defer vol.Close()

	mustImport(t, vol, "f.txt", []byte("x"), &ImportOptions{FileSecret: []byte("s")})
	if err := vol.SetFileSecret("f.txt", []byte("other")); err == nil {
		t.Fatal("SetFileSecret on protected entry should fail")
	}
}
