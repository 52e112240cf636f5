// Package myfs implements a single-user encrypted virtual volume: one
// container file holding any number of user files, each optionally guarded
// by its own secret, with soft-delete recovery, tamper detection, and
// backup-based repair.
//
// # Overview
//
// A volume is three files. The container (.DRI) holds the header, the
// sealed file table, and the data region of sealed payloads. The sidecar
// (.IXF) mirrors the header parameters and the table, intended to live on
// removable media so losing either copy does not destroy the volume. The
// binding record (.machine) witnesses that a specific host was authorized.
//
// All payloads and metadata are sealed with ChaCha20-Poly1305 under keys
// derived with Argon2id. Associated data binds every ciphertext to the
// volume identity and its logical role, so blobs cannot be replayed across
// volumes or positions.
//
// # Sessions
//
// Every operation runs under a Session, opened against the date-derived
// session secret and holding the state machine Closed -> SessionOpen ->
// VolumeOpen -> Closed. Opening a volume additionally requires the master
// secret (accepted only if the header tag opens under the derived key) and
// a valid machine binding. Key material is zeroed whenever a volume closes.
//
// # Basic usage
//
//	session, err := myfs.OpenSession("myfs-20240131", nil)
//	if err != nil {
//	    // wrong session secret for today
//	}
//	cfg := &myfs.Config{}
//	err = myfs.Format(session, "vault.DRI", "vault.IXF", []byte("master"), cfg)
//	vol, err := myfs.Open(session, "vault.DRI", "vault.IXF", []byte("master"), cfg)
//	defer vol.Close()
//
//	err = vol.Import("notes.txt", data, nil)
//	err = vol.Export("notes.txt", "/tmp/notes.txt", nil)
//
// The container is committed and fsynced before the sidecar is written. A
// mutation that fails before the container commit leaves the volume as it
// was; a crash or failed sidecar write after it leaves the container
// holding the new state, and the next open detects the stale sidecar and
// rewrites it from the container.
package myfs
