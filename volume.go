package myfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Volume is an open MyFS container. All mutations flow through the commit
// path, which re-seals the file table and mirrors it to the sidecar. A
// Volume is single-writer; the advisory container lock is held until Close.
type Volume struct {
	cfg     *Config
	session *Session

	containerPath string
	sidecarPath   string
	bindingPath   string

	container *containerFile
	header    *volumeHeader
	table     *fileTable
	engine    *cipherEngine
	masterKey []byte
	unlock    func() error

	warnings []string

	// set by loadTable when one side had to be rebuilt from the other
	repairedContainer bool
	repairedSidecar   bool
}

// Format creates a new volume: container, sidecar, and machine binding
// record. Any failure after partial writes removes everything it created.
// The volume is not left open; call Open afterwards.
func Format(session *Session, containerPath, sidecarPath string, masterSecret []byte, cfg *Config) (err error) {
	if err := session.require(StateSessionOpen); err != nil {
		return err
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(masterSecret) == 0 {
		return fmt.Errorf("master secret cannot be empty")
	}

	bindingPath := containerPath + BindingExt
	defer func() {
		if err != nil {
			_ = cfg.FS.Remove(containerPath)
			_ = cfg.FS.Remove(sidecarPath)
			_ = cfg.FS.Remove(bindingPath)
		}
	}()

	id := uuid.New()
	salt, err := generateSalt()
	if err != nil {
		return err
	}

	h := &volumeHeader{
		Version:  FormatVersion,
		VolumeID: id,
		KDF:      cfg.KDF,
	}
	copy(h.MasterSalt[:], salt)

	masterKey := deriveKey(masterSecret, h.MasterSalt[:], labelMaster, h.KDF)
	defer zeroBytes(masterKey)
	engine, err := newCipherEngine(masterKey)
	if err != nil {
		return err
	}

	table := newFileTable()
	sealedTable, err := sealTable(table, engine, h.tableAAD())
	if err != nil {
		return err
	}
	h.TableOffset = headerPreludeSize
	h.TableLength = uint64(len(sealedTable))
	h.DataOffset = headerPreludeSize + h.TableLength
	if err := h.sealTag(engine); err != nil {
		return err
	}

	cf, err := openContainer(cfg.FS, containerPath, true)
	if err != nil {
		return err
	}
	defer cf.Close()
	cf.Stage(0, h.encode())
	cf.Stage(headerPreludeSize, sealedTable)
	cf.StageTruncate(int64(h.DataOffset))
	if err := cf.Commit(); err != nil {
		return err
	}

	if err := writeFileSynced(cfg, sidecarPath, encodeSidecar(h, sealedTable)); err != nil {
		return err
	}

	fingerprint, err := cfg.Fingerprint()
	if err != nil {
		return fmt.Errorf("failed to read machine fingerprint: %w", err)
	}
	return writeBindingRecord(cfg.FS, bindingPath, fingerprint, h.VolumeID[:], h.KDF)
}

// Open unlocks an existing volume under the session. The master secret is
// accepted only if the header tag opens under the derived key; the machine
// binding record must authorize this host. A corrupt table on either side
// is repaired from the other, with a warning recorded on the volume.
func Open(session *Session, containerPath, sidecarPath string, masterSecret []byte, cfg *Config) (*Volume, error) {
	return openVolume(session, containerPath, sidecarPath, masterSecret, cfg, false)
}

// OpenRebind is Open with the explicit affordance to regenerate the machine
// binding record for this host. It still requires the master secret.
func OpenRebind(session *Session, containerPath, sidecarPath string, masterSecret []byte, cfg *Config) (*Volume, error) {
	return openVolume(session, containerPath, sidecarPath, masterSecret, cfg, true)
}

func openVolume(session *Session, containerPath, sidecarPath string, masterSecret []byte, cfg *Config, rebind bool) (v *Volume, err error) {
	if err := session.require(StateSessionOpen); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	unlock, err := cfg.Locker.Acquire(containerPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = unlock()
		}
	}()

	cf, err := openContainer(cfg.FS, containerPath, false)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = cf.Close()
		}
	}()

	prelude := make([]byte, headerPreludeSize)
	if err := cf.ReadAt(prelude, 0); err != nil {
		return nil, err
	}
	h, err := decodeHeader(prelude)
	if err != nil {
		return nil, fmt.Errorf("container header unreadable (run repair): %w", err)
	}

	masterKey := deriveKey(masterSecret, h.MasterSalt[:], labelMaster, h.KDF)
	engine, cerr := newCipherEngine(masterKey)
	if cerr != nil {
		zeroBytes(masterKey)
		return nil, cerr
	}
	if err = h.verifyTag(engine); err != nil {
		zeroBytes(masterKey)
		return nil, err
	}

	v = &Volume{
		cfg:           cfg,
		session:       session,
		containerPath: containerPath,
		sidecarPath:   sidecarPath,
		bindingPath:   containerPath + BindingExt,
		container:     cf,
		header:        h,
		engine:        engine,
		masterKey:     masterKey,
		unlock:        unlock,
	}
	defer func() {
		if err != nil {
			zeroBytes(masterKey)
		}
	}()

	fingerprint, ferr := cfg.Fingerprint()
	if ferr != nil {
		return nil, fmt.Errorf("failed to read machine fingerprint: %w", ferr)
	}
	if rebind {
		if err = writeBindingRecord(cfg.FS, v.bindingPath, fingerprint, h.VolumeID[:], h.KDF); err != nil {
			return nil, err
		}
		v.warn("machine binding regenerated for this host")
	} else if err = verifyBindingRecord(cfg.FS, v.bindingPath, fingerprint, h.VolumeID[:], h.KDF); err != nil {
		return nil, err
	}

	if err = v.loadTable(); err != nil {
		return nil, err
	}

	if err = session.transition(StateSessionOpen, StateVolumeOpen); err != nil {
		return nil, err
	}

	// Integrity monitor runs on every open. Entry-level damage is recorded
	// and surfaced but does not abort the open.
	if verr := v.Verify(); verr != nil {
		v.warn(fmt.Sprintf("integrity check: %v", verr))
	}
	return v, nil
}

// loadTable loads the file table, preferring the container copy and falling
// back to the sidecar (and vice versa), repairing whichever side is behind.
func (v *Volume) loadTable() error {
	containerSealed, containerErr := v.readContainerTable()
	var containerTable *fileTable
	if containerErr == nil {
		containerTable, containerErr = openTable(containerSealed, v.engine, v.header.tableAAD())
	}

	sidecarSealed, sidecarErr := v.readSidecarTable()
	var sidecarTable *fileTable
	if sidecarErr == nil {
		sidecarTable, sidecarErr = openTable(sidecarSealed, v.engine, v.header.tableAAD())
	}

	switch {
	case containerErr == nil && sidecarErr == nil:
		v.table = containerTable
		if !bytes.Equal(containerSealed, sidecarSealed) {
			// Sidecar fell behind a committed container write; the
			// container is authoritative under the commit ordering.
			if err := writeFileSynced(v.cfg, v.sidecarPath, encodeSidecar(v.header, containerSealed)); err != nil {
				return err
			}
			v.repairedSidecar = true
			v.warn("sidecar was stale and has been rewritten from the container")
		}
		return nil

	case containerErr != nil && sidecarErr == nil:
		v.table = sidecarTable
		if err := v.commit(); err != nil {
			return err
		}
		v.repairedContainer = true
		v.warn("container table was corrupt and has been rebuilt from the sidecar")
		return nil

	case containerErr == nil && sidecarErr != nil:
		v.table = containerTable
		if err := writeFileSynced(v.cfg, v.sidecarPath, encodeSidecar(v.header, containerSealed)); err != nil {
			return err
		}
		v.repairedSidecar = true
		v.warn("sidecar was corrupt and has been rewritten from the container")
		return nil

	default:
		return ErrTableCorrupt
	}
}

// readContainerTable returns the sealed table segment from the container.
func (v *Volume) readContainerTable() ([]byte, error) {
	length := int64(v.header.TableLength)
	offset := int64(v.header.TableOffset)
	if length < SealOverhead || offset < headerPreludeSize || offset+length > v.container.Size() {
		return nil, ErrTableCorrupt
	}
	buf := make([]byte, length)
	if err := v.container.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// readSidecarTable returns the sealed table segment from the sidecar,
// validating that it belongs to this volume.
func (v *Volume) readSidecarTable() ([]byte, error) {
	data, err := readWholeFile(v.cfg, v.sidecarPath)
	if err != nil {
		return nil, err
	}
	s, err := decodeSidecar(data)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(s.VolumeID[:], v.header.VolumeID[:]) {
		return nil, fmt.Errorf("sidecar belongs to a different volume")
	}
	return s.SealedTable, nil
}

// VolumeID returns the volume identifier.
func (v *Volume) VolumeID() uuid.UUID {
	return v.header.VolumeID
}

// Warnings returns the warnings accumulated since Open, oldest first.
func (v *Volume) Warnings() []string {
	return v.warnings
}

func (v *Volume) warn(msg string) {
	v.warnings = append(v.warnings, msg)
}

// Close releases the container lock and zeroes all key material. The
// session drops back to Closed.
func (v *Volume) Close() error {
	if v.container == nil {
		return nil
	}
	err := v.container.Close()
	v.container = nil
	if v.unlock != nil {
		if uerr := v.unlock(); err == nil {
			err = uerr
		}
		v.unlock = nil
	}
	zeroBytes(v.masterKey)
	v.masterKey = nil
	v.engine = nil
	v.table = nil
	if v.session.state == StateVolumeOpen {
		v.session.state = StateClosed
	}
	return err
}

// require verifies the volume is usable and the session still open.
func (v *Volume) require() error {
	if v == nil || v.container == nil {
		return ErrClosed
	}
	return v.session.require(StateVolumeOpen)
}

// dataEnd returns the first byte past the last payload run.
func (v *Volume) dataEnd() uint64 {
	end := v.header.DataOffset
	for _, e := range v.table.entries {
		if run := e.Locator.Offset + e.Locator.Length; run > end {
			end = run
		}
	}
	return end
}

// payloadAAD binds a sealed payload to this volume and entry.
func (v *Volume) payloadAAD(id uint64) []byte {
	aad := make([]byte, 0, len(labelFile)+16+8)
	aad = append(aad, labelFile...)
	aad = append(aad, v.header.VolumeID[:]...)
	aad = binary.BigEndian.AppendUint64(aad, id)
	return aad
}

// wrapAAD binds a wrapped file key to this volume and entry. The trailing
// byte keeps it disjoint from payloadAAD.
func (v *Volume) wrapAAD(id uint64) []byte {
	return append(v.payloadAAD(id), 0x01)
}

// mutate snapshots the table, runs fn, and on failure restores the
// snapshot and discards staged container writes. A failure before the
// container commit leaves memory and disk in the pre-operation state. When
// the container commit succeeds and the sidecar write then fails, the
// container keeps the new table on disk and is not rolled back; the next
// open rewrites the sidecar from it.
func (v *Volume) mutate(fn func() error) error {
	snapshot := v.table.clone()
	if err := fn(); err != nil {
		v.table = snapshot
		v.container.Discard()
		return err
	}
	return nil
}

// clone deep-copies a table through its serialized form.
func (t *fileTable) clone() *fileTable {
	c, err := parseTable(t.serialize())
	if err != nil {
		// A table that round-trips incorrectly is a programming error.
		panic(fmt.Sprintf("myfs: table clone failed: %v", err))
	}
	return c
}

// commit re-seals the table under a fresh nonce and makes it durable:
// container first (including fsync), then the sidecar. The table segment is
// rewritten in the gap before the data region when it fits, otherwise it
// relocates past the last payload run.
func (v *Volume) commit() error {
	return v.commitPlaced(false)
}

// commitPlaced is commit with an override forcing the table segment past
// everything currently in the file. Purge uses it so an in-flight commit
// never overwrites bytes the previous table still references.
func (v *Volume) commitPlaced(tableAtEnd bool) error {
	sealedTable, err := sealTable(v.table, v.engine, v.header.tableAAD())
	if err != nil {
		v.container.Discard()
		return err
	}

	prevOffset, prevLength := v.header.TableOffset, v.header.TableLength
	length := uint64(len(sealedTable))
	var offset uint64
	switch {
	case tableAtEnd:
		offset = uint64(v.container.Size())
	case length <= v.header.DataOffset-headerPreludeSize:
		offset = headerPreludeSize
	default:
		offset = v.dataEnd()
	}
	v.header.TableOffset = offset
	v.header.TableLength = length

	v.container.Stage(int64(offset), sealedTable)
	v.container.Stage(0, v.header.encode())
	if err := v.container.Commit(); err != nil {
		v.header.TableOffset, v.header.TableLength = prevOffset, prevLength
		return err
	}

	return writeFileSynced(v.cfg, v.sidecarPath, encodeSidecar(v.header, sealedTable))
}

// readRun reads a payload run from the data region.
func (v *Volume) readRun(loc Locator) ([]byte, error) {
	buf := make([]byte, loc.Length)
	if err := v.container.ReadAt(buf, int64(loc.Offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFileSynced atomically replaces path with data: write, sync, close.
func writeFileSynced(cfg *Config, path string, data []byte) error {
	f, err := cfg.FS.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return NewIOError("open", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return NewIOError("write", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return NewIOError("sync", path, err)
	}
	if err := f.Close(); err != nil {
		return NewIOError("close", path, err)
	}
	return nil
}

// readWholeFile reads an entire file through the configured filesystem.
func readWholeFile(cfg *Config, path string) ([]byte, error) {
	f, err := cfg.FS.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, NewIOError("open", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, NewIOError("stat", path, err)
	}
	buf := make([]byte, info.Size())
	if info.Size() > 0 {
		if _, err := f.ReadAt(buf, 0); err != nil {
			return nil, NewIOError("read", path, err)
		}
	}
	return buf, nil
}
