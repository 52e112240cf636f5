package myfs

import (
	"bytes"
	"crypto/sha256"
	"sort"
)

// ExportMode selects what Export writes to the destination.
type ExportMode int

const (
	// ExportNormal writes the decrypted plaintext and verifies its digest.
	ExportNormal ExportMode = iota
	// ExportRaw writes the sealed blob as stored, for off-system backup.
	// For a secret-protected entry the per-file salt is prepended so the
	// blob can be re-imported elsewhere.
	ExportRaw
)

// ImportOptions controls Import.
type ImportOptions struct {
	// FileSecret, when set, guards the entry with its own secret on top
	// of the master key.
	FileSecret []byte

	// Compress gzips the payload before sealing when it helps.
	Compress bool

	// OriginalPath records where the bytes came from. Informational.
	OriginalPath string
}

// ExportOptions controls Export.
type ExportOptions struct {
	// FileSecret unlocks a secret-protected entry.
	FileSecret []byte

	// Mode selects plaintext or raw output.
	Mode ExportMode
}

// Import adds a file to the volume under the given display name and commits.
// A collision with an active name is ErrNameTaken; names of deleted entries
// may be reused.
func (v *Volume) Import(name string, data []byte, opts *ImportOptions) error {
	if err := v.require(); err != nil {
		return err
	}
	if opts == nil {
		opts = &ImportOptions{}
	}
	if err := validateName(name); err != nil {
		return err
	}

	digest := sha256.Sum256(data)
	payload := data
	compressed := false
	if opts.Compress && len(data) > 0 {
		c, err := compressPayload(data)
		if err != nil {
			return err
		}
		if len(c) < len(data) {
			payload = c
			compressed = true
		}
	}

	return v.mutate(func() error {
		salt, err := generateSalt()
		if err != nil {
			return err
		}
		e := &FileEntry{
			Name:         name,
			OriginalPath: opts.OriginalPath,
			OriginalSize: uint64(len(data)),
			ImportedAt:   v.cfg.Now().UTC(),
			Compressed:   compressed,
			Digest:       digest,
			State:        StateActive,
		}
		copy(e.Salt[:], salt)
		if err := v.table.insert(e); err != nil {
			return err
		}

		engine := v.engine
		if len(opts.FileSecret) > 0 {
			fileKey := deriveKey(opts.FileSecret, e.Salt[:], labelFile, v.header.KDF)
			defer zeroBytes(fileKey)
			if engine, err = newCipherEngine(fileKey); err != nil {
				return err
			}
			if e.WrappedKey, err = v.engine.seal(fileKey, v.wrapAAD(e.ID)); err != nil {
				return err
			}
			e.Protected = true
		}

		sealed, err := engine.seal(payload, v.payloadAAD(e.ID))
		if err != nil {
			return err
		}
		e.Locator = Locator{Offset: v.dataEnd(), Length: uint64(len(sealed))}
		e.CiphertextSize = uint64(len(sealed))
		v.container.Stage(int64(e.Locator.Offset), sealed)

		return v.commit()
	})
}

// Export resolves an active entry and writes it to destPath. In Normal mode
// the plaintext is written and its digest verified against the stored one;
// in Raw mode the sealed blob is written as stored, prefixed with the
// per-file salt for a secret-protected entry. A wrong file secret is
// ErrAuthFailed; a damaged payload is ErrIntegrityFailed and the entry is
// marked for purge.
func (v *Volume) Export(name, destPath string, opts *ExportOptions) error {
	if err := v.require(); err != nil {
		return err
	}
	if opts == nil {
		opts = &ExportOptions{}
	}
	e := v.table.findByName(name, false)
	if e == nil {
		return ErrNotFound
	}

	run, err := v.readRun(e.Locator)
	if err != nil {
		return err
	}

	if opts.Mode == ExportRaw {
		out := run
		if e.Protected {
			out = append(append(make([]byte, 0, SaltSize+len(run)), e.Salt[:]...), run...)
		}
		return writeFileSynced(v.cfg, destPath, out)
	}

	plain, err := v.openPayload(e, run, opts.FileSecret)
	if err != nil {
		return err
	}
	defer zeroBytes(plain)

	sum := sha256.Sum256(plain)
	if !bytes.Equal(sum[:], e.Digest[:]) {
		return v.condemn(e)
	}
	return writeFileSynced(v.cfg, destPath, plain)
}

// openPayload decrypts a payload run with the entry's effective key and
// reverses compression. For a protected entry the key comes from the
// supplied secret; its absence or mismatch is ErrAuthFailed. Damage under
// the already-proven master key is ErrIntegrityFailed and condemns the
// entry.
func (v *Volume) openPayload(e *FileEntry, run, fileSecret []byte) ([]byte, error) {
	engine := v.engine
	if e.Protected {
		if len(fileSecret) == 0 {
			return nil, ErrAuthFailed
		}
		fileKey := deriveKey(fileSecret, e.Salt[:], labelFile, v.header.KDF)
		defer zeroBytes(fileKey)
		var err error
		if engine, err = newCipherEngine(fileKey); err != nil {
			return nil, err
		}
	}

	plain, err := engine.open(run, v.payloadAAD(e.ID))
	if err != nil {
		if e.Protected {
			return nil, ErrAuthFailed
		}
		return nil, v.condemn(e)
	}
	if e.Compressed {
		out, derr := decompressPayload(plain)
		zeroBytes(plain)
		if derr != nil {
			return nil, v.condemn(e)
		}
		plain = out
	}
	return plain, nil
}

// masterPayload decrypts a payload run using only the master key,
// unwrapping the file key for protected entries. Used by the integrity
// monitor.
func (v *Volume) masterPayload(e *FileEntry) ([]byte, error) {
	run, err := v.readRun(e.Locator)
	if err != nil {
		return nil, err
	}
	engine := v.engine
	if e.Protected {
		fileKey, err := v.engine.open(e.WrappedKey, v.wrapAAD(e.ID))
		if err != nil {
			return nil, v.condemn(e)
		}
		defer zeroBytes(fileKey)
		if engine, err = newCipherEngine(fileKey); err != nil {
			return nil, err
		}
	}
	plain, err := engine.open(run, v.payloadAAD(e.ID))
	if err != nil {
		return nil, v.condemn(e)
	}
	if e.Compressed {
		out, derr := decompressPayload(plain)
		zeroBytes(plain)
		if derr != nil {
			return nil, v.condemn(e)
		}
		plain = out
	}
	return plain, nil
}

// condemn marks an entry PendingPurge after an integrity failure, commits
// best-effort, writes an audit record, and returns the surfaced error.
func (v *Volume) condemn(e *FileEntry) error {
	if e.State != StatePendingPurge {
		_ = v.table.transition(e.ID, StatePendingPurge, v.cfg.Now().UTC())
		_ = v.commit()
	}
	v.auditEntry("integrity-failed", e.Name)
	return &EntryError{Name: e.Name, Err: ErrIntegrityFailed}
}

// List returns the entries of the volume ordered by id. Deleted entries are
// included only on request; pending-purge entries are never listed.
func (v *Volume) List(includeDeleted bool) ([]FileEntry, error) {
	if err := v.require(); err != nil {
		return nil, err
	}
	var out []FileEntry
	for _, e := range v.table.entries {
		switch e.State {
		case StateActive:
		case StateSoftDeleted:
			if !includeDeleted {
				continue
			}
		default:
			continue
		}
		c := *e
		c.WrappedKey = nil // key material stays inside the volume
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SoftDelete hides an active entry, recording the deletion time. The
// payload is untouched and the entry can be recovered.
func (v *Volume) SoftDelete(name string) error {
	if err := v.require(); err != nil {
		return err
	}
	e := v.table.findByName(name, false)
	if e == nil {
		return ErrNotFound
	}
	return v.mutate(func() error {
		if err := v.table.transition(e.ID, StateSoftDeleted, v.cfg.Now().UTC()); err != nil {
			return err
		}
		return v.commit()
	})
}

// Recover restores the most recently soft-deleted entry with the given
// name. A collision with an active name is ErrNameTaken and the entry stays
// soft-deleted; Export resolves active entries only.
func (v *Volume) Recover(name string) error {
	if err := v.require(); err != nil {
		return err
	}
	// Look past an active holder of the name; the transition below reports
	// the collision.
	var e *FileEntry
	for _, c := range v.table.entries {
		if c.Name == name && c.State == StateSoftDeleted &&
			(e == nil || c.DeletedAt.After(e.DeletedAt)) {
			e = c
		}
	}
	if e == nil {
		return ErrNotFound
	}
	return v.mutate(func() error {
		if err := v.table.transition(e.ID, StateActive, v.cfg.Now().UTC()); err != nil {
			return err
		}
		return v.commit()
	})
}

// HardDelete marks an entry for the next purge. It accepts active and
// soft-deleted entries; the payload bytes remain until Purge rewrites the
// data region.
func (v *Volume) HardDelete(name string) error {
	if err := v.require(); err != nil {
		return err
	}
	e := v.table.findByName(name, true)
	if e == nil {
		return ErrNotFound
	}
	return v.mutate(func() error {
		if err := v.table.transition(e.ID, StatePendingPurge, v.cfg.Now().UTC()); err != nil {
			return err
		}
		return v.commit()
	})
}

// Purge removes every pending-purge entry and compacts the data region in a
// single pass. Surviving payloads are first staged into a scratch region
// past the current end of data and committed, then slid down to their
// packed positions and committed again, and finally the dead tail is
// truncated. A crash between commits leaves a consistent volume either way.
// Returns the number of entries purged.
func (v *Volume) Purge() (int, error) {
	if err := v.require(); err != nil {
		return 0, err
	}

	purged := 0
	err := v.mutate(func() error {
		next := v.dataEnd()
		for _, step := range v.table.compact(v.header.DataOffset) {
			run, err := v.readRun(step.old)
			if err != nil {
				return err
			}
			v.container.Stage(int64(next), run)
			step.entry.Locator = Locator{Offset: next, Length: step.old.Length}
			next += step.old.Length
		}
		purged = len(v.table.removePurged())
		return v.commit()
	})
	if err != nil {
		return 0, err
	}

	// Second pass: slide the scratch copies down into the packed region.
	// The table is forced past the scratch region so nothing the previous
	// table references is overwritten before this commit lands.
	err = v.mutate(func() error {
		for _, step := range v.table.compact(v.header.DataOffset) {
			run, err := v.readRun(step.old)
			if err != nil {
				return err
			}
			v.container.Stage(int64(step.fresh.Offset), run)
			step.entry.Locator = step.fresh
		}
		return v.commitPlaced(true)
	})
	if err != nil {
		return 0, err
	}

	// Third pass: a plain commit moves the table to its packed position
	// (the scratch region is dead now), then the dead tail is released.
	if err := v.mutate(v.commit); err != nil {
		return 0, err
	}
	tail := int64(v.header.TableOffset + v.header.TableLength)
	if end := int64(v.dataEnd()); end > tail {
		tail = end
	}
	if tail < v.container.Size() {
		v.container.StageTruncate(tail)
		if err := v.container.Commit(); err != nil {
			return 0, err
		}
	}
	return purged, nil
}
