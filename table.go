package myfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// EntryState is the lifecycle state of a file entry.
type EntryState uint8

const (
	// StateActive entries are visible and exportable.
	StateActive EntryState = iota
	// StateSoftDeleted entries are hidden but recoverable.
	StateSoftDeleted
	// StatePendingPurge entries await the next compaction pass.
	StatePendingPurge
)

// String returns the state name.
func (s EntryState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSoftDeleted:
		return "soft-deleted"
	case StatePendingPurge:
		return "pending-purge"
	default:
		return "unknown"
	}
}

// Locator addresses a payload run inside the container's data region.
type Locator struct {
	Offset uint64
	Length uint64
}

// FileEntry is one row of the volume's file table.
type FileEntry struct {
	ID             uint64 // stable, monotonic, never reused
	Name           string // display name, unique among active entries
	OriginalPath   string // import-time source path, informational only
	OriginalSize   uint64 // plaintext size in bytes
	CiphertextSize uint64 // sealed payload size in bytes
	ImportedAt     time.Time
	DeletedAt      time.Time // set in non-active states
	Salt           [SaltSize]byte
	Protected      bool             // true when guarded by a per-file secret
	WrappedKey     []byte           // file key sealed under the master key; present iff Protected
	Compressed     bool             // payload was gzip-compressed before sealing
	Digest         [DigestSize]byte // SHA-256 over the plaintext
	Locator        Locator
	State          EntryState
}

// entry record flags
const (
	entryFlagProtected  = 1 << 0
	entryFlagCompressed = 1 << 1
)

const tableFormatVersion = 1

// fileTable is the in-memory canonical index: entries ordered by id with a
// secondary index by display name covering active entries only.
type fileTable struct {
	nextID  uint64
	entries []*FileEntry
	byName  map[string]*FileEntry
}

// newFileTable returns an empty table.
func newFileTable() *fileTable {
	return &fileTable{
		nextID: 1,
		byName: make(map[string]*FileEntry),
	}
}

// insert adds a new entry, assigning the next id. An active-name collision
// is ErrNameTaken; collisions with deleted entries are permitted.
func (t *fileTable) insert(e *FileEntry) error {
	if e.State == StateActive {
		if _, taken := t.byName[e.Name]; taken {
			return ErrNameTaken
		}
	}
	e.ID = t.nextID
	t.nextID++
	t.entries = append(t.entries, e)
	if e.State == StateActive {
		t.byName[e.Name] = e
	}
	return nil
}

// get returns the entry with the given id, or nil.
func (t *fileTable) get(id uint64) *FileEntry {
	for _, e := range t.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// findByName resolves a display name. Active entries resolve through the
// name index; with includeDeleted the most recently deleted match is
// returned when no active entry carries the name.
func (t *fileTable) findByName(name string, includeDeleted bool) *FileEntry {
	if e, ok := t.byName[name]; ok {
		return e
	}
	if !includeDeleted {
		return nil
	}
	var best *FileEntry
	for _, e := range t.entries {
		if e.Name != name || e.State == StateActive {
			continue
		}
		if best == nil || e.DeletedAt.After(best.DeletedAt) {
			best = e
		}
	}
	return best
}

// transition moves an entry between lifecycle states, enforcing the legal
// edges: Active -> SoftDeleted -> Active, and either non-purged state ->
// PendingPurge. Entries leave PendingPurge only by removal during purge.
func (t *fileTable) transition(id uint64, to EntryState, now time.Time) error {
	e := t.get(id)
	if e == nil {
		return ErrNotFound
	}
	switch {
	case e.State == StateActive && to == StateSoftDeleted:
		e.State = StateSoftDeleted
		e.DeletedAt = now
		delete(t.byName, e.Name)
	case e.State == StateSoftDeleted && to == StateActive:
		if _, taken := t.byName[e.Name]; taken {
			return ErrNameTaken
		}
		e.State = StateActive
		e.DeletedAt = time.Time{}
		t.byName[e.Name] = e
	case e.State != StatePendingPurge && to == StatePendingPurge:
		if e.State == StateActive {
			delete(t.byName, e.Name)
		}
		e.State = StatePendingPurge
		if e.DeletedAt.IsZero() {
			e.DeletedAt = now
		}
	default:
		return fmt.Errorf("illegal state transition %s -> %s", e.State, to)
	}
	return nil
}

// removePurged drops every PendingPurge entry from the table and returns
// them. Ids are never reused.
func (t *fileTable) removePurged() []*FileEntry {
	var kept, purged []*FileEntry
	for _, e := range t.entries {
		if e.State == StatePendingPurge {
			purged = append(purged, e)
		} else {
			kept = append(kept, e)
		}
	}
	t.entries = kept
	return purged
}

// rewriteStep maps one surviving payload run from its old locator to its
// packed position after compaction.
type rewriteStep struct {
	entry *FileEntry
	old   Locator
	fresh Locator
}

// compact produces a rewrite plan packing every surviving payload run
// contiguously from dataOffset, preserving entry order (active entries keep
// their relative order by construction).
func (t *fileTable) compact(dataOffset uint64) []rewriteStep {
	var plan []rewriteStep
	next := dataOffset
	for _, e := range t.entries {
		if e.State == StatePendingPurge {
			continue
		}
		plan = append(plan, rewriteStep{
			entry: e,
			old:   e.Locator,
			fresh: Locator{Offset: next, Length: e.Locator.Length},
		})
		next += e.Locator.Length
	}
	return plan
}

// serialize writes the table to its plaintext record-stream form: a fixed
// header (version, next id, entry count) followed by one length-prefixed
// record per entry. All integers big-endian.
func (t *fileTable) serialize() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint16(tableFormatVersion))
	binary.Write(buf, binary.BigEndian, t.nextID)
	binary.Write(buf, binary.BigEndian, uint32(len(t.entries)))

	for _, e := range t.entries {
		rec := new(bytes.Buffer)
		binary.Write(rec, binary.BigEndian, e.ID)
		rec.WriteByte(byte(e.State))
		var flags byte
		if e.Protected {
			flags |= entryFlagProtected
		}
		if e.Compressed {
			flags |= entryFlagCompressed
		}
		rec.WriteByte(flags)
		binary.Write(rec, binary.BigEndian, e.ImportedAt.UnixNano())
		var deletedAt int64
		if !e.DeletedAt.IsZero() {
			deletedAt = e.DeletedAt.UnixNano()
		}
		binary.Write(rec, binary.BigEndian, deletedAt)
		binary.Write(rec, binary.BigEndian, e.OriginalSize)
		binary.Write(rec, binary.BigEndian, e.CiphertextSize)
		binary.Write(rec, binary.BigEndian, e.Locator.Offset)
		binary.Write(rec, binary.BigEndian, e.Locator.Length)
		rec.Write(e.Salt[:])
		rec.Write(e.Digest[:])
		writeLenPrefixed(rec, []byte(e.Name))
		writeLenPrefixed(rec, e.WrappedKey)
		writeLenPrefixed(rec, []byte(e.OriginalPath))

		binary.Write(buf, binary.BigEndian, uint32(rec.Len()))
		buf.Write(rec.Bytes())
	}
	return buf.Bytes()
}

func writeLenPrefixed(w *bytes.Buffer, b []byte) {
	binary.Write(w, binary.BigEndian, uint16(len(b)))
	w.Write(b)
}

// parseTable reads the record stream back into a table, validating the
// lifecycle invariants (strictly increasing ids, unique active names).
func parseTable(data []byte) (*fileTable, error) {
	r := bytes.NewReader(data)

	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("failed to read table version: %w", err)
	}
	if version == 0 || version > tableFormatVersion {
		return nil, fmt.Errorf("unsupported table format version %d", version)
	}

	t := newFileTable()
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &t.nextID); err != nil {
		return nil, fmt.Errorf("failed to read next id: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read entry count: %w", err)
	}

	var prevID uint64
	for i := uint32(0); i < count; i++ {
		var recLen uint32
		if err := binary.Read(r, binary.BigEndian, &recLen); err != nil {
			return nil, fmt.Errorf("failed to read record length: %w", err)
		}
		rec := make([]byte, recLen)
		if _, err := io.ReadFull(r, rec); err != nil {
			return nil, fmt.Errorf("failed to read record %d: %w", i, err)
		}
		e, err := parseEntry(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if e.ID <= prevID {
			return nil, fmt.Errorf("record %d: ids not strictly increasing", i)
		}
		if e.ID >= t.nextID {
			return nil, fmt.Errorf("record %d: id %d beyond next id %d", i, e.ID, t.nextID)
		}
		prevID = e.ID
		if e.State == StateActive {
			if _, dup := t.byName[e.Name]; dup {
				return nil, fmt.Errorf("record %d: duplicate active name %q", i, e.Name)
			}
			t.byName[e.Name] = e
		}
		t.entries = append(t.entries, e)
	}
	return t, nil
}

func parseEntry(rec []byte) (*FileEntry, error) {
	r := bytes.NewReader(rec)
	e := &FileEntry{}

	var state, flags byte
	var importedAt, deletedAt int64
	fields := []any{&e.ID, &state, &flags, &importedAt, &deletedAt,
		&e.OriginalSize, &e.CiphertextSize, &e.Locator.Offset, &e.Locator.Length}
	for _, f := range fields {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return nil, fmt.Errorf("truncated entry record: %w", err)
		}
	}
	if state > byte(StatePendingPurge) {
		return nil, fmt.Errorf("invalid entry state %d", state)
	}
	e.State = EntryState(state)
	e.Protected = flags&entryFlagProtected != 0
	e.Compressed = flags&entryFlagCompressed != 0
	e.ImportedAt = time.Unix(0, importedAt).UTC()
	if deletedAt != 0 {
		e.DeletedAt = time.Unix(0, deletedAt).UTC()
	}
	if e.State != StateActive && e.DeletedAt.IsZero() {
		return nil, fmt.Errorf("entry %d: deleted state without deletion time", e.ID)
	}

	if _, err := io.ReadFull(r, e.Salt[:]); err != nil {
		return nil, fmt.Errorf("truncated entry salt: %w", err)
	}
	if _, err := io.ReadFull(r, e.Digest[:]); err != nil {
		return nil, fmt.Errorf("truncated entry digest: %w", err)
	}

	name, err := readLenPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("truncated entry name: %w", err)
	}
	e.Name = string(name)
	if e.Name == "" {
		return nil, fmt.Errorf("entry %d: empty name", e.ID)
	}
	if e.WrappedKey, err = readLenPrefixed(r); err != nil {
		return nil, fmt.Errorf("truncated wrapped key: %w", err)
	}
	if len(e.WrappedKey) == 0 {
		e.WrappedKey = nil
	}
	if e.Protected != (e.WrappedKey != nil) {
		return nil, fmt.Errorf("entry %d: protection flag and wrapped key disagree", e.ID)
	}
	origPath, err := readLenPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("truncated original path: %w", err)
	}
	e.OriginalPath = string(origPath)
	return e, nil
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// sealTable serializes and seals the table under the master key, bound to
// the volume identity.
func sealTable(t *fileTable, engine *cipherEngine, aad []byte) ([]byte, error) {
	plain := t.serialize()
	sealed, err := engine.seal(plain, aad)
	zeroBytes(plain)
	if err != nil {
		return nil, err
	}
	return sealed, nil
}

// openTable opens a sealed table segment and parses it. An AEAD failure is
// ErrTableCorrupt: the caller falls back to the mirror before giving up.
func openTable(sealed []byte, engine *cipherEngine, aad []byte) (*fileTable, error) {
	plain, err := engine.open(sealed, aad)
	if err != nil {
		return nil, ErrTableCorrupt
	}
	t, err := parseTable(plain)
	zeroBytes(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTableCorrupt, err)
	}
	return t, nil
}
