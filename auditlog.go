package myfs

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// AuditRecord is one event emitted by the integrity monitor.
type AuditRecord struct {
	Time     time.Time
	VolumeID string
	Event    string // e.g. "integrity-failed"
	Entry    string // display name of the affected entry, if any
}

// AuditLog receives integrity audit records. The core treats it as an
// external collaborator: recording is best-effort and failures are ignored.
type AuditLog interface {
	Record(rec AuditRecord) error
}

// discardAudit drops every record. The default.
type discardAudit struct{}

func (discardAudit) Record(AuditRecord) error { return nil }

var auditBucket = []byte("audit")

// BoltAuditLog persists audit records in a bbolt database, keyed by
// big-endian unix-nano timestamp plus a sequence number so records sort
// chronologically.
type BoltAuditLog struct {
	db *bbolt.DB
}

// OpenBoltAuditLog opens or creates the audit database at dbPath.
func OpenBoltAuditLog(dbPath string) (*BoltAuditLog, error) {
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(auditBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create audit bucket: %w", err)
	}
	return &BoltAuditLog{db: db}, nil
}

// Close closes the underlying database.
func (l *BoltAuditLog) Close() error { return l.db.Close() }

// Record appends one audit record.
func (l *BoltAuditLog) Record(rec AuditRecord) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(auditBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 16)
		binary.BigEndian.PutUint64(key[0:8], uint64(rec.Time.UnixNano()))
		binary.BigEndian.PutUint64(key[8:16], seq)

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
			return fmt.Errorf("failed to encode audit record: %w", err)
		}
		return b.Put(key, buf.Bytes())
	})
}

// Records returns every stored record in chronological order.
func (l *BoltAuditLog) Records() ([]AuditRecord, error) {
	var out []AuditRecord
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(auditBucket).ForEach(func(_, value []byte) error {
			var rec AuditRecord
			if err := gob.NewDecoder(bytes.NewReader(value)).Decode(&rec); err != nil {
				return fmt.Errorf("failed to decode audit record: %w", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
