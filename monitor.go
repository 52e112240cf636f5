package myfs

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"strings"
)

// Integrity monitor. Runs on every open and on demand: re-verifies the
// header tag, the table mirroring, and every active entry's content digest.
// Plaintext is hashed in memory and never written anywhere.

// Verify re-checks the volume. Damaged entries are marked for purge, an
// audit record is written for each, and their names are reported in the
// returned error. A healthy volume returns nil.
func (v *Volume) Verify() error {
	if v == nil || v.container == nil {
		return ErrClosed
	}

	if err := v.header.verifyTag(v.engine); err != nil {
		return err
	}

	// The mirrors must hold byte-identical table segments. A stale or
	// corrupt sidecar is rewritten from the container, which is
	// authoritative under the commit ordering.
	containerSealed, err := v.readContainerTable()
	if err != nil {
		return err
	}
	if sidecarSealed, serr := v.readSidecarTable(); serr != nil || !bytes.Equal(containerSealed, sidecarSealed) {
		if werr := writeFileSynced(v.cfg, v.sidecarPath, encodeSidecar(v.header, containerSealed)); werr != nil {
			return werr
		}
		v.warn("sidecar disagreed with the container and has been rewritten")
	}

	lost := v.verifyEntries()
	if len(lost) > 0 {
		return fmt.Errorf("%w: damaged entries: %s", ErrIntegrityFailed, strings.Join(lost, ", "))
	}
	return nil
}

// verifyEntries recomputes the content digest of every active entry from
// its ciphertext. Decryption and digest failures condemn the entry; an entry
// whose run cannot be read is reported lost but not marked. The list of
// lost names is returned.
func (v *Volume) verifyEntries() []string {
	var lost []string
	for _, e := range v.table.entries {
		if e.State != StateActive {
			continue
		}
		plain, err := v.masterPayload(e)
		if err != nil {
			lost = append(lost, e.Name)
			continue
		}
		sum := sha256.Sum256(plain)
		zeroBytes(plain)
		if !bytes.Equal(sum[:], e.Digest[:]) {
			_ = v.condemn(e)
			lost = append(lost, e.Name)
		}
	}
	return lost
}

// auditEntry writes one audit record through the configured collaborator.
// Auditing is best-effort; failures never affect the operation.
func (v *Volume) auditEntry(event, entry string) {
	_ = v.cfg.Audit.Record(AuditRecord{
		Time:     v.cfg.Now().UTC(),
		VolumeID: v.header.VolumeID.String(),
		Event:    event,
		Entry:    entry,
	})
}
