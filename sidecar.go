package myfs

import (
	"encoding/binary"
	"fmt"
)

// Sidecar layout: the volume identifier and KDF parameters, encoded exactly
// as container bytes [6..54), followed by the sealed table segment. The
// sidecar carries no secrets beyond what the container already exposes; the
// table segment only opens under the master key.

// sidecarPrefixSize mirrors container offsets 6..54.
const sidecarPrefixSize = 48

// encodeSidecar builds the full sidecar image for the given header and
// sealed table segment.
func encodeSidecar(h *volumeHeader, sealedTable []byte) []byte {
	buf := make([]byte, 0, sidecarPrefixSize+len(sealedTable))
	buf = append(buf, h.VolumeID[:]...)
	buf = append(buf, h.MasterSalt[:]...)
	var kdf [16]byte
	binary.BigEndian.PutUint64(kdf[0:8], h.KDF.Memory)
	binary.BigEndian.PutUint32(kdf[8:12], h.KDF.Iterations)
	binary.BigEndian.PutUint32(kdf[12:16], h.KDF.Parallelism)
	buf = append(buf, kdf[:]...)
	buf = append(buf, sealedTable...)
	return buf
}

// sidecarImage is the parsed form of a sidecar file.
type sidecarImage struct {
	VolumeID    [16]byte
	MasterSalt  [SaltSize]byte
	KDF         KDFParams
	SealedTable []byte
}

// decodeSidecar parses a sidecar image. Only structural validation happens
// here; the table segment is verified when opened under the master key.
func decodeSidecar(buf []byte) (*sidecarImage, error) {
	if len(buf) < sidecarPrefixSize+SealOverhead {
		return nil, fmt.Errorf("sidecar too small: %d bytes", len(buf))
	}
	s := &sidecarImage{}
	copy(s.VolumeID[:], buf[0:16])
	copy(s.MasterSalt[:], buf[16:32])
	s.KDF.Memory = binary.BigEndian.Uint64(buf[32:40])
	s.KDF.Iterations = binary.BigEndian.Uint32(buf[40:44])
	s.KDF.Parallelism = binary.BigEndian.Uint32(buf[44:48])
	if err := s.KDF.Validate(); err != nil {
		return nil, fmt.Errorf("invalid KDF parameters in sidecar: %w", err)
	}
	s.SealedTable = buf[sidecarPrefixSize:]
	return s, nil
}
