package myfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Container header layout (all integers big-endian):
//
//	offset  size  field
//	0       4     magic "MFS1"
//	4       2     format version
//	6       16    volume identifier
//	22      16    master salt
//	38      8     KDF memory cost (bytes)
//	46      4     KDF iterations
//	50      4     KDF parallelism
//	54      12    header AEAD nonce
//	66      32    header AEAD tag over bytes [0..54)
//	98      8     table segment offset
//	106     8     table segment length
//	114     8     data region offset
//	122     var   table segment, data region
//
// The 32-byte tag field is the AEAD seal of the 16-byte volume identifier
// under the master key, with the preceding 54 header bytes as associated
// data. Opening it is the sole acceptance test for the master secret.

const (
	headerMagic = "MFS1"

	// FormatVersion is the current container format version.
	FormatVersion = 1

	// headerSealedPrefix is the byte count covered by the header tag.
	headerSealedPrefix = 54

	// headerPreludeSize is the fixed size of the container prelude.
	headerPreludeSize = 122

	headerTagFieldSize = 16 + TagSize // sealed volume id
)

// volumeHeader is the in-memory form of the container prelude.
type volumeHeader struct {
	Version     uint16
	VolumeID    uuid.UUID
	MasterSalt  [SaltSize]byte
	KDF         KDFParams
	HeaderNonce [NonceSize]byte
	HeaderTag   [headerTagFieldSize]byte
	TableOffset uint64
	TableLength uint64
	DataOffset  uint64
}

// encode serializes the header to its bit-exact 122-byte form.
func (h *volumeHeader) encode() []byte {
	buf := make([]byte, headerPreludeSize)
	copy(buf[0:4], headerMagic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	copy(buf[6:22], h.VolumeID[:])
	copy(buf[22:38], h.MasterSalt[:])
	binary.BigEndian.PutUint64(buf[38:46], h.KDF.Memory)
	binary.BigEndian.PutUint32(buf[46:50], h.KDF.Iterations)
	binary.BigEndian.PutUint32(buf[50:54], h.KDF.Parallelism)
	copy(buf[54:66], h.HeaderNonce[:])
	copy(buf[66:98], h.HeaderTag[:])
	binary.BigEndian.PutUint64(buf[98:106], h.TableOffset)
	binary.BigEndian.PutUint64(buf[106:114], h.TableLength)
	binary.BigEndian.PutUint64(buf[114:122], h.DataOffset)
	return buf
}

// decodeHeader parses and validates the container prelude. Failures other
// than a wrong key are reported as malformed; the master key is not needed.
func decodeHeader(buf []byte) (*volumeHeader, error) {
	if len(buf) < headerPreludeSize {
		return nil, fmt.Errorf("container too small for header: %d bytes", len(buf))
	}
	if !bytes.Equal(buf[0:4], []byte(headerMagic)) {
		return nil, fmt.Errorf("bad container magic")
	}
	h := &volumeHeader{}
	h.Version = binary.BigEndian.Uint16(buf[4:6])
	if h.Version == 0 || h.Version > FormatVersion {
		return nil, fmt.Errorf("unsupported container format version %d", h.Version)
	}
	copy(h.VolumeID[:], buf[6:22])
	copy(h.MasterSalt[:], buf[22:38])
	h.KDF.Memory = binary.BigEndian.Uint64(buf[38:46])
	h.KDF.Iterations = binary.BigEndian.Uint32(buf[46:50])
	h.KDF.Parallelism = binary.BigEndian.Uint32(buf[50:54])
	if err := h.KDF.Validate(); err != nil {
		return nil, fmt.Errorf("invalid KDF parameters in header: %w", err)
	}
	copy(h.HeaderNonce[:], buf[54:66])
	copy(h.HeaderTag[:], buf[66:98])
	h.TableOffset = binary.BigEndian.Uint64(buf[98:106])
	h.TableLength = binary.BigEndian.Uint64(buf[106:114])
	h.DataOffset = binary.BigEndian.Uint64(buf[114:122])
	return h, nil
}

// sealTag computes the header tag over the current field values, using a
// fresh nonce.
func (h *volumeHeader) sealTag(engine *cipherEngine) error {
	nonce, err := generateNonce()
	if err != nil {
		return err
	}
	copy(h.HeaderNonce[:], nonce)
	aad := h.encode()[:headerSealedPrefix]
	sealed, err := engine.sealWithNonce(h.HeaderNonce[:], h.VolumeID[:], aad)
	if err != nil {
		return err
	}
	copy(h.HeaderTag[:], sealed)
	return nil
}

// verifyTag opens the header tag under the candidate master key. Success is
// the sole acceptance criterion for the master secret; every failure mode is
// ErrAuthFailed.
func (h *volumeHeader) verifyTag(engine *cipherEngine) error {
	aad := h.encode()[:headerSealedPrefix]
	plain, err := engine.openWithNonce(h.HeaderNonce[:], h.HeaderTag[:], aad)
	if err != nil {
		return ErrAuthFailed
	}
	if !bytes.Equal(plain, h.VolumeID[:]) {
		return ErrAuthFailed
	}
	return nil
}

// tableAAD returns the associated data binding the sealed table segment to
// this volume.
func (h *volumeHeader) tableAAD() []byte {
	aad := make([]byte, 0, len(labelTable)+16)
	aad = append(aad, labelTable...)
	aad = append(aad, h.VolumeID[:]...)
	return aad
}
