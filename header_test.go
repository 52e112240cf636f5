package myfs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
)

func testHeader(t *testing.T) (*volumeHeader, *cipherEngine) {
	t.Helper()
	h := &volumeHeader{
		Version:     FormatVersion,
		VolumeID:    uuid.MustParse("0102030405060708090a0b0c0d0e0f10"),
		KDF:         KDFParams{Memory: 1024 * 1024, Iterations: 1, Parallelism: 1},
		TableOffset: headerPreludeSize,
		TableLength: 42,
		DataOffset:  headerPreludeSize + 42,
	}
	copy(h.MasterSalt[:], bytes.Repeat([]byte{0x5A}, SaltSize))

	key := make([]byte, KeySize)
	key[31] = 0x7F
	engine, err := newCipherEngine(key)
	if err != nil {
		t.Fatalf("newCipherEngine failed: %v", err)
	}
	if err := h.sealTag(engine); err != nil {
		t.Fatalf("sealTag failed: %v", err)
	}
	return h, engine
}

// TestHeaderLayout checks the bit-exact field placement.
func TestHeaderLayout(t *testing.T) {
	h, _ := testHeader(t)
	buf := h.encode()

	if len(buf) != headerPreludeSize {
		t.Fatalf("prelude is %d bytes, want %d", len(buf), headerPreludeSize)
	}
	if string(buf[0:4]) != "MFS1" {
		t.Errorf("magic = %q", buf[0:4])
	}
	if binary.BigEndian.Uint16(buf[4:6]) != FormatVersion {
		t.Errorf("version field = %d", binary.BigEndian.Uint16(buf[4:6]))
	}
	if !bytes.Equal(buf[6:22], h.VolumeID[:]) {
		t.Error("volume id misplaced")
	}
	if !bytes.Equal(buf[22:38], h.MasterSalt[:]) {
		t.Error("master salt misplaced")
	}
	if binary.BigEndian.Uint64(buf[38:46]) != h.KDF.Memory {
		t.Error("KDF memory misplaced")
	}
	if binary.BigEndian.Uint32(buf[46:50]) != h.KDF.Iterations {
		t.Error("KDF iterations misplaced")
	}
	if binary.BigEndian.Uint32(buf[50:54]) != h.KDF.Parallelism {
		t.Error("KDF parallelism misplaced")
	}
	if binary.BigEndian.Uint64(buf[98:106]) != h.TableOffset {
		t.Error("table offset misplaced")
	}
	if binary.BigEndian.Uint64(buf[106:114]) != h.TableLength {
		t.Error("table length misplaced")
	}
	if binary.BigEndian.Uint64(buf[114:122]) != h.DataOffset {
		t.Error("data offset misplaced")
	}
}

// TestHeaderRoundTrip decodes an encoded header and verifies its tag.
func TestHeaderRoundTrip(t *testing.T) {
	h, engine := testHeader(t)

	parsed, err := decodeHeader(h.encode())
	if err != nil {
		t.Fatalf("decodeHeader failed: %v", err)
	}
	if parsed.VolumeID != h.VolumeID {
		t.Error("volume id lost in round trip")
	}
	if err := parsed.verifyTag(engine); err != nil {
		t.Errorf("verifyTag after round trip failed: %v", err)
	}

	wrongKey := make([]byte, KeySize)
	wrongEngine, _ := newCipherEngine(wrongKey)
	if err := parsed.verifyTag(wrongEngine); !IsAuthFailed(err) {
		t.Errorf("verifyTag with wrong key = %v, want ErrAuthFailed", err)
	}
}

// TestHeaderTagCoversPrelude flips covered header bytes and expects the
// tag to stop verifying.
func TestHeaderTagCoversPrelude(t *testing.T) {
	h, engine := testHeader(t)

	for _, offset := range []int{4, 6, 22, 38, 46, 50} {
		buf := h.encode()
		buf[offset] ^= 0x01
		parsed, err := decodeHeader(buf)
		if err != nil {
			// Some flips make the header structurally invalid, which
			// is an equally acceptable rejection.
			continue
		}
		if err := parsed.verifyTag(engine); err == nil {
			t.Errorf("tag verified after flipping covered byte %d", offset)
		}
	}
}

// TestDecodeHeaderRejectsDamage covers magic, version, and truncation.
func TestDecodeHeaderRejectsDamage(t *testing.T) {
	h, _ := testHeader(t)
	good := h.encode()

	bad := append([]byte(nil), good...)
	copy(bad[0:4], "NOPE")
	if _, err := decodeHeader(bad); err == nil {
		t.Error("bad magic accepted")
	}

	bad = append([]byte(nil), good...)
	binary.BigEndian.PutUint16(bad[4:6], 99)
	if _, err := decodeHeader(bad); err == nil {
		t.Error("future version accepted")
	}

	if _, err := decodeHeader(good[:60]); err == nil {
		t.Error("truncated header accepted")
	}
}

// TestSidecarRoundTrip encodes and decodes a sidecar image.
func TestSidecarRoundTrip(t *testing.T) {
	h, _ := testHeader(t)
	sealedTable := bytes.Repeat([]byte{0xEE}, 64)

	img := encodeSidecar(h, sealedTable)
	if len(img) != sidecarPrefixSize+64 {
		t.Fatalf("sidecar length = %d, want %d", len(img), sidecarPrefixSize+64)
	}

	s, err := decodeSidecar(img)
	if err != nil {
		t.Fatalf("decodeSidecar failed: %v", err)
	}
	if !bytes.Equal(s.VolumeID[:], h.VolumeID[:]) {
		t.Error("volume id lost")
	}
	if s.KDF != h.KDF {
		t.Errorf("KDF params lost: %+v", s.KDF)
	}
	if !bytes.Equal(s.SealedTable, sealedTable) {
		t.Error("table segment lost")
	}

	if _, err := decodeSidecar(img[:sidecarPrefixSize]); err == nil {
		t.Error("sidecar without table segment accepted")
	}
}
