package myfs

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Domain separation labels. Every KDF invocation mixes in exactly one.
const (
	labelMaster  = "mfs/master"
	labelFile    = "mfs/file"
	labelTable   = "mfs/table"
	labelMachine = "mfs/machine"
)

const (
	// SaltSize is the size of the per-volume and per-file salts.
	SaltSize = 16

	// DigestSize is the size of SHA-256 content digests.
	DigestSize = 32
)

// KDFParams contains the Argon2id cost parameters. They are recorded in the
// volume header so a later reader can reproduce the derivation after the
// defaults change.
type KDFParams struct {
	Memory      uint64 // memory cost in bytes
	Iterations  uint32 // time parameter
	Parallelism uint32 // lanes
}

// DefaultKDFParams returns the cost parameters used for newly formatted
// volumes: 64 MiB, 3 iterations, 4 lanes.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Memory:      64 * 1024 * 1024,
		Iterations:  3,
		Parallelism: 4,
	}
}

// Validate checks that the parameters are usable by Argon2id.
func (p KDFParams) Validate() error {
	if p.Memory < 8*1024 {
		return fmt.Errorf("KDF memory too small: %d bytes", p.Memory)
	}
	if p.Memory/1024 > uint64(^uint32(0)) {
		return fmt.Errorf("KDF memory too large: %d bytes", p.Memory)
	}
	if p.Iterations == 0 {
		return fmt.Errorf("KDF iterations cannot be zero")
	}
	if p.Parallelism == 0 || p.Parallelism > 255 {
		return fmt.Errorf("KDF parallelism out of range: %d", p.Parallelism)
	}
	return nil
}

// deriveKey derives a 256-bit key from a secret with Argon2id. The domain
// separation label is mixed into the salt (label || 0x00 || salt) so keys
// derived for different roles from the same secret and salt never collide.
func deriveKey(secret, salt []byte, label string, params KDFParams) []byte {
	labeled := make([]byte, 0, len(label)+1+len(salt))
	labeled = append(labeled, label...)
	labeled = append(labeled, 0x00)
	labeled = append(labeled, salt...)
	return argon2.IDKey(secret, labeled, params.Iterations,
		uint32(params.Memory/1024), uint8(params.Parallelism), KeySize)
}

// generateSalt returns a fresh random salt.
func generateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// zeroBytes overwrites key material in place. Callers zero every derived key
// on exit from VolumeOpen.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
