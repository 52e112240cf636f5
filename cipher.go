package myfs

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// The volume uses a single AEAD suite: ChaCha20-Poly1305 with 256-bit keys
// and 96-bit nonces. Every sealed blob is bound to its logical role through
// the associated data, so a ciphertext lifted from one place in the container
// cannot be replayed in another.

const (
	// KeySize is the AEAD key size in bytes.
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the AEAD nonce size in bytes (96 bits).
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the AEAD authentication tag size in bytes.
	TagSize = chacha20poly1305.Overhead

	// SealOverhead is the total framing added to a plaintext by seal:
	// nonce prefix plus authentication tag.
	SealOverhead = NonceSize + TagSize
)

// cipherEngine provides role-bound AEAD sealing and opening.
type cipherEngine struct {
	aead cipher.AEAD
}

// newCipherEngine creates an AEAD engine for the given 256-bit key.
func newCipherEngine(key []byte) (*cipherEngine, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("AEAD requires a %d-byte key, got %d bytes", KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	return &cipherEngine{aead: aead}, nil
}

// seal encrypts plaintext under a fresh random nonce with the given
// associated data. The returned blob is nonce || ciphertext || tag.
func (e *cipherEngine) seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	out = append(out, nonce...)
	out = e.aead.Seal(out, nonce, plaintext, aad)
	return out, nil
}

// sealWithNonce encrypts plaintext under a caller-supplied nonce and returns
// ciphertext || tag without the nonce prefix. Used where the container
// layout stores the nonce in its own field.
func (e *cipherEngine) sealWithNonce(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	return e.aead.Seal(nil, nonce, plaintext, aad), nil
}

// open decrypts a blob produced by seal. Any failure surfaces as
// ErrAuthFailed; wrong key and tampered data are indistinguishable.
func (e *cipherEngine) open(blob, aad []byte) ([]byte, error) {
	if len(blob) < SealOverhead {
		return nil, ErrAuthFailed
	}
	nonce := blob[:NonceSize]
	ct := blob[NonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// openWithNonce decrypts ciphertext || tag under an external nonce.
func (e *cipherEngine) openWithNonce(nonce, ct, aad []byte) ([]byte, error) {
	if len(nonce) != NonceSize || len(ct) < TagSize {
		return nil, ErrAuthFailed
	}
	plaintext, err := e.aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// generateNonce returns a fresh random 96-bit nonce.
func generateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}
