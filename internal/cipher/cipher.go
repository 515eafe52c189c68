// Package cipher provides the authenticated encryption capability used to
// protect sensitive wallet fields at rest. A Cipher is constructed once at
// wallet unlock and is immutable afterwards; callers share a single instance.
package cipher

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidKeySize     = fmt.Errorf("cipher key must be %d bytes", chacha20poly1305.KeySize)
	ErrCiphertextTooSmall = errors.New("ciphertext shorter than nonce")
	ErrDecryptionFailed   = errors.New("failed to decrypt value")
)

// Cipher seals and opens byte blobs with XChaCha20-Poly1305. The nonce is
// drawn fresh per encryption and prepended to the ciphertext.
type Cipher struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

func New(key []byte) (*Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKeySize
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, ErrCiphertextTooSmall
	}

	nonce := ciphertext[:chacha20poly1305.NonceSizeX]
	// non-nil destination so an empty plaintext round-trips as []byte{}
	plaintext, err := c.aead.Open(make([]byte, 0), nonce, ciphertext[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, errors.Join(ErrDecryptionFailed, err)
	}

	return plaintext, nil
}
