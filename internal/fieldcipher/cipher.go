// Package fieldcipher implements envelope encryption for individual record
// fields.
//
// A sealed field is a self-contained blob:
//
//	nonce (12 bytes) || ciphertext || tag (16 bytes)
//
// The nonce is drawn from crypto/rand on every Seal call, so two seals of
// the same plaintext under the same key never share a nonce. Open verifies
// the tag before releasing any plaintext.
package fieldcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the only accepted key length (256 bits).
	KeySize = 32
	// NonceSize is the nonce prefix length of every blob (96 bits).
	NonceSize = 12
	// TagSize is the authentication tag length of every blob (128 bits).
	TagSize = 16
	// MinBlobSize is the length of a blob sealing an empty plaintext.
	MinBlobSize = NonceSize + TagSize
)

// Algorithm names an authenticated cipher. Both supported algorithms use a
// 96-bit nonce and a 128-bit tag, so blobs share one layout.
type Algorithm string

const (
	AES256GCM        Algorithm = "aes-256-gcm"
	ChaCha20Poly1305 Algorithm = "chacha20-poly1305"
)

// ParseAlgorithm maps a config value to an Algorithm. Empty selects AES-256-GCM.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case "", AES256GCM:
		return AES256GCM, nil
	case ChaCha20Poly1305:
		return ChaCha20Poly1305, nil
	default:
		return "", fmt.Errorf("%w: unsupported algorithm %q (use %s or %s)",
			ErrCipher, s, AES256GCM, ChaCha20Poly1305)
	}
}

// Cipher seals and opens field values under one injected key.
// It is safe for concurrent use; it holds no mutable state.
type Cipher struct {
	alg  Algorithm
	aead cipher.AEAD
	rand io.Reader
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithAlgorithm selects the authenticated cipher.
func WithAlgorithm(alg Algorithm) Option {
	return func(c *Cipher) { c.alg = alg }
}

// WithRand replaces the nonce entropy source. Only tests should need this.
func WithRand(r io.Reader) Option {
	return func(c *Cipher) { c.rand = r }
}

// New builds a Cipher around key, which must be exactly KeySize bytes.
// The key is copied; later changes to the caller's slice have no effect.
func New(key []byte, opts ...Option) (*Cipher, error) {
	c := &Cipher{alg: AES256GCM, rand: rand.Reader}
	for _, opt := range opts {
		opt(c)
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrCipher, KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)

	aead, err := newAEAD(c.alg, k)
	if err != nil {
		return nil, err
	}
	c.aead = aead
	return c, nil
}

func newAEAD(alg Algorithm, key []byte) (cipher.AEAD, error) {
	switch alg {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: creating AES cipher: %w", ErrCipher, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("%w: creating GCM: %w", ErrCipher, err)
		}
		return aead, nil
	case ChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("%w: creating ChaCha20-Poly1305: %w", ErrCipher, err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrCipher, alg)
	}
}

// Algorithm reports which cipher this instance uses.
func (c *Cipher) Algorithm() Algorithm { return c.alg }

// Seal encrypts plaintext with a fresh random nonce and returns
// nonce||ciphertext||tag. It fails only when the entropy source fails.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	blob := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(c.rand, blob); err != nil {
		return nil, fmt.Errorf("%w: generating nonce: %w", ErrCipher, err)
	}
	return c.aead.Seal(blob, blob[:NonceSize], plaintext, nil), nil
}

// Open authenticates and decrypts a blob produced by Seal.
//
// A blob too short to hold a nonce and a tag fails with ErrMalformedBlob
// before any cryptographic work. Every other failure, whether the blob was
// altered or the key is wrong, is the same ErrAuthenticationFailed.
func (c *Cipher) Open(blob []byte) ([]byte, error) {
	if len(blob) < MinBlobSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedBlob, len(blob), MinBlobSize)
	}
	plaintext, err := c.aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// Seal encrypts plaintext under key with AES-256-GCM.
func Seal(plaintext, key []byte) ([]byte, error) {
	c, err := New(key)
	if err != nil {
		return nil, err
	}
	return c.Seal(plaintext)
}

// Open decrypts a blob sealed under key with AES-256-GCM.
func Open(blob, key []byte) ([]byte, error) {
	if len(blob) < MinBlobSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedBlob, len(blob), MinBlobSize)
	}
	c, err := New(key)
	if err != nil {
		return nil, err
	}
	return c.Open(blob)
}

// GenerateKey returns a new random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: generating key: %w", ErrCipher, err)
	}
	return key, nil
}
