// Package crypto provides the hub's at-rest encryption, API-key hashing,
// envelope signing, and client-certificate issuance primitives.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const nonceSize = 12

// ErrCiphertextTooShort is returned when a blob is shorter than the nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// DeriveKey derives the 32-byte AES-256 blob key from SONDE_SECRET.
func DeriveKey(secret string) []byte {
	key := sha256.Sum256([]byte(secret))
	return key[:]
}

// EncryptBlob encrypts plaintext with AES-256-GCM under a key derived from
// secret. A fresh random nonce is prepended to the ciphertext and the whole
// blob is base64-encoded for storage in a text column. Two encryptions of
// the same plaintext therefore never produce the same blob.
func EncryptBlob(plaintext []byte, secret string) (string, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptBlob reverses EncryptBlob. Any single-byte corruption of the blob
// fails GCM authentication and surfaces as an error.
func DecryptBlob(blob string, secret string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("decode blob: %w", err)
	}
	if len(raw) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}

	nonce, data := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt blob: %w", err)
	}
	if plaintext == nil {
		// gcm.Open returns a nil slice for empty plaintext; callers get the
		// same non-nil empty slice they encrypted.
		plaintext = []byte{}
	}
	return plaintext, nil
}

func newGCM(secret string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(DeriveKey(secret))
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// HashAPIKey returns the SHA-256 hash of a raw API key as 64 lowercase hex
// characters. This is the only form of the key ever persisted.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
