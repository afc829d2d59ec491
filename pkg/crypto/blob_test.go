package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef"

func TestEncryptDecryptRoundtrip(t *testing.T) {
	plaintexts := []string{
		"",
		"x",
		`{"endpoint":"https://pve.example.net:8006","credentials":{"method":"api_key"}}`,
		string(make([]byte, 64*1024)),
	}

	for _, p := range plaintexts {
		blob, err := EncryptBlob([]byte(p), testSecret)
		require.NoError(t, err)

		got, err := DecryptBlob(blob, testSecret)
		require.NoError(t, err)
		require.NotNil(t, got, "empty plaintext must round-trip to an empty slice, not nil")
		assert.Equal(t, []byte(p), got)
	}
}

func TestEncryptFreshNonce(t *testing.T) {
	a, err := EncryptBlob([]byte("same plaintext"), testSecret)
	require.NoError(t, err)
	b, err := EncryptBlob([]byte("same plaintext"), testSecret)
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "same plaintext must produce distinct ciphertexts")
}

func TestDecryptWrongSecret(t *testing.T) {
	blob, err := EncryptBlob([]byte("payload"), testSecret)
	require.NoError(t, err)

	_, err = DecryptBlob(blob, "another-secret-0123456789")
	assert.Error(t, err)
}

func TestDecryptBitFlip(t *testing.T) {
	blob, err := EncryptBlob([]byte("payload under test"), testSecret)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)

	// Flip one bit in every byte position; decryption must fail each time.
	for i := range raw {
		mutated := make([]byte, len(raw))
		copy(mutated, raw)
		mutated[i] ^= 0x01

		_, err := DecryptBlob(base64.StdEncoding.EncodeToString(mutated), testSecret)
		assert.Error(t, err, "flip at byte %d must fail authentication", i)
	}
}

func TestDecryptTruncated(t *testing.T) {
	_, err := DecryptBlob(base64.StdEncoding.EncodeToString([]byte("short")), testSecret)
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestHashAPIKey(t *testing.T) {
	h1 := HashAPIKey("sonde_key_one")
	h2 := HashAPIKey("sonde_key_one")
	h3 := HashAPIKey("sonde_key_two")

	assert.Equal(t, h1, h2, "hash must be deterministic")
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
	assert.Regexp(t, "^[0-9a-f]{64}$", h1)
}
