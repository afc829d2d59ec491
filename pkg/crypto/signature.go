package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateSigningKey creates a new Ed25519 key pair for envelope and pack
// manifest signing.
func GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate signing key: %w", err)
	}
	return pub, priv, nil
}

// SignPayload signs payload and returns the signature base64-encoded, the
// form carried in WebSocket envelopes and detached pack signatures.
func SignPayload(priv ed25519.PrivateKey, payload []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload))
}

// VerifyPayload checks a base64 signature over payload. A malformed
// signature simply fails verification.
func VerifyPayload(pub ed25519.PublicKey, payload []byte, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}
