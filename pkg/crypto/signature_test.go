package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundtrip(t *testing.T) {
	pub, priv, err := GenerateSigningKey()
	require.NoError(t, err)

	payload := []byte(`{"type":"agent.register","payload":{"name":"srv1"}}`)
	sig := SignPayload(priv, payload)

	assert.True(t, VerifyPayload(pub, payload, sig))
}

func TestVerifyWrongKey(t *testing.T) {
	_, priv, err := GenerateSigningKey()
	require.NoError(t, err)
	otherPub, _, err := GenerateSigningKey()
	require.NoError(t, err)

	payload := []byte("payload")
	sig := SignPayload(priv, payload)

	assert.False(t, VerifyPayload(otherPub, payload, sig))
}

func TestVerifyMutatedPayload(t *testing.T) {
	pub, priv, err := GenerateSigningKey()
	require.NoError(t, err)

	payload := []byte("original payload")
	sig := SignPayload(priv, payload)

	assert.False(t, VerifyPayload(pub, []byte("original payloae"), sig))
}

func TestVerifyMalformedSignature(t *testing.T) {
	pub, _, err := GenerateSigningKey()
	require.NoError(t, err)

	assert.False(t, VerifyPayload(pub, []byte("payload"), "%%not-base64%%"))
}

func TestIssueAgentCert(t *testing.T) {
	ca, err := NewCA()
	require.NoError(t, err)

	certPEM, keyPEM, err := ca.IssueAgentCert("srv1")
	require.NoError(t, err)
	assert.Contains(t, string(certPEM), "BEGIN CERTIFICATE")
	assert.Contains(t, string(keyPEM), "BEGIN RSA PRIVATE KEY")
}
