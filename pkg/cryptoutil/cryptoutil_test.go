package cryptoutil

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyWebhook(t *testing.T) {
	sig := SignWebhook("1700000000", "shh-secret")
	assert.True(t, VerifyWebhook("1700000000", "shh-secret", sig))
	assert.False(t, VerifyWebhook("1700000000", "shh-secret", sig+"x"))
	assert.False(t, VerifyWebhook("1700000001", "shh-secret", sig))
}

func TestWeComCipher_RoundTrip(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	c, err := NewWeComCipher(key, "corp-123")
	require.NoError(t, err)

	ct, err := c.Encrypt("hello from the bridge")
	require.NoError(t, err)

	pt, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "hello from the bridge", pt)
}

func TestWeComCipher_RejectsWrongCorpID(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	sender, err := NewWeComCipher(key, "corp-a")
	require.NoError(t, err)
	receiver, err := NewWeComCipher(key, "corp-b")
	require.NoError(t, err)

	ct, err := sender.Encrypt("payload")
	require.NoError(t, err)

	_, err = receiver.Decrypt(ct)
	assert.Error(t, err)
}

func TestWeComCipher_AcceptsUnpaddedBase64Key(t *testing.T) {
	raw := []byte("abcdefghijklmnopqrstuvwxyzABCDEF")[:32]
	full := base64.StdEncoding.EncodeToString(raw)
	stripped := full
	for len(stripped) > 0 && stripped[len(stripped)-1] == '=' {
		stripped = stripped[:len(stripped)-1]
	}
	_, err := NewWeComCipher(stripped, "corp")
	require.NoError(t, err)
}

func TestWeComCipher_RejectsShortKey(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("too-short"))
	_, err := NewWeComCipher(key, "corp")
	assert.Error(t, err)
}
