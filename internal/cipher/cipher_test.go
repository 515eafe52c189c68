package cipher

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestCipherRoundTrip(t *testing.T) {
	tt := []struct {
		name      string
		plaintext []byte
	}{
		{
			name:      "regular payload",
			plaintext: []byte(`{"tx_id":123,"amount":1000}`),
		},
		{
			name:      "empty payload",
			plaintext: []byte{},
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			c, err := New(newTestKey(t))
			require.NoError(t, err)

			ciphertext, err := c.Encrypt(tc.plaintext)
			require.NoError(t, err)
			assert.NotEqual(t, tc.plaintext, ciphertext)

			plaintext, err := c.Decrypt(ciphertext)
			require.NoError(t, err)
			require.NotNil(t, plaintext)
			assert.Equal(t, tc.plaintext, plaintext)
		})
	}
}

func TestCipherWrongKey(t *testing.T) {
	c1, err := New(newTestKey(t))
	require.NoError(t, err)
	c2, err := New(newTestKey(t))
	require.NoError(t, err)

	ciphertext, err := c1.Encrypt([]byte("sender protocol state"))
	require.NoError(t, err)

	_, err = c2.Decrypt(ciphertext)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestCipherErrors(t *testing.T) {
	t.Run("invalid key size", func(t *testing.T) {
		_, err := New(make([]byte, 16))
		require.ErrorIs(t, err, ErrInvalidKeySize)
	})

	t.Run("truncated ciphertext", func(t *testing.T) {
		c, err := New(newTestKey(t))
		require.NoError(t, err)

		_, err = c.Decrypt([]byte("short"))
		require.ErrorIs(t, err, ErrCiphertextTooSmall)
	})
}
