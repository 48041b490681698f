package security

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPayloadKey(t *testing.T) {
	k1, err := NewPayloadKey()
	require.NoError(t, err)
	k2, err := NewPayloadKey()
	require.NoError(t, err)

	assert.Len(t, k1, KeySize)
	assert.False(t, bytes.Equal(k1, k2), "keys must be random")
}

func TestEncryptDecryptPayload(t *testing.T) {
	key, err := NewPayloadKey()
	require.NoError(t, err)

	plaintext := []byte(`{"accessToken":"secret-token"}`)
	sealed, err := EncryptPayload(key, plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "secret-token")

	opened, err := DecryptPayload(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	// Nonce is random, so the same plaintext seals differently
	again, err := EncryptPayload(key, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)
}

func TestDecryptPayloadErrors(t *testing.T) {
	key, err := NewPayloadKey()
	require.NoError(t, err)
	other, err := NewPayloadKey()
	require.NoError(t, err)

	sealed, err := EncryptPayload(key, []byte("data"))
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff

	tests := []struct {
		name    string
		key     []byte
		data    []byte
		wantErr error
	}{
		{name: "wrong key", key: other, data: sealed, wantErr: ErrDecryptFailed},
		{name: "tampered", key: key, data: tampered, wantErr: ErrDecryptFailed},
		{name: "too short", key: key, data: []byte{1, 2, 3}, wantErr: ErrDecryptFailed},
		{name: "short key", key: key[:16], data: sealed, wantErr: ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecryptPayload(tt.key, tt.data)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

type testParams struct {
	JobUID      string `json:"jobUid"`
	AccessToken string `json:"accessToken"`
}

func TestSealOpenArgs(t *testing.T) {
	in := testParams{JobUID: "job-1", AccessToken: "secret-token"}

	t.Run("encrypted", func(t *testing.T) {
		payload, key, err := SealArgs(in, false)
		require.NoError(t, err)
		assert.NotEqual(t, PlainKey, key)
		assert.NotContains(t, payload, "secret")
		assert.False(t, strings.ContainsAny(payload+key, "+/= "), "arguments must be url-safe")

		var out testParams
		require.NoError(t, OpenArgs(payload, key, &out))
		assert.Equal(t, in, out)
	})

	t.Run("plain", func(t *testing.T) {
		payload, key, err := SealArgs(in, true)
		require.NoError(t, err)
		assert.Equal(t, PlainKey, key)

		var out testParams
		require.NoError(t, OpenArgs(payload, key, &out))
		assert.Equal(t, in, out)
	})

	t.Run("bad key encoding", func(t *testing.T) {
		payload, _, err := SealArgs(in, false)
		require.NoError(t, err)
		err = OpenArgs(payload, "!!!", &testParams{})
		assert.ErrorIs(t, err, ErrInvalidKey)
	})
}
