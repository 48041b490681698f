package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// KeySize is the payload key length, 32 bytes for AES-256
const KeySize = 32

// PlainKey is passed in place of a key when the payload is not encrypted
const PlainKey = "plain"

var (
	// ErrInvalidKey is returned for a key of the wrong size or encoding
	ErrInvalidKey = errors.New("invalid payload key")
	// ErrDecryptFailed is returned when a payload cannot be authenticated
	ErrDecryptFailed = errors.New("failed to decrypt payload")
)

var encoding = base64.RawURLEncoding

// NewPayloadKey generates a random key. A fresh key is used for every
// worker invocation.
func NewPayloadKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// EncryptPayload encrypts plaintext using AES-256-GCM.
// Returns encrypted data with nonce prepended.
func EncryptPayload(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptPayload decrypts data produced by EncryptPayload
func DecryptPayload(key, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptFailed)
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SealArgs marshals v and returns the two command-line arguments handed to
// the worker: the encoded payload and the encoded key. With plain set the
// payload is only encoded and the key is PlainKey.
func SealArgs(v any, plain bool) (payload, key string, err error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	if plain {
		return encoding.EncodeToString(data), PlainKey, nil
	}

	k, err := NewPayloadKey()
	if err != nil {
		return "", "", err
	}
	sealed, err := EncryptPayload(k, data)
	if err != nil {
		return "", "", err
	}
	return encoding.EncodeToString(sealed), encoding.EncodeToString(k), nil
}

// OpenArgs reverses SealArgs and unmarshals the payload into v
func OpenArgs(payload, key string, v any) error {
	data, err := encoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}

	if key != PlainKey {
		k, err := encoding.DecodeString(key)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		if data, err = DecryptPayload(k, data); err != nil {
			return err
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
