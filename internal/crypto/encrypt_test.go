package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEncryptor(t *testing.T) Encryptor {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	enc, err := NewAESEncryptor(key)
	require.NoError(t, err)
	return enc
}

func TestGenerateKey(t *testing.T) {
	key1, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, key1, 32)

	key2, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, key1, key2, "consecutive keys must not repeat")
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	decoded, err := DecodeKeyBase64(EncodeKeyBase64(key))
	require.NoError(t, err)
	assert.Equal(t, key, decoded)
}

func TestDecodeKeyBase64_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"not base64", "%%% definitely not base64 %%%"},
		{"wrong length", EncodeKeyBase64(make([]byte, 16))},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeKeyBase64(tt.encoded)
			assert.Error(t, err)
		})
	}
}

func TestNewAESEncryptor_KeySize(t *testing.T) {
	for _, size := range []int{0, 16, 24, 31, 33} {
		_, err := NewAESEncryptor(make([]byte, size))
		assert.Error(t, err, "key of %d bytes must be rejected", size)
	}

	_, err := NewAESEncryptor(nil)
	assert.Error(t, err)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"provider secret key", "sk_live_tenant_a_secret"},
		{"endpoint signing secret", "whsec_9f86d081884c7d659a2feaa0c55ad015"},
		{"provider settings json", `{"secret_key":"sk_live_abc","base_url":"https://orders.example.com"}`},
		{"empty", ""},
		{"unicode", "clé secrète 🔐"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt([]byte(tt.plaintext))
			require.NoError(t, err)
			assert.NotEqual(t, tt.plaintext, string(ciphertext))

			decrypted, err := enc.Decrypt(ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, string(decrypted))
		})
	}
}

// Ciphertext goes into TEXT columns (provider settings, endpoint
// secrets), so the encryptor must emit clean base64.
func TestEncrypt_OutputIsBase64(t *testing.T) {
	enc := newTestEncryptor(t)

	ciphertext, err := enc.Encrypt([]byte("sk_live_columnsafe"))
	require.NoError(t, err)

	_, err = base64.StdEncoding.DecodeString(string(ciphertext))
	assert.NoError(t, err, "ciphertext must be standard base64")
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	enc := newTestEncryptor(t)
	plaintext := []byte("same input twice")

	first, err := enc.Encrypt(plaintext)
	require.NoError(t, err)
	second, err := enc.Encrypt(plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "random nonce must vary the ciphertext")

	fromFirst, err := enc.Decrypt(first)
	require.NoError(t, err)
	fromSecond, err := enc.Decrypt(second)
	require.NoError(t, err)
	assert.Equal(t, fromFirst, fromSecond)
}

func TestDecrypt_WrongKey(t *testing.T) {
	encA := newTestEncryptor(t)
	encB := newTestEncryptor(t)

	ciphertext, err := encA.Encrypt([]byte("sk_live_tenant_a_key"))
	require.NoError(t, err)

	_, err = encB.Decrypt(ciphertext)
	assert.Error(t, err, "another tenant's key must not decrypt")
}

func TestDecrypt_Rejects(t *testing.T) {
	enc := newTestEncryptor(t)

	tests := []struct {
		name       string
		ciphertext []byte
	}{
		{"not base64", []byte("%%% garbage %%%")},
		{"shorter than nonce", []byte(base64.StdEncoding.EncodeToString([]byte("tiny")))},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.Decrypt(tt.ciphertext)
			assert.Error(t, err)
		})
	}
}

func TestDecrypt_TamperDetected(t *testing.T) {
	enc := newTestEncryptor(t)

	ciphertext, err := enc.Encrypt([]byte("whsec_tamperproof"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(string(ciphertext))
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := []byte(base64.StdEncoding.EncodeToString(raw))

	_, err = enc.Decrypt(tampered)
	assert.Error(t, err, "GCM must reject a flipped ciphertext bit")
}
