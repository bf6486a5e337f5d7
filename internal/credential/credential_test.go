package credential

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	uuidA = "9f3c1a2b-4d5e-4f60-8a7b-1c2d3e4f5a6b"
	uuidB = "0a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d"
)

func TestDerivePassword_AEAD2022Deterministic(t *testing.T) {
	for method, length := range aead2022KeyLength {
		t.Run(method, func(t *testing.T) {
			first, err := DerivePassword(method, 1700000000, uuidA)
			require.NoError(t, err)
			second, err := DerivePassword(method, 1700000000, uuidA)
			require.NoError(t, err)
			assert.Equal(t, first, second)

			parts := strings.Split(first, ":")
			require.Len(t, parts, 2)
			server, err := base64.StdEncoding.DecodeString(parts[0])
			require.NoError(t, err)
			user, err := base64.StdEncoding.DecodeString(parts[1])
			require.NoError(t, err)
			assert.Len(t, server, length)
			assert.Equal(t, uuidA[:length], string(user))

			sum := md5.Sum([]byte("1700000000"))
			assert.Equal(t, hex.EncodeToString(sum[:])[:length], string(server))
		})
	}
}

func TestDerivePassword_SegmentsChangeIndependently(t *testing.T) {
	method := "2022-blake3-aes-256-gcm"
	derive := func(createdAt int64, userUUID string) []string {
		password, err := DerivePassword(method, createdAt, userUUID)
		require.NoError(t, err)
		return strings.Split(password, ":")
	}
	base := derive(1700000000, uuidA)
	otherUser := derive(1700000000, uuidB)
	otherNode := derive(1700000001, uuidA)

	assert.Equal(t, base[0], otherUser[0])
	assert.NotEqual(t, base[1], otherUser[1])
	assert.NotEqual(t, base[0], otherNode[0])
	assert.Equal(t, base[1], otherNode[1])
}

func TestDerivePassword_NonAEADReturnsUUID(t *testing.T) {
	for _, method := range []string{"aes-128-gcm", "chacha20-ietf-poly1305", "", "none", "2022-blake3-unknown"} {
		for _, createdAt := range []int64{1700000000, 0} {
			password, err := DerivePassword(method, createdAt, uuidA)
			require.NoError(t, err)
			assert.Equal(t, uuidA, password, method)
		}
	}
	password, err := DerivePassword("aes-256-gcm", 1, "short")
	require.NoError(t, err)
	assert.Equal(t, "short", password)
}

func TestDerivePassword_ShortSecretIsAnError(t *testing.T) {
	for _, method := range []string{"2022-blake3-aes-128-gcm", "2022-blake3-aes-256-gcm"} {
		password, err := DerivePassword(method, 1700000000, "0b6fd6a4")
		assert.ErrorIs(t, err, ErrInvalidLength, method)
		assert.Empty(t, password, "a short secret never falls back to the raw value")
	}
}

func TestDerivePassword_MethodIsCaseInsensitive(t *testing.T) {
	lower, err := DerivePassword("2022-blake3-aes-128-gcm", 42, uuidA)
	require.NoError(t, err)
	upper, err := DerivePassword(" 2022-BLAKE3-AES-128-GCM ", 42, uuidA)
	require.NoError(t, err)
	assert.Equal(t, lower, upper)
}

func TestKeyMaterial_RejectsBadLength(t *testing.T) {
	_, err := ServerKeyMaterial(1, 24)
	assert.ErrorIs(t, err, ErrInvalidLength)
	_, err = UserKeyMaterial(uuidA, 0)
	assert.ErrorIs(t, err, ErrInvalidLength)
	_, err = UserKeyMaterial("short", 16)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestNewSecret(t *testing.T) {
	a, b := NewSecret(), NewSecret()
	assert.True(t, ValidSecret(a))
	assert.NotEqual(t, a, b)
	assert.False(t, ValidSecret("not-a-uuid"))
}
