package secret

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, b byte) []byte {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox(testKey(t, 0x42))
	require.NoError(t, err)

	sealed, err := box.Seal("ami-secreto-produccion")
	require.NoError(t, err)
	require.NotEmpty(t, sealed)

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "ami-secreto-produccion", plain)

	// el nonce aleatorio produce ciphertexts distintos para el mismo texto
	sealed2, err := box.Seal("ami-secreto-produccion")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	boxA, err := NewBox(testKey(t, 0x01))
	require.NoError(t, err)
	boxB, err := NewBox(testKey(t, 0x02))
	require.NoError(t, err)

	sealed, err := boxA.Seal("secreto")
	require.NoError(t, err)

	_, err = boxB.Open(sealed)
	assert.Error(t, err)
}

func TestOpenRejectsTampered(t *testing.T) {
	box, err := NewBox(testKey(t, 0x42))
	require.NoError(t, err)

	sealed, err := box.Seal("secreto")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = box.Open(tampered)
	assert.Error(t, err)
}

func TestOpenRejectsGarbage(t *testing.T) {
	box, err := NewBox(testKey(t, 0x42))
	require.NoError(t, err)

	_, err = box.Open("esto no es base64!!!")
	assert.Error(t, err)

	// base64 válido pero más corto que el nonce
	_, err = box.Open(base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	assert.Error(t, err)
}

func TestNewBoxRejectsBadKeySize(t *testing.T) {
	_, err := NewBox([]byte("corta"))
	assert.Error(t, err)

	_, err = NewBox(make([]byte, 16))
	assert.Error(t, err)
}

func TestNewBoxFromEnv(t *testing.T) {
	key := strings.Repeat("ab", 32)
	t.Setenv("TELECRM_SECRET_KEY", key)

	box, err := NewBoxFromEnv()
	require.NoError(t, err)

	raw, _ := hex.DecodeString(key)
	want, err := NewBox(raw)
	require.NoError(t, err)

	sealed, err := box.Seal("hola")
	require.NoError(t, err)
	plain, err := want.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hola", plain)
}

func TestNewBoxFromEnvErrors(t *testing.T) {
	t.Setenv("TELECRM_SECRET_KEY", "")
	_, err := NewBoxFromEnv()
	assert.ErrorIs(t, err, ErrNoKey)

	t.Setenv("TELECRM_SECRET_KEY", "zz-no-es-hex")
	_, err = NewBoxFromEnv()
	assert.Error(t, err)

	// hex válido pero de 16 bytes
	t.Setenv("TELECRM_SECRET_KEY", strings.Repeat("ab", 16))
	_, err = NewBoxFromEnv()
	assert.Error(t, err)
}
