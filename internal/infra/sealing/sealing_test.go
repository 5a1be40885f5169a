package sealing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	t.Parallel()

	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := NewSecretBox(key)
	require.NoError(t, err)

	sealed, err := box.Seal([]byte(`{"token":"s3cr3t"}`))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "s3cr3t")

	again, err := box.Seal([]byte(`{"token":"s3cr3t"}`))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces differ")

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"s3cr3t"}`, string(plain))
}

func TestOpenRejectsTamperingAndWrongKey(t *testing.T) {
	t.Parallel()

	k1, _ := GenerateKey()
	k2, _ := GenerateKey()
	b1, err := NewSecretBox(k1)
	require.NoError(t, err)
	b2, err := NewSecretBox(k2)
	require.NoError(t, err)

	sealed, err := b1.Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = b2.Open(sealed)
	assert.ErrorIs(t, err, ErrOpen)

	_, err = b1.Open("c2hvcnQ=")
	assert.ErrorIs(t, err, ErrOpen)
}

func TestNewSecretBoxValidatesKey(t *testing.T) {
	t.Parallel()

	_, err := NewSecretBox("not base64!")
	assert.Error(t, err)
	_, err = NewSecretBox("c2hvcnQ=")
	assert.Error(t, err)
}
