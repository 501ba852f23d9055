package memory

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherBoxRoundTrip(t *testing.T) {
	box, err := newCipherBox("unit-test-secret")
	require.NoError(t, err)

	plaintext := []byte("the launch code is in the other file")
	nonce, sealed, err := box.seal("infra", "launch-notes", plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := box.open("infra", "launch-notes", nonce, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestCipherBoxRejectsTampering(t *testing.T) {
	box, err := newCipherBox("unit-test-secret")
	require.NoError(t, err)

	nonce, sealed, err := box.seal("infra", "k", []byte("content"))
	require.NoError(t, err)

	sealed[0] ^= 0xff
	_, err = box.open("infra", "k", nonce, sealed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIntegrity))
}

func TestCipherBoxBindsDomainAndKey(t *testing.T) {
	box, err := newCipherBox("unit-test-secret")
	require.NoError(t, err)

	nonce, sealed, err := box.seal("infra", "original-key", []byte("content"))
	require.NoError(t, err)

	// Replaying a ciphertext under a different (domain, key) must fail even
	// with the correct master key and nonce.
	_, err = box.open("infra", "other-key", nonce, sealed)
	assert.True(t, errors.Is(err, ErrIntegrity))
}

func TestCipherBoxFreshNonces(t *testing.T) {
	box, err := newCipherBox("unit-test-secret")
	require.NoError(t, err)

	n1, _, err := box.seal("d", "k", []byte("same content"))
	require.NoError(t, err)
	n2, _, err := box.seal("d", "k", []byte("same content"))
	require.NoError(t, err)
	assert.False(t, bytes.Equal(n1, n2))
}

func TestCipherBoxRequiresKeyMaterial(t *testing.T) {
	_, err := newCipherBox("")
	require.Error(t, err)
}
