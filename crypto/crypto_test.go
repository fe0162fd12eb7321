package crypto

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 테스트 속도를 위해 작은 키 사용
const testKeyBits = 1024

func TestSignAndVerify(t *testing.T) {
	kp, err := GenerateKeyPair(testKeyBits)
	require.NoError(t, err)

	msg := []byte("transfer 10 from A to B")
	sig, err := Sign(msg, kp.PrivateKey)
	require.NoError(t, err)

	again, err := Sign(msg, kp.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, sig, again, "PKCS1v15 signatures are deterministic")

	ok, err := Verify(msg, sig, kp.PublicKey)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify([]byte("transfer 99 from A to B"), sig, kp.PublicKey)
	require.NoError(t, err, "a mismatch is not an error")
	assert.False(t, ok)
}

func TestVerifyCannotRun(t *testing.T) {
	kp, err := GenerateKeyPair(testKeyBits)
	require.NoError(t, err)

	_, err = Verify([]byte("x"), nil, kp.PublicKey)
	var invalid *InvalidSignatureError
	require.True(t, errors.As(err, &invalid))

	_, err = Verify([]byte("x"), []byte{1}, nil)
	require.True(t, errors.As(err, &invalid))

	_, err = Sign([]byte("x"), nil)
	var sigErr *SignatureError
	require.True(t, errors.As(err, &sigErr))
}

func TestKeyFilesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "keys", "1.key")
	pubPath := filepath.Join(dir, "keys", "1.pub")

	kp, err := GenerateKeyPair(testKeyBits)
	require.NoError(t, err)
	require.NoError(t, kp.WriteFiles(privPath, pubPath))

	loaded, err := LoadKeyPair(privPath, pubPath)
	require.NoError(t, err)
	assert.True(t, kp.PublicKey.Equal(loaded.PublicKey))

	sig, err := Sign([]byte("hello"), loaded.PrivateKey)
	require.NoError(t, err)
	ok, err := Verify([]byte("hello"), sig, kp.PublicKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoadKeyErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadPublicKey(filepath.Join(dir, "missing.pub"))
	var loadErr *KeyLoadError
	require.True(t, errors.As(err, &loadErr))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	garbage := filepath.Join(dir, "garbage.key")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0600))
	_, err = LoadPrivateKey(garbage)
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, garbage, loadErr.Path)
}

func TestVerifyRequestSignature(t *testing.T) {
	alice, err := GenerateKeyPair(testKeyBits)
	require.NoError(t, err)
	bob, err := GenerateKeyPair(testKeyBits)
	require.NoError(t, err)

	ring := NewKeyRing()
	ring.Add("alice", alice.PublicKey)
	ring.Add("bob", bob.PublicKey)

	payload := []byte(`{"source":"alice","amount":5}`)
	signer := NewDefaultSigner("alice", alice)
	sig, err := signer.Sign(payload)
	require.NoError(t, err)

	assert.True(t, VerifyRequestSignature(payload, "alice", sig, ring))
	assert.False(t, VerifyRequestSignature(payload, "bob", sig, ring), "signed by someone else")
	assert.False(t, VerifyRequestSignature(payload, "carol", sig, ring), "unknown signer")
	assert.False(t, VerifyRequestSignature(payload, "alice", sig, nil))
}
