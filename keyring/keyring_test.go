package keyring

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSignVerifyRoundTrip(t *testing.T) {
	sk, vk, err := GenerateKeypair()
	require.NoError(t, err)

	data := []byte("hello envelope")
	sig := SignBytes(sk, data)
	require.NoError(t, VerifyBytes(vk, data, sig))
}

func TestVerifyBytesRejectsTamperedData(t *testing.T) {
	sk, vk, err := GenerateKeypair()
	require.NoError(t, err)

	sig := SignBytes(sk, []byte("original"))
	err = VerifyBytes(vk, []byte("tampered"), sig)
	require.Error(t, err)
	var bad *BadSignatureError
	require.ErrorAs(t, err, &bad)
}

func TestSaveLoadSigningKeyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sk, _, err := GenerateKeypair()
	require.NoError(t, err)

	path := filepath.Join(dir, "signing.key")
	require.NoError(t, SaveSigningKey(path, sk))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadSigningKey(path)
	require.NoError(t, err)
	require.Equal(t, sk.priv, loaded.priv)
}

func TestAssertKeyPin(t *testing.T) {
	_, vk, err := GenerateKeypair()
	require.NoError(t, err)

	pin := HashVerifyKey(vk)
	require.NoError(t, AssertKeyPin(vk, pin))

	err = AssertKeyPin(vk, "0000000000000000000000000000000000000000000000000000000000000000")
	require.Error(t, err)
	var mismatch *DispatcherKeyMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestLoadVerifyKeyRejectsWrongLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.pub")
	require.NoError(t, os.WriteFile(path, []byte("too short"), 0o644))

	_, err := LoadVerifyKey(path)
	require.Error(t, err)
}
