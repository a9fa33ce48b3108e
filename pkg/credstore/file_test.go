package credstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartsession/pkg/seal"
)

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	f := NewFileBackend(path, nil)

	_, ok, err := f.Load("session_accessToken")
	require.NoError(t, err)
	assert.False(t, ok, "missing file reads as absent")

	require.NoError(t, f.Save("session_accessToken", "abc"))
	require.NoError(t, f.Save("session_refreshToken", "def"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())

	v, ok, err := f.Load("session_accessToken")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", v)
}

func TestFileBackendSharedAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	writer := NewFileBackend(path, nil)
	reader := NewFileBackend(path, nil)

	require.NoError(t, writer.Save("k", "v1"))
	v, _, _ := reader.Load("k")
	assert.Equal(t, "v1", v)

	require.NoError(t, writer.Save("k", "v2"))
	v, _, _ = reader.Load("k")
	assert.Equal(t, "v2", v, "file backend must not cache values")
}

func TestFileBackendDeleteLastKeyRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	f := NewFileBackend(path, nil)

	require.NoError(t, f.Save("k", "v"))
	require.NoError(t, f.Delete("k"))
	require.NoError(t, f.Delete("k"))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFileBackendSealed(t *testing.T) {
	signingKey, _ := seal.GenerateRandomKey(32)
	encryptionKey, _ := seal.GenerateRandomKey(32)
	sealer, err := seal.NewSealer(signingKey, encryptionKey)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "durable.json")
	f := NewFileBackend(path, sealer)
	require.NoError(t, f.Save("local_userId", "patient-42"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "patient-42"), "sealed file leaks plaintext")

	v, ok, err := f.Load("local_userId")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "patient-42", v)

	otherKey, _ := seal.GenerateRandomKey(32)
	other, _ := seal.NewSealer(otherKey, encryptionKey)
	_, _, err = NewFileBackend(path, other).Load("local_userId")
	assert.Error(t, err)
}

func TestFileBackendThroughStore(t *testing.T) {
	dir := t.TempDir()
	s := New(
		NewFileBackend(filepath.Join(dir, "session.json"), nil),
		NewFileBackend(filepath.Join(dir, "durable.json"), nil),
	)
	s.Set(AccessToken, "tok")
	s.Set(UserID, "u1")

	reopened := New(
		NewFileBackend(filepath.Join(dir, "session.json"), nil),
		NewFileBackend(filepath.Join(dir, "durable.json"), nil),
	)
	v, ok := reopened.Get(AccessToken)
	assert.True(t, ok)
	assert.Equal(t, "tok", v)
}
