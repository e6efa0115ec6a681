package safefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveSafePathRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	_, err := ResolveSafePath(dir, "../../etc/passwd")
	require.Error(t, err)
	var spErr *SafePathError
	require.ErrorAs(t, err, &spErr)
}

func TestResolveSafePathAcceptsPlainChild(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("hi"), 0o644))

	resolved, err := ResolveSafePath(dir, "file.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "file.txt"), resolved)
}

func TestResolveSafePathRejectsSymlinkComponent(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()

	evilLink := filepath.Join(dir, "evil")
	require.NoError(t, os.Symlink(outside, evilLink))

	_, err := ResolveSafePath(dir, filepath.Join("evil", "x"))
	require.Error(t, err)
	var spErr *SafePathError
	require.ErrorAs(t, err, &spErr)
}

func TestAtomicMoveThenVerify(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	srcPath := filepath.Join(srcDir, "envelope.satl.json")
	content := []byte(`{"hello":"world"}`)
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	dstPath, err := AtomicMoveThenVerify(srcPath, dstDir)
	require.NoError(t, err)

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	require.Equal(t, content, got)

	_, statErr := os.Stat(srcPath)
	require.True(t, os.IsNotExist(statErr))
}
