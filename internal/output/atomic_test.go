package output

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/batch-extractor/internal/domain"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "doc1.md")

	require.NoError(t, WriteFileAtomic(path, []byte("first")))
	require.NoError(t, WriteFileAtomic(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
	assert.Equal(t, "doc1.md", entries[0].Name())
}

func TestWriteFileAtomic_FailureLeavesNoArtifact(t *testing.T) {
	dir := t.TempDir()
	// A directory at the target path makes the rename fail.
	target := filepath.Join(dir, "doc1.md")
	require.NoError(t, os.Mkdir(target, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "keep"), nil, 0o644))

	err := WriteFileAtomic(target, []byte("text"))
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, IsTempFile(e.Name()), "temp file %s left behind", e.Name())
	}
}

func TestAtomicWriter_WrapsWriteError(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "doc1.md")
	require.NoError(t, os.Mkdir(target, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "keep"), nil, 0o644))

	err := NewAtomicWriter().Write(target, "text")

	var we *domain.WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, target, we.Path)
	assert.True(t, domain.IsTransient(err))
}

func TestIsTempFile(t *testing.T) {
	assert.True(t, IsTempFile("/out/.doc1.md.12345.tmp"))
	assert.False(t, IsTempFile("/out/doc1.md"))
	assert.False(t, IsTempFile("/out/notes.tmp"))
	assert.False(t, IsTempFile("/out/.recovery"))
}

func TestRemoveStaleTemps(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{".a.md.1.tmp", ".b.md.2.tmp", "a.md", "notes.tmp"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".c.md.3.tmp"), 0o755))

	n, err := RemoveStaleTemps(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{".c.md.3.tmp", "a.md", "notes.tmp"}, names)

	n, err = RemoveStaleTemps(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Zero(t, n)
}
