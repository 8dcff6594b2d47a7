package preset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListCombinesBuiltinDirectoryAndCollectionSources(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "presets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "presets", "bugfix.yml"), []byte("description: Fix a bug\n"), 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".ralph", "hats"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".ralph", "hats", "custom.yml"), []byte("description: Custom hat\n"), 0o644))

	d := NewDomain(dir)
	records := d.List([]CollectionSummary{{ID: "collection-1", Name: "My Collection", Description: "desc"}})

	require.Len(t, records, 3)
	assert.Equal(t, "builtin:bugfix", records[0].ID)
	assert.Equal(t, "Fix a bug", records[0].Description)
	assert.Equal(t, "directory:custom", records[1].ID)
	assert.NotEmpty(t, records[1].Path)
	assert.Equal(t, "collection", records[2].Source)
}

func TestListToleratesMissingDirectories(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)
	records := d.List(nil)
	assert.Empty(t, records)
}

func TestListIgnoresNonYMLFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "presets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "presets", "readme.md"), []byte("not a preset"), 0o644))

	d := NewDomain(dir)
	records := d.List(nil)
	assert.Empty(t, records)
}
