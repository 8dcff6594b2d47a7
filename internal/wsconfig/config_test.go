package wsconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsNotFoundWhenMissing(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)
	_, err := d.Get()
	require.NotNil(t, err)
	assert.Equal(t, "NOT_FOUND", string(err.Code))
}

func TestGetParsesExistingYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ralph.yml"), []byte("backend: claude\nmax_iterations: 50\n"), 0o644))

	d := NewDomain(dir)
	result, err := d.Get()
	require.Nil(t, err)
	assert.Equal(t, "claude", result.Parsed["backend"])
}

func TestGetToleratesMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ralph.yml"), []byte("not: [valid"), 0o644))

	d := NewDomain(dir)
	result, err := d.Get()
	require.Nil(t, err)
	assert.Empty(t, result.Parsed)
}

func TestUpdateRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)
	_, err := d.Update(UpdateParams{Content: "not: [valid"})
	require.NotNil(t, err)
	assert.Equal(t, "CONFIG_INVALID", string(err.Code))
}

func TestUpdateRejectsNonMappingRoot(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)
	_, err := d.Update(UpdateParams{Content: "- one\n- two\n"})
	require.NotNil(t, err)
	assert.Equal(t, "CONFIG_INVALID", string(err.Code))
}

func TestUpdateWritesFileAtomically(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)
	result, err := d.Update(UpdateParams{Content: "backend: claude\n"})
	require.Nil(t, err)
	assert.True(t, result.Success)

	raw, readErr := os.ReadFile(filepath.Join(dir, "ralph.yml"))
	require.NoError(t, readErr)
	assert.Equal(t, "backend: claude\n", string(raw))

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}
