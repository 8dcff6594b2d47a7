package collection

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateThenGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)

	record, err := d.Create(CreateParams{Name: "My Collection"})
	require.Nil(t, err)
	assert.NotEmpty(t, record.ID)

	fetched, getErr := d.Get(record.ID)
	require.Nil(t, getErr)
	assert.Equal(t, "My Collection", fetched.Name)
	assert.Empty(t, fetched.Graph.Nodes)
}

func TestUpdatePartiallyAppliesFields(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)
	record, err := d.Create(CreateParams{Name: "Original"})
	require.Nil(t, err)

	newName := "Renamed"
	updated, updateErr := d.Update(UpdateParams{ID: record.ID, Name: &newName})
	require.Nil(t, updateErr)
	assert.Equal(t, "Renamed", updated.Name)
}

func TestDeleteRequiresExisting(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)
	err := d.Delete("nonexistent")
	require.NotNil(t, err)
	assert.Equal(t, "COLLECTION_NOT_FOUND", string(err.Code))
}

func TestListSortsByNameThenID(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)
	_, err := d.Create(CreateParams{Name: "Zebra"})
	require.Nil(t, err)
	_, err = d.Create(CreateParams{Name: "Alpha"})
	require.Nil(t, err)

	list := d.List()
	require.Len(t, list, 2)
	assert.Equal(t, "Alpha", list[0].Name)
}

const sampleHatYAML = `
hats:
  reviewer:
    name: Reviewer
    description: Reviews code
    triggers: [task.start]
    publishes: [review.done]
  implementer:
    name: Implementer
    description: Writes code
    triggers: [review.done]
    publishes: [task.start]
`

func TestGraphFromYAMLBuildsNodesAndEdges(t *testing.T) {
	graph, err := graphFromYAML(sampleHatYAML)
	require.Nil(t, err)
	require.Len(t, graph.Nodes, 2)
	assert.Equal(t, "implementer", graph.Nodes[0].ID)
	assert.Equal(t, "reviewer", graph.Nodes[1].ID)
	require.Len(t, graph.Edges, 2)
}

func TestGraphFromYAMLRejectsMissingHats(t *testing.T) {
	_, err := graphFromYAML("cli:\n  backend: claude\n")
	require.NotNil(t, err)
	assert.Equal(t, "INVALID_PARAMS", string(err.Code))
}

func TestImportThenExportRoundTrips(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)

	record, err := d.Import(ImportParams{YAML: sampleHatYAML, Name: "Imported"})
	require.Nil(t, err)
	require.Len(t, record.Graph.Nodes, 2)

	exported, exportErr := d.Export(record.ID)
	require.Nil(t, exportErr)
	assert.True(t, strings.Contains(exported, "hats:"))
	assert.True(t, strings.Contains(exported, "reviewer:"))
}
