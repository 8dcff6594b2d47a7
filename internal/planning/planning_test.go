package planning

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartThenGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)

	record, err := d.Start(StartParams{Prompt: "investigate the flaky test"})
	require.Nil(t, err)
	assert.Equal(t, "active", record.Status)

	detail, err := d.Get(record.ID)
	require.Nil(t, err)
	assert.Equal(t, "investigate the flaky test", detail.Title)
	assert.Empty(t, detail.Conversation)
	assert.Empty(t, detail.Artifacts)
}

func TestGenerateTitleTruncatesLongPrompts(t *testing.T) {
	long := ""
	for i := 0; i < 80; i++ {
		long += "x"
	}
	title := generateTitle(long)
	assert.Len(t, []rune(title), 60)
	assert.True(t, len(title) >= 3 && title[len(title)-3:] == "...")
}

func TestRespondAppendsConversationAndReactivates(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)
	record, err := d.Start(StartParams{Prompt: "p"})
	require.Nil(t, err)

	respondErr := d.Respond(RespondParams{SessionID: record.ID, PromptID: "p1", Response: "go ahead"})
	require.Nil(t, respondErr)

	detail, getErr := d.Get(record.ID)
	require.Nil(t, getErr)
	require.Len(t, detail.Conversation, 1)
	assert.Equal(t, "go ahead", detail.Conversation[0].Content)
	assert.Equal(t, "active", detail.Status)
}

func TestWaitingForInputDisplaysAsPaused(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)
	record, err := d.Start(StartParams{Prompt: "p"})
	require.Nil(t, err)

	metadata, mErr := d.readMetadata(record.ID)
	require.Nil(t, mErr)
	metadata.Status = "waiting_for_input"
	require.Nil(t, d.writeMetadata(metadata))

	list, listErr := d.List()
	require.Nil(t, listErr)
	require.Len(t, list, 1)
	assert.Equal(t, "paused", list[0].Status)
}

func TestDeleteRequiresExistingSession(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)
	err := d.Delete("nonexistent-session")
	require.NotNil(t, err)
	assert.Equal(t, "PLANNING_SESSION_NOT_FOUND", string(err.Code))
}

func TestValidateSessionIDRejectsPathTraversal(t *testing.T) {
	err := validateSessionID("../../etc/passwd")
	require.NotNil(t, err)
}

func TestGetArtifactRejectsPathSeparators(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)
	record, err := d.Start(StartParams{Prompt: "p"})
	require.Nil(t, err)

	_, artErr := d.GetArtifact(GetArtifactParams{SessionID: record.ID, Filename: "../session.json"})
	require.NotNil(t, artErr)
	assert.Equal(t, "INVALID_PARAMS", string(artErr.Code))
}

func TestGetArtifactRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)
	record, err := d.Start(StartParams{Prompt: "p"})
	require.Nil(t, err)

	sessionDir := filepath.Join(dir, ".ralph", "planning-sessions", record.ID)
	target := filepath.Join(dir, "secret.txt")
	require.NoError(t, os.WriteFile(target, []byte("top secret"), 0o644))
	link := filepath.Join(sessionDir, "artifacts", "leak.txt")
	require.NoError(t, os.Symlink(target, link))

	_, artErr := d.GetArtifact(GetArtifactParams{SessionID: record.ID, Filename: "leak.txt"})
	require.NotNil(t, artErr)
	assert.Equal(t, "NOT_FOUND", string(artErr.Code))
}

func TestGetArtifactReadsRegularFile(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)
	record, err := d.Start(StartParams{Prompt: "p"})
	require.Nil(t, err)

	sessionDir := filepath.Join(dir, ".ralph", "planning-sessions", record.ID)
	require.NoError(t, os.WriteFile(filepath.Join(sessionDir, "artifacts", "notes.md"), []byte("hello"), 0o644))

	artifact, artErr := d.GetArtifact(GetArtifactParams{SessionID: record.ID, Filename: "notes.md"})
	require.Nil(t, artErr)
	assert.Equal(t, "hello", artifact.Content)
}

func TestListSortsByUpdatedAtDescending(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir)

	first, err := d.Start(StartParams{Prompt: "first"})
	require.Nil(t, err)
	firstMeta, mErr := d.readMetadata(first.ID)
	require.Nil(t, mErr)
	firstMeta.UpdatedAt = "2020-01-01T00:00:00Z"
	require.Nil(t, d.writeMetadata(firstMeta))

	second, err := d.Start(StartParams{Prompt: "second"})
	require.Nil(t, err)
	secondMeta, mErr := d.readMetadata(second.ID)
	require.Nil(t, mErr)
	secondMeta.UpdatedAt = "2024-01-01T00:00:00Z"
	require.Nil(t, d.writeMetadata(secondMeta))

	list, listErr := d.List()
	require.Nil(t, listErr)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
}
