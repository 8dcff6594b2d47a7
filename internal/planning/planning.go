// Package planning implements the planning-session domain: long-running
// prompt/response conversations persisted one directory per session under
// .ralph/planning-sessions, with an artifact store scoped to that directory.
package planning

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ralph-run/ralph-api/internal/rpcerr"
)

const maxSessionIDLen = 120

// StartParams is the decoded planning.start request body.
type StartParams struct {
	Prompt string `json:"prompt"`
}

// RespondParams is the decoded planning.respond request body.
type RespondParams struct {
	SessionID string `json:"sessionId"`
	PromptID  string `json:"promptId"`
	Response  string `json:"response"`
}

// GetArtifactParams is the decoded planning.get_artifact request body.
type GetArtifactParams struct {
	SessionID string `json:"sessionId"`
	Filename  string `json:"filename"`
}

// SessionSummary is one row of planning.list's result.
type SessionSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Prompt       string `json:"prompt"`
	Status       string `json:"status"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
	MessageCount uint64 `json:"messageCount"`
	Iterations   uint64 `json:"iterations"`
}

// SessionDetail is planning.get's result.
type SessionDetail struct {
	ID           string                     `json:"id"`
	Prompt       string                     `json:"prompt"`
	Title        string                     `json:"title"`
	Status       string                     `json:"status"`
	CreatedAt    string                     `json:"createdAt"`
	UpdatedAt    string                     `json:"updatedAt"`
	CompletedAt  string                     `json:"completedAt,omitempty"`
	Conversation []FrontendConversationEntry `json:"conversation"`
	Artifacts    []string                   `json:"artifacts"`
	MessageCount uint64                     `json:"messageCount"`
	Iterations   uint64                     `json:"iterations"`
}

// SessionRecord is planning.start's result.
type SessionRecord struct {
	ID         string `json:"id"`
	Prompt     string `json:"prompt"`
	Status     string `json:"status"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
	Iterations uint64 `json:"iterations"`
}

// ArtifactRecord is planning.get_artifact's result.
type ArtifactRecord struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

type sessionMetadata struct {
	ID         string `json:"id"`
	Prompt     string `json:"prompt"`
	Status     string `json:"status"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
	Iterations uint64 `json:"iterations"`
}

type conversationEntry struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Text string `json:"text"`
	Ts   string `json:"ts"`
}

// FrontendConversationEntry is one conversation turn as exposed to clients.
type FrontendConversationEntry struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Domain implements the planning-session operations against a directory
// tree rooted at <workspaceRoot>/.ralph/planning-sessions.
type Domain struct {
	sessionsDir string
	now         func() time.Time
}

// NewDomain constructs a Domain rooted at workspaceRoot.
func NewDomain(workspaceRoot string) *Domain {
	return &Domain{
		sessionsDir: filepath.Join(workspaceRoot, ".ralph", "planning-sessions"),
		now:         time.Now,
	}
}

// List enumerates every planning session, newest-updated first.
func (d *Domain) List() ([]SessionSummary, *rpcerr.Error) {
	if err := d.ensureSessionsDir(); err != nil {
		return nil, err
	}

	entries, readErr := os.ReadDir(d.sessionsDir)
	if readErr != nil {
		return nil, rpcerr.Internalf("failed reading planning sessions directory '%s': %v", d.sessionsDir, readErr)
	}

	var sessions []SessionSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sessionID := entry.Name()

		metadata, err := d.readMetadata(sessionID)
		if err != nil {
			continue
		}

		sessions = append(sessions, SessionSummary{
			ID:           metadata.ID,
			Title:        generateTitle(metadata.Prompt),
			Prompt:       metadata.Prompt,
			Status:       toFrontendStatus(metadata.Status),
			CreatedAt:    metadata.CreatedAt,
			UpdatedAt:    metadata.UpdatedAt,
			MessageCount: d.countMessages(sessionID),
			Iterations:   metadata.Iterations,
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].UpdatedAt != sessions[j].UpdatedAt {
			return sessions[i].UpdatedAt > sessions[j].UpdatedAt
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

// Get returns the full detail of a single session, including its
// conversation and artifact listing.
func (d *Domain) Get(sessionID string) (*SessionDetail, *rpcerr.Error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	metadata, err := d.readMetadata(sessionID)
	if err != nil {
		return nil, err
	}

	conversation := d.readConversation(sessionID)
	artifacts := d.readArtifacts(sessionID)

	var completedAt string
	if metadata.Status == "completed" {
		completedAt = metadata.UpdatedAt
	}

	return &SessionDetail{
		ID:           metadata.ID,
		Prompt:       metadata.Prompt,
		Title:        generateTitle(metadata.Prompt),
		Status:       toFrontendStatus(metadata.Status),
		CreatedAt:    metadata.CreatedAt,
		UpdatedAt:    metadata.UpdatedAt,
		CompletedAt:  completedAt,
		Conversation: conversation,
		Artifacts:    artifacts,
		MessageCount: uint64(len(conversation)),
		Iterations:   metadata.Iterations,
	}, nil
}

// Start creates a new planning session and returns its initial record.
func (d *Domain) Start(params StartParams) (*SessionRecord, *rpcerr.Error) {
	if err := d.ensureSessionsDir(); err != nil {
		return nil, err
	}

	sessionID, sessionDir, err := d.createUniqueSessionDir()
	if err != nil {
		return nil, err
	}

	if mkErr := os.MkdirAll(filepath.Join(sessionDir, "artifacts"), 0o755); mkErr != nil {
		return nil, rpcerr.Internalf("failed creating planning session directory '%s': %v", sessionDir, mkErr)
	}

	now := nowTs(d.now())
	metadata := sessionMetadata{
		ID:        sessionID,
		Prompt:    params.Prompt,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := d.writeMetadata(metadata); err != nil {
		return nil, err
	}
	if err := d.writeEmptyConversation(sessionID); err != nil {
		return nil, err
	}

	return &SessionRecord{
		ID:         metadata.ID,
		Prompt:     metadata.Prompt,
		Status:     metadata.Status,
		CreatedAt:  metadata.CreatedAt,
		UpdatedAt:  metadata.UpdatedAt,
		Iterations: metadata.Iterations,
	}, nil
}

// Respond appends a user response to the session's conversation and
// reactivates it.
func (d *Domain) Respond(params RespondParams) *rpcerr.Error {
	if err := validateSessionID(params.SessionID); err != nil {
		return err
	}

	metadata, err := d.readMetadata(params.SessionID)
	if err != nil {
		return err
	}

	entry := conversationEntry{
		Type: "user_response",
		ID:   params.PromptID,
		Text: params.Response,
		Ts:   nowTs(d.now()),
	}
	if err := d.appendConversation(params.SessionID, entry); err != nil {
		return err
	}

	metadata.Status = "active"
	metadata.UpdatedAt = nowTs(d.now())
	return d.writeMetadata(metadata)
}

// Resume reactivates a paused (waiting_for_input) session.
func (d *Domain) Resume(sessionID string) *rpcerr.Error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	metadata, err := d.readMetadata(sessionID)
	if err != nil {
		return err
	}
	metadata.Status = "active"
	metadata.UpdatedAt = nowTs(d.now())
	return d.writeMetadata(metadata)
}

// Delete removes a session directory entirely.
func (d *Domain) Delete(sessionID string) *rpcerr.Error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	sessionDir := d.sessionDir(sessionID)
	if _, statErr := os.Stat(sessionDir); statErr != nil {
		return planningSessionNotFound(sessionID)
	}

	if rmErr := os.RemoveAll(sessionDir); rmErr != nil {
		return rpcerr.Internalf("failed deleting planning session '%s': %v", sessionDir, rmErr)
	}
	return nil
}

// GetArtifact reads a single artifact file from a session's artifact
// directory. A name that is not a plain file name is rejected with
// INVALID_PARAMS and a missing session with PLANNING_SESSION_NOT_FOUND;
// every other rejection - unlisted name, missing file, symlink, directory -
// returns the identical NOT_FOUND shape.
func (d *Domain) GetArtifact(params GetArtifactParams) (*ArtifactRecord, *rpcerr.Error) {
	if err := validateSessionID(params.SessionID); err != nil {
		return nil, err
	}

	if isInvalidFilename(params.Filename) {
		return nil, rpcerr.New(rpcerr.InvalidParams, "planning.get_artifact filename must be a plain file name")
	}

	if !isListedArtifactName(params.Filename) {
		return nil, artifactNotFound(params.SessionID, params.Filename)
	}

	sessionDir := d.sessionDir(params.SessionID)
	if _, statErr := os.Stat(sessionDir); statErr != nil {
		return nil, planningSessionNotFound(params.SessionID)
	}

	artifactPath := filepath.Join(sessionDir, "artifacts", params.Filename)

	// Lstat inspects the path entry itself rather than following a symlink,
	// so a symlink (or directory, device node, ...) is rejected here rather
	// than silently dereferenced.
	info, lstatErr := os.Lstat(artifactPath)
	if lstatErr != nil {
		return nil, artifactNotFound(params.SessionID, params.Filename)
	}
	if !info.Mode().IsRegular() {
		return nil, artifactNotFound(params.SessionID, params.Filename)
	}

	content, readErr := os.ReadFile(artifactPath)
	if readErr != nil {
		return nil, artifactNotFound(params.SessionID, params.Filename)
	}

	return &ArtifactRecord{Filename: params.Filename, Content: string(content)}, nil
}

func (d *Domain) nextSessionID() string {
	return fmt.Sprintf("%s-%s", d.now().UTC().Format("20060102T150405"), strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func (d *Domain) createUniqueSessionDir() (string, string, *rpcerr.Error) {
	for i := 0; i < 8; i++ {
		sessionID := d.nextSessionID()
		sessionDir := d.sessionDir(sessionID)

		mkErr := os.Mkdir(sessionDir, 0o755)
		if mkErr == nil {
			return sessionID, sessionDir, nil
		}
		if !os.IsExist(mkErr) {
			return "", "", rpcerr.Internalf("failed creating planning session directory '%s': %v", sessionDir, mkErr)
		}
	}
	return "", "", rpcerr.New(rpcerr.Internal, "failed allocating unique planning session id after multiple attempts")
}

func (d *Domain) ensureSessionsDir() *rpcerr.Error {
	if err := os.MkdirAll(d.sessionsDir, 0o755); err != nil {
		return rpcerr.Internalf("failed creating planning sessions directory '%s': %v", d.sessionsDir, err)
	}
	return nil
}

func (d *Domain) sessionDir(sessionID string) string {
	return filepath.Join(d.sessionsDir, sessionID)
}

func (d *Domain) metadataPath(sessionID string) string {
	return filepath.Join(d.sessionDir(sessionID), "session.json")
}

func (d *Domain) conversationPath(sessionID string) string {
	return filepath.Join(d.sessionDir(sessionID), "conversation.jsonl")
}

func (d *Domain) readMetadata(sessionID string) (sessionMetadata, *rpcerr.Error) {
	if err := validateSessionID(sessionID); err != nil {
		return sessionMetadata{}, err
	}

	content, readErr := os.ReadFile(d.metadataPath(sessionID))
	if readErr != nil {
		return sessionMetadata{}, planningSessionNotFound(sessionID)
	}

	var metadata sessionMetadata
	if unmarshalErr := json.Unmarshal(content, &metadata); unmarshalErr != nil {
		return sessionMetadata{}, rpcerr.Internalf("failed parsing planning metadata '%s': %v", d.metadataPath(sessionID), unmarshalErr)
	}
	return metadata, nil
}

func (d *Domain) writeMetadata(metadata sessionMetadata) *rpcerr.Error {
	path := d.metadataPath(metadata.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return rpcerr.Internalf("failed creating planning metadata directory '%s': %v", filepath.Dir(path), err)
	}

	payload, marshalErr := json.MarshalIndent(metadata, "", "  ")
	if marshalErr != nil {
		return rpcerr.Internalf("failed serializing planning metadata: %v", marshalErr)
	}

	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return rpcerr.Internalf("failed writing planning metadata '%s': %v", path, err)
	}
	return nil
}

func (d *Domain) writeEmptyConversation(sessionID string) *rpcerr.Error {
	path := d.conversationPath(sessionID)
	if err := os.WriteFile(path, []byte{}, 0o644); err != nil {
		return rpcerr.Internalf("failed creating planning conversation '%s': %v", path, err)
	}
	return nil
}

func (d *Domain) appendConversation(sessionID string, entry conversationEntry) *rpcerr.Error {
	path := d.conversationPath(sessionID)
	payload, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		return rpcerr.Internalf("failed serializing conversation entry: %v", marshalErr)
	}
	payload = append(payload, '\n')

	file, openErr := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if openErr != nil {
		return rpcerr.Internalf("failed opening planning conversation '%s': %v", path, openErr)
	}
	defer file.Close()

	if _, writeErr := file.Write(payload); writeErr != nil {
		return rpcerr.Internalf("failed appending planning conversation '%s': %v", path, writeErr)
	}
	return nil
}

func (d *Domain) readConversation(sessionID string) []FrontendConversationEntry {
	content, readErr := os.ReadFile(d.conversationPath(sessionID))
	if readErr != nil {
		return nil
	}

	var entries []FrontendConversationEntry
	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry conversationEntry
		if json.Unmarshal([]byte(line), &entry) != nil {
			continue
		}
		entryType := "response"
		if entry.Type == "user_prompt" {
			entryType = "prompt"
		}
		entries = append(entries, FrontendConversationEntry{
			Type:      entryType,
			ID:        entry.ID,
			Content:   entry.Text,
			Timestamp: entry.Ts,
		})
	}
	return entries
}

func (d *Domain) countMessages(sessionID string) uint64 {
	content, readErr := os.ReadFile(d.conversationPath(sessionID))
	if readErr != nil {
		return 0
	}
	var count uint64
	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}

func (d *Domain) readArtifacts(sessionID string) []string {
	artifactsDir := filepath.Join(d.sessionDir(sessionID), "artifacts")
	entries, readErr := os.ReadDir(artifactsDir)
	if readErr != nil {
		return nil
	}

	var artifacts []string
	for _, entry := range entries {
		// Type() does not follow symlinks, so a symlink is excluded here
		// rather than dereferenced.
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if isListedArtifactName(name) {
			artifacts = append(artifacts, name)
		}
	}
	sort.Strings(artifacts)
	return artifacts
}

func validateSessionID(sessionID string) *rpcerr.Error {
	if sessionID == "" || len(sessionID) > maxSessionIDLen {
		return rpcerr.Newf(rpcerr.InvalidParams, "planning session id must be 1..=%d characters", maxSessionIDLen).
			WithDetails(map[string]any{"sessionId": sessionID})
	}

	for _, ch := range sessionID {
		if !isAlphanumericASCII(ch) && ch != '-' && ch != '_' {
			return rpcerr.New(rpcerr.InvalidParams, "planning session id may only contain ASCII letters, digits, '-' or '_'").
				WithDetails(map[string]any{"sessionId": sessionID})
		}
	}
	return nil
}

func isInvalidFilename(filename string) bool {
	if filename == "" {
		return true
	}
	if strings.ContainsAny(filename, "/\\") {
		return true
	}
	if filename == "." || filename == ".." {
		return true
	}
	return false
}

func isListedArtifactName(filename string) bool {
	if filename == "" || strings.HasPrefix(filename, ".") || len(filename) > 255 {
		return false
	}
	for _, ch := range filename {
		if !isAlphanumericASCII(ch) && ch != '.' && ch != '_' && ch != '-' {
			return false
		}
	}
	return !isInvalidFilename(filename)
}

func isAlphanumericASCII(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}

func planningSessionNotFound(sessionID string) *rpcerr.Error {
	return rpcerr.Newf(rpcerr.PlanningSessionNotFound, "Planning session '%s' not found", sessionID).
		WithDetails(map[string]any{"sessionId": sessionID})
}

func artifactNotFound(sessionID, filename string) *rpcerr.Error {
	return rpcerr.Newf(rpcerr.NotFound, "artifact '%s' not found for planning session '%s'", filename, sessionID)
}

func toFrontendStatus(status string) string {
	if status == "waiting_for_input" {
		return "paused"
	}
	return status
}

func generateTitle(prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	runes := []rune(trimmed)
	if len(runes) <= 60 {
		return trimmed
	}
	return string(runes[:57]) + "..."
}

func nowTs(now time.Time) string {
	return now.UTC().Format("2006-01-02T15:04:05Z")
}
