package loopmerge

import (
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ralph-run/ralph-api/internal/filestore"
)

// IsPidAlive reports whether pid names a live OS process, by sending the
// null signal and checking for ESRCH, mirroring the teacher's
// lockfile liveness probe.
func IsPidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) != syscall.ESRCH
}

// PrimaryLock reads the primary (in-place) loop's lock file, if any.
type PrimaryLock struct {
	path string
}

// NewPrimaryLock constructs a PrimaryLock rooted at workspaceRoot.
func NewPrimaryLock(workspaceRoot string) *PrimaryLock {
	return &PrimaryLock{path: filepath.Join(workspaceRoot, ".ralph", "loop.lock")}
}

// ReadExisting returns the lock's metadata, or ok=false if no loop is locked.
func (l *PrimaryLock) ReadExisting() (*LockMetadata, bool, error) {
	var meta LockMetadata
	ok, err := filestore.ReadJSON(l.path, &meta)
	if err != nil || !ok {
		return nil, false, err
	}
	return &meta, true, nil
}

// IsLocked reports whether the primary lock file exists.
func (l *PrimaryLock) IsLocked() bool {
	_, ok, _ := l.ReadExisting()
	return ok
}

// Registry tracks live worktree-loop processes.
type Registry struct {
	mu      sync.Mutex
	path    string
	entries map[string]RegistryEntry
}

// NewRegistry constructs a Registry rooted at workspaceRoot.
func NewRegistry(workspaceRoot string) *Registry {
	r := &Registry{
		path:    filepath.Join(workspaceRoot, ".ralph", "api", "loop-registry-v1.json"),
		entries: make(map[string]RegistryEntry),
	}
	var stored map[string]RegistryEntry
	if ok, err := filestore.ReadJSON(r.path, &stored); err == nil && ok {
		r.entries = stored
	}
	return r
}

// List returns every registered loop.
func (r *Registry) List() []RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Get returns a single entry by id.
func (r *Registry) Get(id string) (RegistryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// Deregister removes an entry; absence is not an error (ok=false).
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	r.persistLocked()
	return true
}

// CleanStale removes entries whose pid is no longer alive.
func (r *Registry) CleanStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if !IsPidAlive(e.Pid) {
			delete(r.entries, id)
		}
	}
	r.persistLocked()
}

func (r *Registry) persistLocked() {
	_ = filestore.WriteJSON(r.path, r.entries)
}

// MergeQueue owns the loop-merge state machine's persisted entries.
type MergeQueue struct {
	mu      sync.Mutex
	path    string
	entries map[string]*MergeEntry
}

// NewMergeQueue constructs a MergeQueue rooted at workspaceRoot.
func NewMergeQueue(workspaceRoot string) *MergeQueue {
	q := &MergeQueue{
		path:    filepath.Join(workspaceRoot, ".ralph", "api", "merge-queue-v1.json"),
		entries: make(map[string]*MergeEntry),
	}
	var stored map[string]*MergeEntry
	if ok, err := filestore.ReadJSON(q.path, &stored); err == nil && ok {
		q.entries = stored
	}
	return q
}

// List returns every merge-queue entry.
func (q *MergeQueue) List() []MergeEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]MergeEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	return out
}

// ListByState returns every entry currently in state.
func (q *MergeQueue) ListByState(state MergeState) []MergeEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []MergeEntry
	for _, e := range q.entries {
		if e.State == state {
			out = append(out, *e)
		}
	}
	return out
}

// GetEntry returns a single entry by loop id.
func (q *MergeQueue) GetEntry(loopID string) (*MergeEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[loopID]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Enqueue inserts a new Queued entry, replacing any terminal prior entry for
// the same loop id. A non-terminal prior entry is left unchanged.
func (q *MergeQueue) Enqueue(loopID, prompt, worktreePath string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if prior, ok := q.entries[loopID]; ok && !prior.State.isTerminal() {
		return
	}
	q.entries[loopID] = &MergeEntry{
		LoopID:       loopID,
		Prompt:       prompt,
		State:        StateQueued,
		WorktreePath: worktreePath,
		UpdatedAt:    time.Now(),
	}
	q.persistLocked()
}

// MarkMerging transitions an entry to Merging.
func (q *MergeQueue) MarkMerging(loopID string, mergingPid int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[loopID]
	if !ok {
		return errNotFound(loopID)
	}
	e.State = StateMerging
	e.MergingPid = mergingPid
	e.UpdatedAt = time.Now()
	q.persistLocked()
	return nil
}

// MarkMerged transitions an entry to Merged with the given commit.
func (q *MergeQueue) MarkMerged(loopID, commit string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[loopID]
	if !ok {
		return errNotFound(loopID)
	}
	e.State = StateMerged
	e.MergeCommit = commit
	e.UpdatedAt = time.Now()
	q.persistLocked()
	return nil
}

// MarkNeedsReview transitions an entry to NeedsReview.
func (q *MergeQueue) MarkNeedsReview(loopID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[loopID]
	if !ok {
		return errNotFound(loopID)
	}
	e.State = StateNeedsReview
	e.UpdatedAt = time.Now()
	q.persistLocked()
	return nil
}

// MarkQueued transitions an entry back to Queued (the retry escape hatch).
func (q *MergeQueue) MarkQueued(loopID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[loopID]
	if !ok {
		return errNotFound(loopID)
	}
	e.State = StateQueued
	e.UpdatedAt = time.Now()
	q.persistLocked()
	return nil
}

// Discard transitions an entry to Discarded; a missing entry is a no-op.
func (q *MergeQueue) Discard(loopID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[loopID]
	if !ok {
		return
	}
	e.State = StateDiscarded
	e.UpdatedAt = time.Now()
	q.persistLocked()
}

func (q *MergeQueue) persistLocked() {
	_ = filestore.WriteJSON(q.path, q.entries)
}

type notFoundError struct{ loopID string }

func (e *notFoundError) Error() string { return "merge queue entry not found: " + e.loopID }

func errNotFound(loopID string) error { return &notFoundError{loopID: loopID} }
