// Package task implements the task lifecycle state machine: records,
// dependency-gated readiness, the run queue, and persistence.
package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ralph-run/ralph-api/internal/rpcerr"
)

// Status is one of the task lifecycle's five states.
type Status string

const (
	StatusOpen    Status = "open"
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusClosed  Status = "closed"
	StatusFailed  Status = "failed"
)

func (s Status) isTerminal() bool {
	return s == StatusClosed || s == StatusFailed
}

func (s Status) isQueued() bool {
	return s == StatusPending || s == StatusRunning
}

// Task is a single task record.
type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Status          Status     `json:"status"`
	Priority        int        `json:"priority"`
	BlockedBy       string     `json:"blockedBy,omitempty"`
	ArchivedAt      *time.Time `json:"archivedAt,omitempty"`
	QueuedTaskID    string     `json:"queuedTaskId,omitempty"`
	MergeLoopPrompt string     `json:"mergeLoopPrompt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
}

// CreateInput is the parsed input to Create.
type CreateInput struct {
	ID              string
	Title           string
	Status          *Status
	Priority        *int
	BlockedBy       string
	MergeLoopPrompt string
	AutoExecute     *bool
}

// UpdateInput is the parsed input to Update; nil fields are left unchanged.
type UpdateInput struct {
	Title           *string
	Status          *Status
	Priority        *int
	BlockedBy       *string
	MergeLoopPrompt *string
}

// RunResult is the result of a successful run(id).
type RunResult struct {
	Success      bool   `json:"success"`
	QueuedTaskID string `json:"queuedTaskId"`
	Task         Task   `json:"task"`
}

// StatusReport is the result of status(id).
type StatusReport struct {
	IsQueued      bool   `json:"isQueued"`
	QueuePosition *int   `json:"queuePosition,omitempty"`
	RunnerPid     *int   `json:"runnerPid,omitempty"`
}

// RunAllResult is the result of run_all().
type RunAllResult struct {
	Enqueued uint64   `json:"enqueued"`
	Errors   []string `json:"errors"`
}

// snapshot is the persisted shape of the task domain.
type snapshot struct {
	Tasks        []*Task `json:"tasks"`
	QueueCounter uint64  `json:"queueCounter"`
}

// Persister is the durable store the task domain snapshots into after every
// mutation. A filesystem-backed implementation lives alongside the config
// domain's atomic-write helper; tests may substitute an in-memory fake.
type Persister interface {
	Save(tasks []*Task, queueCounter uint64) error
}

// NoopPersister discards snapshots; useful for tests.
type NoopPersister struct{}

func (NoopPersister) Save(tasks []*Task, queueCounter uint64) error { return nil }

// Clock returns the current time; overridable in tests.
type Clock func() time.Time

// Domain is the task state machine. All operations are serialized by a
// single mutex, giving the domain linearizable semantics from the caller's
// perspective.
type Domain struct {
	mu           sync.Mutex
	tasks        map[string]*Task
	order        []string
	queueCounter uint64
	runnerPids   map[string]int
	persister    Persister
	now          Clock
}

// loader is implemented by persisters that can restore a prior snapshot.
type loader interface {
	Load() (tasks []*Task, queueCounter uint64, err error)
}

// NewDomain constructs a task Domain, restoring from persister if it
// supports Load.
func NewDomain(persister Persister, now Clock) *Domain {
	if persister == nil {
		persister = NoopPersister{}
	}
	if now == nil {
		now = time.Now
	}
	d := &Domain{
		tasks:      make(map[string]*Task),
		runnerPids: make(map[string]int),
		persister:  persister,
		now:        now,
	}
	if l, ok := persister.(loader); ok {
		if tasks, counter, err := l.Load(); err == nil {
			for _, t := range tasks {
				d.tasks[t.ID] = t
				d.order = append(d.order, t.ID)
			}
			d.queueCounter = counter
		}
	}
	return d
}

func clampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 5 {
		return 5
	}
	return p
}

// Create inserts a new task record.
func (d *Domain) Create(in CreateInput) (*Task, *rpcerr.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[in.ID]; exists {
		return nil, rpcerr.Conflictf("task '%s' already exists", in.ID).
			WithDetails(map[string]any{"id": in.ID})
	}

	status := StatusOpen
	if in.Status != nil {
		status = *in.Status
	}
	autoExecute := true
	if in.AutoExecute != nil {
		autoExecute = *in.AutoExecute
	}
	if autoExecute && status != StatusOpen {
		return nil, rpcerr.InvalidParamsf("autoExecute cannot be combined with a non-open requested status")
	}

	priority := 2
	if in.Priority != nil {
		priority = clampPriority(*in.Priority)
	}

	now := d.now()
	t := &Task{
		ID:              in.ID,
		Title:           in.Title,
		Status:          status,
		Priority:        priority,
		BlockedBy:       in.BlockedBy,
		MergeLoopPrompt: in.MergeLoopPrompt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if status.isTerminal() {
		completedAt := now
		t.CompletedAt = &completedAt
	}

	d.tasks[t.ID] = t
	d.order = append(d.order, t.ID)

	if autoExecute && status == StatusOpen && !d.isBlockedLocked(t) {
		if _, err := d.runLocked(t.ID); err != nil {
			return nil, err
		}
	}

	if err := d.persistLocked(); err != nil {
		return nil, err
	}

	return d.cloneLocked(t.ID), nil
}

// Update applies a partial patch to an existing task.
func (d *Domain) Update(id string, in UpdateInput) (*Task, *rpcerr.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return nil, rpcerr.TaskNotFoundf("task '%s' not found", id)
	}

	if in.Title != nil {
		t.Title = *in.Title
	}
	if in.Priority != nil {
		t.Priority = clampPriority(*in.Priority)
	}
	if in.BlockedBy != nil {
		t.BlockedBy = *in.BlockedBy
	}
	if in.MergeLoopPrompt != nil {
		t.MergeLoopPrompt = *in.MergeLoopPrompt
	}
	if in.Status != nil {
		d.applyStatusLocked(t, *in.Status)
	}

	t.UpdatedAt = d.now()

	if err := d.persistLocked(); err != nil {
		return nil, err
	}
	return d.cloneLocked(id), nil
}

// applyStatusLocked recomputes completedAt/queuedTaskId/errorMessage to
// match the invariants for t.Status = newStatus. Callers must hold d.mu.
func (d *Domain) applyStatusLocked(t *Task, newStatus Status) {
	t.Status = newStatus
	if newStatus.isTerminal() {
		now := d.now()
		t.CompletedAt = &now
		t.QueuedTaskID = ""
	} else {
		t.CompletedAt = nil
	}
	if !newStatus.isQueued() {
		t.QueuedTaskID = ""
	}
	if newStatus != StatusFailed {
		t.ErrorMessage = ""
	}
}

// Close transitions a task to closed.
func (d *Domain) Close(id string) (*Task, *rpcerr.Error) {
	return d.Update(id, UpdateInput{Status: statusPtr(StatusClosed)})
}

// Archive sets archivedAt to now.
func (d *Domain) Archive(id string) (*Task, *rpcerr.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	if !ok {
		return nil, rpcerr.TaskNotFoundf("task '%s' not found", id)
	}
	now := d.now()
	t.ArchivedAt = &now
	t.UpdatedAt = now
	if err := d.persistLocked(); err != nil {
		return nil, err
	}
	return d.cloneLocked(id), nil
}

// Unarchive clears archivedAt.
func (d *Domain) Unarchive(id string) (*Task, *rpcerr.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	if !ok {
		return nil, rpcerr.TaskNotFoundf("task '%s' not found", id)
	}
	t.ArchivedAt = nil
	t.UpdatedAt = d.now()
	if err := d.persistLocked(); err != nil {
		return nil, err
	}
	return d.cloneLocked(id), nil
}

// Delete removes a task, requiring it be failed or closed.
func (d *Domain) Delete(id string) *rpcerr.Error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	if !ok {
		return rpcerr.TaskNotFoundf("task '%s' not found", id)
	}
	if t.Status != StatusFailed && t.Status != StatusClosed {
		return rpcerr.PreconditionFailedf("task '%s' must be failed or closed before deletion", id).
			WithDetails(map[string]any{"id": id, "status": t.Status})
	}
	delete(d.tasks, id)
	d.order = removeString(d.order, id)
	delete(d.runnerPids, id)
	return d.persistLocked()
}

// Clear wipes every task.
func (d *Domain) Clear() *rpcerr.Error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = make(map[string]*Task)
	d.order = nil
	d.runnerPids = make(map[string]int)
	return d.persistLocked()
}

// Get returns a single task by id.
func (d *Domain) Get(id string) (*Task, *rpcerr.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tasks[id]; !ok {
		return nil, rpcerr.TaskNotFoundf("task '%s' not found", id)
	}
	return d.cloneLocked(id), nil
}

// List returns every task in creation order.
func (d *Domain) List() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Task, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.cloneLocked(id))
	}
	return out
}

func (d *Domain) isBlockedLocked(t *Task) bool {
	if t.BlockedBy == "" {
		return false
	}
	blocker, ok := d.tasks[t.BlockedBy]
	if !ok {
		return false
	}
	unblocked := blocker.Status == StatusClosed || blocker.ArchivedAt != nil
	return !unblocked
}

// Ready returns open, non-archived tasks whose blockedBy is absent or
// points at a task that is itself closed or archived, sorted by createdAt
// ascending.
func (d *Domain) Ready() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Task
	for _, id := range d.order {
		t := d.tasks[id]
		if t.Status != StatusOpen || t.ArchivedAt != nil {
			continue
		}
		if d.isBlockedLocked(t) {
			continue
		}
		out = append(out, d.cloneLocked(id))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func nextQueueID(counter uint64, now time.Time) string {
	return fmt.Sprintf("queued-%d-%04x", now.UnixMilli(), counter)
}

// Run mints a queue id and transitions the task to pending.
func (d *Domain) Run(id string) (*RunResult, *rpcerr.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	result, err := d.runLocked(id)
	if err != nil {
		return nil, err
	}
	if perr := d.persistLocked(); perr != nil {
		return nil, perr
	}
	return result, nil
}

func (d *Domain) runLocked(id string) (*RunResult, *rpcerr.Error) {
	t, ok := d.tasks[id]
	if !ok {
		return nil, rpcerr.TaskNotFoundf("task '%s' not found", id)
	}
	if t.ArchivedAt != nil {
		return nil, rpcerr.PreconditionFailedf("task '%s' is archived", id)
	}
	if t.Status.isQueued() {
		return nil, rpcerr.PreconditionFailedf("task '%s' is already queued", id)
	}

	d.queueCounter++
	now := d.now()
	queuedTaskID := nextQueueID(d.queueCounter, now)

	t.Status = StatusPending
	t.QueuedTaskID = queuedTaskID
	t.CompletedAt = nil
	t.ErrorMessage = ""
	t.UpdatedAt = now

	return &RunResult{Success: true, QueuedTaskID: queuedTaskID, Task: *d.cloneLocked(id)}, nil
}

// RunAll enqueues every ready task.
func (d *Domain) RunAll() *RunAllResult {
	ready := d.Ready()
	result := &RunAllResult{}
	for _, t := range ready {
		if _, err := d.Run(t.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", t.ID, err.Message))
			continue
		}
		result.Enqueued++
	}
	return result
}

// Retry resets a failed task to open, then runs it.
func (d *Domain) Retry(id string) (*RunResult, *rpcerr.Error) {
	d.mu.Lock()
	t, ok := d.tasks[id]
	if !ok {
		d.mu.Unlock()
		return nil, rpcerr.TaskNotFoundf("task '%s' not found", id)
	}
	if t.Status != StatusFailed {
		d.mu.Unlock()
		return nil, rpcerr.PreconditionFailedf("task '%s' must be failed to retry", id)
	}
	t.Status = StatusOpen
	t.QueuedTaskID = ""
	t.ErrorMessage = ""
	t.CompletedAt = nil
	t.UpdatedAt = d.now()
	d.mu.Unlock()

	return d.Run(id)
}

// Cancel transitions a pending/running task to failed.
func (d *Domain) Cancel(id string) (*Task, *rpcerr.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	if !ok {
		return nil, rpcerr.TaskNotFoundf("task '%s' not found", id)
	}
	if !t.Status.isQueued() {
		return nil, rpcerr.PreconditionFailedf("task '%s' is not pending or running", id)
	}
	t.Status = StatusFailed
	t.ErrorMessage = "Task cancelled by user"
	now := d.now()
	t.CompletedAt = &now
	t.QueuedTaskID = ""
	t.UpdatedAt = now
	if err := d.persistLocked(); err != nil {
		return nil, err
	}
	return d.cloneLocked(id), nil
}

// Status reports queue membership and position for a task.
func (d *Domain) Status(id string) (*StatusReport, *rpcerr.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return nil, rpcerr.TaskNotFoundf("task '%s' not found", id)
	}

	report := &StatusReport{IsQueued: t.Status.isQueued()}
	if report.IsQueued {
		queued := d.queuedTasksLocked()
		for i, queuedTask := range queued {
			if queuedTask.ID == id {
				pos := i
				report.QueuePosition = &pos
				break
			}
		}
	}
	if t.Status == StatusRunning {
		if pid, ok := d.runnerPids[id]; ok {
			report.RunnerPid = &pid
		}
	}
	return report, nil
}

// queuedTasksLocked returns pending|running tasks sorted by updatedAt
// ascending, breaking ties by task id.
func (d *Domain) queuedTasksLocked() []*Task {
	var out []*Task
	for _, id := range d.order {
		t := d.tasks[id]
		if t.Status.isQueued() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetRunnerPid records the OS pid executing a running task; used by the
// external worker integration to answer status() queries.
func (d *Domain) SetRunnerPid(id string, pid int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runnerPids[id] = pid
}

func (d *Domain) cloneLocked(id string) *Task {
	t := *d.tasks[id]
	return &t
}

func (d *Domain) persistLocked() *rpcerr.Error {
	tasks := make([]*Task, 0, len(d.order))
	for _, id := range d.order {
		tasks = append(tasks, d.tasks[id])
	}
	if err := d.persister.Save(tasks, d.queueCounter); err != nil {
		return rpcerr.Internalf("failed to persist task snapshot: %v", err)
	}
	return nil
}

func statusPtr(s Status) *Status { return &s }

func removeString(values []string, target string) []string {
	out := values[:0]
	for _, v := range values {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}
