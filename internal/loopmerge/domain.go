package loopmerge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ralph-run/ralph-api/internal/filestore"
	"github.com/ralph-run/ralph-api/internal/rpcerr"
	"github.com/ralph-run/ralph-api/internal/task"
)

const primaryLoopID = "(primary)"

// Domain orchestrates the loop-merge state machine. All operations are
// serialized by a single mutex-equivalent at the pipeline layer; Domain
// itself delegates locking to its component stores.
type Domain struct {
	workspaceRoot     string
	processIntervalMs uint64
	worker            ExternalWorker
	worktrees         WorktreeLister
	registry          *Registry
	queue             *MergeQueue
	lock              *PrimaryLock
	lastProcessedAt   *string
}

// NewDomain constructs a loop-merge Domain rooted at workspaceRoot.
func NewDomain(workspaceRoot string, processIntervalMs uint64, worker ExternalWorker) *Domain {
	return &Domain{
		workspaceRoot:     workspaceRoot,
		processIntervalMs: processIntervalMs,
		worker:            worker,
		worktrees:         GitWorktreeLister{},
		registry:          NewRegistry(workspaceRoot),
		queue:             NewMergeQueue(workspaceRoot),
		lock:              NewPrimaryLock(workspaceRoot),
	}
}

func nowTs() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func loopNotFound(loopID string) *rpcerr.Error {
	return rpcerr.LoopNotFoundf("loop '%s' not found", loopID).
		WithDetails(map[string]any{"loopId": loopID})
}

// List merges the primary lock, registry, and merge queue into one loop
// listing, de-duplicated by loop id.
func (d *Domain) List(includeTerminal bool) []LoopRecord {
	var (
		records  []LoopRecord
		listedID = make(map[string]struct{})
	)

	if meta, ok, _ := d.lock.ReadExisting(); ok && IsPidAlive(meta.Pid) {
		records = append(records, LoopRecord{
			ID: primaryLoopID, Status: "running", Location: "(in-place)", Prompt: meta.Prompt,
		})
		listedID[primaryLoopID] = struct{}{}
	}

	for _, entry := range d.registry.List() {
		status := "crashed"
		if IsPidAlive(entry.Pid) {
			status = "running"
		}
		location := entry.WorktreePath
		if location == "" {
			location = "(in-place)"
		}
		listedID[entry.ID] = struct{}{}
		records = append(records, LoopRecord{
			ID: entry.ID, Status: status, Location: location, Prompt: entry.Prompt,
		})
	}

	for _, entry := range d.queue.List() {
		if _, seen := listedID[entry.LoopID]; seen {
			continue
		}
		location := entry.MergeCommit
		if location == "" {
			location = "-"
		}
		records = append(records, LoopRecord{
			ID: entry.LoopID, Status: queueStatusLabel(entry.State), Location: location,
			Prompt: entry.Prompt, MergeCommit: entry.MergeCommit,
		})
	}

	if !includeTerminal {
		filtered := records[:0]
		for _, r := range records {
			if r.Status != "merged" && r.Status != "discarded" {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	return records
}

func queueStatusLabel(state MergeState) string {
	switch state {
	case StateQueued:
		return "queued"
	case StateMerging:
		return "merging"
	case StateMerged:
		return "merged"
	case StateNeedsReview:
		return "needs-review"
	case StateDiscarded:
		return "discarded"
	default:
		return strings.ToLower(string(state))
	}
}

// Status reports lock presence, the configured interval, and the last
// process() timestamp.
func (d *Domain) Status() StatusResult {
	return StatusResult{
		Running:         d.lock.IsLocked(),
		IntervalMs:      d.processIntervalMs,
		LastProcessedAt: d.lastProcessedAt,
	}
}

// Process invokes the external worker if any entries are Queued. It stamps
// lastProcessedAt when nothing is queued or the worker succeeds; a failed
// worker run leaves lastProcessedAt unchanged.
func (d *Domain) Process(ctx context.Context) *rpcerr.Error {
	pending := d.queue.ListByState(StateQueued)
	if len(pending) == 0 {
		ts := nowTs()
		d.lastProcessedAt = &ts
		return nil
	}

	if err := invokeWithRetry(ctx, d.worker, d.workspaceRoot, "loops", "process"); err != nil {
		return rpcerr.Internalf("loop.process command failed: %v", err)
	}

	ts := nowTs()
	d.lastProcessedAt = &ts
	return nil
}

// Prune deregisters registry entries whose process has died.
func (d *Domain) Prune() {
	d.registry.CleanStale()
}

// Retry requires the entry be NeedsReview, optionally writes a steering
// file, then invokes the external worker's retry subcommand.
func (d *Domain) Retry(ctx context.Context, loopID, steeringInput string) *rpcerr.Error {
	entry, ok := d.queue.GetEntry(loopID)
	if !ok {
		return loopNotFound(loopID)
	}
	if entry.State != StateNeedsReview {
		return rpcerr.PreconditionFailedf("loop '%s' is in state %s, can only retry 'needs-review' loops", loopID, entry.State)
	}

	if strings.TrimSpace(steeringInput) != "" {
		steeringPath := filepath.Join(d.workspaceRoot, ".ralph", "merge-steering.txt")
		if err := filestore.WriteBytesAtomic(steeringPath, []byte(strings.TrimSpace(steeringInput))); err != nil {
			return rpcerr.Internalf("failed writing merge steering file: %v", err)
		}
	}

	if err := invokeWithRetry(ctx, d.worker, d.workspaceRoot, "loops", "retry", loopID); err != nil {
		return rpcerr.Internalf("loop retry command failed for '%s': %v", loopID, err)
	}
	return nil
}

// Discard resolves the loop id through registry→queue→worktree listing,
// transitions its queue entry to Discarded, deregisters it, and removes its
// worktree.
func (d *Domain) Discard(ctx context.Context, loopID string) *rpcerr.Error {
	resolvedID, worktreePath, err := d.resolveDiscardTarget(ctx, loopID)
	if err != nil {
		return err
	}

	if _, ok := d.queue.GetEntry(resolvedID); ok {
		d.queue.Discard(resolvedID)
	}
	d.registry.Deregister(resolvedID)

	if worktreePath != "" {
		if rmErr := removeWorktree(ctx, d.workspaceRoot, worktreePath); rmErr != nil {
			return rpcerr.Internalf("worktree cleanup failed for loop '%s': %v", resolvedID, rmErr)
		}
	}
	return nil
}

func (d *Domain) resolveDiscardTarget(ctx context.Context, loopID string) (id string, worktreePath string, rpcErr *rpcerr.Error) {
	if entry, ok := d.registry.Get(loopID); ok {
		return entry.ID, entry.WorktreePath, nil
	}
	if entry, ok := d.queue.GetEntry(loopID); ok {
		path, _, err := findWorktreePathForLoop(ctx, d.worktrees, d.workspaceRoot, entry.LoopID)
		if err != nil {
			return "", "", rpcerr.Internalf("failed listing worktrees: %v", err)
		}
		return entry.LoopID, path, nil
	}
	path, found, err := findWorktreePathForLoop(ctx, d.worktrees, d.workspaceRoot, loopID)
	if err != nil {
		return "", "", rpcerr.Internalf("failed listing worktrees: %v", err)
	}
	if found {
		return loopID, path, nil
	}
	return "", "", loopNotFound(loopID)
}

// Stop force-kills the loop's lock pid, or writes a cooperative stop marker.
func (d *Domain) Stop(loopID string, force bool) *rpcerr.Error {
	targetRoot, err := d.resolveLoopRoot(loopID)
	if err != nil {
		return err
	}

	lock := NewPrimaryLock(targetRoot)
	meta, ok, readErr := lock.ReadExisting()
	if readErr != nil {
		return rpcerr.Internalf("failed reading loop lock: %v", readErr)
	}
	if !ok {
		return loopNotFound(loopID)
	}

	if force {
		if !IsPidAlive(meta.Pid) {
			return rpcerr.PreconditionFailedf("loop '%s' is not running (process %d not found)", loopID, meta.Pid)
		}
		if killErr := syscall.Kill(meta.Pid, syscall.SIGKILL); killErr != nil {
			return rpcerr.Internalf("failed force-stopping process %d: %v", meta.Pid, killErr)
		}
		return nil
	}

	stopPath := filepath.Join(targetRoot, ".ralph", "stop-requested")
	if err := os.MkdirAll(filepath.Dir(stopPath), 0o755); err != nil {
		return rpcerr.Internalf("failed creating stop marker directory: %v", err)
	}
	if err := os.WriteFile(stopPath, nil, 0o644); err != nil {
		return rpcerr.Internalf("failed writing stop marker '%s': %v", stopPath, err)
	}
	return nil
}

func (d *Domain) resolveLoopRoot(loopID string) (string, *rpcerr.Error) {
	if loopID == primaryLoopID || loopID == "primary" {
		return d.workspaceRoot, nil
	}
	entry, ok := d.registry.Get(loopID)
	if !ok {
		return "", loopNotFound(loopID)
	}
	if entry.WorktreePath != "" {
		return entry.WorktreePath, nil
	}
	return d.workspaceRoot, nil
}

// Merge rejects terminal states, requires force to override an in-progress
// merge, and transitions Queued/NeedsReview → Merging → Merged.
func (d *Domain) Merge(ctx context.Context, loopID string, force bool) *rpcerr.Error {
	entry, ok := d.queue.GetEntry(loopID)
	if !ok {
		return loopNotFound(loopID)
	}

	switch entry.State {
	case StateMerged:
		return rpcerr.PreconditionFailedf("loop '%s' is already merged", loopID)
	case StateDiscarded:
		return rpcerr.PreconditionFailedf("loop '%s' is discarded", loopID)
	case StateMerging:
		if !force {
			return rpcerr.PreconditionFailedf("loop '%s' is currently merging. Use force=true to override.", loopID)
		}
	}

	if entry.State != StateMerging {
		if err := d.queue.MarkMerging(loopID, os.Getpid()); err != nil {
			return rpcerr.Internalf("merge queue operation failed: %v", err)
		}
	}

	commit := currentCommit(ctx, d.workspaceRoot)
	if err := d.queue.MarkMerged(loopID, commit); err != nil {
		return rpcerr.Internalf("merge queue operation failed: %v", err)
	}
	return nil
}

// MergeButtonState is a pure function of the merge queue: Active when the
// entry is NeedsReview (ready to confirm), Blocked otherwise with a reason.
func (d *Domain) MergeButtonState(loopID string) (*MergeButtonResult, *rpcerr.Error) {
	entry, ok := d.queue.GetEntry(loopID)
	if !ok {
		return nil, loopNotFound(loopID)
	}

	switch entry.State {
	case StateNeedsReview:
		action := "merge"
		return &MergeButtonResult{Enabled: true, Action: &action}, nil
	default:
		reason := fmt.Sprintf("loop is in state %s", entry.State)
		action := "wait"
		return &MergeButtonResult{Enabled: false, Reason: &reason, Action: &action}, nil
	}
}

// TriggerMergeTask creates a task (via the task domain) whose completion
// represents "merge this loop's worktree".
func (d *Domain) TriggerMergeTask(loopID string, tasks *task.Domain) (*TriggerMergeTaskResult, *rpcerr.Error) {
	var target *LoopRecord
	for _, r := range d.List(true) {
		if r.ID == loopID {
			rc := r
			target = &rc
			break
		}
	}
	if target == nil {
		return nil, loopNotFound(loopID)
	}
	if target.Location == "(in-place)" {
		return nil, rpcerr.InvalidParamsf("cannot trigger merge for in-place loop (primary)")
	}

	prompt := target.Prompt
	if prompt == "" {
		prompt = "(no prompt recorded)"
	}

	mergePrompt := fmt.Sprintf(
		"Merge worktree loop '%s' into main branch.\n\nThe worktree is located at: %s\nOriginal task: %s\n\n"+
			"Instructions:\n1. Review the commits in the worktree branch\n2. Merge the changes into main branch\n"+
			"3. Resolve any conflicts if present\n4. Delete the worktree after successful merge",
		loopID, target.Location, prompt,
	)

	title := truncateRunes(prompt, 50)
	if target.Prompt == "" {
		title = loopID
	}

	taskID := fmt.Sprintf("merge-%s-%d", loopID, time.Now().UnixMilli())
	autoExecute := true
	priority := 1
	created, err := tasks.Create(task.CreateInput{
		ID:              taskID,
		Title:           "Merge: " + title,
		Priority:        &priority,
		MergeLoopPrompt: mergePrompt,
		AutoExecute:     &autoExecute,
	})
	if err != nil {
		return nil, err
	}

	return &TriggerMergeTaskResult{Success: true, TaskID: created.ID, QueuedTaskID: created.QueuedTaskID}, nil
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
