// Package loopmerge implements the loop-merge state machine: the merge
// queue (Queued→Merging→Merged|NeedsReview→Discarded), the loop registry
// that tracks live worktree loops, and the primary in-place lock.
package loopmerge

import "time"

// MergeState is one of the five loop-merge states.
type MergeState string

const (
	StateQueued      MergeState = "Queued"
	StateMerging     MergeState = "Merging"
	StateMerged      MergeState = "Merged"
	StateNeedsReview MergeState = "NeedsReview"
	StateDiscarded   MergeState = "Discarded"
)

func (s MergeState) isTerminal() bool {
	return s == StateMerged || s == StateDiscarded
}

// MergeEntry is a single merge-queue record.
type MergeEntry struct {
	LoopID      string     `json:"loopId"`
	Prompt      string     `json:"prompt"`
	State       MergeState `json:"state"`
	MergeCommit string     `json:"mergeCommit,omitempty"`
	WorktreePath string    `json:"worktreePath,omitempty"`
	MergingPid  int        `json:"mergingPid,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// RegistryEntry tracks a live worktree loop process.
type RegistryEntry struct {
	ID           string `json:"id"`
	Prompt       string `json:"prompt"`
	Pid          int    `json:"pid"`
	WorktreePath string `json:"worktreePath,omitempty"`
}

// LockMetadata is the content of the primary in-place lock file.
type LockMetadata struct {
	Pid    int    `json:"pid"`
	Prompt string `json:"prompt"`
}

// LoopRecord is the unified shape returned by List, merging the primary
// lock, the registry, and the merge queue.
type LoopRecord struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Location    string `json:"location"`
	Prompt      string `json:"prompt,omitempty"`
	MergeCommit string `json:"mergeCommit,omitempty"`
}

// StatusResult is the result of Status().
type StatusResult struct {
	Running         bool    `json:"running"`
	IntervalMs      uint64  `json:"intervalMs"`
	LastProcessedAt *string `json:"lastProcessedAt,omitempty"`
}

// MergeButtonResult is the result of MergeButtonState().
type MergeButtonResult struct {
	Enabled bool    `json:"enabled"`
	Reason  *string `json:"reason,omitempty"`
	Action  *string `json:"action,omitempty"`
}

// TriggerMergeTaskResult is the result of TriggerMergeTask().
type TriggerMergeTaskResult struct {
	Success      bool   `json:"success"`
	TaskID       string `json:"taskId"`
	QueuedTaskID string `json:"queuedTaskId,omitempty"`
}
