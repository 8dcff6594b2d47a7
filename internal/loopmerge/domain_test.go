package loopmerge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	calls [][]string
	err   error
}

func (f *fakeWorker) Invoke(ctx context.Context, workingDir string, args ...string) error {
	f.calls = append(f.calls, args)
	return f.err
}

func TestParseWorktreePorcelain(t *testing.T) {
	output := "worktree /repo\nHEAD abc123\nbranch refs/heads/main\n\n" +
		"worktree /repo/.worktrees/loop-1\nHEAD def456\nbranch refs/heads/ralph/loop-1\n"
	worktrees := parseWorktreePorcelain(output)
	require.Len(t, worktrees, 2)
	assert.Equal(t, "/repo/.worktrees/loop-1", worktrees[1].Path)
	assert.Equal(t, "ralph/loop-1", worktrees[1].Branch)
}

func TestTruncateRunesShorterThanLimit(t *testing.T) {
	assert.Equal(t, "hello", truncateRunes("hello", 50))
}

func TestTruncateRunesLongerThanLimit(t *testing.T) {
	long := ""
	for i := 0; i < 60; i++ {
		long += "a"
	}
	truncated := truncateRunes(long, 50)
	assert.Len(t, []rune(truncated), 50)
}

func TestQueueStatusLabelMapsEveryState(t *testing.T) {
	assert.Equal(t, "queued", queueStatusLabel(StateQueued))
	assert.Equal(t, "merging", queueStatusLabel(StateMerging))
	assert.Equal(t, "merged", queueStatusLabel(StateMerged))
	assert.Equal(t, "needs-review", queueStatusLabel(StateNeedsReview))
	assert.Equal(t, "discarded", queueStatusLabel(StateDiscarded))
}

func TestMergeQueueStateTransitions(t *testing.T) {
	dir := t.TempDir()
	q := NewMergeQueue(dir)
	q.Enqueue("loop-1", "do the thing", "/worktrees/loop-1")

	entry, ok := q.GetEntry("loop-1")
	require.True(t, ok)
	assert.Equal(t, StateQueued, entry.State)

	require.NoError(t, q.MarkMerging("loop-1", 4242))
	entry, _ = q.GetEntry("loop-1")
	assert.Equal(t, StateMerging, entry.State)

	require.NoError(t, q.MarkMerged("loop-1", "abc1234"))
	entry, _ = q.GetEntry("loop-1")
	assert.Equal(t, StateMerged, entry.State)
	assert.Equal(t, "abc1234", entry.MergeCommit)
}

func TestMergeRejectsAlreadyMerged(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir, 5000, &fakeWorker{})
	d.queue.Enqueue("loop-1", "p", "")
	require.NoError(t, d.queue.MarkMerged("loop-1", "abc"))

	err := d.Merge(context.Background(), "loop-1", false)
	require.NotNil(t, err)
	assert.Equal(t, "PRECONDITION_FAILED", string(err.Code))
}

func TestMergeRejectsMergingWithoutForce(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir, 5000, &fakeWorker{})
	d.queue.Enqueue("loop-1", "p", "")
	require.NoError(t, d.queue.MarkMerging("loop-1", 1))

	err := d.Merge(context.Background(), "loop-1", false)
	require.NotNil(t, err)
}

func TestMergeButtonStateActiveWhenNeedsReview(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir, 5000, &fakeWorker{})
	d.queue.Enqueue("loop-1", "p", "")
	require.NoError(t, d.queue.MarkNeedsReview("loop-1"))

	result, err := d.MergeButtonState("loop-1")
	require.Nil(t, err)
	assert.True(t, result.Enabled)
}

func TestMergeButtonStateBlockedWhenQueued(t *testing.T) {
	dir := t.TempDir()
	d := NewDomain(dir, 5000, &fakeWorker{})
	d.queue.Enqueue("loop-1", "p", "")

	result, err := d.MergeButtonState("loop-1")
	require.Nil(t, err)
	assert.False(t, result.Enabled)
}

func TestRetryRequiresNeedsReviewState(t *testing.T) {
	dir := t.TempDir()
	worker := &fakeWorker{}
	d := NewDomain(dir, 5000, worker)
	d.queue.Enqueue("loop-1", "p", "")

	err := d.Retry(context.Background(), "loop-1", "")
	require.NotNil(t, err)
	assert.Empty(t, worker.calls)
}

func TestRetryInvokesWorkerWhenNeedsReview(t *testing.T) {
	dir := t.TempDir()
	worker := &fakeWorker{}
	d := NewDomain(dir, 5000, worker)
	d.queue.Enqueue("loop-1", "p", "")
	require.NoError(t, d.queue.MarkNeedsReview("loop-1"))

	err := d.Retry(context.Background(), "loop-1", "")
	require.Nil(t, err)
	require.Len(t, worker.calls, 1)
	assert.Equal(t, []string{"loops", "retry", "loop-1"}, worker.calls[0])
}

func TestProcessSkipsWorkerWhenQueueEmpty(t *testing.T) {
	dir := t.TempDir()
	worker := &fakeWorker{}
	d := NewDomain(dir, 5000, worker)

	err := d.Process(context.Background())
	require.Nil(t, err)
	assert.Empty(t, worker.calls)
	assert.NotNil(t, d.lastProcessedAt)
}
