package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func TestCreateDefaultsToOpenAndAutoRuns(t *testing.T) {
	d := NewDomain(nil, fixedClock(time.Unix(1000, 0).UTC()))
	created, err := d.Create(CreateInput{ID: "a", Title: "first"})
	require.Nil(t, err)
	assert.Equal(t, StatusPending, created.Status)
	assert.NotEmpty(t, created.QueuedTaskID)
	assert.Equal(t, 2, created.Priority)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	d := NewDomain(nil, nil)
	_, err := d.Create(CreateInput{ID: "a", Title: "first"})
	require.Nil(t, err)
	_, err = d.Create(CreateInput{ID: "a", Title: "second"})
	require.NotNil(t, err)
}

func TestCreateRejectsAutoExecuteWithNonOpenStatus(t *testing.T) {
	d := NewDomain(nil, nil)
	closed := StatusClosed
	_, err := d.Create(CreateInput{ID: "a", Title: "first", Status: &closed})
	require.NotNil(t, err)
}

func TestCreateWithoutAutoExecuteStaysOpen(t *testing.T) {
	d := NewDomain(nil, nil)
	no := false
	created, err := d.Create(CreateInput{ID: "a", Title: "first", AutoExecute: &no})
	require.Nil(t, err)
	assert.Equal(t, StatusOpen, created.Status)
}

func TestPriorityIsClamped(t *testing.T) {
	d := NewDomain(nil, nil)
	no := false
	high := 99
	created, err := d.Create(CreateInput{ID: "a", Title: "x", AutoExecute: &no, Priority: &high})
	require.Nil(t, err)
	assert.Equal(t, 5, created.Priority)
}

func TestReadySetRespectsDependency(t *testing.T) {
	d := NewDomain(nil, nil)
	no := false
	_, err := d.Create(CreateInput{ID: "A", Title: "a", AutoExecute: &no})
	require.Nil(t, err)
	_, err = d.Create(CreateInput{ID: "B", Title: "b", AutoExecute: &no, BlockedBy: "A"})
	require.Nil(t, err)

	ready := d.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "A", ready[0].ID)

	_, cerr := d.Close("A")
	require.Nil(t, cerr)

	ready = d.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "B", ready[0].ID)
}

func TestRunRejectsArchivedTask(t *testing.T) {
	d := NewDomain(nil, nil)
	no := false
	_, err := d.Create(CreateInput{ID: "a", Title: "x", AutoExecute: &no})
	require.Nil(t, err)
	_, aerr := d.Archive("a")
	require.Nil(t, aerr)

	_, rerr := d.Run("a")
	require.NotNil(t, rerr)
}

func TestRunRejectsAlreadyQueued(t *testing.T) {
	d := NewDomain(nil, nil)
	_, err := d.Create(CreateInput{ID: "a", Title: "x"})
	require.Nil(t, err)
	_, rerr := d.Run("a")
	require.NotNil(t, rerr)
}

func TestRetryRequiresFailedStatus(t *testing.T) {
	d := NewDomain(nil, nil)
	no := false
	_, err := d.Create(CreateInput{ID: "a", Title: "x", AutoExecute: &no})
	require.Nil(t, err)
	_, rerr := d.Retry("a")
	require.NotNil(t, rerr)
}

func TestRetryResetsAndRequeues(t *testing.T) {
	d := NewDomain(nil, nil)
	_, err := d.Create(CreateInput{ID: "a", Title: "x"})
	require.Nil(t, err)
	_, cerr := d.Cancel("a")
	require.Nil(t, cerr)

	result, rerr := d.Retry("a")
	require.Nil(t, rerr)
	assert.Equal(t, StatusPending, result.Task.Status)
}

func TestCancelRequiresQueuedStatus(t *testing.T) {
	d := NewDomain(nil, nil)
	no := false
	_, err := d.Create(CreateInput{ID: "a", Title: "x", AutoExecute: &no})
	require.Nil(t, err)
	_, cerr := d.Cancel("a")
	require.NotNil(t, cerr)
}

func TestCancelSetsErrorMessageAndCompletedAt(t *testing.T) {
	d := NewDomain(nil, nil)
	_, err := d.Create(CreateInput{ID: "a", Title: "x"})
	require.Nil(t, err)
	task, cerr := d.Cancel("a")
	require.Nil(t, cerr)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, "Task cancelled by user", task.ErrorMessage)
	assert.NotNil(t, task.CompletedAt)
	assert.Empty(t, task.QueuedTaskID)
}

func TestDeleteRequiresTerminalStatus(t *testing.T) {
	d := NewDomain(nil, nil)
	_, err := d.Create(CreateInput{ID: "a", Title: "x"})
	require.Nil(t, err)
	derr := d.Delete("a")
	require.NotNil(t, derr)

	_, cerr := d.Cancel("a")
	require.Nil(t, cerr)
	derr = d.Delete("a")
	require.Nil(t, derr)

	_, gerr := d.Get("a")
	require.NotNil(t, gerr)
}

func TestStatusReportsQueuePositionOrderedByUpdatedAt(t *testing.T) {
	d := NewDomain(nil, nil)
	_, err := d.Create(CreateInput{ID: "a", Title: "x"})
	require.Nil(t, err)
	time.Sleep(time.Millisecond)
	_, err = d.Create(CreateInput{ID: "b", Title: "y"})
	require.Nil(t, err)

	statusB, serr := d.Status("b")
	require.Nil(t, serr)
	require.NotNil(t, statusB.QueuePosition)
	assert.Equal(t, 1, *statusB.QueuePosition)
}

func TestUpdateClearsErrorMessageWhenStatusChangesAwayFromFailed(t *testing.T) {
	d := NewDomain(nil, nil)
	_, err := d.Create(CreateInput{ID: "a", Title: "x"})
	require.Nil(t, err)
	_, cerr := d.Cancel("a")
	require.Nil(t, cerr)

	open := StatusOpen
	updated, uerr := d.Update("a", UpdateInput{Status: &open})
	require.Nil(t, uerr)
	assert.Empty(t, updated.ErrorMessage)
	assert.Nil(t, updated.CompletedAt)
}

func TestRunAllEnqueuesEveryReadyTask(t *testing.T) {
	d := NewDomain(nil, nil)
	no := false
	_, err := d.Create(CreateInput{ID: "a", Title: "x", AutoExecute: &no})
	require.Nil(t, err)
	_, err = d.Create(CreateInput{ID: "b", Title: "y", AutoExecute: &no})
	require.Nil(t, err)

	result := d.RunAll()
	assert.EqualValues(t, 2, result.Enqueued)
	assert.Empty(t, result.Errors)
}
