package streambus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeRejectsEmptyTopics(t *testing.T) {
	b := New()
	_, err := b.Subscribe(SubscribeParams{}, "trusted_local")
	require.NotNil(t, err)
	assert.Equal(t, "INVALID_PARAMS", string(err.Code))
}

func TestSubscribeRejectsUnknownTopic(t *testing.T) {
	b := New()
	_, err := b.Subscribe(SubscribeParams{Topics: []string{"not.a.topic"}}, "trusted_local")
	require.NotNil(t, err)
}

func TestSubscribeThenPublishThenReplay(t *testing.T) {
	b := New()
	result, err := b.Subscribe(SubscribeParams{Topics: []string{"task.status.changed"}}, "trusted_local")
	require.Nil(t, err)

	b.Publish("task.status.changed", "task", "task-1", map[string]any{"to": "running"})
	b.Publish("task.status.changed", "task", "task-1", map[string]any{"to": "closed"})

	batch, err := b.ReplayForSubscription(result.SubscriptionID)
	require.Nil(t, err)
	require.Len(t, batch.Events, 2)
	assert.Equal(t, "replay", batch.Events[0].Replay.Mode)
}

func TestReplayFiltersByResourceID(t *testing.T) {
	b := New()
	result, err := b.Subscribe(SubscribeParams{
		Topics:  []string{"task.status.changed"},
		Filters: map[string]any{"taskId": "task-1"},
	}, "trusted_local")
	require.Nil(t, err)

	b.Publish("task.status.changed", "task", "task-1", map[string]any{"to": "running"})
	b.Publish("task.status.changed", "task", "task-2", map[string]any{"to": "running"})

	batch, err := b.ReplayForSubscription(result.SubscriptionID)
	require.Nil(t, err)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, "task-1", batch.Events[0].Resource.ID)
}

func TestUnsubscribeThenReplayReturnsNotFound(t *testing.T) {
	b := New()
	result, err := b.Subscribe(SubscribeParams{Topics: []string{"task.status.changed"}}, "trusted_local")
	require.Nil(t, err)

	require.Nil(t, b.Unsubscribe(result.SubscriptionID))

	_, err = b.ReplayForSubscription(result.SubscriptionID)
	require.NotNil(t, err)
	assert.Equal(t, "NOT_FOUND", string(err.Code))
}

func TestAckRejectsOlderCursor(t *testing.T) {
	b := New()
	result, err := b.Subscribe(SubscribeParams{Topics: []string{"task.status.changed"}}, "trusted_local")
	require.Nil(t, err)

	b.Publish("task.status.changed", "task", "task-1", map[string]any{})
	batch, err := b.ReplayForSubscription(result.SubscriptionID)
	require.Nil(t, err)
	require.Len(t, batch.Events, 1)

	require.Nil(t, b.Ack(result.SubscriptionID, batch.Events[0].Cursor))
	err = b.Ack(result.SubscriptionID, "0-0")
	require.NotNil(t, err)
	assert.Equal(t, "PRECONDITION_FAILED", string(err.Code))
}

func TestPublishRPCSideEffectTaskCreate(t *testing.T) {
	b := New()
	sub, err := b.Subscribe(SubscribeParams{Topics: []string{"task.status.changed"}}, "trusted_local")
	require.Nil(t, err)

	b.PublishRPCSideEffect("task.create", nil, map[string]any{
		"task": map[string]any{"id": "task-1", "status": "open"},
	})

	batch, err := b.ReplayForSubscription(sub.SubscriptionID)
	require.Nil(t, err)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, "task-1", batch.Events[0].Resource.ID)
}

func TestPublishIgnoresUnknownTopic(t *testing.T) {
	b := New()
	b.Publish("not.a.topic", "task", "task-1", nil)
	assert.Empty(t, b.history)
}

func TestSubscriptionPrincipalRoundTrips(t *testing.T) {
	b := New()
	result, err := b.Subscribe(SubscribeParams{Topics: []string{"task.status.changed"}}, "trusted_local")
	require.Nil(t, err)

	principal, ok := b.SubscriptionPrincipal(result.SubscriptionID)
	require.True(t, ok)
	assert.Equal(t, "trusted_local", principal)
}
