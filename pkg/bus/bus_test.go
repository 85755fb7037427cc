package bus

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foreman/test/util"
)

func newTestBus(t *testing.T) *Bus {
	db, connStr := util.SetupTestDatabase(t)
	b := New(db.DB, connStr)

	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { b.Stop(context.Background()) })
	return b
}

func waitFor(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case payload := <-ch:
		return payload
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	require.NoError(t, b.Subscribe(ctx, "task_result", func(_ string, payload []byte) {
		received <- payload
	}))

	msg := map[string]string{"taskId": "t1", "agentId": "a1"}
	require.NoError(t, b.Publish(ctx, "task_result", msg))

	payload := waitFor(t, received)
	assert.Contains(t, string(payload), `"taskId":"t1"`)
}

func TestOversizedPayloadRefetchedFromEventLog(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	require.NoError(t, b.Subscribe(ctx, "task_result", func(_ string, payload []byte) {
		received <- payload
	}))

	// Well past the NOTIFY payload cap; subscribers must still see the
	// full message via the event log.
	big := map[string]string{"taskId": "t1", "blob": strings.Repeat("x", 20000)}
	require.NoError(t, b.Publish(ctx, "task_result", big))

	payload := waitFor(t, received)
	assert.Greater(t, len(payload), notifyLimit)
	assert.Contains(t, string(payload), `"taskId":"t1"`)
}

func TestPublishTransientRejectsOversized(t *testing.T) {
	b := newTestBus(t)
	err := b.PublishTransient(context.Background(), "agent_toolcall",
		map[string]string{"blob": strings.Repeat("x", 20000)})
	assert.Error(t, err)
}

func TestPerChannelOrderingPreserved(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	received := make(chan []byte, 16)
	require.NoError(t, b.Subscribe(ctx, "agent_heartbeat", func(_ string, payload []byte) {
		received <- payload
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "agent_heartbeat",
			map[string]int{"seq": i}))
	}

	for i := 0; i < 5; i++ {
		payload := waitFor(t, received)
		assert.Contains(t, string(payload), fmt.Sprintf(`"seq":%d`, i))
	}
}

func TestQueuePriorityOrdering(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	// Submitted normal, high, critical; drains critical, high, normal.
	require.NoError(t, b.Enqueue(ctx, "t1", 20))
	require.NoError(t, b.Enqueue(ctx, "t2", 30))
	require.NoError(t, b.Enqueue(ctx, "t3", 40))

	for _, want := range []string{"t3", "t2", "t1"} {
		got, err := b.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := b.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "first", 20))
	time.Sleep(10 * time.Millisecond) // distinct queued_at
	require.NoError(t, b.Enqueue(ctx, "second", 20))

	got, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", got)
}

func TestQueueRemoveAndPosition(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "t1", 40))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.Enqueue(ctx, "t2", 20))

	pos, err := b.QueuePosition(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	removed, err := b.RemoveQueued(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = b.RemoveQueued(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, removed)

	n, err := b.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEventsSinceReturnsHistory(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, "task_result", map[string]int{"seq": i}))
	}

	events, err := b.EventsSince(ctx, "task_result", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Contains(t, string(events[0].Payload), `"seq":0`)
	assert.Contains(t, string(events[2].Payload), `"seq":2`)

	// Catch-up from the middle of the stream.
	later, err := b.EventsSince(ctx, "task_result", events[0].ID, 10)
	require.NoError(t, err)
	assert.Len(t, later, 2)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	received := make(chan []byte, 4)
	require.NoError(t, b.Subscribe(ctx, "agent_status", func(_ string, payload []byte) {
		received <- payload
	}))
	require.NoError(t, b.Publish(ctx, "agent_status", map[string]string{"n": "1"}))
	waitFor(t, received)

	require.NoError(t, b.Unsubscribe(ctx, "agent_status"))
	require.NoError(t, b.Publish(ctx, "agent_status", map[string]string{"n": "2"}))

	select {
	case payload := <-received:
		t.Fatalf("unexpected delivery after unsubscribe: %s", payload)
	case <-time.After(500 * time.Millisecond):
	}
}
