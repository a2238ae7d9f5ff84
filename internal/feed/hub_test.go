package feed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/crawlwatch/internal/domain"
)

func startHub(t *testing.T, buffer int) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(buffer)
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func receive(t *testing.T, sub *Subscriber) domain.Change {
	t.Helper()
	select {
	case data, ok := <-sub.Send:
		require.True(t, ok, "subscriber closed")
		var msg ChangeMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, TypeChange, msg.Type)
		return msg.Change
	case <-time.After(time.Second):
		t.Fatal("no change received")
		return domain.Change{}
	}
}

func assertNothing(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case data := <-sub.Send:
		t.Fatalf("unexpected message: %s", data)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHubFanOutByScope(t *testing.T) {
	h := startHub(t, 8)

	runs := h.NewSubscriber(Scope{Collection: domain.CollectionRuns})
	allPages := h.NewSubscriber(Scope{Collection: domain.CollectionPages})
	r1Pages := h.NewSubscriber(Scope{Collection: domain.CollectionPages, RunID: "R1"})
	r2Pages := h.NewSubscriber(Scope{Collection: domain.CollectionPages, RunID: "R2"})
	for _, s := range []*Subscriber{runs, allPages, r1Pages, r2Pages} {
		require.True(t, h.Register(s))
	}
	assert.Equal(t, 4, h.GetConnectionCount())
	assert.Equal(t, 4, h.GetScopeCount())

	h.Publish(domain.Change{Collection: domain.CollectionPages, Operation: domain.OperationInsert, EntityID: "p1", ParentID: "R1"})
	h.Publish(domain.Change{Collection: domain.CollectionRuns, Operation: domain.OperationUpdate, EntityID: "R1"})

	first := receive(t, allPages)
	assert.Equal(t, "p1", first.EntityID)
	assert.Len(t, first.EventID, 26)
	assert.Equal(t, first.EventID, receive(t, r1Pages).EventID)
	second := receive(t, runs)
	assert.Equal(t, "R1", second.EntityID)
	assert.Greater(t, second.EventID, first.EventID)
	assertNothing(t, r2Pages)
	assertNothing(t, runs)
}

func TestHubUnregisterClosesSend(t *testing.T) {
	h := startHub(t, 8)
	sub := h.NewSubscriber(Scope{Collection: domain.CollectionRuns})
	require.True(t, h.Register(sub))

	h.Unregister(sub)
	_, ok := <-sub.Send
	assert.False(t, ok)
	assert.Zero(t, h.GetConnectionCount())
	assert.Zero(t, h.GetScopeCount())

	// Unregistering twice is harmless.
	h.Unregister(sub)
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	h := startHub(t, 2)
	slow := h.NewSubscriber(Scope{Collection: domain.CollectionRuns})
	require.True(t, h.Register(slow))

	for i := 0; i < 3; i++ {
		h.Publish(domain.Change{Collection: domain.CollectionRuns, Operation: domain.OperationInsert, EntityID: "R"})
	}

	require.Eventually(t, func() bool { return h.GetConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
	n := 0
	for range slow.Send {
		n++
	}
	assert.Equal(t, 2, n)
}

func TestHubStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(4)
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	sub := h.NewSubscriber(Scope{Collection: domain.CollectionRuns})
	require.True(t, h.Register(sub))
	cancel()
	<-done

	_, ok := <-sub.Send
	assert.False(t, ok)
	assert.False(t, h.Register(h.NewSubscriber(Scope{Collection: domain.CollectionRuns})))
	h.Publish(domain.Change{Collection: domain.CollectionRuns})
}
