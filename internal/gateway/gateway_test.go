package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openacd/agentcore/internal/apierr"
	"github.com/openacd/agentcore/internal/models"
)

func testConfig() Config {
	return Config{
		FlushWindow:         20 * time.Millisecond,
		PollLivenessTimeout: 100 * time.Millisecond,
		KeepAliveTick:       10 * time.Millisecond,
	}
}

func newTestGateway(t *testing.T) (*Gateway, chan struct{}) {
	t.Helper()
	missed := make(chan struct{}, 1)
	g := New("alice", testConfig(), func() {
		select {
		case missed <- struct{}{}:
		default:
		}
	})
	go g.Run()
	t.Cleanup(g.Stop)
	return g, missed
}

func TestPollDrainsBufferedEventsImmediately(t *testing.T) {
	g, _ := newTestGateway(t)
	g.Push(models.Event{Command: models.EventAgentState, Payload: map[string]any{"state": "idle"}})

	// Give the push a moment to land before polling, since Push is
	// asynchronous with respect to the caller.
	time.Sleep(5 * time.Millisecond)

	outcome := g.Poll()
	require.Nil(t, outcome.Err)
	require.Len(t, outcome.Events, 1)
	assert.Equal(t, models.EventAgentState, outcome.Events[0].Command)
}

func TestPollWaitsThenFlushWindowDelivers(t *testing.T) {
	g, _ := newTestGateway(t)

	done := make(chan PollOutcome, 1)
	go func() { done <- g.Poll() }()
	time.Sleep(5 * time.Millisecond) // ensure the waiter registers first

	g.Push(models.Event{Command: models.EventAgentProfile, Payload: map[string]any{"profile": "sales"}})

	select {
	case outcome := <-done:
		require.Nil(t, outcome.Err)
		require.Len(t, outcome.Events, 1)
		assert.Equal(t, "sales", outcome.Events[0].Payload["profile"])
	case <-time.After(time.Second):
		t.Fatal("poll never returned")
	}
}

func TestSecondPollEvictsFirstWithPollReplaced(t *testing.T) {
	g, _ := newTestGateway(t)

	first := make(chan PollOutcome, 1)
	go func() { first <- g.Poll() }()
	time.Sleep(5 * time.Millisecond)

	second := make(chan PollOutcome, 1)
	go func() { second <- g.Poll() }()

	select {
	case outcome := <-first:
		require.NotNil(t, outcome.Err)
		assert.Equal(t, apierr.CodePollReplaced, outcome.Err.Code)
	case <-time.After(time.Second):
		t.Fatal("evicted poll never returned")
	}

	_ = second
}

func TestIdleWaiterReceivesSyntheticPong(t *testing.T) {
	g, _ := newTestGateway(t)

	done := make(chan PollOutcome, 1)
	go func() { done <- g.Poll() }()

	select {
	case outcome := <-done:
		require.Nil(t, outcome.Err)
		require.Len(t, outcome.Events, 1)
		assert.Equal(t, models.EventPong, outcome.Events[0].Command)
	case <-time.After(time.Second):
		t.Fatal("expected a synthetic pong after the liveness window")
	}
}

func TestMissedPollsTerminatesSession(t *testing.T) {
	g, missed := newTestGateway(t)
	_ = g

	select {
	case <-missed:
	case <-time.After(time.Second):
		t.Fatal("expected onMissedPolls to fire")
	}
}

func TestBlabTextIsSanitized(t *testing.T) {
	g, _ := newTestGateway(t)
	g.Push(models.Event{Command: models.EventBlab, Payload: map[string]any{"text": "<script>alert(1)</script>hello"}})
	time.Sleep(5 * time.Millisecond)

	outcome := g.Poll()
	require.Nil(t, outcome.Err)
	require.Len(t, outcome.Events, 1)
	assert.NotContains(t, outcome.Events[0].Payload["text"], "<script>")
}
