package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(logr.Discard())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine, err := bus.Subscribe(ctx, "s-1")
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, "s-2")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, Event{SessionID: "s-1", Type: SessionStarted}))
	require.NoError(t, bus.Publish(ctx, Event{SessionID: "s-1", Type: PhaseChanged, Phase: "gathering", Iteration: 1}))
	require.NoError(t, bus.Publish(ctx, Event{SessionID: "s-1", Type: SessionFinished, Data: map[string]interface{}{"status": "completed"}}))

	assert.Equal(t, SessionStarted, receive(t, mine).Type)
	changed := receive(t, mine)
	assert.Equal(t, "gathering", changed.Phase)
	assert.Equal(t, 1, changed.Iteration)
	finished := receive(t, mine)
	assert.True(t, finished.Terminal())
	assert.Equal(t, "completed", finished.Data["status"])

	select {
	case event := <-other:
		t.Fatalf("unexpected event for another session: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_SubscriptionEndsWithContext(t *testing.T) {
	bus := NewBus(logr.Discard())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "s-1")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription was not closed")
	}
}

func TestBus_PublishWithoutSubscribers(t *testing.T) {
	bus := NewBus(logr.Discard())
	defer bus.Close()

	assert.NoError(t, bus.Publish(context.Background(), Event{SessionID: "nobody", Type: ToolResult}))
}

type recordingPublisher struct {
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(ctx context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestMulti(t *testing.T) {
	ok := &recordingPublisher{}
	failing := &recordingPublisher{err: errors.New("connection closed")}

	err := Multi{failing, ok, Nop{}}.Publish(context.Background(), Event{SessionID: "s-1", Type: ToolResult})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection closed")
	assert.Len(t, ok.events, 1, "a failing publisher must not stop the others")

	assert.NoError(t, Multi{ok}.Publish(context.Background(), Event{}))
	assert.NoError(t, Multi{}.Publish(context.Background(), Event{}))
}

func TestSubject(t *testing.T) {
	event := Event{SessionID: "3f1c.a b", Type: PhaseChanged}
	assert.Equal(t, "sage.sessions.3f1c_a_b.phase_changed", Subject(DefaultSubjectPrefix, event))
}

func TestNATSPublisher(t *testing.T) {
	url := os.Getenv("SAGE_TEST_NATS_URL")
	if url == "" {
		t.Skip("SAGE_TEST_NATS_URL not set")
	}

	pub, err := NewNATSPublisher(url, "")
	require.NoError(t, err)
	defer pub.Close()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync(DefaultSubjectPrefix + ".s-1.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, pub.Publish(context.Background(), Event{SessionID: "s-1", Type: SessionStarted}))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "sage.sessions.s-1.session_started", msg.Subject)

	var event Event
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, SessionStarted, event.Type)
}
