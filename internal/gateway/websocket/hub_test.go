package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dork/dork/internal/common/logger"
	"github.com/dork/dork/internal/events/bus"
)

func newTestClient(id string) *Client {
	return &Client{
		ID:     id,
		send:   make(chan []byte, 8),
		logger: logger.Default(),
	}
}

func startHub(t *testing.T, feed bus.EventBus) *Hub {
	t.Helper()
	hub := NewHub(feed, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func recvFrame(t *testing.T, c *Client) *bus.Event {
	t.Helper()
	select {
	case data := <-c.send:
		var ev bus.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		return &ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed frame")
		return nil
	}
}

func TestHubBroadcastsFeedEvents(t *testing.T) {
	feed := bus.NewMemoryEventBus(nil)
	defer feed.Close()
	hub := startHub(t, feed)

	c1 := newTestClient("c1")
	c2 := newTestClient("c2")
	hub.Register(c1)
	hub.Register(c2)
	waitForClients(t, hub, 2)

	err := feed.Publish(context.Background(), "feed.pulse.run.started",
		bus.NewEvent("pulse.run.started", "pulse", map[string]interface{}{"runId": "r1"}))
	require.NoError(t, err)

	for _, c := range []*Client{c1, c2} {
		ev := recvFrame(t, c)
		assert.Equal(t, "feed.pulse.run.started", ev.Subject)
		assert.Equal(t, "pulse", ev.Source)
		assert.Equal(t, "r1", ev.Data["runId"])
	}
}

func TestHubIgnoresNonFeedSubjects(t *testing.T) {
	feed := bus.NewMemoryEventBus(nil)
	defer feed.Close()
	hub := startHub(t, feed)

	c := newTestClient("c1")
	hub.Register(c)
	waitForClients(t, hub, 1)

	require.NoError(t, feed.Publish(context.Background(), "relay.agent.x",
		bus.NewEvent("signal", "relay", nil)))
	require.NoError(t, feed.Publish(context.Background(), "feed.session.created",
		bus.NewEvent("session.created", "session", nil)))

	ev := recvFrame(t, c)
	assert.Equal(t, "feed.session.created", ev.Subject)
}

func TestClientFiltersNarrowTheFeed(t *testing.T) {
	feed := bus.NewMemoryEventBus(nil)
	defer feed.Close()
	hub := startHub(t, feed)

	c := newTestClient("c1")
	c.filters = []string{"feed.pulse.>"}
	hub.Register(c)
	waitForClients(t, hub, 1)

	require.NoError(t, feed.Publish(context.Background(), "feed.session.created",
		bus.NewEvent("session.created", "session", nil)))
	require.NoError(t, feed.Publish(context.Background(), "feed.pulse.run.done",
		bus.NewEvent("pulse.run.done", "pulse", nil)))

	ev := recvFrame(t, c)
	assert.Equal(t, "feed.pulse.run.done", ev.Subject)
}

func TestWantsMatching(t *testing.T) {
	c := newTestClient("c1")
	assert.True(t, c.wants("feed.anything.at.all"))

	c.filters = []string{"feed.mesh.*", "feed.relay.>"}
	assert.True(t, c.wants("feed.mesh.health"))
	assert.False(t, c.wants("feed.mesh.health.deep"))
	assert.True(t, c.wants("feed.relay.delivered.deep"))
	assert.False(t, c.wants("feed.pulse.run"))
}

func TestUnregisterClosesSend(t *testing.T) {
	feed := bus.NewMemoryEventBus(nil)
	defer feed.Close()
	hub := startHub(t, feed)

	c := newTestClient("c1")
	hub.Register(c)
	waitForClients(t, hub, 1)

	hub.Unregister(c)
	waitForClients(t, hub, 0)

	select {
	case _, ok := <-c.send:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("send channel was not closed")
	}
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for hub.ClientCount() != n {
		select {
		case <-deadline:
			t.Fatalf("hub never reached %d clients", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
