package notify

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []string
}

func (r *recorder) Broadcast(_ context.Context, event string, _ any) {
	r.events = append(r.events, event)
}

func TestMultiFansOut(t *testing.T) {
	first, second := &recorder{}, &recorder{}
	Multi{first, nil, second, Nop{}}.Broadcast(context.Background(), "job_queued", map[string]string{"id": "1"})

	assert.Equal(t, []string{"job_queued"}, first.events)
	assert.Equal(t, []string{"job_queued"}, second.events)
}

func TestHubDeliversToWebsocketClient(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(context.Background(), "job_progress", map[string]any{"job_id": "abc", "progress": 42})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)

	var event struct {
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(message, &event))
	assert.Equal(t, "job_progress", event.Event)
	assert.Equal(t, "abc", event.Payload["job_id"])
	assert.EqualValues(t, 42, event.Payload["progress"])
}

func TestHubForgetsDisconnectedClient(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Broadcasting with no subscribers is a no-op.
	hub.Broadcast(context.Background(), "job_failed", nil)
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "intake:events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	NewRedisPublisher(client, "intake:events", nil).Broadcast(ctx, "job_completed", map[string]string{
		"job_id": "j1",
		"error":  "row 4: 8001015009087 already registered",
	})

	select {
	case msg := <-sub.Channel():
		var event Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
		assert.Equal(t, "job_completed", event.Name)
		assert.False(t, event.Timestamp.IsZero())
		assert.NotContains(t, msg.Payload, "8001015009087")
		assert.Contains(t, msg.Payload, "**********087")
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}
}

func TestRedisPublisherSurvivesClosedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, client.Close())

	assert.NotPanics(t, func() {
		NewRedisPublisher(client, "", nil).Broadcast(context.Background(), "job_failed", nil)
	})
}
