package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/tdnguyen/remedy/internal/infra/redis"
)

func TestRedisNotifier_PublishesJSON(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redisclient.NewClientFromAddr(mr.Addr())
	defer func() { _ = client.Close() }()

	// Raw subscriber on the same instance.
	sub := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer func() { _ = sub.Close() }()

	ctx := context.Background()
	pubsub := sub.Subscribe(ctx, "recovery_events")
	defer func() { _ = pubsub.Close() }()
	_, err = pubsub.Receive(ctx) // wait for the subscription to land
	require.NoError(t, err)

	n := NewRedisNotifier(client, "", nil)
	n.Notify(ctx, Event{
		Type:        EventWorkspaceDegraded,
		WorkspaceID: "ws-1",
		Reason:      "2 exhausted, 1 resolved by fallback",
	})

	select {
	case msg := <-pubsub.Channel():
		var got Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, EventWorkspaceDegraded, got.Type)
		assert.Equal(t, "ws-1", got.WorkspaceID)
		assert.Equal(t, "2 exhausted, 1 resolved by fallback", got.Reason)
		assert.False(t, got.EmittedAt.IsZero(), "timestamp must be stamped on publish")
	case <-time.After(2 * time.Second):
		t.Fatal("event never arrived on the channel")
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	n := NewLogNotifier(log)
	n.Notify(context.Background(), Event{
		Type:        EventRecoveryCompleted,
		WorkspaceID: "ws-1",
	})

	out := buf.String()
	assert.Contains(t, out, string(EventRecoveryCompleted))
	assert.Contains(t, out, "ws-1")
}
