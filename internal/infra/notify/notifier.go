// Package notify publishes recovery lifecycle events to observers.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	redisclient "github.com/tdnguyen/remedy/internal/infra/redis"
)

// EventType identifies a recovery lifecycle event.
type EventType string

const (
	EventRecoveryStarted   EventType = "recovery_started"
	EventRecoveryCompleted EventType = "recovery_completed"
	EventWorkspaceDegraded EventType = "workspace_degraded"
	EventWorkspaceRestored EventType = "workspace_restored"
)

// Event is the payload delivered to observers.
type Event struct {
	Type        EventType         `json:"type"`
	WorkspaceID string            `json:"workspace_id"`
	Reason      string            `json:"reason,omitempty"`
	Summary     map[string]int    `json:"summary,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	EmittedAt   time.Time         `json:"emitted_at"`
}

// Notifier delivers events to the notification layer. Delivery is best
// effort; a failed publish never fails a recovery operation.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// RedisNotifier publishes events as JSON on a redis channel.
type RedisNotifier struct {
	client  *redisclient.Client
	channel string
	log     *slog.Logger
}

// NewRedisNotifier creates a notifier publishing on the given channel.
func NewRedisNotifier(client *redisclient.Client, channel string, log *slog.Logger) *RedisNotifier {
	if channel == "" {
		channel = "recovery_events"
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisNotifier{client: client, channel: channel, log: log}
}

func (n *RedisNotifier) Notify(ctx context.Context, ev Event) {
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("Failed to encode event", "type", ev.Type, "error", err)
		return
	}
	if err := n.client.Publish(ctx, n.channel, payload); err != nil {
		n.log.Warn("Failed to publish event", "type", ev.Type, "workspace", ev.WorkspaceID, "error", err)
	}
}

// LogNotifier logs events instead of publishing them. Used when redis
// is not configured.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, ev Event) {
	n.log.Info("Recovery event", "type", ev.Type, "workspace", ev.WorkspaceID, "reason", ev.Reason)
}
