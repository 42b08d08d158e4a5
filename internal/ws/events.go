package ws

import (
	"context"
	"time"

	"studybuddy-chat/internal/observability"
)

const routingKey = "ws_events.chats"

func publishConnEvent(ctx context.Context, event string, info ConnInfo, reason string) {
	var duration int64
	if event != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	_ = observability.PublishEvent(ctx, routingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        "chat",
				"resource_id": info.ChatID.String(),
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": duration,
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID.String(),
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
	observability.IncWSEvent("chat", event)
}
