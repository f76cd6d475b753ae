package ws

import (
	"context"
	"time"

	"chat-realtime/internal/observability"
)

const (
	kindChat   = "chat"
	kindStatus = "status"
	kindSearch = "search"
)

func wsRoutingKey(kind string) string {
	switch kind {
	case kindStatus:
		return "ws_events.status"
	case kindSearch:
		return "ws_events.search"
	default:
		return "ws_events.chats"
	}
}

// publishLifecycle emits a ws_connect / ws_disconnect / ws_error event for
// conn and bumps the matching counter.
func publishLifecycle(ctx context.Context, conn *Connection, event, reason string) {
	info := conn.Info()
	var duration int64
	if event != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}

	resourceID := info.ChatID
	if info.Kind != kindChat {
		resourceID = info.UserID
	}

	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        info.Kind,
			"resource_id": resourceID,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": duration,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	_ = observability.PublishEvent(context.WithoutCancel(ctx), wsRoutingKey(info.Kind), observability.NewEventEnvelope("ws_events", event, payload), headers)
	observability.IncWSEvent(info.Kind, event)
}
