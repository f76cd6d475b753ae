package observability

import "time"

// EventEnvelope wraps ws lifecycle events published to the broker.
type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	Service    string      `json:"service"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

func NewEventEnvelope(eventType, eventName string, payload interface{}) EventEnvelope {
	return EventEnvelope{
		EventType:  eventType,
		EventName:  eventName,
		Service:    ServiceName,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// BuildHeaders returns the broker headers that correlate an event with its
// request and trace.
func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" && traceID != "00000000000000000000000000000000" {
		headers["trace_id"] = traceID
	}
	return headers
}
