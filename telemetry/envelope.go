package telemetry

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/c360/envgate/errors"
	"github.com/c360/envgate/pkg/timestamp"
)

// Egress event types carried in Envelope.Type.
const (
	EventReadingRaw     = "reading.raw"
	EventReadingChanged = "reading.changed"
	EventStatus         = "status"
	EventHistory        = "history"
)

// Envelope wraps every payload leaving the gateway (NATS subjects,
// webhook POSTs, WebSocket frames). Timestamp is milliseconds since the
// Unix epoch.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload for egress. Source names the emitting
// component ("natspub", "webhook", "api-ws").
func NewEnvelope(eventType, source string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.WrapInvalid(err, "Envelope", "NewEnvelope", "marshal payload")
	}
	return Envelope{
		Type:      eventType,
		ID:        uuid.New().String(),
		Timestamp: timestamp.Now(),
		Source:    source,
		Payload:   data,
	}, nil
}
