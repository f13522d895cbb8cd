// Package bus defines the event bus port used exclusively by the
// dispatcher to drain the transactional outbox (SPEC_FULL.md §4.6). No
// other component publishes to the bus — mutators only ever write an
// outbox row.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the JSON document published to the bus, matching spec.md
// §6.3 exactly.
type Envelope struct {
	EventID   uuid.UUID       `json:"eventId"`
	EventType string          `json:"eventType"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	TenantID  uuid.UUID       `json:"tenantId"`
	Data      EnvelopeData    `json:"data"`
}

// EnvelopeData is the nested `data` object of Envelope.
type EnvelopeData struct {
	ObjectID       uuid.UUID       `json:"objectId"`
	ObjectTypeCode string          `json:"objectTypeCode"`
	ObjectCode     string          `json:"objectCode"`
	Status         string          `json:"status"`
	Version        int64           `json:"version"`
	Payload        json.RawMessage `json:"payload"`
}

// Marshal renders the envelope as the outbox row's payload.
func (e *Envelope) Marshal() (json.RawMessage, error) {
	return json.Marshal(e)
}

// RelationshipEnvelope is the published value for relationship.created and
// relationship.deleted events. Its top-level shape mirrors Envelope; §6.3
// only specifies the object envelope's data fields, so RelationshipData is
// an extension rather than a literal section of the wire format.
type RelationshipEnvelope struct {
	EventID   uuid.UUID        `json:"eventId"`
	EventType string           `json:"eventType"`
	Timestamp time.Time        `json:"timestamp"`
	Source    string           `json:"source"`
	Data      RelationshipData `json:"data"`
}

// RelationshipData is the nested `data` object of RelationshipEnvelope.
type RelationshipData struct {
	SourceID uuid.UUID `json:"sourceId"`
	TargetID uuid.UUID `json:"targetId"`
	RelType  string    `json:"relType"`
	Active   bool      `json:"active"`
}

// Marshal renders the envelope as the outbox row's payload.
func (e *RelationshipEnvelope) Marshal() (json.RawMessage, error) {
	return json.Marshal(e)
}

// Bus publishes a single (topic, key, payload) triple and reports where it
// landed, or a classified error. Implementations must key every publish on
// the aggregate id so a broker partition receives one aggregate's full
// stream in order (spec.md §4.6's ordering guarantee).
type Bus interface {
	Publish(ctx context.Context, topic, key string, payload []byte) (partition int32, offset int64, err error)
}
