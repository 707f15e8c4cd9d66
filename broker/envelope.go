package broker

import (
	"time"

	idspkg "github.com/drblury/fanflow/internal/runtime/ids"
)

// Envelope is the immutable unit of data flowing through fanflow: an opaque
// payload plus filterable string attributes, stamped with a ULID and a
// publish timestamp when it is constructed. Once published, ID, Attributes,
// and Payload never change; only queue-side delivery state (receipt,
// receive count) varies per queue.
type Envelope struct {
	ID          string
	Attributes  map[string]string
	Payload     []byte
	PublishedAt time.Time
}

// NewEnvelope validates and builds an Envelope, assigning its ID and
// PublishedAt. The payload must be non-empty and attribute keys must be
// non-empty strings; violations return an InvalidMessageError. The payload
// and attribute map are copied so later caller mutations cannot leak in.
func NewEnvelope(payload []byte, attributes map[string]string) (Envelope, error) {
	if len(payload) == 0 {
		return Envelope{}, &InvalidMessageError{Reason: "payload must not be empty"}
	}
	for key := range attributes {
		if key == "" {
			return Envelope{}, &InvalidMessageError{Reason: "attribute keys must not be empty"}
		}
	}

	body := make([]byte, len(payload))
	copy(body, payload)

	var attrs map[string]string
	if len(attributes) > 0 {
		attrs = make(map[string]string, len(attributes))
		for k, v := range attributes {
			attrs[k] = v
		}
	}

	return Envelope{
		ID:          idspkg.CreateULID(),
		Attributes:  attrs,
		Payload:     body,
		PublishedAt: time.Now().UTC(),
	}, nil
}

// Clone returns a deep copy of the envelope. Fan-out hands each subscriber a
// logical copy so no queue can observe another's delivery state.
func (e Envelope) Clone() Envelope {
	cloned := Envelope{
		ID:          e.ID,
		PublishedAt: e.PublishedAt,
	}
	if len(e.Payload) > 0 {
		cloned.Payload = make([]byte, len(e.Payload))
		copy(cloned.Payload, e.Payload)
	}
	if len(e.Attributes) > 0 {
		cloned.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			cloned.Attributes[k] = v
		}
	}
	return cloned
}
