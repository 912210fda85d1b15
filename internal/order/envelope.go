package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the current bus envelope schema version.
const EnvelopeVersion = 1

// ErrUnsupportedVersion is returned for envelopes from a newer schema.
var ErrUnsupportedVersion = errors.New("unsupported envelope version")

// Envelope is the versioned, tagged form of a Message used on the bus.
// ID lets subscribers drop duplicates delivered by gossip.
type Envelope struct {
	Version int      `json:"v"`
	ID      string   `json:"id"`
	Origin  string   `json:"origin,omitempty"`
	SentAt  int64    `json:"sent_at"`
	Message *Message `json:"msg"`
}

// NewEnvelope wraps a message for publication.
func NewEnvelope(origin string, m *Message) *Envelope {
	return &Envelope{
		Version: EnvelopeVersion,
		ID:      uuid.NewString(),
		Origin:  origin,
		SentAt:  time.Now().UnixMilli(),
		Message: m,
	}
}

// MarshalEnvelope validates and serializes an envelope.
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	if err := e.Message.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope parses and validates an envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if e.Version != EnvelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, e.Version)
	}
	if err := e.Message.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
