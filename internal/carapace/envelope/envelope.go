// Package envelope defines the wire message the container is allowed to send
// and the host-constructed envelope that carries it through the pipeline.
//
// The split between the two types is the trust boundary: WireMessage has no
// field for identity, group, or timestamp, so a container cannot smuggle
// those values in even if it knows their JSON names.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fred-drake/carapace/internal/carapace/redact"
)

// ProtocolVersion is the only version this host accepts on internal paths.
const ProtocolVersion = 1

// Type identifies the kind of envelope.
type Type string

const (
	TypeEvent    Type = "event"
	TypeRequest  Type = "request"
	TypeResponse Type = "response"
)

// WireMessage is the only shape a container may send. It intentionally has
// no id, source, group, timestamp, version, or type field: those do not
// exist in this struct, so json.Unmarshal cannot populate them even if an
// adversarial payload includes those keys under any name.
type WireMessage struct {
	Topic       string          `json:"topic"`
	Correlation string          `json:"correlation,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

// ParseWireMessage decodes raw bytes into a WireMessage. It uses a decoder
// with DisallowUnknownFields so that any attempt to add identity-looking
// keys at the top level is rejected outright rather than silently dropped.
func ParseWireMessage(raw []byte) (WireMessage, error) {
	var msg WireMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return WireMessage{}, fmt.Errorf("envelope: decode wire message: %w", err)
	}
	return msg, nil
}

// Payload is the host-owned wrapper around container data. Exactly one of
// the three shapes is populated depending on Type.
type Payload struct {
	// Arguments is set for TypeRequest; copied verbatim from the wire.
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// Result and Error are set for TypeResponse.
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	// Event carries arbitrary structured data for TypeEvent.
	Event json.RawMessage `json:"event,omitempty"`
}

// Error is a pipeline-facing error attached to a response envelope.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Stage      int    `json:"stage"`
	Retriable  bool   `json:"retriable"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Envelope is the full, host-constructed message. Every identity field here
// is filled exclusively from trusted host state (see Construct).
type Envelope struct {
	ID          string  `json:"id"`
	Version     int     `json:"version"`
	Type        Type    `json:"type"`
	Topic       string  `json:"topic"`
	Source      string  `json:"source"`
	Correlation string  `json:"correlation,omitempty"`
	Timestamp   string  `json:"timestamp"`
	Group       string  `json:"group"`
	Payload     Payload `json:"payload"`
}

// SessionContext is the trusted host state stage 1 draws identity from. It
// is produced by the session manager, never by the wire.
type SessionContext struct {
	SessionID string
	Group     string
	Source    string // container id
}

// Construct builds the trusted envelope for a request. Only Topic,
// Correlation, and Arguments are taken from msg; every other field comes
// from sess. now is injected so construction is deterministic and testable.
func Construct(msg WireMessage, sess SessionContext, now time.Time) Envelope {
	return Envelope{
		ID:          uuid.NewString(),
		Version:     ProtocolVersion,
		Type:        TypeRequest,
		Topic:       msg.Topic,
		Source:      sess.Source,
		Correlation: msg.Correlation,
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
		Group:       sess.Group,
		Payload:     Payload{Arguments: msg.Arguments},
	}
}

// NewEvent builds a host-originated event envelope with no correlation.
func NewEvent(topic string, source string, group string, payload json.RawMessage, now time.Time) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Version:   ProtocolVersion,
		Type:      TypeEvent,
		Topic:     topic,
		Source:    source,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Group:     group,
		Payload:   Payload{Event: payload},
	}
}

// NewErrorResponse builds a response envelope carrying a pipeline error.
// message is passed through redact.String, so credential patterns in it are
// replaced before the response leaves the host.
func NewErrorResponse(req Envelope, errCode string, message string, stage int, retriable bool, retryAfter float64, now time.Time) Envelope {
	return Envelope{
		ID:          uuid.NewString(),
		Version:     ProtocolVersion,
		Type:        TypeResponse,
		Topic:       req.Topic,
		Source:      req.Source,
		Correlation: req.Correlation,
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
		Group:       req.Group,
		Payload: Payload{
			Error: &Error{
				Code:       errCode,
				Message:    redact.String(message),
				Stage:      stage,
				Retriable:  retriable,
				RetryAfter: retryAfter,
			},
		},
	}
}

// NewOKResponse builds a successful response envelope.
func NewOKResponse(req Envelope, result json.RawMessage, now time.Time) Envelope {
	return Envelope{
		ID:          uuid.NewString(),
		Version:     ProtocolVersion,
		Type:        TypeResponse,
		Topic:       req.Topic,
		Source:      req.Source,
		Correlation: req.Correlation,
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
		Group:       req.Group,
		Payload:     Payload{Result: result},
	}
}
