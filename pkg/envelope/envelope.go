// Package envelope defines the MEW envelope, the reserved kinds the gateway
// interprets, and the two wire framings envelopes travel in: one JSON
// envelope per WebSocket text frame, and Content-Length framed JSON for
// FIFO/stdio channels. Text frames that begin with '#' are stream data
// chunks and bypass JSON parsing entirely (see stream.go).
package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Protocol is the version tag stamped on every envelope this gateway emits.
// Inbound envelopes carrying a different non-empty value are rejected.
const Protocol = "mew/v0.4"

// GatewayParticipant is the sender id on gateway-authored envelopes.
const GatewayParticipant = "system:gateway"

// Reserved kinds (gateway-interpreted; all other kinds pass through).
const (
	KindSystemJoin      = "system/join"
	KindSystemWelcome   = "system/welcome"
	KindSystemPresence  = "system/presence"
	KindSystemRegister  = "system/register"
	KindSystemError     = "system/error"
	KindSystemHeartbeat = "system/heartbeat"

	KindCapabilityGrant    = "capability/grant"
	KindCapabilityRevoke   = "capability/revoke"
	KindCapabilityGrantAck = "capability/grant-ack"

	KindStreamRequest = "stream/request"
	KindStreamOpen    = "stream/open"
	KindStreamClose   = "stream/close"
)

// tsFormat renders ISO-8601 with millisecond precision, matching what
// participants produce.
const tsFormat = "2006-01-02T15:04:05.000Z07:00"

// Envelope is the unit of communication inside a space. Payload is
// kind-specific and free-form; the gateway forwards it untouched apart from
// capability matching and a handful of reserved-kind side effects.
type Envelope struct {
	Protocol      string         `json:"protocol,omitempty"`
	ID            string         `json:"id,omitempty"`
	Ts            string         `json:"ts,omitempty"`
	From          string         `json:"from,omitempty"`
	To            []string       `json:"to,omitempty"`
	Kind          string         `json:"kind"`
	CorrelationID CorrelationID  `json:"correlation_id,omitempty"`
	Context       string         `json:"context,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// CorrelationID is a sequence of envelope ids. Senders may provide a bare
// string; it unmarshals as a one-element sequence.
type CorrelationID []string

// UnmarshalJSON accepts either a JSON string or an array of strings.
func (c *CorrelationID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*c = CorrelationID{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*c = CorrelationID(list)
	return nil
}

// New returns a fully stamped gateway-authored envelope.
func New(from, kind string, payload map[string]any) *Envelope {
	return &Envelope{
		Protocol: Protocol,
		ID:       NewID(),
		Ts:       Now(),
		From:     from,
		Kind:     kind,
		Payload:  payload,
	}
}

// Stamp fills in the fields the gateway owns before fan-out: protocol
// version, id, timestamp, and the authenticated sender. Client-provided
// `from` values are always overwritten.
func (e *Envelope) Stamp(from string) {
	if e.Protocol == "" {
		e.Protocol = Protocol
	}
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.Ts == "" {
		e.Ts = Now()
	}
	e.From = from
}

// NewID mints an envelope id unique within the space.
func NewID() string {
	return uuid.NewString()
}

// Now returns the current UTC time in wire format.
func Now() string {
	return time.Now().UTC().Format(tsFormat)
}

// Marshal serializes an envelope to its wire form.
func Marshal(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Unmarshal parses one JSON envelope. It fails on anything that is not a
// JSON object.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return &e, nil
}

// DecodeObject parses a frame as a generic JSON object. The join handshake
// uses it because legacy joiners put fields at the top level rather than
// inside a typed envelope.
func DecodeObject(data []byte) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("parse object: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("parse object: null")
	}
	return obj, nil
}
