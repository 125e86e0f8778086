package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Envelope is the typed wrapper for every message on the wire.
type Envelope struct {
	Type        MessageType    `json:"type"`
	Payload     map[string]any `json:"payload"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	SenderID    string         `json:"sender_id,omitempty"`
	Timestamp   float64        `json:"timestamp"`
}

// ProtocolError describes an inbound message the router cannot act on. It is
// reported back to the sender and never closes the connection.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "protocol error: " + e.Reason + ": " + e.Err.Error()
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Timestamp converts t to fractional epoch seconds.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// New builds an outbound envelope stamped with the current time.
func New(t MessageType, payload map[string]any) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{Type: t, Payload: payload, Timestamp: Timestamp(time.Now())}
}

// NewError builds the envelope sent back for a protocol mistake.
func NewError(message string) Envelope {
	return New(TypeError, map[string]any{"message": message})
}

func (e Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", e.Type, err)
	}
	return b, nil
}

// Decode validates the shape of an inbound frame and returns the envelope.
// The payload is left schema-less; handlers check the fields they need.
func Decode(raw []byte) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, protocolErrorf("invalid JSON message received")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Envelope{}, protocolErrorf("message must be a JSON object")
	}

	typ := root.Get("type")
	if !typ.Exists() || typ.Type != gjson.String || typ.Str == "" {
		return Envelope{}, protocolErrorf("message is missing a type")
	}
	mt, ok := ParseMessageType(typ.Str)
	if !ok {
		return Envelope{}, protocolErrorf("unsupported message type %q", typ.Str)
	}

	env := Envelope{Type: mt, Payload: map[string]any{}}

	if p := root.Get("payload"); p.Exists() && p.Type != gjson.Null {
		if !p.IsObject() {
			return Envelope{}, protocolErrorf("payload must be an object")
		}
		// numbers stay json.Number so large ids are relayed unchanged
		dec := json.NewDecoder(strings.NewReader(p.Raw))
		dec.UseNumber()
		if err := dec.Decode(&env.Payload); err != nil {
			return Envelope{}, &ProtocolError{Reason: "payload could not be decoded", Err: err}
		}
	}

	if ts := root.Get("timestamp"); ts.Exists() && ts.Type != gjson.Null {
		if ts.Type != gjson.Number {
			return Envelope{}, protocolErrorf("timestamp must be a number")
		}
		env.Timestamp = ts.Float()
	}
	if ws := root.Get("workspace_id"); ws.Type == gjson.String {
		env.WorkspaceID = ws.Str
	}
	if s := root.Get("sender_id"); s.Type == gjson.String {
		env.SenderID = s.Str
	}
	return env, nil
}

// StringField returns a required non-empty string field of the payload.
func (e Envelope) StringField(key string) (string, error) {
	v, ok := e.Payload[key]
	if !ok {
		return "", protocolErrorf("%s requires payload.%s", e.Type, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", protocolErrorf("%s payload.%s must be a non-empty string", e.Type, key)
	}
	return s, nil
}

// ObjectField returns an optional object field of the payload; absent or null
// yields an empty map.
func (e Envelope) ObjectField(key string) (map[string]any, error) {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, protocolErrorf("%s payload.%s must be an object", e.Type, key)
	}
	return m, nil
}
