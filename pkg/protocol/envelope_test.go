package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/crm-dispatch/pkg/protocol"
)

func TestDecodeValidEnvelope(t *testing.T) {
	env, err := protocol.Decode([]byte(`{"type":"state_update","payload":{"resource":"deal:5","n":2},"timestamp":1700000000.5}`))
	require.NoError(t, err)

	assert.Equal(t, protocol.TypeStateUpdate, env.Type)
	assert.Equal(t, "deal:5", env.Payload["resource"])
	assert.Equal(t, json.Number("2"), env.Payload["n"])
	assert.Equal(t, 1700000000.5, env.Timestamp)
}

func TestPayloadNumbersRelayExactly(t *testing.T) {
	env, err := protocol.Decode([]byte(`{"type":"state_update","payload":{"deal_id":9007199254740993,"amount":12.50,"lines":[{"sku":18446744073709551615}]}}`))
	require.NoError(t, err)

	out, err := env.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), `"deal_id":9007199254740993`)
	assert.Contains(t, string(out), `"amount":12.50`)
	assert.Contains(t, string(out), `"sku":18446744073709551615`)
}

func TestDecodeDefaultsPayload(t *testing.T) {
	env, err := protocol.Decode([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePing, env.Type)
	assert.NotNil(t, env.Payload)
	assert.Empty(t, env.Payload)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"invalid json":      `{"type":`,
		"not an object":     `["ping"]`,
		"missing type":      `{"payload":{}}`,
		"non-string type":   `{"type":5}`,
		"unknown type":      `{"type":"launch_rockets"}`,
		"payload not obj":   `{"type":"state_update","payload":"x"}`,
		"timestamp not num": `{"type":"ping","timestamp":"now"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := protocol.Decode([]byte(raw))
			require.Error(t, err)
			var perr *protocol.ProtocolError
			assert.True(t, errors.As(err, &perr), "expected a ProtocolError, got %T", err)
		})
	}
}

func TestEnvelopeMarshalUsesWireNames(t *testing.T) {
	env := protocol.New(protocol.TypeUserPresence, map[string]any{"status": "online"})
	env.WorkspaceID = "w1"
	b, err := env.Marshal()
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(b, &wire))
	assert.Equal(t, "user_presence", wire["type"])
	assert.Equal(t, "w1", wire["workspace_id"])
	assert.NotContains(t, wire, "sender_id")
	assert.Greater(t, wire["timestamp"], float64(0))
}

func TestUnknownTypeDoesNotMarshal(t *testing.T) {
	_, err := protocol.Envelope{}.Marshal()
	require.Error(t, err)
}

func TestPayloadAccessors(t *testing.T) {
	env, err := protocol.Decode([]byte(`{"type":"dashboard_filter","payload":{"dashboard_type":"pipeline","filters":{"stage":"won"},"data":null,"bad":1}}`))
	require.NoError(t, err)

	dt, err := env.StringField("dashboard_type")
	require.NoError(t, err)
	assert.Equal(t, "pipeline", dt)

	filters, err := env.ObjectField("filters")
	require.NoError(t, err)
	assert.Equal(t, "won", filters["stage"])

	data, err := env.ObjectField("data")
	require.NoError(t, err)
	assert.Empty(t, data)

	_, err = env.StringField("missing")
	assert.Error(t, err)
	_, err = env.ObjectField("bad")
	assert.Error(t, err)
}

func TestParseMessageTypeRoundTrip(t *testing.T) {
	for _, name := range []string{"connect", "connection_established", "disconnect", "error", "state_update",
		"state_sync", "dashboard_state", "dashboard_update", "dashboard_filter", "dashboard_sync",
		"resource_created", "resource_updated", "resource_deleted", "user_presence", "user_typing",
		"notification", "ping", "pong"} {
		mt, ok := protocol.ParseMessageType(name)
		require.True(t, ok, name)
		assert.Equal(t, name, mt.String())
	}
}
