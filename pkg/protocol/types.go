package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the closed set of envelope types exchanged over a connection.
type MessageType uint8

const (
	TypeUnknown MessageType = iota
	TypeConnect
	TypeConnectionEstablished
	TypeDisconnect
	TypeError
	TypeStateUpdate
	TypeStateSync
	TypeDashboardState
	TypeDashboardUpdate
	TypeDashboardFilter
	TypeDashboardSync
	TypeResourceCreated
	TypeResourceUpdated
	TypeResourceDeleted
	TypeUserPresence
	TypeUserTyping
	TypeNotification
	TypePing
	TypePong
)

var typeNames = [...]string{
	TypeUnknown:               "",
	TypeConnect:               "connect",
	TypeConnectionEstablished: "connection_established",
	TypeDisconnect:            "disconnect",
	TypeError:                 "error",
	TypeStateUpdate:           "state_update",
	TypeStateSync:             "state_sync",
	TypeDashboardState:        "dashboard_state",
	TypeDashboardUpdate:       "dashboard_update",
	TypeDashboardFilter:       "dashboard_filter",
	TypeDashboardSync:         "dashboard_sync",
	TypeResourceCreated:       "resource_created",
	TypeResourceUpdated:       "resource_updated",
	TypeResourceDeleted:       "resource_deleted",
	TypeUserPresence:          "user_presence",
	TypeUserTyping:            "user_typing",
	TypeNotification:          "notification",
	TypePing:                  "ping",
	TypePong:                  "pong",
}

var typesByName = func() map[string]MessageType {
	m := make(map[string]MessageType, len(typeNames))
	for i, name := range typeNames {
		if name != "" {
			m[name] = MessageType(i)
		}
	}
	return m
}()

// ParseMessageType returns TypeUnknown and false for unrecognized names.
func ParseMessageType(name string) (MessageType, bool) {
	t, ok := typesByName[name]
	return t, ok
}

func (t MessageType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

func (t MessageType) MarshalJSON() ([]byte, error) {
	if t == TypeUnknown || int(t) >= len(typeNames) {
		return nil, fmt.Errorf("cannot marshal message type %d", uint8(t))
	}
	return json.Marshal(t.String())
}

func (t *MessageType) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, ok := ParseMessageType(name)
	if !ok {
		return fmt.Errorf("unknown message type %q", name)
	}
	*t = parsed
	return nil
}
