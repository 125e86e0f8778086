package state

import (
	"context"
	"sort"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Transport is the send side of one live bidirectional channel.
type Transport interface {
	Send(ctx context.Context, message []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// representation of a single authenticated connection.
type Connection struct {
	ID          uuid.UUID
	UserID      string
	WorkspaceID string
	Role        Role
	RemoteAddr  string
	Transport   Transport // The actual connection for sending messages
	CreatedAt   time.Time
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
	StatusAway    PresenceStatus = "away"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway:
		return true
	}
	return false
}

type PresenceRecord struct {
	UserID      string
	WorkspaceID string
	Status      PresenceStatus
	LastSeen    time.Time
}

// DashboardState is the latest view-state a user published. It is replaced
// wholesale on every update.
type DashboardState struct {
	UserID        string
	WorkspaceID   string
	DashboardType string
	Filters       map[string]any
	Data          map[string]any
	UpdatedAt     time.Time
}

// SyncPair is an unordered pair of users stored in canonical order.
type SyncPair struct {
	A, B string
}

func NewSyncPair(a, b string) SyncPair {
	if b < a {
		a, b = b, a
	}
	return SyncPair{A: a, B: b}
}

// Other returns the partner of userID in the pair.
func (p SyncPair) Other(userID string) (string, bool) {
	switch userID {
	case p.A:
		return p.B, true
	case p.B:
		return p.A, true
	}
	return "", false
}

// SortedKeys is a small helper for deterministic snapshots.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
