package statemanager

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a-essam23/crm-dispatch/pkg/state"
)

// workspace holds the connections of one tenant. Every partition has its own
// lock so that traffic in one workspace never waits on another.
type workspace struct {
	mu    sync.RWMutex
	users map[string]map[uuid.UUID]*state.Connection
	// dead is set once the partition has been pruned from the index; writers
	// that raced with the prune must retry against a fresh partition.
	dead bool
}

type InMemoryRegistry struct {
	mu         sync.RWMutex
	workspaces map[string]*workspace

	logger *slog.Logger
}

func NewInMemoryRegistry(logger *slog.Logger) *InMemoryRegistry {
	return &InMemoryRegistry{
		workspaces: make(map[string]*workspace),
		logger:     logger.With(slog.String("component", "registry_inmemory")),
	}
}

// compile-time check to ensure InMemoryRegistry implements Registry.
var _ state.Registry = (*InMemoryRegistry)(nil)

func (m *InMemoryRegistry) partition(workspaceID string) *workspace {
	m.mu.RLock()
	ws := m.workspaces[workspaceID]
	m.mu.RUnlock()
	return ws
}

func (m *InMemoryRegistry) partitionOrCreate(workspaceID string) *workspace {
	if ws := m.partition(workspaceID); ws != nil {
		return ws
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		ws = &workspace{users: make(map[string]map[uuid.UUID]*state.Connection)}
		m.workspaces[workspaceID] = ws
	}
	return ws
}

// --- Connection Lifecycle ---

func (m *InMemoryRegistry) Register(workspaceID, userID string, conn *state.Connection) bool {
	for {
		ws := m.partitionOrCreate(workspaceID)
		ws.mu.Lock()
		if ws.dead {
			ws.mu.Unlock()
			continue
		}
		conns, exists := ws.users[userID]
		if !exists {
			conns = make(map[uuid.UUID]*state.Connection)
			ws.users[userID] = conns
		}
		first := len(conns) == 0
		conns[conn.ID] = conn
		ws.mu.Unlock()

		m.logger.Debug("Connection registered",
			slog.String("connID", conn.ID.String()),
			slog.String("workspaceID", workspaceID),
			slog.String("userID", userID),
		)
		return first
	}
}

func (m *InMemoryRegistry) Unregister(workspaceID, userID string, connID uuid.UUID) (removed, last bool) {
	ws := m.partition(workspaceID)
	if ws == nil {
		// connection is already deregistered
		return false, false
	}

	ws.mu.Lock()
	conns, ok := ws.users[userID]
	if !ok {
		ws.mu.Unlock()
		return false, false
	}
	if _, ok := conns[connID]; !ok {
		ws.mu.Unlock()
		return false, false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(ws.users, userID)
		last = true
	}
	empty := len(ws.users) == 0
	if empty {
		ws.dead = true
	}
	ws.mu.Unlock()

	if empty {
		m.mu.Lock()
		if m.workspaces[workspaceID] == ws {
			delete(m.workspaces, workspaceID)
		}
		m.mu.Unlock()
		m.logger.Debug("Removed empty workspace", slog.String("workspaceID", workspaceID))
	}

	m.logger.Debug("Connection deregistered",
		slog.String("connID", connID.String()),
		slog.String("workspaceID", workspaceID),
		slog.String("userID", userID),
	)
	return true, last
}

// --- Snapshots ---

func (m *InMemoryRegistry) ConnectionsFor(workspaceID string) map[string][]*state.Connection {
	ws := m.partition(workspaceID)
	if ws == nil {
		return map[string][]*state.Connection{}
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	snapshot := make(map[string][]*state.Connection, len(ws.users))
	for userID, conns := range ws.users {
		list := make([]*state.Connection, 0, len(conns))
		for _, c := range conns {
			list = append(list, c)
		}
		snapshot[userID] = list
	}
	return snapshot
}

func (m *InMemoryRegistry) ActiveUsers(workspaceID string) []string {
	ws := m.partition(workspaceID)
	if ws == nil {
		return nil
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return state.SortedKeys(ws.users)
}

func (m *InMemoryRegistry) IsUserActive(workspaceID, userID string) bool {
	return m.UserConnectionCount(workspaceID, userID) > 0
}

func (m *InMemoryRegistry) UserConnectionCount(workspaceID, userID string) int {
	ws := m.partition(workspaceID)
	if ws == nil {
		return 0
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.users[userID])
}

func (m *InMemoryRegistry) ConnectionCount(workspaceID string) int {
	ws := m.partition(workspaceID)
	if ws == nil {
		return 0
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	total := 0
	for _, conns := range ws.users {
		total += len(conns)
	}
	return total
}

func (m *InMemoryRegistry) FindOldestUserConnection(workspaceID, userID string) (*state.Connection, bool) {
	ws := m.partition(workspaceID)
	if ws == nil {
		return nil, false
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	var oldestConn *state.Connection
	var oldestTime time.Time
	for _, conn := range ws.users[userID] {
		if oldestConn == nil || conn.CreatedAt.Before(oldestTime) {
			oldestConn = conn
			oldestTime = conn.CreatedAt
		}
	}
	if oldestConn == nil {
		return nil, false // User has no connections.
	}
	return oldestConn, true
}

func (m *InMemoryRegistry) AllConnections() []*state.Connection {
	m.mu.RLock()
	parts := make([]*workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		parts = append(parts, ws)
	}
	m.mu.RUnlock()

	var all []*state.Connection
	for _, ws := range parts {
		ws.mu.RLock()
		for _, conns := range ws.users {
			for _, c := range conns {
				all = append(all, c)
			}
		}
		ws.mu.RUnlock()
	}
	return all
}
