package state

import "github.com/google/uuid"

// Registry is the authoritative map of live connections, keyed by workspace
// and then by user.
type Registry interface {
	// --- Connection Lifecycle ---
	// Register adds conn under (workspaceID, userID). first reports that the
	// user had no connections in the workspace before this call.
	Register(workspaceID, userID string, conn *Connection) (first bool)
	// Unregister removes the connection. last reports that the user has no
	// connections left in the workspace. Unknown connections are a no-op.
	Unregister(workspaceID, userID string, connID uuid.UUID) (removed, last bool)

	// --- Snapshots ---
	ConnectionsFor(workspaceID string) map[string][]*Connection
	ActiveUsers(workspaceID string) []string
	IsUserActive(workspaceID, userID string) bool
	UserConnectionCount(workspaceID, userID string) int
	ConnectionCount(workspaceID string) int
	FindOldestUserConnection(workspaceID, userID string) (*Connection, bool)
	AllConnections() []*Connection
}

// DashboardStore holds per-user dashboard view-state and the set of users
// whose views are mirrored.
type DashboardStore interface {
	UpdateState(userID, workspaceID, dashboardType string, filters, data map[string]any) DashboardState
	GetState(userID, workspaceID string) (DashboardState, bool)

	AddSyncedPair(workspaceID, userA, userB string) bool
	RemoveSyncedPair(workspaceID, userA, userB string)
	AreSynced(workspaceID, userA, userB string) bool
	Partners(workspaceID, userID string) []string
}
