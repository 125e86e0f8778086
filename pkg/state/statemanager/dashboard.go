package statemanager

import (
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/crm-dispatch/pkg/state"
)

type dashboards struct {
	mu     sync.RWMutex
	states map[string]state.DashboardState // keyed by userID
	pairs  map[state.SyncPair]struct{}
}

// InMemoryDashboardStore keeps the latest dashboard state per user and the
// mirrored user pairs, partitioned by workspace.
type InMemoryDashboardStore struct {
	mu         sync.RWMutex
	workspaces map[string]*dashboards

	now    func() time.Time
	logger *slog.Logger
}

func NewInMemoryDashboardStore(logger *slog.Logger) *InMemoryDashboardStore {
	return &InMemoryDashboardStore{
		workspaces: make(map[string]*dashboards),
		now:        time.Now,
		logger:     logger.With(slog.String("component", "dashboard_store_inmemory")),
	}
}

var _ state.DashboardStore = (*InMemoryDashboardStore)(nil)

func (s *InMemoryDashboardStore) partition(workspaceID string, create bool) *dashboards {
	s.mu.RLock()
	d := s.workspaces[workspaceID]
	s.mu.RUnlock()
	if d != nil || !create {
		return d
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d = s.workspaces[workspaceID]; d == nil {
		d = &dashboards{
			states: make(map[string]state.DashboardState),
			pairs:  make(map[state.SyncPair]struct{}),
		}
		s.workspaces[workspaceID] = d
	}
	return d
}

func (s *InMemoryDashboardStore) UpdateState(userID, workspaceID, dashboardType string, filters, data map[string]any) state.DashboardState {
	if filters == nil {
		filters = map[string]any{}
	}
	if data == nil {
		data = map[string]any{}
	}
	st := state.DashboardState{
		UserID:        userID,
		WorkspaceID:   workspaceID,
		DashboardType: dashboardType,
		Filters:       filters,
		Data:          data,
		UpdatedAt:     s.now(),
	}

	d := s.partition(workspaceID, true)
	d.mu.Lock()
	d.states[userID] = st
	d.mu.Unlock()

	s.logger.Debug("Dashboard state updated",
		slog.String("workspaceID", workspaceID),
		slog.String("userID", userID),
		slog.String("dashboardType", dashboardType),
	)
	return st
}

func (s *InMemoryDashboardStore) GetState(userID, workspaceID string) (state.DashboardState, bool) {
	d := s.partition(workspaceID, false)
	if d == nil {
		return state.DashboardState{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.states[userID]
	return st, ok
}

// AddSyncedPair records the pair and reports whether it was new. Pairing a
// user with themselves is ignored.
func (s *InMemoryDashboardStore) AddSyncedPair(workspaceID, userA, userB string) bool {
	if userA == "" || userB == "" || userA == userB {
		return false
	}
	pair := state.NewSyncPair(userA, userB)

	d := s.partition(workspaceID, true)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.pairs[pair]; exists {
		return false
	}
	d.pairs[pair] = struct{}{}
	s.logger.Debug("Sync pair added", slog.String("workspaceID", workspaceID), slog.String("a", pair.A), slog.String("b", pair.B))
	return true
}

func (s *InMemoryDashboardStore) RemoveSyncedPair(workspaceID, userA, userB string) {
	d := s.partition(workspaceID, false)
	if d == nil {
		return
	}
	d.mu.Lock()
	delete(d.pairs, state.NewSyncPair(userA, userB))
	d.mu.Unlock()
}

func (s *InMemoryDashboardStore) AreSynced(workspaceID, userA, userB string) bool {
	d := s.partition(workspaceID, false)
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.pairs[state.NewSyncPair(userA, userB)]
	return ok
}

// Partners lists every user synced with userID, sorted.
func (s *InMemoryDashboardStore) Partners(workspaceID, userID string) []string {
	d := s.partition(workspaceID, false)
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	partners := make(map[string]struct{})
	for pair := range d.pairs {
		if other, ok := pair.Other(userID); ok {
			partners[other] = struct{}{}
		}
	}
	return state.SortedKeys(partners)
}
