package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/crm-dispatch/internal/engine"
	"github.com/a-essam23/crm-dispatch/internal/metrics"
	"github.com/a-essam23/crm-dispatch/pkg/protocol"
	"github.com/a-essam23/crm-dispatch/pkg/state"
)

// Broadcaster is the part of the broadcast engine presence needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, env protocol.Envelope, workspaceID, excludeUser string) engine.Result
}

// Liveness reports whether a user currently holds any connection.
type Liveness interface {
	IsUserActive(workspaceID, userID string) bool
}

type workspacePresence struct {
	mu      sync.Mutex
	records map[string]state.PresenceRecord
}

// Tracker records presence transitions and announces them to the workspace.
type Tracker struct {
	mu         sync.RWMutex
	workspaces map[string]*workspacePresence

	liveness    Liveness
	broadcaster Broadcaster
	metrics     *metrics.Metrics
	now         func() time.Time
	logger      *slog.Logger
}

func NewTracker(logger *slog.Logger, liveness Liveness, broadcaster Broadcaster, m *metrics.Metrics) *Tracker {
	return &Tracker{
		workspaces:  make(map[string]*workspacePresence),
		liveness:    liveness,
		broadcaster: broadcaster,
		metrics:     m,
		now:         time.Now,
		logger:      logger.With(slog.String("component", "presence_tracker")),
	}
}

func (t *Tracker) partition(workspaceID string) *workspacePresence {
	t.mu.RLock()
	wp := t.workspaces[workspaceID]
	t.mu.RUnlock()
	if wp != nil {
		return wp
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if wp = t.workspaces[workspaceID]; wp == nil {
		wp = &workspacePresence{records: make(map[string]state.PresenceRecord)}
		t.workspaces[workspaceID] = wp
	}
	return wp
}

// Announce records status for the user and broadcasts a user_presence event
// to the rest of the workspace. It reports whether an event was sent.
//
// Announcements that disagree with the registry (offline while a connection
// is still open, online/away with none open) are stale and dropped, as are
// repeats of the recorded status. Recording and the liveness check happen
// under one lock so concurrent connects and disconnects settle on the
// registry's final state.
func (t *Tracker) Announce(ctx context.Context, workspaceID, userID string, status state.PresenceStatus) bool {
	if !status.Valid() {
		t.logger.Warn("Ignoring invalid presence status", slog.String("status", string(status)))
		return false
	}

	wp := t.partition(workspaceID)
	wp.mu.Lock()
	live := t.liveness.IsUserActive(workspaceID, userID)
	if live == (status == state.StatusOffline) {
		wp.mu.Unlock()
		t.logger.Debug("Dropping stale presence announcement",
			slog.String("workspaceID", workspaceID),
			slog.String("userID", userID),
			slog.String("status", string(status)),
		)
		return false
	}
	prev, seen := wp.records[userID]
	if seen && prev.Status == status {
		wp.mu.Unlock()
		return false
	}
	rec := state.PresenceRecord{
		UserID:      userID,
		WorkspaceID: workspaceID,
		Status:      status,
		LastSeen:    t.now(),
	}
	wp.records[userID] = rec
	wp.mu.Unlock()

	env := protocol.New(protocol.TypeUserPresence, map[string]any{
		"user_id":      userID,
		"workspace_id": workspaceID,
		"status":       string(status),
		"last_seen":    protocol.Timestamp(rec.LastSeen),
	})
	env.WorkspaceID = workspaceID
	t.broadcaster.Broadcast(ctx, env, workspaceID, userID)
	t.metrics.PresenceAnnounced(string(status))

	t.logger.Info("Presence changed",
		slog.String("workspaceID", workspaceID),
		slog.String("userID", userID),
		slog.String("status", string(status)),
	)
	return true
}

func (t *Tracker) Get(workspaceID, userID string) (state.PresenceRecord, bool) {
	t.mu.RLock()
	wp := t.workspaces[workspaceID]
	t.mu.RUnlock()
	if wp == nil {
		return state.PresenceRecord{}, false
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	rec, ok := wp.records[userID]
	return rec, ok
}

// Snapshot returns a copy of every presence record in the workspace.
func (t *Tracker) Snapshot(workspaceID string) map[string]state.PresenceRecord {
	t.mu.RLock()
	wp := t.workspaces[workspaceID]
	t.mu.RUnlock()
	out := make(map[string]state.PresenceRecord)
	if wp == nil {
		return out
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	for k, v := range wp.records {
		out[k] = v
	}
	return out
}
