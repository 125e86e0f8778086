package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/a-essam23/crm-dispatch/internal/engine"
	"github.com/a-essam23/crm-dispatch/pkg/logging"
	"github.com/a-essam23/crm-dispatch/pkg/protocol"
	"github.com/a-essam23/crm-dispatch/pkg/state"
	"github.com/a-essam23/crm-dispatch/pkg/state/statemanager"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu       sync.Mutex
	messages []protocol.Envelope
	fail     bool
	closed   bool
}

func (r *recorder) Send(_ context.Context, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	var env struct {
		Type        string         `json:"type"`
		Payload     map[string]any `json:"payload"`
		WorkspaceID string         `json:"workspace_id"`
		SenderID    string         `json:"sender_id"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return err
	}
	mt, _ := protocol.ParseMessageType(env.Type)
	r.messages = append(r.messages, protocol.Envelope{Type: mt, Payload: env.Payload, WorkspaceID: env.WorkspaceID, SenderID: env.SenderID})
	return nil
}

func (r *recorder) Close(websocket.StatusCode, string) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recorder) received() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.messages...)
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fixture struct {
	registry *statemanager.InMemoryRegistry
	engine   *engine.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := statemanager.NewInMemoryRegistry(logging.Discard())
	eng := engine.New(logging.Discard(), reg, nil, engine.Options{Concurrency: 4})
	t.Cleanup(eng.Wait)
	return &fixture{registry: reg, engine: eng}
}

func (f *fixture) connect(workspaceID, userID string, role state.Role) (*state.Connection, *recorder) {
	rec := &recorder{}
	conn := &state.Connection{
		ID:          uuid.New(),
		UserID:      userID,
		WorkspaceID: workspaceID,
		Role:        role,
		Transport:   rec,
		CreatedAt:   time.Now(),
	}
	f.registry.Register(workspaceID, userID, conn)
	return conn, rec
}

func TestBroadcastExcludesEveryConnectionOfUser(t *testing.T) {
	f := newFixture(t)
	_, alicePhone := f.connect("w1", "alice", state.RoleFounder)
	_, aliceLaptop := f.connect("w1", "alice", state.RoleFounder)
	_, bob := f.connect("w1", "bob", state.RoleTeamMember)
	_, carol := f.connect("w1", "carol", state.RoleManager)
	_, outsider := f.connect("w2", "dave", state.RoleFounder)

	res := f.engine.Broadcast(context.Background(), protocol.New(protocol.TypeUserTyping, nil), "w1", "alice")

	assert.Equal(t, 2, res.Recipients)
	assert.Equal(t, 2, res.Delivered)
	assert.Empty(t, alicePhone.received())
	assert.Empty(t, aliceLaptop.received())
	assert.Len(t, bob.received(), 1)
	assert.Len(t, carol.received(), 1)
	assert.Empty(t, outsider.received())
}

func TestBroadcastWithoutExclusionReachesEveryone(t *testing.T) {
	f := newFixture(t)
	_, a := f.connect("w1", "alice", state.RoleFounder)
	_, b := f.connect("w1", "bob", state.RoleTeamMember)

	res := f.engine.Broadcast(context.Background(), protocol.New(protocol.TypeStateUpdate, nil), "w1", "")
	assert.Equal(t, 2, res.Delivered)
	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
}

func TestBroadcastToEmptyWorkspace(t *testing.T) {
	f := newFixture(t)
	res := f.engine.Broadcast(context.Background(), protocol.New(protocol.TypeStateUpdate, nil), "nobody-here", "")
	assert.Zero(t, res.Recipients)
}

func TestBroadcastToUsers(t *testing.T) {
	f := newFixture(t)
	_, a := f.connect("w1", "alice", state.RoleFounder)
	_, b := f.connect("w1", "bob", state.RoleTeamMember)
	_, c := f.connect("w1", "carol", state.RoleTeamMember)

	res := f.engine.BroadcastToUsers(context.Background(), protocol.New(protocol.TypeDashboardSync, nil), "w1", []string{"bob", "carol", "ghost"})
	assert.Equal(t, 2, res.Delivered)
	assert.Empty(t, a.received())
	assert.Len(t, b.received(), 1)
	assert.Len(t, c.received(), 1)
}

func TestBroadcastToRoleUsesRoleRecordedAtConnect(t *testing.T) {
	f := newFixture(t)
	_, founder := f.connect("w1", "alice", state.RoleFounder)
	_, member := f.connect("w1", "bob", state.RoleTeamMember)
	_, member2 := f.connect("w1", "carol", state.RoleTeamMember)

	res := f.engine.BroadcastToRole(context.Background(), protocol.New(protocol.TypeNotification, map[string]any{"title": "x"}), "w1", state.RoleTeamMember)
	assert.Equal(t, 2, res.Delivered)
	assert.Empty(t, founder.received())
	assert.Len(t, member.received(), 1)
	assert.Len(t, member2.received(), 1)
}

func TestFailedRecipientIsDroppedAndOthersStillReceive(t *testing.T) {
	f := newFixture(t)
	deadConn, dead := f.connect("w1", "alice", state.RoleFounder)
	dead.fail = true
	_, b := f.connect("w1", "bob", state.RoleTeamMember)
	_, c := f.connect("w1", "carol", state.RoleTeamMember)

	res := f.engine.Broadcast(context.Background(), protocol.New(protocol.TypeStateUpdate, nil), "w1", "")
	require.Len(t, res.Failed, 1)
	assert.Equal(t, deadConn.ID, res.Failed[0].Conn.ID)
	assert.Equal(t, 2, res.Delivered)
	assert.Len(t, b.received(), 1)
	assert.Len(t, c.received(), 1)

	f.engine.Wait()
	assert.False(t, f.registry.IsUserActive("w1", "alice"), "failed recipient must be unregistered")
	assert.True(t, dead.isClosed(), "failed recipient's transport must be closed")
	assert.ElementsMatch(t, []string{"bob", "carol"}, f.registry.ActiveUsers("w1"))
}

func TestSendPersonal(t *testing.T) {
	f := newFixture(t)
	conn, rec := f.connect("w1", "alice", state.RoleFounder)
	_, other := f.connect("w1", "bob", state.RoleFounder)

	require.NoError(t, f.engine.SendPersonal(context.Background(), protocol.New(protocol.TypePong, nil), conn))
	got := rec.received()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypePong, got[0].Type)
	assert.Empty(t, other.received())

	rec.fail = true
	err := f.engine.SendPersonal(context.Background(), protocol.New(protocol.TypePong, nil), conn)
	var derr *engine.DeliveryError
	require.ErrorAs(t, err, &derr)
}

func TestCancelledCallerContextDoesNotFailRecipients(t *testing.T) {
	f := newFixture(t)
	_, b := f.connect("w1", "bob", state.RoleTeamMember)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.engine.Broadcast(ctx, protocol.New(protocol.TypeUserPresence, nil), "w1", "")
	assert.Empty(t, res.Failed)
	assert.Len(t, b.received(), 1)
}

func TestPublishResource(t *testing.T) {
	f := newFixture(t)
	_, a := f.connect("w1", "alice", state.RoleFounder)

	_, err := f.engine.PublishResource(context.Background(), "w1", engine.ResourceChange{
		Action:       protocol.TypeResourceUpdated,
		ResourceType: "deal",
		ResourceID:   "5",
		Data:         map[string]any{"stage": "won"},
		ActorID:      "bob",
	})
	require.NoError(t, err)

	got := a.received()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeResourceUpdated, got[0].Type)
	assert.Equal(t, "deal", got[0].Payload["resource_type"])
	assert.Equal(t, "5", got[0].Payload["resource_id"])
	assert.Equal(t, "bob", got[0].SenderID)

	_, err = f.engine.PublishResource(context.Background(), "w1", engine.ResourceChange{Action: protocol.TypePing, ResourceType: "deal", ResourceID: "5"})
	assert.Error(t, err)
	_, err = f.engine.PublishResource(context.Background(), "w1", engine.ResourceChange{Action: protocol.TypeResourceDeleted})
	assert.Error(t, err)
}

func TestNotify(t *testing.T) {
	f := newFixture(t)
	_, a := f.connect("w1", "alice", state.RoleFounder)
	_, b := f.connect("w1", "bob", state.RoleTeamMember)

	res, err := f.engine.Notify(context.Background(), "w1", engine.Notification{Title: "Deal won", UserIDs: []string{"bob"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Empty(t, a.received())
	require.Len(t, b.received(), 1)
	assert.Equal(t, "info", b.received()[0].Payload["type"])

	res, err = f.engine.Notify(context.Background(), "w1", engine.Notification{Message: "maintenance", Level: "warning"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)

	res, err = f.engine.NotifyRole(context.Background(), "w1", state.RoleFounder, engine.Notification{Title: "Board meeting"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Len(t, a.received(), 2)

	_, err = f.engine.Notify(context.Background(), "w1", engine.Notification{Title: "x", Level: "panic"})
	assert.Error(t, err)
	_, err = f.engine.Notify(context.Background(), "w1", engine.Notification{})
	assert.Error(t, err)
}
