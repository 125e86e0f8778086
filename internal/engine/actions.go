package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/a-essam23/crm-dispatch/pkg/protocol"
	"github.com/a-essam23/crm-dispatch/pkg/state"
)

// The methods in this file are the entry points the CRUD side of the
// application uses to push server-originated events to connected clients.

type ResourceChange struct {
	Action       protocol.MessageType // resource_created, resource_updated or resource_deleted
	ResourceType string
	ResourceID   string
	Data         map[string]any
	ActorID      string
}

type Notification struct {
	Title   string
	Message string
	Level   string   // info, success, warning or error
	UserIDs []string // empty means the whole workspace
}

var notificationLevels = map[string]struct{}{
	"info": {}, "success": {}, "warning": {}, "error": {},
}

// PublishResource announces a change to a business entity to the workspace.
func (e *Engine) PublishResource(ctx context.Context, workspaceID string, change ResourceChange) (Result, error) {
	switch change.Action {
	case protocol.TypeResourceCreated, protocol.TypeResourceUpdated, protocol.TypeResourceDeleted:
	default:
		return Result{}, fmt.Errorf("%s is not a resource event", change.Action)
	}
	if change.ResourceType == "" || change.ResourceID == "" {
		return Result{}, errors.New("resource type and id are required")
	}
	data := change.Data
	if data == nil {
		data = map[string]any{}
	}

	env := protocol.New(change.Action, map[string]any{
		"resource_type": change.ResourceType,
		"resource_id":   change.ResourceID,
		"data":          data,
	})
	env.WorkspaceID = workspaceID
	env.SenderID = change.ActorID
	return e.Broadcast(ctx, env, workspaceID, ""), nil
}

// Notify sends a notification to the listed users, or to everyone in the
// workspace when no users are listed.
func (e *Engine) Notify(ctx context.Context, workspaceID string, n Notification) (Result, error) {
	env, err := notificationEnvelope(workspaceID, n)
	if err != nil {
		return Result{}, err
	}
	if len(n.UserIDs) == 0 {
		return e.Broadcast(ctx, env, workspaceID, ""), nil
	}
	return e.BroadcastToUsers(ctx, env, workspaceID, n.UserIDs), nil
}

// NotifyRole sends a notification to every connection opened with role.
func (e *Engine) NotifyRole(ctx context.Context, workspaceID string, role state.Role, n Notification) (Result, error) {
	env, err := notificationEnvelope(workspaceID, n)
	if err != nil {
		return Result{}, err
	}
	return e.BroadcastToRole(ctx, env, workspaceID, role), nil
}

func notificationEnvelope(workspaceID string, n Notification) (protocol.Envelope, error) {
	if n.Title == "" && n.Message == "" {
		return protocol.Envelope{}, errors.New("notification needs a title or a message")
	}
	level := n.Level
	if level == "" {
		level = "info"
	}
	if _, ok := notificationLevels[level]; !ok {
		return protocol.Envelope{}, fmt.Errorf("unknown notification level %q", level)
	}
	env := protocol.New(protocol.TypeNotification, map[string]any{
		"title":   n.Title,
		"message": n.Message,
		"type":    level,
	})
	env.WorkspaceID = workspaceID
	return env, nil
}
