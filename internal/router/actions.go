package router

import (
	"log/slog"
	"maps"

	"github.com/a-essam23/crm-dispatch/pkg/protocol"
	"github.com/a-essam23/crm-dispatch/pkg/state"
)

// outbound stamps an envelope with the connection's workspace and sender.
func outbound(hc *HandlerContext, t protocol.MessageType, payload map[string]any) protocol.Envelope {
	env := protocol.New(t, payload)
	env.WorkspaceID = hc.Conn.WorkspaceID
	env.SenderID = hc.Conn.UserID
	return env
}

func (r *EventRouter) handleStateUpdate(hc *HandlerContext) error {
	env := outbound(hc, protocol.TypeStateUpdate, hc.Envelope.Payload)
	r.broadcaster.Broadcast(hc.Ctx, env, hc.Conn.WorkspaceID, "")
	return nil
}

func (r *EventRouter) handleUserTyping(hc *HandlerContext) error {
	payload := maps.Clone(hc.Envelope.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	// the authenticated identity wins over anything the client put in
	payload["user_id"] = hc.Conn.UserID

	env := outbound(hc, protocol.TypeUserTyping, payload)
	r.broadcaster.Broadcast(hc.Ctx, env, hc.Conn.WorkspaceID, hc.Conn.UserID)
	return nil
}

// handleDashboardUpdate serves both dashboard_update and dashboard_filter.
func (r *EventRouter) handleDashboardUpdate(hc *HandlerContext) error {
	dashboardType, err := hc.Envelope.StringField("dashboard_type")
	if err != nil {
		return err
	}
	filters, err := hc.Envelope.ObjectField("filters")
	if err != nil {
		return err
	}
	data, err := hc.Envelope.ObjectField("data")
	if err != nil {
		return err
	}

	ds := r.dashboards.UpdateState(hc.Conn.UserID, hc.Conn.WorkspaceID, dashboardType, filters, data)

	partners := r.dashboards.Partners(hc.Conn.WorkspaceID, hc.Conn.UserID)
	if len(partners) == 0 {
		return nil
	}
	// one envelope per partner so each carries its own target_user_id
	delivered := 0
	for _, partner := range partners {
		payload := syncPayload(ds)
		payload["target_user_id"] = partner
		env := outbound(hc, protocol.TypeDashboardSync, payload)
		delivered += r.broadcaster.BroadcastToUsers(hc.Ctx, env, hc.Conn.WorkspaceID, []string{partner}).Delivered
	}
	hc.Logger.Debug("Dashboard state forwarded to partners",
		slog.String("dashboardType", dashboardType),
		slog.Int("partners", len(partners)),
		slog.Int("delivered", delivered),
	)
	return nil
}

// handleDashboardSync pairs the sender with payload.target_user_id and
// answers with the partner's current view-state, if any.
func (r *EventRouter) handleDashboardSync(hc *HandlerContext) error {
	target, err := hc.Envelope.StringField("target_user_id")
	if err != nil {
		return err
	}
	if target == hc.Conn.UserID {
		return &protocol.ProtocolError{Reason: "cannot sync a dashboard with yourself"}
	}
	r.dashboards.AddSyncedPair(hc.Conn.WorkspaceID, hc.Conn.UserID, target)

	payload := map[string]any{"target_user_id": target, "synced": true}
	if ds, ok := r.dashboards.GetState(target, hc.Conn.WorkspaceID); ok {
		maps.Copy(payload, syncPayload(ds))
	}
	return r.broadcaster.SendPersonal(hc.Ctx, outbound(hc, protocol.TypeDashboardSync, payload), hc.Conn)
}

func (r *EventRouter) handleDashboardState(hc *HandlerContext) error {
	payload := map[string]any{}
	if ds, ok := r.dashboards.GetState(hc.Conn.UserID, hc.Conn.WorkspaceID); ok {
		payload = statePayload(ds)
	}
	return r.broadcaster.SendPersonal(hc.Ctx, outbound(hc, protocol.TypeDashboardState, payload), hc.Conn)
}

func (r *EventRouter) handlePing(hc *HandlerContext) error {
	env := protocol.New(protocol.TypePong, map[string]any{})
	return r.broadcaster.SendPersonal(hc.Ctx, env, hc.Conn)
}

func (r *EventRouter) handleDisconnect(*HandlerContext) error {
	return ErrDisconnectRequested
}

func statePayload(ds state.DashboardState) map[string]any {
	return map[string]any{
		"user_id":        ds.UserID,
		"dashboard_type": ds.DashboardType,
		"filters":        ds.Filters,
		"data":           ds.Data,
		"updated_at":     protocol.Timestamp(ds.UpdatedAt),
	}
}

func syncPayload(ds state.DashboardState) map[string]any {
	p := statePayload(ds)
	p["source_user_id"] = ds.UserID
	delete(p, "user_id")
	return p
}
