package engine

import (
	"github.com/a-essam23/crm-dispatch/pkg/state"
)

// recipients resolves a workspace snapshot to the connections accepted by keep.
func (e *Engine) recipients(workspaceID string, keep func(userID string, c *state.Connection) bool) []*state.Connection {
	snapshot := e.registry.ConnectionsFor(workspaceID)
	if len(snapshot) == 0 {
		return nil
	}

	targets := make([]*state.Connection, 0, len(snapshot))
	for userID, conns := range snapshot {
		for _, c := range conns {
			if keep(userID, c) {
				targets = append(targets, c)
			}
		}
	}
	return targets
}
