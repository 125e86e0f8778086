package router

import (
	"fmt"
	"sync"

	"github.com/a-essam23/crm-dispatch/pkg/protocol"
)

type handlerTable struct {
	mu       sync.RWMutex
	handlers map[protocol.MessageType]HandlerFunc
}

// Handle registers fn for messages of type t. Registering a type twice is a
// programming error.
func (r *EventRouter) Handle(t protocol.MessageType, fn HandlerFunc) {
	r.table.mu.Lock()
	defer r.table.mu.Unlock()
	if _, exists := r.table.handlers[t]; exists {
		panic(fmt.Sprintf("handler already registered: %s", t))
	}
	r.table.handlers[t] = fn
}

func (r *EventRouter) handler(t protocol.MessageType) (HandlerFunc, bool) {
	r.table.mu.RLock()
	defer r.table.mu.RUnlock()
	fn, ok := r.table.handlers[t]
	return fn, ok
}

func (r *EventRouter) registerCoreHandlers() {
	r.Handle(protocol.TypeStateUpdate, r.handleStateUpdate)
	r.Handle(protocol.TypeUserTyping, r.handleUserTyping)
	r.Handle(protocol.TypeDashboardUpdate, r.handleDashboardUpdate)
	r.Handle(protocol.TypeDashboardFilter, r.handleDashboardUpdate)
	r.Handle(protocol.TypeDashboardSync, r.handleDashboardSync)
	r.Handle(protocol.TypeDashboardState, r.handleDashboardState)
	r.Handle(protocol.TypePing, r.handlePing)
	r.Handle(protocol.TypeDisconnect, r.handleDisconnect)
}
