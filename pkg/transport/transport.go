package transport

import (
	"context"
	"sort"
	"sync"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/types"
)

// Transport delivers messages to one agent. Adapters are pluggable: the
// bus only sees this contract.
type Transport interface {
	// Connect establishes the link to the agent.
	Connect(ctx context.Context) error
	// Close tears the link down.
	Close() error
	// IsConnected reports link health.
	IsConnected() bool
	// Send delivers one message. The context carries the delivery timeout.
	Send(ctx context.Context, msg *types.Message) error
	// ShouldReconnect classifies an error as transient link loss.
	ShouldReconnect(err error) bool
	// MarkForReconnect flags the link for re-establishment on next use.
	MarkForReconnect()
}

// EventType names a transport lifecycle event.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventMessage      EventType = "message"
)

// Event is surfaced to registry listeners.
type Event struct {
	Type    EventType
	AgentID string
	Message *types.Message // set for EventMessage
}

// Handler consumes transport events.
type Handler func(Event)

// Registry maps agent ids to their transports and fans out events.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport

	handlerMu sync.RWMutex
	handlers  []Handler
}

// NewRegistry creates an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]Transport)}
}

// Register binds an agent id to a transport, replacing any previous one.
func (r *Registry) Register(agentID string, t Transport) {
	r.mu.Lock()
	prev := r.transports[agentID]
	r.transports[agentID] = t
	r.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	r.Emit(Event{Type: EventConnected, AgentID: agentID})
}

// Deregister removes and closes an agent's transport.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	t, ok := r.transports[agentID]
	delete(r.transports, agentID)
	r.mu.Unlock()

	if ok {
		_ = t.Close()
		r.Emit(Event{Type: EventDisconnected, AgentID: agentID})
	}
}

// Get returns the transport for an agent.
func (r *Registry) Get(agentID string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[agentID]
	if !ok {
		return nil, errdefs.DeliveryFailure("no transport registered for agent %s", agentID)
	}
	return t, nil
}

// Connected lists agents with a live transport, sorted by id.
func (r *Registry) Connected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, t := range r.transports {
		if t.IsConnected() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// OnEvent registers an event listener.
func (r *Registry) OnEvent(h Handler) {
	r.handlerMu.Lock()
	r.handlers = append(r.handlers, h)
	r.handlerMu.Unlock()
}

// Emit fans an event out to every listener. Transports call this for
// inbound messages and link state changes.
func (r *Registry) Emit(ev Event) {
	r.handlerMu.RLock()
	handlers := r.handlers
	r.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
