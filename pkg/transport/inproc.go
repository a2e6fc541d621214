package transport

import (
	"context"
	"sync"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/types"
)

// InProc is the in-process transport: messages are handed straight to the
// receiving agent's handler on the sender's goroutine, bounded by the
// delivery context.
type InProc struct {
	agentID string
	handler func(*types.Message) error

	mu        sync.Mutex
	connected bool
}

// NewInProc creates an in-process transport for an agent. handler is
// invoked once per delivered message; a non-nil return fails the delivery.
func NewInProc(agentID string, handler func(*types.Message) error) *InProc {
	return &InProc{agentID: agentID, handler: handler, connected: true}
}

func (t *InProc) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *InProc) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *InProc) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *InProc) Send(ctx context.Context, msg *types.Message) error {
	if !t.IsConnected() {
		return errdefs.DeliveryFailure("agent %s transport is closed", t.agentID)
	}

	done := make(chan error, 1)
	go func() { done <- t.handler(msg) }()

	select {
	case err := <-done:
		if err != nil {
			return errdefs.Wrap(errdefs.KindDeliveryFailure, err, "agent %s rejected message %s", t.agentID, msg.ID)
		}
		return nil
	case <-ctx.Done():
		return errdefs.Timeout("delivery of %s to %s timed out", msg.ID, t.agentID)
	}
}

// ShouldReconnect is always false in-process: the handler either works or
// it does not.
func (t *InProc) ShouldReconnect(err error) bool { return false }

func (t *InProc) MarkForReconnect() {}
