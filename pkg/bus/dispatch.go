package bus

import (
	"context"
	"time"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/metrics"
	"github.com/corvid-labs/rookery/pkg/transport"
	"github.com/corvid-labs/rookery/pkg/types"
)

// maxDeliveryTimeout caps the per-target delivery window regardless of a
// message's ttl.
const maxDeliveryTimeout = 30 * time.Second

// Dispatcher performs individual deliveries through the transport
// registry. Routing decides where; the dispatcher only carries.
type Dispatcher struct {
	transports *transport.Registry
}

// NewDispatcher creates a dispatcher over a transport registry.
func NewDispatcher(reg *transport.Registry) *Dispatcher {
	return &Dispatcher{transports: reg}
}

// deliveryTimeout is min(remaining ttl, 30s).
func deliveryTimeout(msg *types.Message, now time.Time) time.Duration {
	timeout := maxDeliveryTimeout
	if !msg.ExpiresAt.IsZero() {
		if remaining := msg.ExpiresAt.Sub(now); remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// Deliver sends one message to one agent, bounded by the delivery
// timeout.
func (d *Dispatcher) Deliver(ctx context.Context, msg *types.Message, agentID string) error {
	now := time.Now()
	if msg.Expired(now) {
		return errdefs.Timeout("message %s expired before delivery to %s", msg.ID, agentID)
	}

	tr, err := d.transports.Get(agentID)
	if err != nil {
		return err
	}

	timeout := deliveryTimeout(msg, now)
	if timeout <= 0 {
		return errdefs.Timeout("message %s has no delivery window left", msg.ID)
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := tr.Send(dctx, msg); err != nil {
		if errdefs.IsTimeout(err) {
			metrics.TimeoutsTotal.WithLabelValues("delivery").Inc()
		}
		if tr.ShouldReconnect(err) {
			tr.MarkForReconnect()
		}
		return err
	}
	metrics.MessagesDeliveredTotal.Inc()
	return nil
}
