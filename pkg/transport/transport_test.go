package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/types"
)

func TestInProcDelivers(t *testing.T) {
	var got *types.Message
	tr := NewInProc("agent-1", func(m *types.Message) error {
		got = m
		return nil
	})

	msg := &types.Message{ID: "m1", Content: []byte("hello")}
	require.NoError(t, tr.Send(context.Background(), msg))
	require.NotNil(t, got)
	assert.Equal(t, "m1", got.ID)
}

func TestInProcHandlerErrorBecomesDeliveryFailure(t *testing.T) {
	tr := NewInProc("agent-1", func(*types.Message) error {
		return errors.New("agent busy")
	})

	err := tr.Send(context.Background(), &types.Message{ID: "m1"})
	assert.True(t, errdefs.IsDeliveryFailure(err))
}

func TestInProcTimeout(t *testing.T) {
	tr := NewInProc("agent-1", func(*types.Message) error {
		time.Sleep(time.Second)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := tr.Send(ctx, &types.Message{ID: "m1"})
	assert.True(t, errdefs.IsTimeout(err))
}

func TestInProcClosedRejectsSends(t *testing.T) {
	tr := NewInProc("agent-1", func(*types.Message) error { return nil })
	require.NoError(t, tr.Close())
	assert.False(t, tr.IsConnected())

	err := tr.Send(context.Background(), &types.Message{ID: "m1"})
	assert.True(t, errdefs.IsDeliveryFailure(err))

	require.NoError(t, tr.Connect(context.Background()))
	assert.True(t, tr.IsConnected())
}

func TestRegistryLookupAndEvents(t *testing.T) {
	reg := NewRegistry()

	var events []Event
	reg.OnEvent(func(ev Event) { events = append(events, ev) })

	tr := NewInProc("agent-1", func(*types.Message) error { return nil })
	reg.Register("agent-1", tr)

	got, err := reg.Get("agent-1")
	require.NoError(t, err)
	assert.Same(t, Transport(tr), got)

	_, err = reg.Get("ghost")
	assert.True(t, errdefs.IsDeliveryFailure(err))

	assert.Equal(t, []string{"agent-1"}, reg.Connected())

	reg.Deregister("agent-1")
	_, err = reg.Get("agent-1")
	assert.Error(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, EventConnected, events[0].Type)
	assert.Equal(t, EventDisconnected, events[1].Type)
}
