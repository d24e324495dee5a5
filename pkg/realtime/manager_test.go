package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opsconsole/console/internal/testutil"
	"github.com/opsconsole/console/pkg/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCreds struct {
	id    realtime.Identity
	token string
	auth  bool
}

func (c staticCreds) Identity() realtime.Identity { return c.id }
func (c staticCreds) Token() string               { return c.token }
func (c staticCreds) Authenticated() bool         { return c.auth }

func tenantCreds(tenant, user int64) staticCreds {
	return staticCreds{id: realtime.Identity{TenantID: &tenant, UserID: user}, token: "tok-123", auth: true}
}

// setupManager creates a manager pointed at a fresh fake backend
func setupManager(t *testing.T) (*realtime.Manager, *testutil.FakeBackend) {
	backend := testutil.NewFakeBackend(t)
	mgr, err := realtime.NewManager(backend.URL(),
		realtime.WithLogger(log.New(io.Discard, "", 0)),
		realtime.WithPingInterval(0),
	)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Disconnect() })
	return mgr, backend
}

func nextEvent(t *testing.T, events <-chan realtime.Event) realtime.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func waitClosed(t *testing.T, events <-chan realtime.Event) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for event stream to close")
		}
	}
}

func TestNewManager(t *testing.T) {
	t.Run("accepts http base", func(t *testing.T) {
		_, err := realtime.NewManager("http://localhost:8000/api/v1")
		assert.NoError(t, err)
	})

	t.Run("rejects unsupported scheme", func(t *testing.T) {
		_, err := realtime.NewManager("ftp://localhost")
		assert.Error(t, err)
	})
}

func TestConnect(t *testing.T) {
	t.Run("dials derived address with bearer token", func(t *testing.T) {
		mgr, backend := setupManager(t)

		require.NoError(t, mgr.Connect(context.Background(), tenantCreds(3, 7)))
		backend.WaitForSockets(1)

		assert.Equal(t, realtime.StateOpen, mgr.State())
		assert.True(t, mgr.Connected())
		assert.Equal(t, []string{"/api/v1/ws/3/7"}, backend.SocketPaths())
		assert.Equal(t, []string{"Bearer tok-123"}, backend.SocketAuth())
	})

	t.Run("superuser without tenant uses sentinel segment", func(t *testing.T) {
		mgr, backend := setupManager(t)

		creds := staticCreds{id: realtime.Identity{UserID: 1}, token: "t", auth: true}
		require.NoError(t, mgr.Connect(context.Background(), creds))
		backend.WaitForSockets(1)

		assert.Equal(t, []string{"/api/v1/ws/0/1"}, backend.SocketPaths())
	})

	t.Run("second connect for same identity is a no-op", func(t *testing.T) {
		mgr, backend := setupManager(t)
		ctx := context.Background()

		require.NoError(t, mgr.Connect(ctx, tenantCreds(3, 7)))
		require.NoError(t, mgr.Connect(ctx, tenantCreds(3, 7)))
		backend.WaitForSockets(1)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, backend.SocketCount())
		assert.Equal(t, realtime.StateOpen, mgr.State())
	})

	t.Run("unauthenticated session is skipped silently", func(t *testing.T) {
		mgr, backend := setupManager(t)

		creds := tenantCreds(3, 7)
		creds.auth = false
		assert.NoError(t, mgr.Connect(context.Background(), creds))
		assert.NoError(t, mgr.Connect(context.Background(), nil))

		assert.Equal(t, realtime.StateIdle, mgr.State())
		assert.Equal(t, 0, backend.SocketCount())
	})

	t.Run("identity switch closes previous channel", func(t *testing.T) {
		mgr, backend := setupManager(t)
		ctx := context.Background()

		require.NoError(t, mgr.Connect(ctx, tenantCreds(3, 7)))
		first := mgr.Events()
		require.NoError(t, mgr.Connect(ctx, tenantCreds(4, 8)))
		backend.WaitForSockets(2)

		waitClosed(t, first)
		id, ok := mgr.Identity()
		require.True(t, ok)
		assert.Equal(t, int64(8), id.UserID)
		assert.Equal(t, []string{"/api/v1/ws/3/7", "/api/v1/ws/4/8"}, backend.SocketPaths())
	})

	t.Run("refused handshake errors the channel", func(t *testing.T) {
		mgr, backend := setupManager(t)
		backend.RejectSockets()

		err := mgr.Connect(context.Background(), tenantCreds(3, 7))
		require.Error(t, err)

		var terr *realtime.TransportError
		require.True(t, errors.As(err, &terr))
		assert.Equal(t, "dial", terr.Op)
		assert.Equal(t, realtime.StateErrored, mgr.State())
		waitClosed(t, mgr.Events())
	})
}

func TestSend(t *testing.T) {
	t.Run("fails when not connected", func(t *testing.T) {
		mgr, backend := setupManager(t)

		err := mgr.Send(realtime.NewOutboundChat("hello"))
		assert.ErrorIs(t, err, realtime.ErrNotConnected)
		assert.True(t, realtime.IsNotConnected(err))
		assert.Empty(t, backend.Received())
	})

	t.Run("writes json frame when open", func(t *testing.T) {
		mgr, backend := setupManager(t)
		require.NoError(t, mgr.Connect(context.Background(), tenantCreds(3, 7)))

		require.NoError(t, mgr.Send(realtime.NewOutboundChat("hello")))

		frames := backend.WaitForReceived(1)
		assert.JSONEq(t, `{"type":"chat_message","content":"hello"}`, string(frames[0]))
	})

	t.Run("serialization failure keeps channel open", func(t *testing.T) {
		mgr, _ := setupManager(t)
		require.NoError(t, mgr.Connect(context.Background(), tenantCreds(3, 7)))

		err := mgr.Send(map[string]any{"bad": make(chan int)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to serialize outbound frame")
		assert.Equal(t, realtime.StateOpen, mgr.State())
	})
}

func TestEvents(t *testing.T) {
	t.Run("delivers frames in arrival order", func(t *testing.T) {
		mgr, backend := setupManager(t)
		require.NoError(t, mgr.Connect(context.Background(), tenantCreds(3, 7)))
		backend.WaitForSockets(1)
		events := mgr.Events()

		backend.Push(map[string]any{"type": "chat_message", "sender_id": "1", "content": "a"})
		backend.PushRaw([]byte("not json"))
		backend.Push(map[string]any{"type": "chat_message", "sender_id": "1", "content": "b"})
		backend.Push(map[string]any{"type": "mystery"})

		first := nextEvent(t, events)
		require.IsType(t, &realtime.ChatMessage{}, first)
		assert.Equal(t, "a", first.(*realtime.ChatMessage).Content)

		second := nextEvent(t, events)
		require.IsType(t, &realtime.MalformedEvent{}, second)
		assert.Equal(t, []byte("not json"), second.Raw())

		third := nextEvent(t, events)
		require.IsType(t, &realtime.ChatMessage{}, third)
		assert.Equal(t, "b", third.(*realtime.ChatMessage).Content)

		fourth := nextEvent(t, events)
		assert.Equal(t, realtime.EventType("mystery"), fourth.EventType())
	})

	t.Run("stream without channel is closed", func(t *testing.T) {
		mgr, _ := setupManager(t)
		_, ok := <-mgr.Events()
		assert.False(t, ok)
	})

	t.Run("reconnect yields a new stream", func(t *testing.T) {
		mgr, backend := setupManager(t)
		ctx := context.Background()

		require.NoError(t, mgr.Connect(ctx, tenantCreds(3, 7)))
		first := mgr.Events()
		require.NoError(t, mgr.Disconnect())
		waitClosed(t, first)

		require.NoError(t, mgr.Connect(ctx, tenantCreds(3, 7)))
		backend.WaitForSockets(2)
		second := mgr.Events()
		assert.NotEqual(t, first, second)

		backend.Push(map[string]any{"type": "instance_status_update", "instance_id": 1, "status": "open"})
		ev := nextEvent(t, second)
		assert.Equal(t, realtime.EventInstanceStatus, ev.EventType())
	})
}

func TestDisconnect(t *testing.T) {
	t.Run("sends normal closure and closes stream", func(t *testing.T) {
		mgr, backend := setupManager(t)
		require.NoError(t, mgr.Connect(context.Background(), tenantCreds(3, 7)))
		backend.WaitForSockets(1)
		events := mgr.Events()

		require.NoError(t, mgr.Disconnect())

		assert.Equal(t, realtime.StateClosed, mgr.State())
		waitClosed(t, events)
		require.Eventually(t, func() bool { return len(backend.CloseFrames()) == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, testutil.CloseFrame{Code: websocket.CloseNormalClosure, Text: realtime.CloseReason}, backend.CloseFrames()[0])
		assert.ErrorIs(t, mgr.Send(realtime.NewOutboundChat("x")), realtime.ErrNotConnected)
	})

	t.Run("safe when never connected or already closed", func(t *testing.T) {
		mgr, _ := setupManager(t)
		assert.NoError(t, mgr.Disconnect())

		require.NoError(t, mgr.Connect(context.Background(), tenantCreds(3, 7)))
		assert.NoError(t, mgr.Disconnect())
		assert.NoError(t, mgr.Disconnect())
		assert.Equal(t, realtime.StateClosed, mgr.State())
	})
}

func TestTransportFailure(t *testing.T) {
	t.Run("dropped socket moves channel to errored", func(t *testing.T) {
		mgr, backend := setupManager(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, mgr.Connect(ctx, tenantCreds(3, 7)))
		backend.WaitForSockets(1)
		status := mgr.WatchStatus(ctx)
		events := mgr.Events()

		initial := <-status
		assert.True(t, initial.Connected)

		backend.DropSockets()

		select {
		case sc := <-status:
			assert.False(t, sc.Connected)
			assert.Equal(t, realtime.StateErrored, sc.State)
			var terr *realtime.TransportError
			assert.True(t, errors.As(sc.Err, &terr))
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for errored transition")
		}
		waitClosed(t, events)

		// No automatic reconnection
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, backend.SocketCount())
	})

	t.Run("server close is a normal end", func(t *testing.T) {
		mgr, backend := setupManager(t)
		require.NoError(t, mgr.Connect(context.Background(), tenantCreds(3, 7)))
		backend.WaitForSockets(1)

		backend.CloseSockets(websocket.CloseNormalClosure, "bye")

		require.Eventually(t, func() bool { return mgr.State() == realtime.StateClosed }, 2*time.Second, 10*time.Millisecond)
	})
}

func TestWatchStatus(t *testing.T) {
	mgr, backend := setupManager(t)
	ctx, cancel := context.WithCancel(context.Background())

	status := mgr.WatchStatus(ctx)
	first := <-status
	assert.Equal(t, realtime.StateIdle, first.State)
	assert.False(t, first.Connected)

	require.NoError(t, mgr.Connect(ctx, tenantCreds(3, 7)))
	backend.WaitForSockets(1)

	var states []realtime.State
	for len(states) < 2 {
		select {
		case sc := <-status:
			states = append(states, sc.State)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for transitions")
		}
	}
	assert.Equal(t, []realtime.State{realtime.StateConnecting, realtime.StateOpen}, states)

	data, err := json.Marshal(realtime.StatusChange{Connected: true, State: realtime.StateOpen})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"connected":true`)

	cancel()
	for {
		select {
		case _, ok := <-status:
			if !ok {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("status stream not closed after cancel")
		}
	}
}
