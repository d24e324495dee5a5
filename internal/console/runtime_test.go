package console

import (
	"context"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/opsconsole/console/internal/backend"
	"github.com/opsconsole/console/internal/board"
	"github.com/opsconsole/console/internal/config"
	"github.com/opsconsole/console/internal/instance"
	"github.com/opsconsole/console/internal/session"
	"github.com/opsconsole/console/internal/testutil"
	"github.com/opsconsole/console/pkg/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = log.New(io.Discard, "", 0)

func int64Ptr(v int64) *int64 { return &v }

func signToken(t *testing.T, claims session.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func testConfig(fb *testutil.FakeBackend) *config.ConsoleConfig {
	cfg := config.Default()
	cfg.APIURL = fb.URL()
	cfg.Realtime = &config.RealtimeConfig{PingInterval: "0s"}
	return cfg
}

// setupRuntime builds a runtime for user 7 of tenant 3 against a fake backend
func setupRuntime(t *testing.T, mutate func(*config.ConsoleConfig)) (*Runtime, *testutil.FakeBackend, string) {
	fb := testutil.NewFakeBackend(t)
	cfg := testConfig(fb)
	if mutate != nil {
		mutate(cfg)
	}

	token := signToken(t, session.Claims{UserID: int64Ptr(7), TenantID: int64Ptr(3)})
	sess, err := session.New(token)
	require.NoError(t, err)

	rt, err := New(cfg, sess, WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Stop() })
	return rt, fb, token
}

func startRuntime(t *testing.T, mutate func(*config.ConsoleConfig)) (*Runtime, *testutil.FakeBackend, string) {
	rt, fb, token := setupRuntime(t, mutate)
	require.NoError(t, rt.Start(context.Background()))
	fb.WaitForSockets(1)
	return rt, fb, token
}

func chatFrame(sender, content string) gin.H {
	return gin.H{"type": "chat_message", "sender_id": sender, "content": content}
}

func waitTranscript(t *testing.T, rt *Runtime, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return rt.Chat().Len() == n }, 2*time.Second, 10*time.Millisecond,
		"expected %d transcript entries", n)
}

func TestStart(t *testing.T) {
	t.Run("opens the tenant channel and routes chat", func(t *testing.T) {
		rt, fb, _ := startRuntime(t, nil)

		assert.Equal(t, []string{testutil.APIPrefix + "/ws/3/7"}, fb.SocketPaths())
		assert.True(t, rt.Manager().Connected())

		fb.Push(chatFrame("9", "hello"))
		waitTranscript(t, rt, 1)

		entries := rt.Chat().Transcript()
		assert.Equal(t, "9", entries[0].SenderID)
		assert.Equal(t, "hello", entries[0].Content)
	})

	t.Run("second start is rejected", func(t *testing.T) {
		rt, _, _ := startRuntime(t, nil)
		assert.ErrorIs(t, rt.Start(context.Background()), ErrAlreadyStarted)
	})

	t.Run("expired session", func(t *testing.T) {
		fb := testutil.NewFakeBackend(t)
		token := signToken(t, session.Claims{
			UserID:           int64Ptr(7),
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
		})
		sess, err := session.New(token)
		require.NoError(t, err)

		rt, err := New(testConfig(fb), sess, WithLogger(quiet))
		require.NoError(t, err)
		assert.ErrorIs(t, rt.Start(context.Background()), ErrNotAuthenticated)
		assert.Equal(t, 0, fb.SocketCount())
	})

	t.Run("resolves identity when the token carries none", func(t *testing.T) {
		fb := testutil.NewFakeBackend(t)
		sess, err := session.New(signToken(t, session.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "ops@example.com"}}))
		require.NoError(t, err)

		rt, err := New(testConfig(fb), sess, WithLogger(quiet))
		require.NoError(t, err)
		t.Cleanup(func() { rt.Stop() })

		require.NoError(t, rt.Start(context.Background()))
		fb.WaitForSockets(1)
		assert.Equal(t, []string{testutil.APIPrefix + "/ws/3/7"}, fb.SocketPaths())
	})
}

func TestSubscribe(t *testing.T) {
	rt, fb, _ := startRuntime(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	events := rt.Subscribe(ctx)

	fb.Push(gin.H{"type": "instance_status_update", "instance_id": 4, "status": "open"})

	select {
	case ev := <-events:
		update, ok := ev.(*realtime.InstanceStatusUpdate)
		require.True(t, ok)
		assert.Equal(t, int64(4), update.InstanceID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for routed event")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-events
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTranscriptLifecycle(t *testing.T) {
	t.Run("cleared when the channel drops", func(t *testing.T) {
		rt, fb, _ := startRuntime(t, nil)

		fb.Push(chatFrame("9", "before"))
		waitTranscript(t, rt, 1)

		fb.DropSockets()
		waitTranscript(t, rt, 0)
		assert.False(t, rt.Manager().Connected())
	})

	t.Run("cleared on server close", func(t *testing.T) {
		rt, fb, _ := startRuntime(t, nil)

		fb.Push(chatFrame("9", "before"))
		waitTranscript(t, rt, 1)

		fb.CloseSockets(1000, "bye")
		waitTranscript(t, rt, 0)
	})

	t.Run("routing resumes after reconnect", func(t *testing.T) {
		rt, fb, _ := startRuntime(t, nil)

		fb.DropSockets()
		require.Eventually(t, func() bool { return !rt.Manager().Connected() }, 2*time.Second, 10*time.Millisecond)

		require.NoError(t, rt.Reconnect(context.Background()))
		fb.WaitForSockets(2)

		fb.Push(chatFrame("9", "after"))
		waitTranscript(t, rt, 1)
		assert.Equal(t, "after", rt.Chat().Transcript()[0].Content)
	})
}

func TestSendChat(t *testing.T) {
	rt, fb, _ := setupRuntime(t, nil)

	assert.ErrorIs(t, rt.SendChat("early"), realtime.ErrNotConnected)

	require.NoError(t, rt.Start(context.Background()))
	fb.WaitForSockets(1)

	require.NoError(t, rt.SendChat("ping"))
	frames := fb.WaitForReceived(1)
	assert.JSONEq(t, `{"type":"chat_message","content":"ping"}`, string(frames[0]))
}

func TestMoveCard(t *testing.T) {
	seed := func(fb *testutil.FakeBackend) {
		fb.AddBoard(1, "Sales")
		fb.AddColumn(1, 10, "Lead", 0)
		fb.AddColumn(1, 20, "Won", 1)
		fb.AddCard(10, 100, "Acme", 0)
		fb.AddCard(10, 101, "Globex", 1)
	}
	drag := board.DragResult{
		CardID:      100,
		Source:      board.Location{ColumnID: 10, Index: 0},
		Destination: &board.Location{ColumnID: 20, Index: 0},
	}

	t.Run("commits", func(t *testing.T) {
		rt, fb, token := setupRuntime(t, nil)
		seed(fb)
		require.NoError(t, rt.LoadBoard(context.Background()))

		m, err := rt.MoveCard(context.Background(), drag)
		require.NoError(t, err)
		assert.Equal(t, board.MutationCommitted, m.State)

		loc, ok := rt.Board().Locate(100)
		require.True(t, ok)
		assert.Equal(t, board.Location{ColumnID: 20, Index: 0}, loc)
		assert.Equal(t, []testutil.CardUpdate{{CardID: 100, ColumnID: 20, Order: 0, Token: token}}, fb.CardUpdates())
	})

	t.Run("rolls back on rejection", func(t *testing.T) {
		rt, fb, _ := setupRuntime(t, nil)
		seed(fb)
		fb.FailCardUpdate(100, http.StatusInternalServerError)
		require.NoError(t, rt.LoadBoard(context.Background()))

		m, err := rt.MoveCard(context.Background(), drag)
		var rollback *board.RollbackError
		require.ErrorAs(t, err, &rollback)
		assert.Equal(t, board.MutationRolledBack, m.State)

		loc, ok := rt.Board().Locate(100)
		require.True(t, ok)
		assert.Equal(t, drag.Source, loc)
		assert.True(t, rt.Session().Authenticated())
	})

	t.Run("configured board", func(t *testing.T) {
		rt, fb, _ := setupRuntime(t, func(cfg *config.ConsoleConfig) {
			cfg.Board = &config.BoardConfig{ID: int64Ptr(2)}
		})
		seed(fb)
		fb.AddBoard(2, "Support")
		fb.AddColumn(2, 30, "Open", 0)

		require.NoError(t, rt.LoadBoard(context.Background()))
		b, ok := rt.Board().Board()
		require.True(t, ok)
		assert.Equal(t, "Support", b.Name)
	})
}

func TestInstances(t *testing.T) {
	t.Run("connect applies the pairing code from the reply", func(t *testing.T) {
		rt, fb, _ := startRuntime(t, nil)
		fb.AddInstance(1, "sales", "disconnected")
		fb.SetConnectReply(1, gin.H{"qr_code": "data:image/png;base64,AAAA"})

		require.NoError(t, rt.LoadInstances(context.Background()))
		require.NoError(t, rt.ConnectInstance(context.Background(), 1))

		artifact, ok := rt.Instances().ArtifactFor(1)
		require.True(t, ok)
		assert.Equal(t, "data:image/png;base64,AAAA", artifact.Payload)
		assert.Equal(t, []int64{1}, fb.ConnectCalls())
	})

	t.Run("status events update the store", func(t *testing.T) {
		rt, fb, _ := startRuntime(t, nil)
		fb.AddInstance(1, "sales", "connecting")
		require.NoError(t, rt.LoadInstances(context.Background()))

		fb.Push(gin.H{"type": "instance_status_update", "instance_id": 1, "status": "open"})
		require.Eventually(t, func() bool {
			inst, ok := rt.Instances().Get(1)
			return ok && inst.Status == instance.StatusConnected
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("create adds to the store", func(t *testing.T) {
		rt, _, _ := setupRuntime(t, nil)

		inst, err := rt.CreateInstance(context.Background(), backend.InstanceCreate{Name: "support", APIURL: "http://gateway.local"})
		require.NoError(t, err)
		assert.Equal(t, "support", inst.Name)

		_, ok := rt.Instances().Get(inst.ID)
		assert.True(t, ok)
	})
}

func TestRevokedToken(t *testing.T) {
	rt, fb, token := startRuntime(t, nil)
	fb.RevokeToken(token)

	err := rt.LoadInstances(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Could not validate credentials")

	assert.False(t, rt.Session().Authenticated())
	assert.Empty(t, rt.Session().Token())
	assert.Equal(t, realtime.StateClosed, rt.Manager().State())
}

func TestTap(t *testing.T) {
	t.Run("mirrors routed frames", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rt, fb, _ := startRuntime(t, func(cfg *config.ConsoleConfig) {
			cfg.Tap = &config.TapConfig{RedisURL: "redis://" + mr.Addr()}
		})
		require.NotNil(t, rt.Tap())

		fb.Push(chatFrame("9", "mirrored"))
		require.Eventually(t, func() bool {
			events, err := rt.Tap().History(context.Background(), 10)
			return err == nil && len(events) == 1
		}, 2*time.Second, 10*time.Millisecond)

		counts, err := rt.Tap().Counts(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts["chat_message"])
	})

	t.Run("unreachable redis leaves the session running", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		rt, fb, _ := startRuntime(t, func(cfg *config.ConsoleConfig) {
			cfg.Tap = &config.TapConfig{RedisURL: "redis://" + addr}
		})
		assert.Nil(t, rt.Tap())

		fb.Push(chatFrame("9", "still routed"))
		waitTranscript(t, rt, 1)
	})
}

func TestLogout(t *testing.T) {
	rt, fb, _ := startRuntime(t, nil)

	require.NoError(t, rt.Logout())
	assert.False(t, rt.Session().Authenticated())
	require.Eventually(t, func() bool { return len(fb.CloseFrames()) == 1 }, 2*time.Second, 10*time.Millisecond)
}
