package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opsconsole/console/internal/router"
	"github.com/opsconsole/console/pkg/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records frames instead of writing them to a socket
type fakeSender struct {
	connected bool
	sent      []any
	err       error
}

func (f *fakeSender) Send(v any) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeSender) Connected() bool { return f.connected }

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func setupChat(connected bool, opts ...Option) (*Chat, *fakeSender) {
	sender := &fakeSender{connected: connected}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(sender, opts...), sender
}

func TestOnChatMessage(t *testing.T) {
	t.Run("appends in arrival order", func(t *testing.T) {
		c, _ := setupChat(true)

		c.OnChatMessage(&realtime.ChatMessage{SenderID: "1", Content: "a"})
		c.OnChatMessage(&realtime.ChatMessage{SenderID: "2", Content: "b"})

		transcript := c.Transcript()
		require.Len(t, transcript, 2)
		assert.Equal(t, "a", transcript[0].Content)
		assert.Equal(t, "b", transcript[1].Content)
	})

	t.Run("keeps backend timestamp", func(t *testing.T) {
		c, _ := setupChat(true)
		ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		c.OnChatMessage(&realtime.ChatMessage{SenderID: "1", Content: "a", Timestamp: ts})
		c.OnChatMessage(&realtime.ChatMessage{SenderID: "1", Content: "b"})

		transcript := c.Transcript()
		assert.Equal(t, ts, transcript[0].Timestamp)
		assert.Equal(t, fixedNow, transcript[1].Timestamp)
	})
}

func TestOnExternalMessage(t *testing.T) {
	c, _ := setupChat(true)

	c.OnExternalMessage(&realtime.ExternalMessage{Sender: "5511988887777", Content: "oi"})

	assert.Equal(t, []Entry{{SenderID: "External: 5511988887777", Content: "oi", Timestamp: fixedNow}}, c.Transcript())
}

func TestSendChat(t *testing.T) {
	t.Run("blank content never reaches sender", func(t *testing.T) {
		for _, content := range []string{"", "  ", "\n\t"} {
			c, sender := setupChat(true)
			assert.ErrorIs(t, c.SendChat(content), ErrEmptyMessage)
			assert.Empty(t, sender.sent)
		}
	})

	t.Run("disconnected channel never reaches sender", func(t *testing.T) {
		c, sender := setupChat(false)
		assert.ErrorIs(t, c.SendChat("hello"), realtime.ErrNotConnected)
		assert.Empty(t, sender.sent)
	})

	t.Run("sends untrimmed content as chat frame", func(t *testing.T) {
		c, sender := setupChat(true)
		require.NoError(t, c.SendChat(" hello "))
		assert.Equal(t, []any{realtime.OutboundChat{Type: realtime.EventChatMessage, Content: " hello "}}, sender.sent)
	})

	t.Run("local send does not echo into transcript", func(t *testing.T) {
		c, _ := setupChat(true)
		require.NoError(t, c.SendChat("hello"))
		assert.Equal(t, 0, c.Len())
	})

	t.Run("surfaces sender errors", func(t *testing.T) {
		c, sender := setupChat(true)
		sender.err = errors.New("write failed")
		assert.EqualError(t, c.SendChat("hello"), "write failed")
	})

	t.Run("rate limit", func(t *testing.T) {
		c, sender := setupChat(true, WithRateLimit(0.001, 2))
		require.NoError(t, c.SendChat("1"))
		require.NoError(t, c.SendChat("2"))
		assert.ErrorIs(t, c.SendChat("3"), ErrRateLimited)
		assert.Len(t, sender.sent, 2)
	})
}

func TestReset(t *testing.T) {
	c, _ := setupChat(true)
	c.OnChatMessage(&realtime.ChatMessage{Content: "a"})
	c.Reset()
	assert.Empty(t, c.Transcript())
}

func TestRegister(t *testing.T) {
	c, _ := setupChat(true)
	r := router.New()
	require.NoError(t, c.Register(r))

	r.Dispatch(context.Background(), realtime.Decode([]byte(`{"type":"chat_message","sender_id":"9","content":"a"}`)))
	r.Dispatch(context.Background(), realtime.Decode([]byte(`{"type":"new_message","sender":"x","content":"b"}`)))
	r.Dispatch(context.Background(), realtime.Decode([]byte(`{"type":"instance_qr_code","instance_id":1,"qr_code":"q"}`)))

	transcript := c.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "9", transcript[0].SenderID)
	assert.Equal(t, "External: x", transcript[1].SenderID)

	assert.Error(t, c.Register(r), "second registration must fail")
}
