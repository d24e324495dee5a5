package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("chat message with string sender", func(t *testing.T) {
		raw := []byte(`{"type":"chat_message","sender_id":"alice","content":"hi"}`)
		ev := Decode(raw)

		msg, ok := ev.(*ChatMessage)
		require.True(t, ok, "expected *ChatMessage, got %T", ev)
		assert.Equal(t, EventChatMessage, msg.EventType())
		assert.Equal(t, "alice", msg.SenderID)
		assert.Equal(t, "hi", msg.Content)
		assert.True(t, msg.Timestamp.IsZero())
		assert.Equal(t, raw, msg.Raw())
	})

	t.Run("chat message with numeric sender and timestamp", func(t *testing.T) {
		ev := Decode([]byte(`{"type":"chat_message","sender_id":42,"content":"hi","timestamp":"2024-05-01T10:00:00Z"}`))

		msg, ok := ev.(*ChatMessage)
		require.True(t, ok)
		assert.Equal(t, "42", msg.SenderID)
		assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), msg.Timestamp.UTC())
	})

	t.Run("external message", func(t *testing.T) {
		ev := Decode([]byte(`{"type":"new_message","sender":"5511999999999","content":"oi"}`))

		msg, ok := ev.(*ExternalMessage)
		require.True(t, ok)
		assert.Equal(t, "5511999999999", msg.Sender)
		assert.Equal(t, "oi", msg.Content)
		assert.Nil(t, msg.InstanceID)
	})

	t.Run("instance status update", func(t *testing.T) {
		ev := Decode([]byte(`{"type":"instance_status_update","instance_id":12,"status":"open"}`))

		upd, ok := ev.(*InstanceStatusUpdate)
		require.True(t, ok)
		assert.Equal(t, int64(12), upd.InstanceID)
		assert.Equal(t, "open", upd.Status)
	})

	t.Run("instance qr code", func(t *testing.T) {
		ev := Decode([]byte(`{"type":"instance_qr_code","instance_id":12,"qr_code":"data:image/png;base64,AAA"}`))

		art, ok := ev.(*InstancePairingArtifact)
		require.True(t, ok)
		assert.Equal(t, int64(12), art.InstanceID)
		assert.Equal(t, "data:image/png;base64,AAA", art.QRCode)
	})

	t.Run("unknown type", func(t *testing.T) {
		ev := Decode([]byte(`{"type":"board_delta","card_id":1}`))

		unk, ok := ev.(*UnknownEvent)
		require.True(t, ok)
		assert.Equal(t, EventType("board_delta"), unk.EventType())
	})

	t.Run("missing type is unknown", func(t *testing.T) {
		ev := Decode([]byte(`{"content":"x"}`))
		_, ok := ev.(*UnknownEvent)
		assert.True(t, ok)
	})

	t.Run("not json is malformed and keeps raw bytes", func(t *testing.T) {
		raw := []byte(`ping?`)
		ev := Decode(raw)

		bad, ok := ev.(*MalformedEvent)
		require.True(t, ok)
		assert.Equal(t, EventMalformed, bad.EventType())
		assert.Equal(t, raw, bad.Raw())
		assert.Contains(t, bad.Err.Error(), "failed to parse inbound frame")
	})

	t.Run("wrong field type is malformed", func(t *testing.T) {
		ev := Decode([]byte(`{"type":"instance_status_update","instance_id":"twelve","status":"open"}`))

		bad, ok := ev.(*MalformedEvent)
		require.True(t, ok)
		assert.Contains(t, bad.Err.Error(), "instance_status_update")
	})

	t.Run("raw is a copy", func(t *testing.T) {
		raw := []byte(`{"type":"chat_message","sender_id":"a","content":"b"}`)
		ev := Decode(raw)
		raw[0] = 'X'
		assert.Equal(t, byte('{'), ev.Raw()[0])
	})
}
