package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// flexString accepts either a JSON string or a JSON number. The backend
// broadcasts chat sender ids as integers even though the console treats
// them as opaque strings.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

type envelope struct {
	Type string `json:"type"`
}

type chatWire struct {
	SenderID  flexString `json:"sender_id"`
	Content   string     `json:"content"`
	Timestamp string     `json:"timestamp"`
}

// Decode classifies a raw inbound frame. It never fails: frames that cannot
// be parsed come back as *MalformedEvent.
func Decode(data []byte) Event {
	raw := append([]byte(nil), data...)
	f := frame{raw: raw}

	var head envelope
	if err := json.Unmarshal(raw, &head); err != nil {
		return &MalformedEvent{frame: f, Err: fmt.Errorf("failed to parse inbound frame: %w", err)}
	}

	switch EventType(head.Type) {
	case EventChatMessage:
		var w chatWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return malformed(f, head.Type, err)
		}
		ev := &ChatMessage{frame: f, SenderID: string(w.SenderID), Content: w.Content}
		if w.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339Nano, w.Timestamp); err == nil {
				ev.Timestamp = ts
			}
		}
		return ev

	case EventExternalMessage:
		ev := &ExternalMessage{frame: f}
		if err := json.Unmarshal(raw, ev); err != nil {
			return malformed(f, head.Type, err)
		}
		return ev

	case EventInstanceStatus:
		ev := &InstanceStatusUpdate{frame: f}
		if err := json.Unmarshal(raw, ev); err != nil {
			return malformed(f, head.Type, err)
		}
		return ev

	case EventInstanceQRCode:
		ev := &InstancePairingArtifact{frame: f}
		if err := json.Unmarshal(raw, ev); err != nil {
			return malformed(f, head.Type, err)
		}
		return ev

	default:
		return &UnknownEvent{frame: f, Type: head.Type}
	}
}

func malformed(f frame, eventType string, err error) *MalformedEvent {
	return &MalformedEvent{frame: f, Err: fmt.Errorf("failed to decode %s payload: %w", eventType, err)}
}
