package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/opsconsole/console/internal/instance"
	"github.com/opsconsole/console/pkg/realtime"
)

// OutputFormat selects how activity is written.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSON    OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSON:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("unknown format: %s", s)
	}
}

type formatter interface {
	FormatEvent(ev realtime.Event) error
	FormatStatus(sc realtime.StatusChange) error
}

func newFormatter(format OutputFormat, w io.Writer) formatter {
	if format == OutputFormatJSON {
		return &jsonFormatter{writer: w}
	}
	return &defaultFormatter{writer: w}
}

// StreamActivity writes every event and channel status change until ctx is
// done or both streams close.
func StreamActivity(ctx context.Context, events <-chan realtime.Event, status <-chan realtime.StatusChange, format OutputFormat, w io.Writer) error {
	f := newFormatter(format, w)

	for events != nil || status != nil {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := f.FormatEvent(ev); err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}

		case sc, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			if err := f.FormatStatus(sc); err != nil {
				return fmt.Errorf("failed to write status: %w", err)
			}
		}
	}
	return nil
}

// InstanceGetter reads one instance.
type InstanceGetter interface {
	Get(instanceID int64) (instance.Instance, bool)
}

// WaitForStatus polls until the instance reaches want. Polls every 200ms for
// the specified timeout duration.
func WaitForStatus(ctx context.Context, store InstanceGetter, instanceID int64, want instance.Status, timeout time.Duration) (*instance.Instance, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		if inst, ok := store.Get(instanceID); ok && inst.Status == want {
			return &inst, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			inst, _ := store.Get(instanceID)
			return nil, fmt.Errorf("timeout waiting for instance %d to become %s after %v (last status: %s)", instanceID, want, timeout, inst.Status)

		case <-ticker.C:
		}
	}
}

// defaultFormatter writes one human-readable line per item
type defaultFormatter struct {
	writer io.Writer
}

func (f *defaultFormatter) FormatEvent(ev realtime.Event) error {
	ts := time.Now().Format("15:04:05")

	var line string
	switch e := ev.(type) {
	case *realtime.ChatMessage:
		line = fmt.Sprintf("💬 Chat: from=%s %s", e.SenderID, e.Content)
	case *realtime.ExternalMessage:
		if e.InstanceID != nil {
			line = fmt.Sprintf("📨 External message: instance=%d from=%s %s", *e.InstanceID, e.Sender, e.Content)
		} else {
			line = fmt.Sprintf("📨 External message: from=%s %s", e.Sender, e.Content)
		}
	case *realtime.InstanceStatusUpdate:
		line = fmt.Sprintf("📶 Instance status: instance=%d status=%s (%s)", e.InstanceID, e.Status, instance.ParseStatus(e.Status))
	case *realtime.InstancePairingArtifact:
		line = fmt.Sprintf("🔳 Pairing code: instance=%d bytes=%d", e.InstanceID, len(e.QRCode))
	case *realtime.MalformedEvent:
		line = fmt.Sprintf("⚠️  Malformed frame: %v", e.Err)
	default:
		line = fmt.Sprintf("❔ Unrecognised event: type=%s", ev.EventType())
	}

	_, err := fmt.Fprintf(f.writer, "[%s] %s\n", ts, line)
	return err
}

func (f *defaultFormatter) FormatStatus(sc realtime.StatusChange) error {
	ts := sc.At
	if ts.IsZero() {
		ts = time.Now()
	}

	icon := "🔌"
	if sc.Connected {
		icon = "🟢"
	}
	line := fmt.Sprintf("%s Channel %s: %s", icon, sc.State, sc.Identity)
	if sc.Err != nil {
		line += fmt.Sprintf(" error=%v", sc.Err)
	}

	_, err := fmt.Fprintf(f.writer, "[%s] %s\n", ts.Format("15:04:05"), line)
	return err
}

// jsonFormatter writes line-delimited JSON
type jsonFormatter struct {
	writer io.Writer
}

type jsonEvent struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Raw       string          `json:"raw,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (f *jsonFormatter) FormatEvent(ev realtime.Event) error {
	out := jsonEvent{
		Event:     string(ev.EventType()),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}

	raw := ev.Raw()
	if json.Valid(raw) {
		out.Data = raw
	} else {
		out.Raw = string(raw)
	}
	if m, ok := ev.(*realtime.MalformedEvent); ok {
		out.Event = "malformed"
		out.Error = m.Err.Error()
	}
	return f.write(out)
}

func (f *jsonFormatter) FormatStatus(sc realtime.StatusChange) error {
	out := struct {
		Event     string         `json:"event"`
		Timestamp string         `json:"timestamp"`
		State     realtime.State `json:"state"`
		Connected bool           `json:"connected"`
		TenantID  int64          `json:"tenant_id"`
		UserID    int64          `json:"user_id"`
		Error     string         `json:"error,omitempty"`
	}{
		Event:     "channel_status",
		Timestamp: sc.At.UTC().Format(time.RFC3339Nano),
		State:     sc.State,
		Connected: sc.Connected,
		TenantID:  sc.Identity.TenantSegment(),
		UserID:    sc.Identity.UserID,
	}
	if sc.Err != nil {
		out.Error = sc.Err.Error()
	}
	return f.write(out)
}

func (f *jsonFormatter) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(f.writer, "%s\n", data)
	return err
}
