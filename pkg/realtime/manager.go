package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// CloseReason is sent with the normal-closure frame on Disconnect.
	CloseReason = "User disconnected"

	defaultPingInterval = 30 * time.Second
	defaultWriteWait    = 10 * time.Second
	maxFrameSize        = 512 * 1024
)

// ErrNotConnected is returned when a frame is sent while the channel is not open.
var ErrNotConnected = errors.New("channel is not connected")

// IsNotConnected reports whether err is (or wraps) ErrNotConnected.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// TransportError wraps a failure of the underlying websocket.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("channel %s %s failed: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("channel %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithPingInterval sets how often keep-alive pings are sent. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(m *Manager) { m.pingInterval = d }
}

// Manager owns the lifecycle of the real-time channel. At most one channel
// exists at a time and the manager is the only code that opens or closes it.
// All methods are safe for concurrent use.
type Manager struct {
	baseURL      string
	dialer       *websocket.Dialer
	logger       *log.Logger
	pingInterval time.Duration
	writeWait    time.Duration

	mu          sync.Mutex
	current     *channel
	watchers    map[int]chan StatusChange
	nextWatcher int
}

// channel is one websocket connection. Its state is guarded by Manager.mu;
// writes to conn are serialized by writeMu.
type channel struct {
	id    Identity
	url   string
	state State

	conn    *websocket.Conn
	writeMu sync.Mutex

	inbound  chan Event
	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
}

func (ch *channel) stop() {
	ch.stopOnce.Do(func() { close(ch.done) })
}

// NewManager creates a manager that derives channel addresses from baseURL.
func NewManager(baseURL string, opts ...Option) (*Manager, error) {
	// Validate the base eagerly with a placeholder identity
	if _, err := ChannelURL(baseURL, Identity{UserID: 1}); err != nil {
		return nil, err
	}

	m := &Manager{
		baseURL:      baseURL,
		dialer:       websocket.DefaultDialer,
		logger:       log.Default(),
		pingInterval: defaultPingInterval,
		writeWait:    defaultWriteWait,
		watchers:     make(map[int]chan StatusChange),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Connect opens the channel for the identity carried by creds.
//
// It is a no-op when a channel for the same identity is already open or
// connecting. Unauthenticated credentials are logged and ignored. A channel
// held for a different identity is closed before the new one is dialed.
func (m *Manager) Connect(ctx context.Context, creds Credentials) error {
	if creds == nil || !creds.Authenticated() {
		m.logger.Printf("[WARN] [Realtime] Connect skipped: session is not authenticated")
		return nil
	}
	id := creds.Identity()
	target, err := ChannelURL(m.baseURL, id)
	if err != nil {
		m.logger.Printf("[WARN] [Realtime] Connect skipped: %v", err)
		return nil
	}

	m.mu.Lock()
	if cur := m.current; cur != nil && cur.state.Active() {
		if cur.id.Equal(id) {
			m.mu.Unlock()
			return nil
		}
		m.logger.Printf("[INFO] [Realtime] Identity changed (%s → %s), closing previous channel", cur.id, id)
		m.closeLocked(cur)
	}

	ch := &channel{
		id:      id,
		url:     target,
		state:   StateConnecting,
		inbound: make(chan Event, 16),
		events:  make(chan Event),
		done:    make(chan struct{}),
	}
	m.current = ch
	m.notifyLocked(ch, nil)
	m.mu.Unlock()

	go ch.forward()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token())
	conn, resp, dialErr := m.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if dialErr != nil {
		close(ch.inbound)
		if ch.state != StateConnecting {
			// Disconnected while dialing
			return nil
		}
		terr := &TransportError{Op: "dial", URL: target, Err: dialErr}
		ch.state = StateErrored
		m.notifyLocked(ch, terr)
		ch.stop()
		m.logger.Printf("[ERROR] [Realtime] %v", terr)
		return terr
	}

	if ch.state != StateConnecting {
		close(ch.inbound)
		conn.Close()
		return nil
	}

	ch.conn = conn
	ch.state = StateOpen
	m.notifyLocked(ch, nil)
	m.logger.Printf("[INFO] [Realtime] Channel open: %s", target)

	go m.readPump(ch)
	if m.pingInterval > 0 {
		go m.pingLoop(ch)
	}
	return nil
}

// Disconnect closes the current channel with a normal-closure frame. It is
// safe to call when no channel exists or the channel has already ended.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	m.closeLocked(m.current)
	return nil
}

// closeLocked drives ch to closed. Caller holds m.mu.
func (m *Manager) closeLocked(ch *channel) {
	if ch.state.Terminal() {
		ch.stop()
		return
	}

	wasOpen := ch.state == StateOpen
	ch.state = StateClosing
	m.notifyLocked(ch, nil)

	if wasOpen && ch.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, CloseReason)
		ch.writeMu.Lock()
		err := ch.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.writeWait))
		ch.writeMu.Unlock()
		if err != nil {
			m.logger.Printf("[DEBUG] [Realtime] Failed to write close frame: %v", err)
		}
	}

	ch.state = StateClosed
	m.notifyLocked(ch, nil)
	ch.stop()
	if ch.conn != nil {
		ch.conn.Close()
	}
	m.logger.Printf("[INFO] [Realtime] Channel closed: %s", ch.url)
}

// Send serializes v and writes it as a text frame. It returns ErrNotConnected
// without serializing anything unless the channel is open.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	ch := m.current
	open := ch != nil && ch.state == StateOpen
	m.mu.Unlock()

	if !open {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize outbound frame: %w", err)
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	ch.conn.SetWriteDeadline(time.Now().Add(m.writeWait))
	if err := ch.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &TransportError{Op: "write", URL: ch.url, Err: err}
	}
	return nil
}

// Events returns the inbound stream of the current channel. The stream is
// closed when that channel ends; after a new Connect, Events returns the new
// channel's stream. With no channel the returned stream is already closed.
func (m *Manager) Events() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		closed := make(chan Event)
		close(closed)
		return closed
	}
	return m.current.events
}

// WatchStatus streams connectivity transitions until ctx is done. The first
// value is the current state. Slow watchers miss transitions rather than
// stalling the channel.
func (m *Manager) WatchStatus(ctx context.Context) <-chan StatusChange {
	out := make(chan StatusChange, 16)

	m.mu.Lock()
	key := m.nextWatcher
	m.nextWatcher++
	m.watchers[key] = out
	out <- m.snapshotLocked(nil)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, key)
		close(out)
		m.mu.Unlock()
	}()

	return out
}

// State returns the state of the current channel.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return StateIdle
	}
	return m.current.state
}

// Connected reports whether the channel is open.
func (m *Manager) Connected() bool {
	return m.State() == StateOpen
}

// Identity returns the identity of the current channel, if any.
func (m *Manager) Identity() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Identity{}, false
	}
	return m.current.id, true
}

func (m *Manager) snapshotLocked(err error) StatusChange {
	sc := StatusChange{State: StateIdle, Err: err, At: time.Now()}
	if m.current != nil {
		sc.State = m.current.state
		sc.Identity = m.current.id
	}
	sc.Connected = sc.State == StateOpen
	return sc
}

// notifyLocked fans a transition of ch out to watchers. Transitions of a
// channel that has been superseded are not reported. Caller holds m.mu.
func (m *Manager) notifyLocked(ch *channel, err error) {
	if ch != m.current {
		return
	}
	sc := m.snapshotLocked(err)
	for _, w := range m.watchers {
		select {
		case w <- sc:
		default:
			m.logger.Printf("[WARN] [Realtime] Status watcher is full, dropping transition to %s", sc.State)
		}
	}
}

// readPump is the only producer of inbound events for ch.
func (m *Manager) readPump(ch *channel) {
	defer close(ch.inbound)

	conn := ch.conn
	conn.SetReadLimit(maxFrameSize)
	if m.pingInterval > 0 {
		pongWait := 2 * m.pingInterval
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.finish(ch, err)
			return
		}

		ev := Decode(data)
		if bad, ok := ev.(*MalformedEvent); ok {
			m.logger.Printf("[WARN] [Realtime] Malformed inbound frame: %v", bad.Err)
		}

		select {
		case ch.inbound <- ev:
		case <-ch.done:
			return
		}
	}
}

// finish records the end of ch after a read error.
func (m *Manager) finish(ch *channel, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch.state.Terminal() || ch.state == StateClosing {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		ch.state = StateClosed
		m.notifyLocked(ch, nil)
		m.logger.Printf("[INFO] [Realtime] Channel closed by server: %s", ch.url)
	} else {
		terr := &TransportError{Op: "read", URL: ch.url, Err: err}
		ch.state = StateErrored
		m.notifyLocked(ch, terr)
		m.logger.Printf("[ERROR] [Realtime] %v", terr)
	}
	ch.conn.Close()
}

// pingLoop keeps the connection alive until ch stops or a ping fails.
func (m *Manager) pingLoop(ch *channel) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ch.done:
			return
		case <-ticker.C:
			ch.writeMu.Lock()
			err := ch.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.writeWait))
			ch.writeMu.Unlock()
			if err != nil {
				// The read pump observes the broken connection and records it
				return
			}
		}
	}
}

// forward moves events from the read pump to the consumer without ever
// blocking the read pump. Queued events are flushed in order after the read
// pump exits; a graceful close drops whatever is still queued.
func (ch *channel) forward() {
	defer close(ch.events)

	var queue []Event
	in := ch.inbound
	for in != nil || len(queue) > 0 {
		var out chan Event
		var next Event
		if len(queue) > 0 {
			out = ch.events
			next = queue[0]
		}

		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, ev)
		case out <- next:
			queue[0] = nil
			queue = queue[1:]
		case <-ch.done:
			return
		}
	}
}
