package console

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opsconsole/console/internal/backend"
	"github.com/opsconsole/console/internal/board"
	"github.com/opsconsole/console/internal/chat"
	"github.com/opsconsole/console/internal/config"
	"github.com/opsconsole/console/internal/instance"
	"github.com/opsconsole/console/internal/router"
	"github.com/opsconsole/console/internal/session"
	"github.com/opsconsole/console/internal/tap"
	"github.com/opsconsole/console/pkg/realtime"
)

var (
	// ErrNotAuthenticated is returned when the session has no usable token.
	ErrNotAuthenticated = errors.New("session is not authenticated")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("runtime already started")
)

const tapTimeout = 2 * time.Second

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger shared by every subsystem.
func WithLogger(l *log.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(r *Runtime) { r.dialer = d }
}

// Runtime wires one session to the connection manager, the event router and
// the chat, instance and board subsystems.
type Runtime struct {
	cfg    *config.ConsoleConfig
	sess   *session.Session
	logger *log.Logger
	dialer *websocket.Dialer

	client    *backend.Client
	manager   *realtime.Manager
	router    *router.Router
	chat      *chat.Chat
	instances *instance.Store
	board     *board.Store
	tap       *tap.Client

	mu          sync.Mutex
	started     bool
	cancel      context.CancelFunc
	done        chan struct{}
	subscribers map[int]chan realtime.Event
	nextSub     int
}

// New builds every subsystem for sess. Nothing is connected until Start.
func New(cfg *config.ConsoleConfig, sess *session.Session, opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		cfg:         cfg,
		sess:        sess,
		logger:      log.Default(),
		subscribers: make(map[int]chan realtime.Event),
	}
	for _, opt := range opts {
		opt(rt)
	}

	client, err := backend.NewClient(cfg.APIURL, sess, backend.WithTimeout(cfg.Timeout()))
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	mgrOpts := []realtime.Option{realtime.WithLogger(rt.logger)}
	if d, ok := cfg.PingInterval(); ok {
		mgrOpts = append(mgrOpts, realtime.WithPingInterval(d))
	}
	if rt.dialer != nil {
		mgrOpts = append(mgrOpts, realtime.WithDialer(rt.dialer))
	}
	manager, err := realtime.NewManager(cfg.APIURL, mgrOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	chatOpts := []chat.Option{chat.WithLogger(rt.logger)}
	if cfg.Chat != nil && cfg.Chat.RatePerSecond > 0 {
		chatOpts = append(chatOpts, chat.WithRateLimit(cfg.Chat.RatePerSecond, cfg.Chat.Burst))
	}

	rt.client = client
	rt.manager = manager
	rt.router = router.New(router.WithLogger(rt.logger))
	rt.chat = chat.New(manager, chatOpts...)
	rt.instances = instance.New(client, manager, instance.WithLogger(rt.logger))
	rt.board = board.New(client, board.WithLogger(rt.logger))

	if err := rt.chat.Register(rt.router); err != nil {
		return nil, fmt.Errorf("failed to register chat handlers: %w", err)
	}
	if err := rt.instances.Register(rt.router); err != nil {
		return nil, fmt.Errorf("failed to register instance handlers: %w", err)
	}
	rt.router.Observe(rt.fanOut)

	return rt, nil
}

// Start resolves the session identity if the token lacks one, opens the
// channel and begins routing events in the background.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return ErrAlreadyStarted
	}
	rt.started = true
	rt.mu.Unlock()

	if !rt.sess.Authenticated() {
		return ErrNotAuthenticated
	}
	if rt.sess.Identity().UserID == 0 {
		if err := rt.sess.Resolve(ctx, rt.client); err != nil {
			return err
		}
	}

	if rt.cfg.TapEnabled() {
		rt.openTap(ctx)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	status := rt.manager.WatchStatus(runCtx)

	if err := rt.manager.Connect(ctx, rt.sess); err != nil {
		cancel()
		return err
	}

	rt.mu.Lock()
	rt.cancel = cancel
	rt.done = make(chan struct{})
	rt.mu.Unlock()

	go rt.run(runCtx, status)

	rt.logger.Printf("[INFO] [Console] Session started for %s", rt.sess.Identity())
	return nil
}

func (rt *Runtime) openTap(ctx context.Context) {
	t, err := tap.NewClientFromURL(rt.cfg.Tap.RedisURL, rt.sess.Identity())
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, tapTimeout)
		err = t.Ping(pingCtx)
		cancel()
		if err != nil {
			t.Close()
		}
	}
	if err != nil {
		rt.logger.Printf("[WARN] [Console] Event tap disabled: %v", err)
		return
	}

	rt.tap = t
	rt.router.Observe(func(ctx context.Context, ev realtime.Event) {
		pubCtx, cancel := context.WithTimeout(ctx, tapTimeout)
		defer cancel()
		if err := t.Publish(pubCtx, ev); err != nil {
			rt.logger.Printf("[WARN] [Console] %v", err)
		}
	})
	rt.logger.Printf("[INFO] [Console] Mirroring events to %s", tap.EventsChannel(rt.sess.Identity()))
}

// run routes each channel's events and discards the chat transcript
// whenever the channel drops.
func (rt *Runtime) run(ctx context.Context, status <-chan realtime.StatusChange) {
	defer close(rt.done)

	reopened := make(chan struct{}, 1)
	go func() {
		wasConnected := false
		for sc := range status {
			if wasConnected && !sc.Connected {
				rt.chat.Reset()
				rt.logger.Printf("[INFO] [Console] Channel %s, chat transcript cleared", sc.State)
			}
			if !wasConnected && sc.Connected {
				select {
				case reopened <- struct{}{}:
				default:
				}
			}
			wasConnected = sc.Connected
		}
	}()

	for {
		if err := rt.router.Run(ctx, rt.manager.Events()); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-reopened:
		}
	}
}

// Stop closes the channel and waits for routing to finish. REST calls that
// are already in flight finish on their own.
func (rt *Runtime) Stop() error {
	err := rt.manager.Disconnect()

	rt.mu.Lock()
	cancel, done := rt.cancel, rt.done
	rt.cancel = nil
	rt.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if rt.tap != nil {
		rt.tap.Close()
	}

	rt.mu.Lock()
	for key, sub := range rt.subscribers {
		close(sub)
		delete(rt.subscribers, key)
	}
	rt.mu.Unlock()
	return err
}

// Reconnect reopens the channel after it dropped.
func (rt *Runtime) Reconnect(ctx context.Context) error {
	if !rt.sess.Authenticated() {
		return ErrNotAuthenticated
	}
	return rt.manager.Connect(ctx, rt.sess)
}

// Logout tears the session down and closes the channel.
func (rt *Runtime) Logout() error {
	rt.sess.Close()
	return rt.manager.Disconnect()
}

// Subscribe returns a copy of every routed event until ctx is done. Events
// are dropped for a subscriber that falls 64 behind.
func (rt *Runtime) Subscribe(ctx context.Context) <-chan realtime.Event {
	out := make(chan realtime.Event, 64)

	rt.mu.Lock()
	key := rt.nextSub
	rt.nextSub++
	rt.subscribers[key] = out
	rt.mu.Unlock()

	go func() {
		<-ctx.Done()
		rt.mu.Lock()
		if _, ok := rt.subscribers[key]; ok {
			delete(rt.subscribers, key)
			close(out)
		}
		rt.mu.Unlock()
	}()
	return out
}

func (rt *Runtime) fanOut(_ context.Context, ev realtime.Event) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for _, sub := range rt.subscribers {
		select {
		case sub <- ev:
		default:
			rt.logger.Printf("[WARN] [Console] Subscriber lagging, dropping %s event", ev.EventType())
		}
	}
}

// Status streams channel transitions until ctx is done.
func (rt *Runtime) Status(ctx context.Context) <-chan realtime.StatusChange {
	return rt.manager.WatchStatus(ctx)
}

// SendChat sends one chat line.
func (rt *Runtime) SendChat(content string) error {
	return rt.chat.SendChat(content)
}

// LoadInstances fetches the instance list into the instance store.
func (rt *Runtime) LoadInstances(ctx context.Context) error {
	records, err := rt.client.ListInstances(ctx)
	if err != nil {
		return rt.checkAuth(fmt.Errorf("failed to load instances: %w", err))
	}
	rt.instances.Load(records)
	return nil
}

// CreateInstance registers a new instance and adds it to the store.
func (rt *Runtime) CreateInstance(ctx context.Context, in backend.InstanceCreate) (instance.Instance, error) {
	rec, err := rt.client.CreateInstance(ctx, in)
	if err != nil {
		return instance.Instance{}, rt.checkAuth(fmt.Errorf("failed to create instance: %w", err))
	}
	return rt.instances.Add(*rec), nil
}

// ConnectInstance starts pairing for an instance.
func (rt *Runtime) ConnectInstance(ctx context.Context, instanceID int64) error {
	return rt.checkAuth(rt.instances.RequestConnect(ctx, instanceID))
}

// LoadBoard fetches the configured board, or the first one.
func (rt *Runtime) LoadBoard(ctx context.Context) error {
	var err error
	if id := rt.cfg.BoardID(); id != nil {
		err = rt.board.LoadBoard(ctx, rt.client, *id)
	} else {
		err = rt.board.Load(ctx, rt.client)
	}
	return rt.checkAuth(err)
}

// MoveCard applies a drag optimistically and persists it.
func (rt *Runtime) MoveCard(ctx context.Context, drag board.DragResult) (*board.Mutation, error) {
	m, err := rt.board.Move(ctx, drag)
	return m, rt.checkAuth(err)
}

// checkAuth closes the session when the backend rejected its token.
func (rt *Runtime) checkAuth(err error) error {
	if err != nil && backend.IsUnauthorized(err) {
		rt.logger.Printf("[WARN] [Console] Backend rejected the session token, logging out")
		rt.Logout()
	}
	return err
}

// Session returns the session the runtime was built for.
func (rt *Runtime) Session() *session.Session { return rt.sess }

// Client returns the REST client.
func (rt *Runtime) Client() *backend.Client { return rt.client }

// Manager returns the connection manager.
func (rt *Runtime) Manager() *realtime.Manager { return rt.manager }

// Router returns the event router.
func (rt *Runtime) Router() *router.Router { return rt.router }

// Chat returns the chat subsystem.
func (rt *Runtime) Chat() *chat.Chat { return rt.chat }

// Instances returns the instance store.
func (rt *Runtime) Instances() *instance.Store { return rt.instances }

// Board returns the board store.
func (rt *Runtime) Board() *board.Store { return rt.board }

// Tap returns the event tap, or nil when mirroring is off.
func (rt *Runtime) Tap() *tap.Client { return rt.tap }
