package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/opsconsole/console/internal/router"
	"github.com/opsconsole/console/pkg/realtime"
	"golang.org/x/time/rate"
)

// ExternalPrefix marks transcript entries relayed from outside the console.
const ExternalPrefix = "External: "

var (
	// ErrEmptyMessage is returned when outbound content is blank.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrRateLimited is returned when outbound messages exceed the configured rate.
	ErrRateLimited = errors.New("too many messages, slow down")
)

// Entry is one transcript line.
type Entry struct {
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Sender is the part of the connection manager chat needs.
type Sender interface {
	Send(v any) error
	Connected() bool
}

// Option configures a Chat.
type Option func(*Chat)

// WithRateLimit caps outbound messages at perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Chat) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithClock overrides the receipt clock.
func WithClock(now func() time.Time) Option {
	return func(c *Chat) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Chat) { c.logger = l }
}

// Chat holds the session transcript and sends outbound chat frames.
type Chat struct {
	sender  Sender
	limiter *rate.Limiter
	now     func() time.Time
	logger  *log.Logger

	mu         sync.RWMutex
	transcript []Entry
}

// New creates an empty chat bound to sender.
func New(sender Sender, opts ...Option) *Chat {
	c := &Chat{
		sender: sender,
		now:    time.Now,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register binds the chat handlers on r.
func (c *Chat) Register(r *router.Router) error {
	if err := r.Handle(realtime.EventChatMessage, func(_ context.Context, ev realtime.Event) {
		c.OnChatMessage(ev.(*realtime.ChatMessage))
	}); err != nil {
		return err
	}
	return r.Handle(realtime.EventExternalMessage, func(_ context.Context, ev realtime.Event) {
		c.OnExternalMessage(ev.(*realtime.ExternalMessage))
	})
}

// OnChatMessage appends a chat line. Lines without a timestamp are stamped
// at receipt.
func (c *Chat) OnChatMessage(ev *realtime.ChatMessage) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	c.append(Entry{SenderID: ev.SenderID, Content: ev.Content, Timestamp: ts})
}

// OnExternalMessage appends a relayed message, stamped at receipt.
func (c *Chat) OnExternalMessage(ev *realtime.ExternalMessage) {
	c.append(Entry{SenderID: ExternalPrefix + ev.Sender, Content: ev.Content, Timestamp: c.now()})
}

func (c *Chat) append(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = append(c.transcript, e)
}

// SendChat transmits content as a chat frame. Blank content and a closed
// channel are rejected before anything reaches the sender.
func (c *Chat) SendChat(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if !c.sender.Connected() {
		return realtime.ErrNotConnected
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return ErrRateLimited
	}

	if err := c.sender.Send(realtime.NewOutboundChat(content)); err != nil {
		c.logger.Printf("[WARN] [Chat] Failed to send message: %v", err)
		return err
	}
	return nil
}

// Transcript returns a copy of the transcript in arrival order.
func (c *Chat) Transcript() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Entry(nil), c.transcript...)
}

// Len returns the number of transcript entries.
func (c *Chat) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.transcript)
}

// Reset discards the transcript. Called when the channel goes away.
func (c *Chat) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = nil
}
