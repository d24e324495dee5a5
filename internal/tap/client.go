package tap

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/opsconsole/console/pkg/realtime"
	"github.com/redis/go-redis/v9"
)

// Client mirrors inbound frames of one session to Redis.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb      *redis.Client
	identity realtime.Identity
}

// NewClient creates a tap for identity.
func NewClient(redisOpts *redis.Options, identity realtime.Identity) (*Client, error) {
	if err := identity.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tap identity: %w", err)
	}

	return &Client{
		rdb:      redis.NewClient(redisOpts),
		identity: identity,
	}, nil
}

// NewClientFromURL parses a redis:// URL and creates a tap.
func NewClientFromURL(redisURL string, identity realtime.Identity) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return NewClient(opts, identity)
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Publish mirrors ev. The raw frame is published on the events channel,
// pushed onto the capped history list and counted by type, in one
// transaction.
func (c *Client) Publish(ctx context.Context, ev realtime.Event) error {
	raw := ev.Raw()

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, EventsChannel(c.identity), raw)
		pipe.LPush(ctx, HistoryKey(c.identity), raw)
		pipe.LTrim(ctx, HistoryKey(c.identity), 0, HistoryLimit-1)
		pipe.HIncrBy(ctx, CountsKey(c.identity), string(ev.EventType()), 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mirror %s frame: %w", ev.EventType(), err)
	}
	return nil
}

// History returns up to n mirrored frames, oldest first.
func (c *Client) History(ctx context.Context, n int) ([]realtime.Event, error) {
	if n <= 0 {
		return nil, nil
	}

	items, err := c.rdb.LRange(ctx, HistoryKey(c.identity), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read tap history: %w", err)
	}

	events := make([]realtime.Event, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		events = append(events, realtime.Decode([]byte(items[i])))
	}
	return events, nil
}

// Counts returns how many frames were mirrored per event type.
func (c *Client) Counts(ctx context.Context) (map[string]int64, error) {
	raw, err := c.rdb.HGetAll(ctx, CountsKey(c.identity)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read tap counts: %w", err)
	}

	counts := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid count for %s: %w", k, err)
		}
		counts[k] = n
	}
	return counts, nil
}

// Subscription represents an active Pub/Sub subscription to mirrored frames.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan realtime.Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of decoded frames.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan realtime.Event {
	return s.events
}

// Errors returns the channel of subscription errors. Frames that fail to
// decode are reported here and skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe follows the mirrored frames of this identity. It returns once
// Redis has confirmed the subscription.
//
// Events are delivered on a buffered channel (size 10). Redis Pub/Sub is
// at-most-once, so a slow subscriber can miss frames.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, EventsChannel(c.identity))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to tap: %w", err)
	}

	eventsChan := make(chan realtime.Event, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				ev := realtime.Decode([]byte(msg.Payload))
				if m, bad := ev.(*realtime.MalformedEvent); bad {
					select {
					case errorsChan <- m.Err:
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
