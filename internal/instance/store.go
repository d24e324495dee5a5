package instance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/opsconsole/console/internal/backend"
	"github.com/opsconsole/console/internal/router"
	"github.com/opsconsole/console/pkg/realtime"
)

// ErrUnknownInstance is returned when an instance id is not in the store.
var ErrUnknownInstance = errors.New("instance not found")

// Instance is a gateway instance as held by the console.
type Instance struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	APIURL          string     `json:"api_url"`
	Status          Status     `json:"status"`
	RawStatus       string     `json:"raw_status,omitempty"`
	StatusTimestamp *time.Time `json:"status_timestamp"`
	ConnectError    string     `json:"connect_error,omitempty"`
}

// PairingArtifact is a QR payload for one instance. The store holds at most
// one at a time.
type PairingArtifact struct {
	InstanceID int64  `json:"instance_id"`
	Payload    string `json:"payload"`
}

// ChangeKind says what part of the store changed.
type ChangeKind string

const (
	ChangeStatus   ChangeKind = "status"
	ChangeArtifact ChangeKind = "artifact"
	ChangeError    ChangeKind = "connect_error"
)

// Change is a notification that an instance or the artifact slot changed.
type Change struct {
	Kind       ChangeKind
	InstanceID int64
}

// Connector starts pairing on the backend.
type Connector interface {
	ConnectInstance(ctx context.Context, instanceID int64) (*backend.ConnectResult, error)
}

// Connectivity reports whether the real-time channel is open.
type Connectivity interface {
	Connected() bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for status timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store maps instance ids to their current status and holds the single
// shared pairing artifact slot.
type Store struct {
	connector Connector
	conn      Connectivity
	now       func() time.Time
	logger    *log.Logger

	mu        sync.RWMutex
	instances map[int64]*Instance
	artifact  *PairingArtifact
	watchers  map[int]chan Change
	nextWatch int
}

// New creates an empty store.
func New(connector Connector, conn Connectivity, opts ...Option) *Store {
	s := &Store{
		connector: connector,
		conn:      conn,
		now:       time.Now,
		logger:    log.Default(),
		instances: make(map[int64]*Instance),
		watchers:  make(map[int]chan Change),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromRecord converts a backend record.
func FromRecord(rec backend.InstanceRecord) Instance {
	return Instance{
		ID:              rec.ID,
		Name:            rec.Name,
		APIURL:          rec.APIURL,
		Status:          ParseStatus(rec.Status),
		RawStatus:       rec.Status,
		StatusTimestamp: rec.StatusTimestamp,
	}
}

// Load replaces the store contents with the initial instance list.
func (s *Store) Load(records []backend.InstanceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances = make(map[int64]*Instance, len(records))
	for _, rec := range records {
		inst := FromRecord(rec)
		s.instances[inst.ID] = &inst
	}
	s.artifact = nil
}

// Add inserts an instance returned by a creation call.
func (s *Store) Add(rec backend.InstanceRecord) Instance {
	inst := FromRecord(rec)

	s.mu.Lock()
	s.instances[inst.ID] = &inst
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeStatus, InstanceID: inst.ID})
	return inst
}

// Register binds the status and pairing handlers on r.
func (s *Store) Register(r *router.Router) error {
	if err := r.Handle(realtime.EventInstanceStatus, func(_ context.Context, ev realtime.Event) {
		s.OnStatusUpdate(ev.(*realtime.InstanceStatusUpdate))
	}); err != nil {
		return err
	}
	return r.Handle(realtime.EventInstanceQRCode, func(_ context.Context, ev realtime.Event) {
		s.OnPairingArtifact(ev.(*realtime.InstancePairingArtifact))
	})
}

// OnStatusUpdate applies a status event. Updates for instances not in the
// store are ignored. Leaving qrcode clears that instance's artifact.
func (s *Store) OnStatusUpdate(ev *realtime.InstanceStatusUpdate) {
	s.mu.Lock()
	inst, ok := s.instances[ev.InstanceID]
	if !ok {
		s.mu.Unlock()
		s.logger.Printf("[DEBUG] [Instances] Ignoring status %q for unloaded instance %d", ev.Status, ev.InstanceID)
		return
	}

	now := s.now()
	inst.Status = ParseStatus(ev.Status)
	inst.RawStatus = ev.Status
	inst.StatusTimestamp = &now

	clearedArtifact := false
	if inst.Status != StatusQRCode && s.artifact != nil && s.artifact.InstanceID == ev.InstanceID {
		s.artifact = nil
		clearedArtifact = true
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeStatus, InstanceID: ev.InstanceID})
	if clearedArtifact {
		s.notify(Change{Kind: ChangeArtifact, InstanceID: ev.InstanceID})
	}
}

// OnPairingArtifact replaces the artifact slot. The newest artifact wins
// regardless of which instance it belongs to.
func (s *Store) OnPairingArtifact(ev *realtime.InstancePairingArtifact) {
	s.mu.Lock()
	if prev := s.artifact; prev != nil && prev.InstanceID != ev.InstanceID {
		s.logger.Printf("[DEBUG] [Instances] Pairing artifact for instance %d replaced by instance %d", prev.InstanceID, ev.InstanceID)
	}
	s.artifact = &PairingArtifact{InstanceID: ev.InstanceID, Payload: ev.QRCode}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeArtifact, InstanceID: ev.InstanceID})
}

// RequestConnect starts pairing for an instance. The artifact slot is
// cleared and the instance marked connecting before the backend is called;
// a QR code in the synchronous reply is applied like an inbound artifact.
// Backend failures are recorded on that instance only.
func (s *Store) RequestConnect(ctx context.Context, instanceID int64) error {
	if s.conn == nil || !s.conn.Connected() {
		return realtime.ErrNotConnected
	}

	s.mu.Lock()
	inst, ok := s.instances[instanceID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownInstance, instanceID)
	}
	hadArtifact := s.artifact != nil
	s.artifact = nil
	now := s.now()
	inst.Status = StatusConnecting
	inst.StatusTimestamp = &now
	inst.ConnectError = ""
	s.mu.Unlock()

	if hadArtifact {
		s.notify(Change{Kind: ChangeArtifact, InstanceID: instanceID})
	}
	s.notify(Change{Kind: ChangeStatus, InstanceID: instanceID})

	res, err := s.connector.ConnectInstance(ctx, instanceID)
	if err != nil {
		s.mu.Lock()
		if inst, ok := s.instances[instanceID]; ok {
			inst.ConnectError = err.Error()
		}
		s.mu.Unlock()
		s.notify(Change{Kind: ChangeError, InstanceID: instanceID})
		s.logger.Printf("[WARN] [Instances] Connect failed for instance %d: %v", instanceID, err)
		return fmt.Errorf("failed to connect instance %d: %w", instanceID, err)
	}

	if res != nil && res.QRCode != "" {
		s.OnPairingArtifact(&realtime.InstancePairingArtifact{InstanceID: instanceID, QRCode: res.QRCode})
	}
	return nil
}

// Instances returns a copy of every instance, ordered by id.
func (s *Store) Instances() []Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of one instance.
func (s *Store) Get(instanceID int64) (Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// Artifact returns the current artifact, if any.
func (s *Store) Artifact() (PairingArtifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.artifact == nil {
		return PairingArtifact{}, false
	}
	return *s.artifact, true
}

// ArtifactFor returns the artifact only if it belongs to instanceID.
func (s *Store) ArtifactFor(instanceID int64) (PairingArtifact, bool) {
	art, ok := s.Artifact()
	if !ok || art.InstanceID != instanceID {
		return PairingArtifact{}, false
	}
	return art, true
}

// Watch streams changes until ctx is done. Slow watchers miss changes.
func (s *Store) Watch(ctx context.Context) <-chan Change {
	out := make(chan Change, 32)

	s.mu.Lock()
	key := s.nextWatch
	s.nextWatch++
	s.watchers[key] = out
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, key)
		close(out)
		s.mu.Unlock()
	}()
	return out
}

func (s *Store) notify(c Change) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.watchers {
		select {
		case w <- c:
		default:
		}
	}
}
