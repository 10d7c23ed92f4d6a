// Package session manages the lifetime of one client's participation in a room.
//
// A session owns the replica and everything attached to it: the canvas
// store, the undo manager, the projection bridge, presence and the sync
// provider. Joining hydrates the replica from the persisted snapshot once
// the first sync completes; leaving detaches every listener before the
// transport is closed and, for the last participant, wipes the replica.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"diagramsync/collab/awareness"
	"diagramsync/collab/common"
	"diagramsync/collab/crdt"
	"diagramsync/collab/crdtpubsub"
	"diagramsync/collab/crdtsync"
	"diagramsync/collab/undo"
	"diagramsync/internal/canvas"
	"diagramsync/internal/projection"
	"diagramsync/internal/repository/snapshot"
)

// State is the lifecycle state of a session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateJoining       State = "joining"
	StateHydrated      State = "hydrated"
	StateActive        State = "active"
	StateTornDown      State = "torn-down"
)

// DefaultSaveInterval is the checkpoint period.
const DefaultSaveInterval = 5 * time.Second

// User is the identity shown to other participants.
type User struct {
	Name  string
	Color string
}

// UserProvider supplies the local user. Authentication lives behind it.
type UserProvider interface {
	CurrentUser(ctx context.Context) (User, error)
}

// StaticUser is a UserProvider returning a fixed user.
type StaticUser User

// CurrentUser implements UserProvider.
func (u StaticUser) CurrentUser(context.Context) (User, error) {
	return User(u), nil
}

// Config tunes the components a session creates.
type Config struct {
	SyncTimeout      time.Duration
	ResyncInterval   time.Duration
	SaveInterval     time.Duration
	CaptureTimeout   time.Duration
	Debounce         time.Duration
	AwarenessTimeout time.Duration
	EdgePolicy       canvas.EdgePolicy
	// DisableCheckpoints turns off periodic snapshot saving.
	DisableCheckpoints bool
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		SyncTimeout:      crdtsync.DefaultSyncTimeout,
		SaveInterval:     DefaultSaveInterval,
		AwarenessTimeout: awareness.DefaultTimeout,
	}
}

// Deps are the collaborators shared between sessions.
type Deps struct {
	// Channel carries room traffic. It is shared and never closed by a session.
	Channel crdtpubsub.PubSub
	// Store persists snapshots. A nil store starts every room empty.
	Store snapshot.Store
	// Users supplies the local user. A nil provider joins anonymously.
	Users  UserProvider
	Logger *zap.Logger
}

// Session is one participation in one room.
type Session struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	roomID    string
	room      *snapshot.Room
	doc       *crdt.Document
	canvas    *canvas.Store
	undo      *undo.Manager
	bridge    *projection.Bridge
	aware     *awareness.Awareness
	provider  *crdtsync.Provider
	saver     *Checkpointer
	stopSaver context.CancelFunc
	saverDone chan struct{}
	activeCh  chan struct{}
	stateFns  map[int]func(State)
	nextID    int
}

// New creates a session in the uninitialized state.
func New(cfg Config, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = DefaultSaveInterval
	}
	return &Session{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		state:    StateUninitialized,
		activeCh: make(chan struct{}),
		stateFns: make(map[int]func(State)),
	}
}

// Join loads the room snapshot, builds the replica and connects it to the room.
// The session is joining when Join returns and becomes active after the first sync.
func (s *Session) Join(ctx context.Context, roomID string) error {
	if s.deps.Channel == nil {
		return errors.New("session requires a room channel")
	}

	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return common.ErrInvalidOperation{Message: "session already joined"}
	}
	s.mu.Unlock()

	room := snapshot.EmptyRoom(roomID)
	if s.deps.Store != nil {
		loaded, err := snapshot.LoadOrEmpty(ctx, s.deps.Store, roomID)
		if err != nil {
			return errors.Wrap(err, "failed to load room snapshot")
		}
		room = loaded
	}

	logger := s.logger.With(zap.String("room_id", roomID))
	doc := crdt.NewDocument(common.NewSessionID(), crdt.WithLogger(logger))
	store := canvas.NewStore(doc, canvas.WithEdgePolicy(s.cfg.EdgePolicy), canvas.WithLogger(logger))
	undoManager := undo.NewManager(doc, undo.WithCaptureTimeout(s.cfg.CaptureTimeout), undo.WithLogger(logger))
	bridge := projection.NewBridge(doc, projection.WithDebounce(s.cfg.Debounce), projection.WithLogger(logger))

	awareOpts := []awareness.Option{awareness.WithLogger(logger)}
	if s.cfg.AwarenessTimeout > 0 {
		awareOpts = append(awareOpts, awareness.WithTimeout(s.cfg.AwarenessTimeout))
	}
	aware := awareness.New(awareness.NewClientID(), awareOpts...)
	user := s.currentUser(ctx)
	aware.SetLocalUser(user.Name, user.Color)
	bridge.AttachAwareness(aware)

	providerOpts := []crdtsync.Option{
		crdtsync.WithLogger(logger),
		crdtsync.WithAwareness(aware),
	}
	if s.cfg.SyncTimeout > 0 {
		providerOpts = append(providerOpts, crdtsync.WithSyncTimeout(s.cfg.SyncTimeout))
	}
	if s.cfg.ResyncInterval > 0 {
		providerOpts = append(providerOpts, crdtsync.WithResyncInterval(s.cfg.ResyncInterval))
	}
	provider := crdtsync.NewProvider(roomID, doc, s.deps.Channel, providerOpts...)

	s.mu.Lock()
	s.roomID = roomID
	s.room = room
	s.doc = doc
	s.canvas = store
	s.undo = undoManager
	s.bridge = bridge
	s.aware = aware
	s.provider = provider
	s.logger = logger
	fns := s.transitionLocked(StateJoining)
	s.mu.Unlock()
	notifyState(fns, StateJoining)

	provider.OnFirstSync(s.hydrate)
	if err := provider.Connect(ctx); err != nil {
		s.teardown(false)
		return errors.Wrap(err, "failed to connect to room")
	}
	logger.Info("joined room", zap.Uint64("version", uint64(room.Version)))
	return nil
}

// hydrate seeds the replica from the snapshot if nobody else did.
func (s *Session) hydrate() {
	s.mu.Lock()
	if s.state != StateJoining {
		s.mu.Unlock()
		return
	}
	doc, store, undoManager, room, logger := s.doc, s.canvas, s.undo, s.room, s.logger
	s.mu.Unlock()

	if doc.IsEmpty() && !room.IsEmpty() {
		nodes, edges, err := room.Decode()
		if err != nil {
			logger.Warn("ignoring undecodable snapshot", zap.Error(err))
		} else if err := store.Seed(nodes, edges); err != nil {
			logger.Warn("failed to seed replica", zap.Error(err))
		} else {
			logger.Info("seeded replica from snapshot", zap.Int("nodes", len(nodes)), zap.Int("edges", len(edges)))
		}
	} else {
		logger.Debug("skipping hydration", zap.Bool("doc_empty", doc.IsEmpty()))
	}
	// the seed is not an undoable edit
	undoManager.Clear()

	s.mu.Lock()
	if s.state != StateJoining {
		s.mu.Unlock()
		return
	}
	fns := s.transitionLocked(StateHydrated)
	s.mu.Unlock()
	notifyState(fns, StateHydrated)

	baseline := s.Projection().Flush().ContentRevision

	s.mu.Lock()
	if s.state != StateHydrated {
		s.mu.Unlock()
		return
	}
	if s.deps.Store != nil && !s.cfg.DisableCheckpoints {
		saver := NewCheckpointer(s.deps.Store, s.roomID, s.bridge, room.Version, logger)
		saver.MarkSaved(baseline)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		s.saver, s.stopSaver, s.saverDone = saver, cancel, done
		go func(interval time.Duration) {
			defer close(done)
			saver.Run(ctx, interval)
		}(s.cfg.SaveInterval)
	}
	fns = s.transitionLocked(StateActive)
	close(s.activeCh)
	s.mu.Unlock()
	notifyState(fns, StateActive)
}

// WaitActive blocks until the session is active or ctx is done.
func (s *Session) WaitActive(ctx context.Context) error {
	select {
	case <-s.activeCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave tears the session down. When the local client is the last
// participant the replica is wiped after the transport is closed, so the
// wipe never reaches other replicas. Leave is idempotent.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateUninitialized:
		fns := s.transitionLocked(StateTornDown)
		s.mu.Unlock()
		notifyState(fns, StateTornDown)
		return nil
	case StateTornDown:
		s.mu.Unlock()
		return nil
	}
	last := s.aware.Count() <= 1
	saver := s.saver
	s.mu.Unlock()

	if last && saver != nil {
		s.stopCheckpointer()
		if _, err := saver.Checkpoint(ctx); err != nil {
			s.logger.Warn("final checkpoint failed", zap.Error(err))
		}
	}
	s.teardown(last)
	s.logger.Info("left room", zap.Bool("last_participant", last))
	return nil
}

func (s *Session) teardown(last bool) {
	s.stopCheckpointer()

	s.mu.Lock()
	bridge, undoManager, provider, doc := s.bridge, s.undo, s.provider, s.doc
	s.mu.Unlock()

	// listeners first, then the transport
	bridge.Close()
	undoManager.Close()
	if err := provider.Close(); err != nil {
		s.logger.Warn("failed to close provider", zap.Error(err))
	}
	// a first sync handled while closing may have started one
	s.stopCheckpointer()

	if last {
		doc.Reset()
		undoManager.Clear()
	}
	bridge.Flush()

	s.mu.Lock()
	fns := s.transitionLocked(StateTornDown)
	s.mu.Unlock()
	notifyState(fns, StateTornDown)
}

func (s *Session) stopCheckpointer() {
	s.mu.Lock()
	stop, done := s.stopSaver, s.saverDone
	s.stopSaver = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}

// SetDisplayName updates the local user name shown to peers.
func (s *Session) SetDisplayName(name string) {
	if a := s.Awareness(); a != nil {
		a.SetDisplayName(name)
	}
}

// OnStateChange registers fn for every state transition.
// fn may run on a transport goroutine and must not call Leave synchronously.
func (s *Session) OnStateChange(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.stateFns[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.stateFns, id)
	}
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomID returns the joined room.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Document returns the replica.
func (s *Session) Document() *crdt.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// Canvas returns the mutation API.
func (s *Session) Canvas() *canvas.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canvas
}

// Undo returns the undo manager.
func (s *Session) Undo() *undo.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.undo
}

// Projection returns the projection bridge.
func (s *Session) Projection() *projection.Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

// Awareness returns the presence state.
func (s *Session) Awareness() *awareness.Awareness {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aware
}

// Provider returns the sync provider.
func (s *Session) Provider() *crdtsync.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

// Checkpointer returns the snapshot saver, nil until the session is active
// or when checkpoints are disabled.
func (s *Session) Checkpointer() *Checkpointer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saver
}

func (s *Session) currentUser(ctx context.Context) User {
	user := User{}
	if s.deps.Users != nil {
		u, err := s.deps.Users.CurrentUser(ctx)
		if err != nil {
			s.logger.Warn("failed to resolve current user, joining anonymously", zap.Error(err))
		} else {
			user = u
		}
	}
	return user
}

func (s *Session) transitionLocked(state State) []func(State) {
	if s.state == state {
		return nil
	}
	s.logger.Debug("session state changed", zap.String("from", string(s.state)), zap.String("to", string(state)))
	s.state = state
	fns := make([]func(State), 0, len(s.stateFns))
	for _, fn := range s.stateFns {
		fns = append(fns, fn)
	}
	return fns
}

func notifyState(fns []func(State), state State) {
	for _, fn := range fns {
		fn(state)
	}
}
