// Package awareness tracks ephemeral per-client presence for a room:
// who is connected, their display name and color, and their cursor.
//
// Records are not part of the replicated document. Each client owns its own
// record and overwrites it with a monotonically increasing clock; peers keep
// the record with the highest clock and forget records that are not renewed.
package awareness

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultTimeout is how long a remote record survives without renewal.
const DefaultTimeout = 30 * time.Second

// AnonymousName is shown for users that did not provide a display name.
const AnonymousName = "Anonymous"

// User is the identity shown to other participants.
type User struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Cursor is a pointer position in canvas coordinates.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// State is one client's presence record.
type State struct {
	ClientID int64   `json:"clientId"`
	User     User    `json:"user"`
	Cursor   *Cursor `json:"cursor,omitempty"`
}

func (s State) clone() State {
	if s.Cursor != nil {
		c := *s.Cursor
		s.Cursor = &c
	}
	return s
}

// Update is the wire message announcing a client's record.
// A nil State means the client left.
type Update struct {
	ClientID int64
	Clock    uint64
	State    *State
}

// wireUpdate is the flat presence payload. A missing user announces leaving.
type wireUpdate struct {
	ClientID int64   `json:"clientId"`
	Clock    uint64  `json:"clock"`
	User     *User   `json:"user,omitempty"`
	Cursor   *Cursor `json:"cursor,omitempty"`
}

// MarshalJSON writes {clientId, clock, user, cursor?}.
func (u Update) MarshalJSON() ([]byte, error) {
	w := wireUpdate{ClientID: u.ClientID, Clock: u.Clock}
	if u.State != nil {
		user := u.State.User
		w.User = &user
		w.Cursor = u.State.Cursor
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads the flat payload written by MarshalJSON.
func (u *Update) UnmarshalJSON(data []byte) error {
	var w wireUpdate
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*u = Update{ClientID: w.ClientID, Clock: w.Clock}
	if w.User != nil {
		u.State = &State{ClientID: w.ClientID, User: *w.User, Cursor: w.Cursor}
	} else if w.Cursor != nil {
		return errors.New("awareness cursor without user")
	}
	return nil
}

// Encode serializes an update for the awareness topic.
func (u Update) Encode() ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode awareness update")
	}
	return data, nil
}

// DecodeUpdate parses an update from the awareness topic.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, errors.Wrap(err, "failed to decode awareness update")
	}
	if u.ClientID == 0 {
		return Update{}, errors.New("awareness update without client id")
	}
	return u, nil
}

// Change lists the client ids affected by one awareness event.
type Change struct {
	Added   []int64
	Updated []int64
	Removed []int64
	// Local is set when the change was made through the local setters.
	Local bool
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type entry struct {
	state    *State
	clock    uint64
	lastSeen time.Time
}

// Option configures an Awareness.
type Option func(*Awareness)

// WithTimeout sets how long remote records survive without renewal.
func WithTimeout(d time.Duration) Option {
	return func(a *Awareness) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Awareness) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Awareness) {
		a.now = now
	}
}

// Awareness holds the presence records of one room as seen by one client.
type Awareness struct {
	mu       sync.Mutex
	clientID int64
	entries  map[int64]*entry
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger

	listenMu       sync.Mutex
	listeners      map[int]func(Change)
	localListeners map[int]func(Update)
	nextListener   int
}

// New creates an Awareness for the given local client id. The local record
// starts empty; call SetLocalUser to announce the client.
func New(clientID int64, opts ...Option) *Awareness {
	a := &Awareness{
		clientID:       clientID,
		entries:        make(map[int64]*entry),
		timeout:        DefaultTimeout,
		now:            time.Now,
		logger:         zap.NewNop(),
		listeners:      make(map[int]func(Change)),
		localListeners: make(map[int]func(Update)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ClientID returns the local client id.
func (a *Awareness) ClientID() int64 {
	return a.clientID
}

// Timeout returns the record expiry interval.
func (a *Awareness) Timeout() time.Duration {
	return a.timeout
}

// LocalState returns a copy of the local record, or nil after Leave.
func (a *Awareness) LocalState() *State {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[a.clientID]
	if !ok || e.state == nil {
		return nil
	}
	s := e.state.clone()
	return &s
}

// SetLocalState replaces the local record. Passing nil announces leaving.
func (a *Awareness) SetLocalState(s *State) {
	a.mu.Lock()
	e, ok := a.entries[a.clientID]
	if !ok {
		e = &entry{}
		a.entries[a.clientID] = e
	}
	had := e.state != nil
	e.clock++
	e.lastSeen = a.now()
	if s == nil {
		e.state = nil
	} else {
		next := s.clone()
		next.ClientID = a.clientID
		e.state = &next
	}
	u := a.localUpdateLocked()
	a.mu.Unlock()

	change := Change{Local: true}
	switch {
	case s == nil && had:
		change.Removed = []int64{a.clientID}
	case s != nil && !had:
		change.Added = []int64{a.clientID}
	case s != nil:
		change.Updated = []int64{a.clientID}
	}
	a.notify(change, &u)
}

// SetLocalUser announces the local user, defaulting empty values to an
// anonymous name and a random color.
func (a *Awareness) SetLocalUser(name, color string) {
	if name == "" {
		name = AnonymousName
	}
	if color == "" {
		color = RandomColor()
	}

	s := a.currentOrNew()
	s.User = User{Name: name, Color: color}
	a.SetLocalState(&s)
}

// SetDisplayName changes only the name of the local user, for when the
// identity provider resolves later than the room join.
func (a *Awareness) SetDisplayName(name string) {
	s := a.currentOrNew()
	if name == "" || s.User.Name == name {
		return
	}
	s.User.Name = name
	if s.User.Color == "" {
		s.User.Color = RandomColor()
	}
	a.SetLocalState(&s)
}

// SetCursor publishes the local cursor position.
func (a *Awareness) SetCursor(x, y float64) {
	s := a.currentOrNew()
	s.Cursor = &Cursor{X: x, Y: y}
	a.SetLocalState(&s)
}

// ClearCursor hides the local cursor.
func (a *Awareness) ClearCursor() {
	s := a.currentOrNew()
	if s.Cursor == nil {
		return
	}
	s.Cursor = nil
	a.SetLocalState(&s)
}

// Leave removes the local record and announces it.
func (a *Awareness) Leave() {
	if a.LocalState() == nil {
		return
	}
	a.SetLocalState(nil)
}

// Renew re-announces the local record with a fresh clock so peers do not
// expire it. It is a no-op after Leave.
func (a *Awareness) Renew() {
	if s := a.LocalState(); s != nil {
		a.mu.Lock()
		e := a.entries[a.clientID]
		e.clock++
		e.lastSeen = a.now()
		u := a.localUpdateLocked()
		a.mu.Unlock()
		a.notify(Change{Local: true}, &u)
	}
}

// Run renews the local record and sweeps expired peers every half timeout
// until ctx is done.
func (a *Awareness) Run(ctx context.Context) {
	ticker := time.NewTicker(a.timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Renew()
			a.Sweep()
		}
	}
}

// LocalUpdate returns the wire message describing the local record.
func (a *Awareness) LocalUpdate() Update {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localUpdateLocked()
}

func (a *Awareness) localUpdateLocked() Update {
	u := Update{ClientID: a.clientID}
	if e, ok := a.entries[a.clientID]; ok {
		u.Clock = e.clock
		if e.state != nil {
			s := e.state.clone()
			u.State = &s
		}
	}
	return u
}

// Apply integrates a remote update. Updates not newer than the known
// record are ignored. It reports the resulting change.
func (a *Awareness) Apply(u Update) Change {
	if u.ClientID == a.clientID {
		return Change{}
	}

	a.mu.Lock()
	e, known := a.entries[u.ClientID]
	if known && u.Clock <= e.clock {
		a.mu.Unlock()
		return Change{}
	}
	if !known {
		e = &entry{}
		a.entries[u.ClientID] = e
	}
	had := e.state != nil
	e.clock = u.Clock
	e.lastSeen = a.now()
	if u.State == nil {
		e.state = nil
	} else {
		s := u.State.clone()
		e.state = &s
	}
	a.mu.Unlock()

	var change Change
	switch {
	case u.State == nil && had:
		change.Removed = []int64{u.ClientID}
	case u.State != nil && !had:
		change.Added = []int64{u.ClientID}
	case u.State != nil:
		change.Updated = []int64{u.ClientID}
	}
	a.notify(change, nil)
	return change
}

// Sweep drops remote records not renewed within the timeout.
func (a *Awareness) Sweep() []int64 {
	a.mu.Lock()
	cutoff := a.now().Add(-a.timeout)
	var removed []int64
	for id, e := range a.entries {
		if id == a.clientID || e.state == nil {
			continue
		}
		if e.lastSeen.Before(cutoff) {
			// keep the clock so a delayed older update cannot resurrect it
			e.state = nil
			removed = append(removed, id)
		}
	}
	a.mu.Unlock()

	if len(removed) > 0 {
		sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
		a.logger.Debug("awareness records expired", zap.Int64s("client_ids", removed))
		a.notify(Change{Removed: removed}, nil)
	}
	return removed
}

// RemoveAll forgets every remote record, used when the room channel is lost.
func (a *Awareness) RemoveAll() {
	a.mu.Lock()
	var removed []int64
	for id, e := range a.entries {
		if id == a.clientID || e.state == nil {
			continue
		}
		e.state = nil
		removed = append(removed, id)
	}
	a.mu.Unlock()

	if len(removed) > 0 {
		sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
		a.notify(Change{Removed: removed}, nil)
	}
}

// States returns every live record, the local one included, ordered by client id.
func (a *Awareness) States() []State {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]State, 0, len(a.entries))
	for _, e := range a.entries {
		if e.state != nil {
			out = append(out, e.state.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Peers returns the live remote records ordered by client id.
func (a *Awareness) Peers() []State {
	states := a.States()
	out := states[:0]
	for _, s := range states {
		if s.ClientID != a.clientID {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of live records, the local one included.
func (a *Awareness) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.entries {
		if e.state != nil {
			n++
		}
	}
	return n
}

// OnChange registers fn for every change of the record set.
func (a *Awareness) OnChange(fn func(Change)) func() {
	a.listenMu.Lock()
	defer a.listenMu.Unlock()
	id := a.nextListener
	a.nextListener++
	a.listeners[id] = fn
	return func() {
		a.listenMu.Lock()
		defer a.listenMu.Unlock()
		delete(a.listeners, id)
	}
}

// OnLocalUpdate registers fn for every wire update the local client must
// broadcast, including renewals.
func (a *Awareness) OnLocalUpdate(fn func(Update)) func() {
	a.listenMu.Lock()
	defer a.listenMu.Unlock()
	id := a.nextListener
	a.nextListener++
	a.localListeners[id] = fn
	return func() {
		a.listenMu.Lock()
		defer a.listenMu.Unlock()
		delete(a.localListeners, id)
	}
}

func (a *Awareness) notify(change Change, local *Update) {
	a.listenMu.Lock()
	listeners := make([]func(Change), 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	var locals []func(Update)
	if local != nil {
		for _, fn := range a.localListeners {
			locals = append(locals, fn)
		}
	}
	a.listenMu.Unlock()

	for _, fn := range locals {
		fn(*local)
	}
	if change.empty() {
		return
	}
	for _, fn := range listeners {
		fn(change)
	}
}

func (a *Awareness) currentOrNew() State {
	if s := a.LocalState(); s != nil {
		return *s
	}
	return State{ClientID: a.clientID}
}

var (
	nodeOnce sync.Once
	node     *snowflake.Node
	nodeErr  error
)

// NewClientID returns a numeric client id. Ids are snowflakes generated by
// a process-wide node with a random node number, so two processes joining
// the same room collide only with negligible probability.
func NewClientID() int64 {
	nodeOnce.Do(func() {
		n, err := rand.Int(rand.Reader, big.NewInt(1<<snowflake.NodeBits))
		if err != nil {
			nodeErr = err
			return
		}
		node, nodeErr = snowflake.NewNode(n.Int64())
	})
	if nodeErr != nil {
		panic(errors.Wrap(nodeErr, "failed to create snowflake node"))
	}
	return node.Generate().Int64()
}

// RandomColor returns a random "#rrggbb" color.
func RandomColor() string {
	n, err := rand.Int(rand.Reader, big.NewInt(0xffffff+1))
	if err != nil {
		return "#888888"
	}
	return fmt.Sprintf("#%06x", n.Int64())
}
