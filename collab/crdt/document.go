package crdt

import (
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"diagramsync/collab/common"
)

const defaultMaxPending = 10000

// Observer receives every committed change-set in commit order.
// Observers run one at a time after the document lock is released and may
// read the document, but must not open a transaction synchronously.
type Observer func(cs *ChangeSet)

// Option configures a Document.
type Option func(*Document)

// WithLogger sets the logger used by the document.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Document) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMaxPending bounds the number of updates parked while waiting for
// their causal dependencies.
func WithMaxPending(n int) Option {
	return func(d *Document) {
		if n > 0 {
			d.maxPending = n
		}
	}
}

// record is the register stored for a key. Deleted records are tombstones.
type record struct {
	value   json.RawMessage
	stamp   common.LogicalTimestamp
	deleted bool
}

type pendingKey struct {
	sid common.SessionID
	seq uint64
}

type pendingUpdate struct {
	update *Update
	origin common.Origin
}

type observerEntry struct {
	id int
	fn Observer
}

// Document is a replica of a set of named last-writer-wins maps.
//
// Every mutation is a transaction producing one Update. Updates are exchanged
// between replicas and integrated in causal order; replicas that integrated
// the same set of updates hold identical state regardless of delivery order.
type Document struct {
	// emitMu serializes writers through emission and is always taken before mu.
	emitMu      sync.Mutex
	mu          sync.RWMutex
	sid         common.SessionID
	lamport     uint64
	seq         uint64
	sv          StateVector
	collections map[string]map[string]*record
	log         *updateLog
	pending     map[pendingKey]pendingUpdate
	maxPending  int

	obsMu        sync.Mutex
	observers    []observerEntry
	nextObserver int

	logger *zap.Logger
}

// NewDocument creates an empty replica owned by sid.
func NewDocument(sid common.SessionID, opts ...Option) *Document {
	d := &Document{
		sid:         sid,
		sv:          NewStateVector(),
		collections: make(map[string]map[string]*record),
		log:         newUpdateLog(),
		pending:     make(map[pendingKey]pendingUpdate),
		maxPending:  defaultMaxPending,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SessionID returns the id stamped on local updates.
func (d *Document) SessionID() common.SessionID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sid
}

// Get returns the live value stored under key.
func (d *Document) Get(collection, key string) (json.RawMessage, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getLocked(collection, key)
}

// Values returns the live entries of a collection ordered by key.
func (d *Document) Values(collection string) []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.valuesLocked(collection)
}

// Len returns the number of live entries of a collection.
func (d *Document) Len(collection string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lenLocked(collection)
}

// IsEmpty reports whether no collection holds a live entry.
func (d *Document) IsEmpty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for name := range d.collections {
		if d.lenLocked(name) > 0 {
			return false
		}
	}
	return true
}

// View runs fn against a consistent snapshot of the document.
// The view must not be retained after fn returns.
func (d *Document) View(fn func(v View)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn(View{d: d})
}

// StateVector returns a copy of the current state vector.
func (d *Document) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sv.Clone()
}

// EncodeStateVector serializes the current state vector.
func (d *Document) EncodeStateVector() ([]byte, error) {
	return EncodeStateVector(d.StateVector())
}

// UpdatesSince returns every retained update that the holder of sv has not integrated.
func (d *Document) UpdatesSince(sv StateVector) []*Update {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.log.since(sv)
}

// PendingCount returns the number of updates waiting for missing dependencies.
func (d *Document) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// Transact runs fn as one atomic transaction attributed to origin.
// When fn returns an error nothing is applied. A transaction without any
// effective write produces no update, no event, and a nil change-set.
func (d *Document) Transact(origin common.Origin, fn func(tx *Txn) error) (*ChangeSet, error) {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()
	d.mu.Lock()

	tx := newTxn(d)
	if err := fn(tx); err != nil {
		d.mu.Unlock()
		return nil, err
	}

	ops := tx.effectiveOps()
	if len(ops) == 0 {
		d.mu.Unlock()
		return nil, nil
	}

	d.lamport++
	d.seq++
	deps := d.sv.Clone()
	delete(deps, d.sid)
	u := &Update{
		Session: d.sid,
		Seq:     d.seq,
		Lamport: d.lamport,
		Deps:    deps,
		Ops:     ops,
	}
	cs := d.integrateLocked(u, origin)
	d.mu.Unlock()

	d.emit(cs)
	return cs, nil
}

// ApplyUpdate integrates an update produced by another replica.
// Re-applying an update already integrated is a no-op. An update whose
// dependencies are missing is buffered and integrated once they arrive.
// The returned flag reports whether u itself was integrated by this call.
func (d *Document) ApplyUpdate(u *Update, origin common.Origin) (bool, error) {
	if err := u.Validate(); err != nil {
		return false, err
	}

	d.emitMu.Lock()
	defer d.emitMu.Unlock()
	d.mu.Lock()

	if u.Seq <= d.sv[u.Session] {
		d.mu.Unlock()
		return false, nil
	}

	if !d.readyLocked(u) {
		d.parkLocked(u, origin)
		d.mu.Unlock()
		return false, nil
	}

	sets := []*ChangeSet{d.integrateLocked(u, origin)}
	sets = append(sets, d.drainPendingLocked()...)
	d.mu.Unlock()

	for _, cs := range sets {
		if len(cs.Changes) > 0 {
			d.emit(cs)
		}
	}
	return true, nil
}

// Reset discards all replica state: entries, tombstones, clocks, the
// update log and parked updates. It is local only and produces no update.
// The replica continues under a fresh session id so sequence numbers are
// never reused.
func (d *Document) Reset() {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()
	d.mu.Lock()
	d.sid = common.NewSessionID()
	d.lamport = 0
	d.seq = 0
	d.sv = NewStateVector()
	d.collections = make(map[string]map[string]*record)
	d.log.reset()
	d.pending = make(map[pendingKey]pendingUpdate)
	d.mu.Unlock()

	d.emit(&ChangeSet{Origin: common.SystemOrigin, Reset: true})
}

// Observe registers fn for every committed change-set and returns a function
// that removes it.
func (d *Document) Observe(fn Observer) func() {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()

	id := d.nextObserver
	d.nextObserver++
	d.observers = append(d.observers, observerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			d.obsMu.Lock()
			defer d.obsMu.Unlock()
			for i, o := range d.observers {
				if o.id == id {
					d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (d *Document) emit(cs *ChangeSet) {
	d.obsMu.Lock()
	observers := make([]observerEntry, len(d.observers))
	copy(observers, d.observers)
	d.obsMu.Unlock()

	for _, o := range observers {
		o.fn(cs)
	}
}

// integrateLocked applies the ops of u that win against the current registers.
func (d *Document) integrateLocked(u *Update, origin common.Origin) *ChangeSet {
	if u.Lamport > d.lamport {
		d.lamport = u.Lamport
	}

	stamp := u.Stamp()
	cs := &ChangeSet{Origin: origin, Update: u}
	for _, op := range u.Ops {
		coll := d.collectionLocked(op.Collection)
		cur := coll[op.Key]
		if cur != nil && stamp.Compare(cur.stamp) <= 0 {
			continue
		}

		change := Change{Collection: op.Collection, Key: op.Key, Stamp: stamp}
		if cur != nil {
			change.BeforeStamp = cur.stamp
			if !cur.deleted {
				change.Before = cur.value
			}
		}

		rec := &record{stamp: stamp, deleted: op.Deleted}
		if !op.Deleted {
			rec.value = op.Value
			change.After = op.Value
		}
		coll[op.Key] = rec

		if change.Before == nil && change.After == nil {
			// a tombstone replaced a tombstone
			continue
		}
		cs.Changes = append(cs.Changes, change)
	}

	d.sv[u.Session] = u.Seq
	d.log.store(u)
	return cs
}

func (d *Document) readyLocked(u *Update) bool {
	if d.sv[u.Session] != u.Seq-1 {
		return false
	}
	for sid, seq := range u.Deps {
		if sid == u.Session {
			continue
		}
		if d.sv[sid] < seq {
			return false
		}
	}
	return true
}

func (d *Document) parkLocked(u *Update, origin common.Origin) {
	key := pendingKey{sid: u.Session, seq: u.Seq}
	if _, ok := d.pending[key]; ok {
		return
	}
	if len(d.pending) >= d.maxPending {
		d.logger.Warn("pending buffer full, dropping update",
			zap.String("session", u.Session.String()),
			zap.Uint64("seq", u.Seq))
		return
	}

	d.pending[key] = pendingUpdate{update: u, origin: origin}
	d.logger.Debug("parked update until dependencies arrive",
		zap.String("session", u.Session.String()),
		zap.Uint64("seq", u.Seq),
		zap.Int("pending", len(d.pending)))
}

// drainPendingLocked integrates parked updates that became ready, repeatedly,
// until no further progress is possible.
func (d *Document) drainPendingLocked() []*ChangeSet {
	var sets []*ChangeSet
	for len(d.pending) > 0 {
		var ready []pendingUpdate
		for key, p := range d.pending {
			if p.update.Seq <= d.sv[p.update.Session] {
				delete(d.pending, key)
				continue
			}
			if d.readyLocked(p.update) {
				ready = append(ready, p)
			}
		}
		if len(ready) == 0 {
			break
		}

		sort.Slice(ready, func(i, j int) bool {
			return ready[i].update.Stamp().Compare(ready[j].update.Stamp()) < 0
		})
		for _, p := range ready {
			// an earlier entry of this round may already have advanced the session
			if !d.readyLocked(p.update) {
				continue
			}
			delete(d.pending, pendingKey{sid: p.update.Session, seq: p.update.Seq})
			sets = append(sets, d.integrateLocked(p.update, p.origin))
		}
	}
	return sets
}

func (d *Document) collectionLocked(name string) map[string]*record {
	coll, ok := d.collections[name]
	if !ok {
		coll = make(map[string]*record)
		d.collections[name] = coll
	}
	return coll
}

func (d *Document) recordLocked(collection, key string) *record {
	coll, ok := d.collections[collection]
	if !ok {
		return nil
	}
	return coll[key]
}

func (d *Document) getLocked(collection, key string) (json.RawMessage, bool) {
	rec := d.recordLocked(collection, key)
	if rec == nil || rec.deleted {
		return nil, false
	}
	return rec.value, true
}

func (d *Document) valuesLocked(collection string) []Entry {
	coll := d.collections[collection]
	entries := make([]Entry, 0, len(coll))
	for key, rec := range coll {
		if rec.deleted {
			continue
		}
		entries = append(entries, Entry{Key: key, Value: rec.value, Stamp: rec.stamp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

func (d *Document) lenLocked(collection string) int {
	n := 0
	for _, rec := range d.collections[collection] {
		if !rec.deleted {
			n++
		}
	}
	return n
}

// View is a read-only handle valid inside Document.View.
type View struct {
	d *Document
}

// Get returns the live value stored under key.
func (v View) Get(collection, key string) (json.RawMessage, bool) {
	return v.d.getLocked(collection, key)
}

// Values returns the live entries of a collection ordered by key.
func (v View) Values(collection string) []Entry {
	return v.d.valuesLocked(collection)
}

// Len returns the number of live entries of a collection.
func (v View) Len(collection string) int {
	return v.d.lenLocked(collection)
}
