// Package projection republishes the replicated document as an ordered,
// render friendly snapshot of nodes, edges and remote presence.
package projection

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"diagramsync/collab/awareness"
	"diagramsync/collab/crdt"
	"diagramsync/internal/canvas"
	"diagramsync/internal/domain"
)

// Snapshot is one published view. Snapshots are shared between subscribers
// and must be treated as read only.
type Snapshot struct {
	// Revision increases with every publish.
	Revision uint64
	// ContentRevision increases only when nodes or edges changed.
	ContentRevision uint64
	Nodes           []domain.Node
	Edges           []domain.Edge
	// Presence holds the remote clients, ordered by client id.
	Presence []awareness.State
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithDebounce delays each publish by d so that bursts of change-sets
// collapse into one snapshot.
func WithDebounce(d time.Duration) Option {
	return func(b *Bridge) {
		b.debounce = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Bridge observes a document and publishes coalesced snapshots from a
// single goroutine.
type Bridge struct {
	doc      *crdt.Document
	debounce time.Duration
	logger   *zap.Logger

	dirty chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	// publishMu serializes publishes so subscribers see revisions in order.
	publishMu sync.Mutex

	mu          sync.Mutex
	current     Snapshot
	docVersion  uint64
	seenVersion uint64
	subs        map[int]func(Snapshot)
	nextID      int
	aware       *awareness.Awareness
	detach      []func()
	closed      bool
}

// NewBridge creates a bridge over doc and starts its publisher.
func NewBridge(doc *crdt.Document, opts ...Option) *Bridge {
	b := &Bridge{
		doc:    doc,
		logger: zap.NewNop(),
		dirty:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		subs:   make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.detach = append(b.detach, doc.Observe(b.onDocChange))
	b.wg.Add(1)
	go b.run()
	return b
}

// AttachAwareness adds the remote clients of a to every snapshot.
func (b *Bridge) AttachAwareness(a *awareness.Awareness) {
	off := a.OnChange(func(awareness.Change) { b.markDirty() })

	b.mu.Lock()
	b.aware = a
	b.detach = append(b.detach, off)
	b.mu.Unlock()
	b.markDirty()
}

// Subscribe registers fn for every published snapshot.
func (b *Bridge) Subscribe(fn func(Snapshot)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Current returns the last published snapshot.
func (b *Bridge) Current() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Revision returns the revision of the last published snapshot.
func (b *Bridge) Revision() uint64 {
	return b.Current().Revision
}

// Flush publishes a snapshot of the current state synchronously.
func (b *Bridge) Flush() Snapshot {
	select {
	case <-b.dirty:
	default:
	}
	return b.publish()
}

// Close detaches the bridge from the document and awareness and stops the publisher.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	detach := b.detach
	b.detach = nil
	b.mu.Unlock()

	for _, off := range detach {
		off()
	}
	close(b.done)
	b.wg.Wait()
}

func (b *Bridge) onDocChange(*crdt.ChangeSet) {
	b.mu.Lock()
	b.docVersion++
	b.mu.Unlock()
	b.markDirty()
}

func (b *Bridge) markDirty() {
	select {
	case b.dirty <- struct{}{}:
	default:
	}
}

func (b *Bridge) run() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case <-b.dirty:
		}

		if b.debounce > 0 {
			timer := time.NewTimer(b.debounce)
			select {
			case <-b.done:
				timer.Stop()
				return
			case <-timer.C:
			}
			// everything that arrived during the window is covered by this publish
			select {
			case <-b.dirty:
			default:
			}
		}
		b.publish()
	}
}

func (b *Bridge) publish() Snapshot {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	version := b.docVersion
	aware := b.aware
	b.mu.Unlock()

	var nodes []domain.Node
	var edges []domain.Edge
	b.doc.View(func(v crdt.View) {
		nodes = canvas.DecodeNodes(v.Values(domain.CollectionShapes), b.logger)
		edges = canvas.DecodeEdges(v.Values(domain.CollectionEdges), b.logger)
	})

	presence := []awareness.State{}
	if aware != nil {
		presence = aware.Peers()
	}

	b.mu.Lock()
	snap := Snapshot{
		Revision:        b.current.Revision + 1,
		ContentRevision: b.current.ContentRevision,
		Nodes:           nodes,
		Edges:           edges,
		Presence:        presence,
	}
	if version != b.seenVersion {
		b.seenVersion = version
		snap.ContentRevision++
	}
	b.current = snap
	subs := make([]func(Snapshot), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return snap
}
