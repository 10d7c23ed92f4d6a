// Package undo implements undo/redo over a replicated document, scoped to
// the transactions of one replica.
//
// Stack items remember, per key, the value before the transaction and the
// timestamp the transaction wrote. An undo restores a key only while the
// key still holds that timestamp, so changes made since by other replicas
// are never reverted.
package undo

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"diagramsync/collab/common"
	"diagramsync/collab/crdt"
)

type itemKey struct {
	collection string
	key        string
}

type itemChange struct {
	before      json.RawMessage
	beforeStamp common.LogicalTimestamp
	stamp       common.LogicalTimestamp
}

// stackItem is the merged effect of one or more captured transactions.
type stackItem struct {
	order   []itemKey
	changes map[itemKey]*itemChange
}

func newStackItem() *stackItem {
	return &stackItem{changes: make(map[itemKey]*itemChange)}
}

// merge folds a change-set into the item, keeping the oldest before-value and
// the newest stamp per key.
func (it *stackItem) merge(cs *crdt.ChangeSet) {
	for _, c := range cs.Changes {
		k := itemKey{c.Collection, c.Key}
		if existing, ok := it.changes[k]; ok {
			existing.stamp = c.Stamp
			continue
		}
		it.order = append(it.order, k)
		it.changes[k] = &itemChange{before: c.Before, beforeStamp: c.BeforeStamp, stamp: c.Stamp}
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithCaptureTimeout merges tracked transactions committed within d of each
// other into one stack item. Zero keeps every transaction separate.
func WithCaptureTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.captureTimeout = d
	}
}

// WithTrackedOrigin replaces the predicate selecting which transactions are
// captured. The default captures local transactions of the document's own session.
func WithTrackedOrigin(fn func(doc *crdt.Document, origin common.Origin) bool) Option {
	return func(m *Manager) {
		m.tracked = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// TrackLocal is the default tracked-origin predicate.
func TrackLocal(doc *crdt.Document, origin common.Origin) bool {
	return origin.Kind == common.OriginLocal && origin.Session == doc.SessionID()
}

// Manager keeps the undo and redo stacks of one replica.
type Manager struct {
	doc            *crdt.Document
	tracked        func(*crdt.Document, common.Origin) bool
	captureTimeout time.Duration
	now            func() time.Time
	logger         *zap.Logger

	mu          sync.Mutex
	undoStack   []*stackItem
	redoStack   []*stackItem
	lastCapture time.Time
	stopCapture bool
	listeners   map[int]func(canUndo, canRedo bool)
	nextID      int

	unobserve func()
}

// NewManager creates a manager observing doc.
func NewManager(doc *crdt.Document, opts ...Option) *Manager {
	m := &Manager{
		doc:       doc,
		tracked:   TrackLocal,
		now:       time.Now,
		logger:    zap.NewNop(),
		listeners: make(map[int]func(bool, bool)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.unobserve = doc.Observe(m.onChange)
	return m
}

// Undo reverts the most recent captured item that still has an effect.
// It reports false when nothing could be undone.
func (m *Manager) Undo() bool {
	return m.pop(true)
}

// Redo re-applies the most recently undone item that still has an effect.
// It reports false when nothing could be redone.
func (m *Manager) Redo() bool {
	return m.pop(false)
}

// CanUndo reports whether the undo stack is non-empty.
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undoStack) > 0
}

// CanRedo reports whether the redo stack is non-empty.
func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redoStack) > 0
}

// UndoDepth returns the number of undo items.
func (m *Manager) UndoDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undoStack)
}

// RedoDepth returns the number of redo items.
func (m *Manager) RedoDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redoStack)
}

// StopCapturing forces the next tracked transaction into a new item.
func (m *Manager) StopCapturing() {
	m.mu.Lock()
	m.stopCapture = true
	m.mu.Unlock()
}

// Clear empties both stacks.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.undoStack = nil
	m.redoStack = nil
	fns := m.listenersLocked()
	m.mu.Unlock()
	notify(fns, false, false)
}

// OnStackChange registers fn for every change of stack emptiness.
func (m *Manager) OnStackChange(fn func(canUndo, canRedo bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Close detaches the manager from the document.
func (m *Manager) Close() {
	m.unobserve()
}

func (m *Manager) onChange(cs *crdt.ChangeSet) {
	if cs.Reset {
		m.Clear()
		return
	}
	if len(cs.Changes) == 0 {
		return
	}

	own := cs.Origin.Session == m.doc.SessionID()
	m.mu.Lock()
	switch {
	case cs.Origin.Kind == common.OriginUndo && own:
		item := newStackItem()
		item.merge(cs)
		m.redoStack = append(m.redoStack, item)

	case cs.Origin.Kind == common.OriginRedo && own:
		item := newStackItem()
		item.merge(cs)
		m.undoStack = append(m.undoStack, item)
		m.stopCapture = true

	case m.tracked(m.doc, cs.Origin):
		now := m.now()
		merge := m.captureTimeout > 0 &&
			!m.stopCapture &&
			len(m.undoStack) > 0 &&
			now.Sub(m.lastCapture) < m.captureTimeout
		if merge {
			m.undoStack[len(m.undoStack)-1].merge(cs)
		} else {
			item := newStackItem()
			item.merge(cs)
			m.undoStack = append(m.undoStack, item)
		}
		m.lastCapture = now
		m.stopCapture = false
		m.redoStack = nil

	default:
		m.mu.Unlock()
		return
	}
	fns := m.listenersLocked()
	canUndo, canRedo := len(m.undoStack) > 0, len(m.redoStack) > 0
	m.mu.Unlock()

	notify(fns, canUndo, canRedo)
}

// pop applies stack items from the top until one has an effect.
// The document observer pushes the resulting inverse onto the other stack.
func (m *Manager) pop(undo bool) bool {
	for {
		m.mu.Lock()
		stack := &m.redoStack
		if undo {
			stack = &m.undoStack
		}
		if len(*stack) == 0 {
			m.mu.Unlock()
			return false
		}
		item := (*stack)[len(*stack)-1]
		*stack = (*stack)[:len(*stack)-1]
		fns := m.listenersLocked()
		canUndo, canRedo := len(m.undoStack) > 0, len(m.redoStack) > 0
		m.mu.Unlock()

		origin := common.RedoOrigin(m.doc.SessionID())
		if undo {
			origin = common.UndoOrigin(m.doc.SessionID())
		}

		cs, err := m.doc.Transact(origin, func(tx *crdt.Txn) error {
			for i := len(item.order) - 1; i >= 0; i-- {
				k := item.order[i]
				c := item.changes[k]
				stamp, ok := tx.Stamp(k.collection, k.key)
				if !ok || stamp != c.stamp {
					// superseded by a later write
					continue
				}
				if c.before == nil {
					tx.Delete(k.collection, k.key)
					continue
				}
				if err := tx.SetRaw(k.collection, k.key, c.before); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			m.logger.Error("failed to apply stack item", zap.Bool("undo", undo), zap.Error(err))
			notify(fns, canUndo, canRedo)
			return false
		}
		if cs != nil {
			m.restamp(item, cs)
			return true
		}

		// nothing left to revert in this item, the observer did not fire
		notify(fns, canUndo, canRedo)
	}
}

// restamp points the remaining items at the registers just rewritten.
// A restored key holds the state its before-stamp wrote, so items expecting
// that stamp now expect the stamp of the inverse.
func (m *Manager) restamp(applied *stackItem, cs *crdt.ChangeSet) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range cs.Changes {
		k := itemKey{c.Collection, c.Key}
		ic, ok := applied.changes[k]
		if !ok || ic.beforeStamp.IsZero() {
			continue
		}
		for _, stack := range [][]*stackItem{m.undoStack, m.redoStack} {
			for _, it := range stack {
				if other, ok := it.changes[k]; ok && other.stamp == ic.beforeStamp {
					other.stamp = c.Stamp
				}
			}
		}
	}
}

func (m *Manager) listenersLocked() []func(bool, bool) {
	fns := make([]func(bool, bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []func(bool, bool), canUndo, canRedo bool) {
	for _, fn := range fns {
		fn(canUndo, canRedo)
	}
}
