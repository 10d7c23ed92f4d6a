// Package canvas provides the typed mutation API of a diagram replica.
//
// Every mutation runs as one local transaction of the underlying document,
// so it is broadcast as one update and undone as one step.
package canvas

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"diagramsync/collab/common"
	"diagramsync/collab/crdt"
	"diagramsync/internal/domain"
)

// EdgePolicy controls how AddEdge treats an existing edge between the same nodes.
type EdgePolicy int

const (
	// EdgePolicyRejectDuplicate allows at most one edge per unordered node pair.
	EdgePolicyRejectDuplicate EdgePolicy = iota
	// EdgePolicyAllowMulti allows parallel edges.
	EdgePolicyAllowMulti
)

// Option configures a Store.
type Option func(*Store)

// WithEdgePolicy sets the edge policy.
func WithEdgePolicy(p EdgePolicy) Option {
	return func(s *Store) {
		s.edgePolicy = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store mutates the nodes and edges of one document.
type Store struct {
	doc        *crdt.Document
	edgePolicy EdgePolicy
	logger     *zap.Logger
}

// NewStore creates a store over doc.
func NewStore(doc *crdt.Document, opts ...Option) *Store {
	s := &Store{
		doc:    doc,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Document returns the underlying document.
func (s *Store) Document() *crdt.Document {
	return s.doc
}

// AddNode stores a node. Adding an identical node again is a no-op.
func (s *Store) AddNode(node domain.Node) error {
	if node.ID == "" {
		return common.ErrInvalidOperation{Message: "node id is required"}
	}
	return s.transact(func(tx *crdt.Txn) error {
		return tx.Set(domain.CollectionShapes, node.ID, node)
	})
}

// MoveNodes updates the positions of several nodes at once.
// Ids not present in the document are skipped.
func (s *Store) MoveNodes(moves []domain.NodeMove) error {
	return s.transact(func(tx *crdt.Txn) error {
		for _, m := range moves {
			node, ok, err := txNode(tx, m.ID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			node.Position = m.Position
			if err := tx.Set(domain.CollectionShapes, node.ID, node); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateNode applies updates to an existing node. A missing id is a no-op.
func (s *Store) UpdateNode(id string, updates ...domain.NodeUpdate) error {
	return s.transact(func(tx *crdt.Txn) error {
		node, ok, err := txNode(tx, id)
		if err != nil || !ok {
			return err
		}
		for _, u := range updates {
			u.ApplyNode(&node)
		}
		return tx.Set(domain.CollectionShapes, id, node)
	})
}

// RemoveNode deletes a node together with every edge attached to it.
func (s *Store) RemoveNode(id string) error {
	return s.transact(func(tx *crdt.Txn) error {
		if !tx.Has(domain.CollectionShapes, id) {
			return nil
		}
		tx.Delete(domain.CollectionShapes, id)
		for _, e := range txEdges(tx, s.logger) {
			if e.Touches(id) {
				tx.Delete(domain.CollectionEdges, e.ID)
			}
		}
		return nil
	})
}

// AddEdge stores an edge and reports whether it was inserted. Under
// EdgePolicyRejectDuplicate an edge joining an already connected pair is
// rejected.
func (s *Store) AddEdge(edge domain.Edge) (bool, error) {
	if edge.ID == "" || edge.From == "" || edge.To == "" {
		return false, common.ErrInvalidOperation{Message: "edge id and endpoints are required"}
	}

	inserted := false
	err := s.transact(func(tx *crdt.Txn) error {
		if tx.Has(domain.CollectionEdges, edge.ID) {
			return nil
		}
		if s.edgePolicy == EdgePolicyRejectDuplicate {
			for _, e := range txEdges(tx, s.logger) {
				if e.Connects(edge.From, edge.To) {
					return nil
				}
			}
		}
		inserted = true
		return tx.Set(domain.CollectionEdges, edge.ID, edge)
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// UpdateEdge applies updates to an existing edge. A missing id is a no-op.
func (s *Store) UpdateEdge(id string, updates ...domain.EdgeUpdate) error {
	return s.transact(func(tx *crdt.Txn) error {
		raw, ok := tx.Get(domain.CollectionEdges, id)
		if !ok {
			return nil
		}
		var edge domain.Edge
		if err := json.Unmarshal(raw, &edge); err != nil {
			return errors.Wrapf(err, "failed to decode edge %s", id)
		}
		for _, u := range updates {
			u.ApplyEdge(&edge)
		}
		return tx.Set(domain.CollectionEdges, id, edge)
	})
}

// RemoveEdge deletes an edge.
func (s *Store) RemoveEdge(id string) error {
	return s.transact(func(tx *crdt.Txn) error {
		tx.Delete(domain.CollectionEdges, id)
		return nil
	})
}

// Seed writes nodes and edges in one transaction. Used to hydrate a replica
// from a persisted snapshot.
func (s *Store) Seed(nodes []domain.Node, edges []domain.Edge) error {
	return s.transact(func(tx *crdt.Txn) error {
		for _, n := range nodes {
			if n.ID == "" {
				continue
			}
			if err := tx.Set(domain.CollectionShapes, n.ID, n); err != nil {
				return err
			}
		}
		for _, e := range edges {
			if e.ID == "" {
				continue
			}
			if err := tx.Set(domain.CollectionEdges, e.ID, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear deletes every node and edge.
func (s *Store) Clear() error {
	return s.transact(func(tx *crdt.Txn) error {
		for _, k := range tx.Keys(domain.CollectionShapes) {
			tx.Delete(domain.CollectionShapes, k)
		}
		for _, k := range tx.Keys(domain.CollectionEdges) {
			tx.Delete(domain.CollectionEdges, k)
		}
		return nil
	})
}

// Node returns the node stored under id.
func (s *Store) Node(id string) (domain.Node, bool) {
	raw, ok := s.doc.Get(domain.CollectionShapes, id)
	if !ok {
		return domain.Node{}, false
	}
	var node domain.Node
	if err := json.Unmarshal(raw, &node); err != nil {
		s.logger.Warn("skipping undecodable node", zap.String("id", id), zap.Error(err))
		return domain.Node{}, false
	}
	return node, true
}

// Edge returns the edge stored under id.
func (s *Store) Edge(id string) (domain.Edge, bool) {
	raw, ok := s.doc.Get(domain.CollectionEdges, id)
	if !ok {
		return domain.Edge{}, false
	}
	var edge domain.Edge
	if err := json.Unmarshal(raw, &edge); err != nil {
		s.logger.Warn("skipping undecodable edge", zap.String("id", id), zap.Error(err))
		return domain.Edge{}, false
	}
	return edge, true
}

// Nodes returns every node ordered by id.
func (s *Store) Nodes() []domain.Node {
	return DecodeNodes(s.doc.Values(domain.CollectionShapes), s.logger)
}

// Edges returns every edge ordered by id.
func (s *Store) Edges() []domain.Edge {
	return DecodeEdges(s.doc.Values(domain.CollectionEdges), s.logger)
}

// DuplicateEdges returns the groups of edges that join the same unordered
// pair of nodes. Concurrent inserts from different replicas can produce
// such groups; they are reported, not resolved.
func (s *Store) DuplicateEdges() [][]domain.Edge {
	groups := make(map[string][]domain.Edge)
	for _, e := range s.Edges() {
		groups[e.PairKey()] = append(groups[e.PairKey()], e)
	}

	var dups [][]domain.Edge
	for _, g := range groups {
		if len(g) > 1 {
			dups = append(dups, g)
		}
	}
	sort.Slice(dups, func(i, j int) bool { return dups[i][0].ID < dups[j][0].ID })
	return dups
}

func (s *Store) transact(fn func(tx *crdt.Txn) error) error {
	_, err := s.doc.Transact(common.LocalOrigin(s.doc.SessionID()), fn)
	return err
}

// DecodeNodes decodes node entries, skipping the ones that fail to decode.
func DecodeNodes(entries []crdt.Entry, logger *zap.Logger) []domain.Node {
	nodes := make([]domain.Node, 0, len(entries))
	for _, e := range entries {
		var n domain.Node
		if err := json.Unmarshal(e.Value, &n); err != nil {
			logger.Warn("skipping undecodable node", zap.String("id", e.Key), zap.Error(err))
			continue
		}
		n.ID = e.Key
		nodes = append(nodes, n)
	}
	return nodes
}

// DecodeEdges decodes edge entries, skipping the ones that fail to decode.
func DecodeEdges(entries []crdt.Entry, logger *zap.Logger) []domain.Edge {
	edges := make([]domain.Edge, 0, len(entries))
	for _, e := range entries {
		var edge domain.Edge
		if err := json.Unmarshal(e.Value, &edge); err != nil {
			logger.Warn("skipping undecodable edge", zap.String("id", e.Key), zap.Error(err))
			continue
		}
		edge.ID = e.Key
		edges = append(edges, edge)
	}
	return edges
}

func txNode(tx *crdt.Txn, id string) (domain.Node, bool, error) {
	raw, ok := tx.Get(domain.CollectionShapes, id)
	if !ok {
		return domain.Node{}, false, nil
	}
	var node domain.Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return domain.Node{}, false, errors.Wrapf(err, "failed to decode node %s", id)
	}
	return node, true, nil
}

func txEdges(tx *crdt.Txn, logger *zap.Logger) []domain.Edge {
	return DecodeEdges(tx.Values(domain.CollectionEdges), logger)
}
