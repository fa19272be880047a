package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/graphloom-io/graphloom/internal/graph"
)

// MemoryGraphStore implements graph.Store in memory with the same upsert
// semantics as the PostgreSQL store.
type MemoryGraphStore struct {
	mu    sync.RWMutex
	nodes []graph.Node
	edges []graph.Edge
}

var _ graph.Store = (*MemoryGraphStore)(nil)

// NewMemoryGraphStore creates an empty in-memory graph store.
func NewMemoryGraphStore() *MemoryGraphStore {
	return &MemoryGraphStore{}
}

// UpsertNodes writes node candidates, replacing any existing node sharing
// the same (data source, composite original id).
func (s *MemoryGraphStore) UpsertNodes(_ context.Context, nodes []graph.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, node := range nodes {
		if node.ID == "" {
			node.ID = uuid.NewString()
		}

		if node.CompositeOriginalID != "" {
			if i := s.findNodeLocked(node.DataSourceID, node.CompositeOriginalID); i >= 0 {
				node.ID = s.nodes[i].ID
				s.nodes[i] = node

				continue
			}
		}

		s.nodes = append(s.nodes, node)
	}

	return nil
}

// UpsertEdges writes edge candidates, replacing any existing edge sharing
// the same endpoint tuple.
func (s *MemoryGraphStore) UpsertEdges(_ context.Context, edges []graph.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, edge := range edges {
		if edge.ID == "" {
			edge.ID = uuid.NewString()
		}

		if i := s.findEdgeLocked(edge); i >= 0 {
			edge.ID = s.edges[i].ID
			s.edges[i] = edge

			continue
		}

		s.edges = append(s.edges, edge)
	}

	return nil
}

// Nodes returns a copy of all stored nodes. Test helper.
func (s *MemoryGraphStore) Nodes() []graph.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]graph.Node, len(s.nodes))
	copy(out, s.nodes)

	return out
}

// Edges returns a copy of all stored edges. Test helper.
func (s *MemoryGraphStore) Edges() []graph.Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]graph.Edge, len(s.edges))
	copy(out, s.edges)

	return out
}

func (s *MemoryGraphStore) findNodeLocked(dataSourceID, compositeOriginalID string) int {
	for i, node := range s.nodes {
		if node.DataSourceID == dataSourceID && node.CompositeOriginalID == compositeOriginalID {
			return i
		}
	}

	return -1
}

func (s *MemoryGraphStore) findEdgeLocked(edge graph.Edge) int {
	for i, existing := range s.edges {
		if existing.DataSourceID == edge.DataSourceID &&
			existing.RelationshipPairID == edge.RelationshipPairID &&
			existing.OriginOriginalID == edge.OriginOriginalID &&
			existing.DestinationOriginalID == edge.DestinationOriginalID {
			return i
		}
	}

	return -1
}
