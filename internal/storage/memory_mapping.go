package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/graphloom-io/graphloom/internal/mapping"
)

// MemoryMappingStore implements mapping.Store in memory.
type MemoryMappingStore struct {
	mu              sync.RWMutex
	mappings        map[string]*mapping.TypeMapping
	byShape         map[string]string // (data_source_id, shape_hash) -> mapping id
	transformations map[string][]*mapping.TypeTransformation
}

var _ mapping.Store = (*MemoryMappingStore)(nil)

// NewMemoryMappingStore creates an empty in-memory type mapping store.
func NewMemoryMappingStore() *MemoryMappingStore {
	return &MemoryMappingStore{
		mappings:        make(map[string]*mapping.TypeMapping),
		byShape:         make(map[string]string),
		transformations: make(map[string][]*mapping.TypeTransformation),
	}
}

func shapeKey(dataSourceID, shapeHash string) string {
	return dataSourceID + "\x00" + shapeHash
}

// Retrieve loads a mapping with its transformations populated.
func (s *MemoryMappingStore) Retrieve(_ context.Context, id string) (*mapping.TypeMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mappings[id]
	if !ok {
		return nil, mapping.ErrMappingNotFound
	}

	return s.withTransformationsLocked(m), nil
}

// RetrieveByShapeHash loads the mapping for (data source, shape hash).
func (s *MemoryMappingStore) RetrieveByShapeHash(_ context.Context, dataSourceID, shapeHash string) (*mapping.TypeMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byShape[shapeKey(dataSourceID, shapeHash)]
	if !ok {
		return nil, mapping.ErrMappingNotFound
	}

	return s.withTransformationsLocked(s.mappings[id]), nil
}

// CreateOrResolve upserts on (data_source_id, shape_hash).
func (s *MemoryMappingStore) CreateOrResolve(_ context.Context, m *mapping.TypeMapping) (*mapping.TypeMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := shapeKey(m.DataSourceID, m.ShapeHash)

	if existingID, ok := s.byShape[key]; ok {
		return s.withTransformationsLocked(s.mappings[existingID]), nil
	}

	copied := *m

	if copied.ID == "" {
		copied.ID = uuid.NewString()
	}

	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}

	s.mappings[copied.ID] = &copied
	s.byShape[key] = copied.ID

	return s.withTransformationsLocked(&copied), nil
}

// ListTransformations returns the mapping's transformations in creation
// order.
func (s *MemoryMappingStore) ListTransformations(_ context.Context, mappingID string) ([]*mapping.TypeTransformation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.transformationsLocked(mappingID), nil
}

// AddTransformation attaches a transformation to a mapping. Test helper
// mirroring the CRUD surface.
func (s *MemoryMappingStore) AddTransformation(mappingID string, t *mapping.TypeTransformation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	t.TypeMappingID = mappingID

	copied := *t
	s.transformations[mappingID] = append(s.transformations[mappingID], &copied)
}

// SetActive flips a mapping's active flag.
func (s *MemoryMappingStore) SetActive(mappingID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mappings[mappingID]
	if !ok {
		return mapping.ErrMappingNotFound
	}

	m.Active = active

	return nil
}

func (s *MemoryMappingStore) withTransformationsLocked(m *mapping.TypeMapping) *mapping.TypeMapping {
	copied := *m
	copied.Transformations = s.transformationsLocked(m.ID)

	return &copied
}

func (s *MemoryMappingStore) transformationsLocked(mappingID string) []*mapping.TypeTransformation {
	stored := s.transformations[mappingID]

	out := make([]*mapping.TypeTransformation, 0, len(stored))

	for _, t := range stored {
		copied := *t
		out = append(out, &copied)
	}

	return out
}
