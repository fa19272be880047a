package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/graphloom-io/graphloom/internal/staging"
)

// MemoryDataSourceStore implements staging.DataSourceStore in memory.
// Suitable for unit tests and single-process development runs.
type MemoryDataSourceStore struct {
	mu      sync.RWMutex
	sources map[string]*staging.DataSource
}

var _ staging.DataSourceStore = (*MemoryDataSourceStore)(nil)

// NewMemoryDataSourceStore creates an empty in-memory data source store.
func NewMemoryDataSourceStore() *MemoryDataSourceStore {
	return &MemoryDataSourceStore{sources: make(map[string]*staging.DataSource)}
}

// Add registers a data source, assigning an id when absent.
func (s *MemoryDataSourceStore) Add(source *staging.DataSource) *staging.DataSource {
	s.mu.Lock()
	defer s.mu.Unlock()

	if source.ID == "" {
		source.ID = uuid.NewString()
	}

	if source.CreatedAt.IsZero() {
		source.CreatedAt = time.Now().UTC()
	}

	copied := *source
	s.sources[source.ID] = &copied

	return source
}

// SetActive flips a source's active flag.
func (s *MemoryDataSourceStore) SetActive(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if source, ok := s.sources[id]; ok {
		source.Active = active
	}
}

// Retrieve loads one data source by id.
func (s *MemoryDataSourceStore) Retrieve(_ context.Context, id string) (*staging.DataSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	source, ok := s.sources[id]
	if !ok {
		return nil, staging.ErrNotFound
	}

	copied := *source

	return &copied, nil
}

// ListActive returns all active data sources in creation order.
func (s *MemoryDataSourceStore) ListActive(_ context.Context) ([]*staging.DataSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*staging.DataSource

	for _, source := range s.sources {
		if source.Active {
			copied := *source
			active = append(active, &copied)
		}
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	return active, nil
}

// IsActive reports whether the data source exists and is active.
func (s *MemoryDataSourceStore) IsActive(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	source, ok := s.sources[id]
	if !ok {
		return false, staging.ErrNotFound
	}

	return source.Active, nil
}

// MemoryImportStore implements staging.ImportStore in memory. Row locks are
// modeled as a lock table keyed by import id so the poller's transactional
// mutual exclusion behaves the same as against PostgreSQL.
type MemoryImportStore struct {
	mu      sync.Mutex
	imports map[string]*staging.Import
	locks   map[string]*memoryTx
	clock   int64
}

var _ staging.ImportStore = (*MemoryImportStore)(nil)

// NewMemoryImportStore creates an empty in-memory import store.
func NewMemoryImportStore() *MemoryImportStore {
	return &MemoryImportStore{
		imports: make(map[string]*staging.Import),
		locks:   make(map[string]*memoryTx),
	}
}

// memoryTx tracks which import rows a logical transaction holds locked.
type memoryTx struct {
	store  *MemoryImportStore
	held   []string
	closed bool
}

func (t *memoryTx) Commit() error   { return t.release() }
func (t *memoryTx) Rollback() error { return t.release() }

func (t *memoryTx) release() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true

	for _, id := range t.held {
		if t.store.locks[id] == t {
			delete(t.store.locks, id)
		}
	}

	return nil
}

// Begin opens a logical transaction for lock-scoped operations.
func (s *MemoryImportStore) Begin(_ context.Context) (staging.Tx, error) {
	return &memoryTx{store: s}, nil
}

// Initiate creates a new import in ready status.
func (s *MemoryImportStore) Initiate(_ context.Context, dataSourceID, reference string) (*staging.Import, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.initiateLocked(dataSourceID, reference), nil
}

// InitiateAndLock creates a new import and locks it within tx.
func (s *MemoryImportStore) InitiateAndLock(_ context.Context, tx staging.Tx, dataSourceID, reference string) (*staging.Import, error) {
	memTx, ok := tx.(*memoryTx)
	if !ok {
		return nil, errNotSQLTx
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	imported := s.initiateLocked(dataSourceID, reference)
	s.locks[imported.ID] = memTx
	memTx.held = append(memTx.held, imported.ID)

	return imported, nil
}

func (s *MemoryImportStore) initiateLocked(dataSourceID, reference string) *staging.Import {
	// a monotonic clock keeps ordering stable when imports are created
	// within the same wall-clock instant
	s.clock++

	imported := &staging.Import{
		ID:           uuid.NewString(),
		DataSourceID: dataSourceID,
		Status:       staging.ImportReady,
		Reference:    reference,
		CreatedAt:    time.Now().UTC().Add(time.Duration(s.clock) * time.Microsecond),
	}

	s.imports[imported.ID] = imported

	copied := *imported

	return &copied
}

// RetrieveLast returns the most recently created import for the source.
func (s *MemoryImportStore) RetrieveLast(_ context.Context, dataSourceID string) (*staging.Import, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.lastLocked(dataSourceID)
	if last == nil {
		return nil, staging.ErrNoImports
	}

	copied := *last

	return &copied, nil
}

// RetrieveLastAndLock locks the most recent import within tx, or returns
// staging.ErrImportLocked when another transaction holds it.
func (s *MemoryImportStore) RetrieveLastAndLock(_ context.Context, tx staging.Tx, dataSourceID string) (*staging.Import, error) {
	memTx, ok := tx.(*memoryTx)
	if !ok {
		return nil, errNotSQLTx
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.lastLocked(dataSourceID)
	if last == nil {
		return nil, staging.ErrNoImports
	}

	if holder, held := s.locks[last.ID]; held && holder != memTx {
		return nil, staging.ErrImportLocked
	}

	s.locks[last.ID] = memTx
	memTx.held = append(memTx.held, last.ID)

	copied := *last

	return &copied, nil
}

func (s *MemoryImportStore) lastLocked(dataSourceID string) *staging.Import {
	var last *staging.Import

	for _, imported := range s.imports {
		if imported.DataSourceID != dataSourceID {
			continue
		}

		if last == nil || imported.CreatedAt.After(last.CreatedAt) {
			last = imported
		}
	}

	return last
}

// OldestNonTerminal returns the oldest import not in a terminal status.
func (s *MemoryImportStore) OldestNonTerminal(_ context.Context, dataSourceID string) (*staging.Import, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *staging.Import

	for _, imported := range s.imports {
		if imported.DataSourceID != dataSourceID || imported.Status.IsTerminal() {
			continue
		}

		if oldest == nil || imported.CreatedAt.Before(oldest.CreatedAt) {
			oldest = imported
		}
	}

	if oldest == nil {
		return nil, staging.ErrNoImports
	}

	copied := *oldest

	return &copied, nil
}

// SetStatus transitions the import's status after validating the
// transition.
func (s *MemoryImportStore) SetStatus(_ context.Context, id string, status staging.ImportStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	imported, ok := s.imports[id]
	if !ok {
		return staging.ErrNotFound
	}

	if err := staging.ValidateStatusTransition(imported.Status, status); err != nil {
		return err
	}

	now := time.Now().UTC()
	imported.Status = status
	imported.StatusMessage = message
	imported.ModifiedAt = &now

	return nil
}

// Retrieve loads one import by id. Test helper.
func (s *MemoryImportStore) Retrieve(id string) (*staging.Import, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	imported, ok := s.imports[id]
	if !ok {
		return nil, false
	}

	copied := *imported

	return &copied, true
}

// MemoryRecordStore implements staging.RecordStore in memory.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records []*staging.Record
	clock   int64
}

var _ staging.RecordStore = (*MemoryRecordStore)(nil)

// NewMemoryRecordStore creates an empty in-memory staging record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{}
}

// CreateRecords persists new staging records, assigning identities.
func (s *MemoryRecordStore) CreateRecords(_ context.Context, records ...*staging.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range records {
		if record.ID == "" {
			record.ID = uuid.NewString()
		}

		if record.CreatedAt.IsZero() {
			s.clock++
			record.CreatedAt = time.Now().UTC().Add(time.Duration(s.clock) * time.Microsecond)
		}

		copied := *record
		s.records = append(s.records, &copied)
	}

	return nil
}

// CreateRecordsInTx persists new staging records within tx. The memory
// store has no cross-session visibility, so it delegates to CreateRecords.
func (s *MemoryRecordStore) CreateRecordsInTx(ctx context.Context, _ staging.Tx, records ...*staging.Record) error {
	return s.CreateRecords(ctx, records...)
}

// ListUnprocessedMapped pages through an import's mapped, unprocessed
// records in creation order.
func (s *MemoryRecordStore) ListUnprocessedMapped(_ context.Context, importID string, offset, limit int) ([]*staging.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*staging.Record

	for _, record := range s.records {
		if record.ImportID == importID && record.MappingID != nil && record.ProcessedAt == nil {
			copied := *record
			matched = append(matched, &copied)
		}
	}

	sortRecords(matched)

	return pageRecords(matched, offset, limit), nil
}

// ListUnmapped returns up to limit unmapped records, oldest first.
func (s *MemoryRecordStore) ListUnmapped(_ context.Context, limit int) ([]*staging.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*staging.Record

	for _, record := range s.records {
		if record.MappingID == nil {
			copied := *record
			matched = append(matched, &copied)
		}
	}

	sortRecords(matched)

	return pageRecords(matched, 0, limit), nil
}

// CountUnmapped counts the import's records with no mapping assigned.
func (s *MemoryRecordStore) CountUnmapped(_ context.Context, importID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64

	for _, record := range s.records {
		if record.ImportID == importID && record.MappingID == nil {
			count++
		}
	}

	return count, nil
}

// CountUnprocessed counts the import's records not yet processed.
func (s *MemoryRecordStore) CountUnprocessed(_ context.Context, importID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64

	for _, record := range s.records {
		if record.ImportID == importID && record.ProcessedAt == nil {
			count++
		}
	}

	return count, nil
}

// AssignMapping sets the record's mapping, enforcing immutability.
func (s *MemoryRecordStore) AssignMapping(_ context.Context, recordID, mappingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.records {
		if record.ID != recordID {
			continue
		}

		if record.MappingID != nil && *record.MappingID != mappingID {
			return staging.ErrMappingImmutable
		}

		record.MappingID = &mappingID

		return nil
	}

	return staging.ErrNotFound
}

// MarkProcessed stamps ProcessedAt on the given records.
func (s *MemoryRecordStore) MarkProcessed(_ context.Context, recordIDs []string, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		ids[id] = struct{}{}
	}

	for _, record := range s.records {
		if _, ok := ids[record.ID]; ok {
			stamped := processedAt
			record.ProcessedAt = &stamped
		}
	}

	return nil
}

// AddError appends a message to the record's error list.
func (s *MemoryRecordStore) AddError(_ context.Context, recordID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.records {
		if record.ID == recordID {
			record.Errors = append(record.Errors, message)

			return nil
		}
	}

	return staging.ErrNotFound
}

// All returns a copy of every stored record. Test helper.
func (s *MemoryRecordStore) All() []*staging.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*staging.Record, 0, len(s.records))

	for _, record := range s.records {
		copied := *record
		out = append(out, &copied)
	}

	sortRecords(out)

	return out
}

func sortRecords(records []*staging.Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}

		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

func pageRecords(records []*staging.Record, offset, limit int) []*staging.Record {
	if offset >= len(records) {
		return nil
	}

	records = records[offset:]

	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}

	return records
}
