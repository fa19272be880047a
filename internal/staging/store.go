package staging

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrNoImports is returned when a data source has no import matching
	// the query (no imports at all, or none non-terminal).
	ErrNoImports = errors.New("no matching imports")

	// ErrImportLocked is returned when an import row lock cannot be
	// acquired because a concurrent holder has it. Expected under
	// horizontal scaling; callers retry next tick without logging an error.
	ErrImportLocked = errors.New("import is locked by another instance")

	// ErrMappingImmutable is returned on an attempt to reassign a staging
	// record's mapping once set.
	ErrMappingImmutable = errors.New("staging record mapping is immutable once assigned")
)

// Tx is a storage transaction scoping row locks. The poller deliberately
// holds one across its cool-down sleep; see poller.Poller.
type Tx interface {
	Commit() error
	Rollback() error
}

// DataSourceStore reads data source records. The pipeline never writes
// them; creation and activation belong to the excluded CRUD layer.
type DataSourceStore interface {
	Retrieve(ctx context.Context, id string) (*DataSource, error)
	ListActive(ctx context.Context) ([]*DataSource, error)
	// IsActive is polled at the top of every loop iteration; a false return
	// is the cooperative cancellation signal.
	IsActive(ctx context.Context, id string) (bool, error)
}

// ImportStore manages the import lineage of a data source.
type ImportStore interface {
	// Begin opens a transaction for lock-scoped operations. Each poll tick
	// acquires its own transaction; transactions are never shared across
	// concurrent ticks.
	Begin(ctx context.Context) (Tx, error)

	// Initiate creates a new import in ready status.
	Initiate(ctx context.Context, dataSourceID, reference string) (*Import, error)

	// InitiateAndLock creates a new import and locks its row within tx, so
	// the creating poller retains exclusivity until commit.
	InitiateAndLock(ctx context.Context, tx Tx, dataSourceID, reference string) (*Import, error)

	// RetrieveLast returns the most recently created import for the source,
	// or ErrNoImports.
	RetrieveLast(ctx context.Context, dataSourceID string) (*Import, error)

	// RetrieveLastAndLock row-locks the most recent import within tx.
	// Returns ErrImportLocked when a concurrent holder has the lock and
	// ErrNoImports when the source has no imports yet.
	RetrieveLastAndLock(ctx context.Context, tx Tx, dataSourceID string) (*Import, error)

	// OldestNonTerminal returns the oldest import not in a terminal status,
	// or ErrNoImports. The processing loop drains imports in this order.
	OldestNonTerminal(ctx context.Context, dataSourceID string) (*Import, error)

	// SetStatus transitions the import's status, recording message on the
	// import for operator visibility. Invalid transitions are rejected with
	// the lifecycle sentinel errors.
	SetStatus(ctx context.Context, id string, status ImportStatus, message string) error
}

// RecordStore manages the staging record queue.
type RecordStore interface {
	// CreateRecords persists new staging records, assigning identities.
	CreateRecords(ctx context.Context, records ...*Record) error

	// CreateRecordsInTx persists new staging records within tx. The poller
	// stages records against an import row that is itself uncommitted in
	// the same transaction, so the records must ride that transaction too.
	CreateRecordsInTx(ctx context.Context, tx Tx, records ...*Record) error

	// ListUnprocessedMapped pages through an import's mapped, unprocessed
	// records in creation order.
	ListUnprocessedMapped(ctx context.Context, importID string, offset, limit int) ([]*Record, error)

	// ListUnmapped returns up to limit unmapped records across all sources,
	// oldest first. Consumed by the mapping resolver sweep.
	ListUnmapped(ctx context.Context, limit int) ([]*Record, error)

	// CountUnmapped counts the import's records with no mapping assigned.
	// An import may complete only when this reaches zero.
	CountUnmapped(ctx context.Context, importID string) (int64, error)

	// CountUnprocessed counts the import's records not yet processed.
	CountUnprocessed(ctx context.Context, importID string) (int64, error)

	// AssignMapping sets the record's mapping. Returns ErrMappingImmutable
	// if a different mapping is already assigned.
	AssignMapping(ctx context.Context, recordID, mappingID string) error

	// MarkProcessed stamps ProcessedAt on the given records.
	MarkProcessed(ctx context.Context, recordIDs []string, processedAt time.Time) error

	// AddError appends a message to the record's ordered error list.
	AddError(ctx context.Context, recordID, message string) error
}
