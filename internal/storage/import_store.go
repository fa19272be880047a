package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/graphloom-io/graphloom/internal/staging"
)

// PersistentImportStore implements staging.ImportStore with a PostgreSQL
// backend. Row locks taken through it use FOR UPDATE NOWAIT so concurrent
// pipeline instances skip contended sources instead of queueing.
type PersistentImportStore struct {
	conn *Connection
}

var _ staging.ImportStore = (*PersistentImportStore)(nil)

// NewPersistentImportStore creates a PostgreSQL-backed import store.
func NewPersistentImportStore(conn *Connection) (*PersistentImportStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentImportStore{conn: conn}, nil
}

// sqlTx adapts *sql.Tx to the staging.Tx contract.
type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

// errNotSQLTx guards against a Tx from a different store implementation.
var errNotSQLTx = errors.New("transaction does not belong to this store")

func unwrapTx(tx staging.Tx) (*sql.Tx, error) {
	wrapped, ok := tx.(*sqlTx)
	if !ok {
		return nil, errNotSQLTx
	}

	return wrapped.tx, nil
}

// Begin opens a transaction for lock-scoped operations.
func (s *PersistentImportStore) Begin(ctx context.Context) (staging.Tx, error) {
	tx, err := s.conn.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &sqlTx{tx: tx}, nil
}

const importColumns = `id, data_source_id, status, status_message, reference, created_at, modified_at`

// Initiate creates a new import in ready status.
func (s *PersistentImportStore) Initiate(ctx context.Context, dataSourceID, reference string) (*staging.Import, error) {
	query := `
		INSERT INTO imports (id, data_source_id, status, reference, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + importColumns

	return scanImport(s.conn.QueryRowContext(ctx, query,
		uuid.NewString(), dataSourceID, staging.ImportReady, reference, time.Now().UTC()))
}

// InitiateAndLock creates a new import inside tx. The inserted row is
// invisible to other sessions until commit, so the creating transaction
// holds exclusivity without an explicit lock clause.
func (s *PersistentImportStore) InitiateAndLock(ctx context.Context, tx staging.Tx, dataSourceID, reference string) (*staging.Import, error) {
	sqlTransaction, err := unwrapTx(tx)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO imports (id, data_source_id, status, reference, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + importColumns

	return scanImport(sqlTransaction.QueryRowContext(ctx, query,
		uuid.NewString(), dataSourceID, staging.ImportReady, reference, time.Now().UTC()))
}

// RetrieveLast returns the most recently created import for the source.
func (s *PersistentImportStore) RetrieveLast(ctx context.Context, dataSourceID string) (*staging.Import, error) {
	query := `
		SELECT ` + importColumns + `
		FROM imports
		WHERE data_source_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	imported, err := scanImport(s.conn.QueryRowContext(ctx, query, dataSourceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, staging.ErrNoImports
		}

		return nil, err
	}

	return imported, nil
}

// RetrieveLastAndLock row-locks the most recent import within tx using
// FOR UPDATE NOWAIT. A contended lock maps to staging.ErrImportLocked.
func (s *PersistentImportStore) RetrieveLastAndLock(ctx context.Context, tx staging.Tx, dataSourceID string) (*staging.Import, error) {
	sqlTransaction, err := unwrapTx(tx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT ` + importColumns + `
		FROM imports
		WHERE data_source_id = $1
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE NOWAIT
	`

	imported, err := scanImport(sqlTransaction.QueryRowContext(ctx, query, dataSourceID))
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, staging.ErrNoImports
		case isLockNotAvailable(err):
			return nil, staging.ErrImportLocked
		default:
			return nil, fmt.Errorf("failed to lock last import: %w", err)
		}
	}

	return imported, nil
}

// OldestNonTerminal returns the oldest import still in a non-terminal
// status. This is the processing order.
func (s *PersistentImportStore) OldestNonTerminal(ctx context.Context, dataSourceID string) (*staging.Import, error) {
	query := `
		SELECT ` + importColumns + `
		FROM imports
		WHERE data_source_id = $1
		  AND status NOT IN ($2, $3)
		ORDER BY created_at
		LIMIT 1
	`

	imported, err := scanImport(s.conn.QueryRowContext(ctx, query,
		dataSourceID, staging.ImportCompleted, staging.ImportStopped))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, staging.ErrNoImports
		}

		return nil, err
	}

	return imported, nil
}

// SetStatus transitions the import's status after validating the
// transition against the lifecycle rules.
func (s *PersistentImportStore) SetStatus(ctx context.Context, id string, status staging.ImportStatus, message string) error {
	var current staging.ImportStatus
	if err := s.conn.QueryRowContext(ctx, `SELECT status FROM imports WHERE id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return staging.ErrNotFound
		}

		return fmt.Errorf("failed to read import status: %w", err)
	}

	if err := staging.ValidateStatusTransition(current, status); err != nil {
		return err
	}

	// the UPDATE repeats the terminal check so a writer racing the
	// validation above cannot move a finished import
	query := `
		UPDATE imports
		SET status = $1, status_message = $2, modified_at = $3
		WHERE id = $4
		  AND status NOT IN ($5, $6)
	`

	result, err := s.conn.ExecContext(ctx, query, status, message, time.Now().UTC(), id,
		staging.ImportCompleted, staging.ImportStopped)
	if err != nil {
		return fmt.Errorf("failed to update import status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update import status: %w", err)
	}

	if affected == 0 {
		// the import went terminal between the read and the update;
		// re-validate so idempotent same-status writes stay a no-op
		if err := s.conn.QueryRowContext(ctx, `SELECT status FROM imports WHERE id = $1`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return staging.ErrNotFound
			}

			return fmt.Errorf("failed to read import status: %w", err)
		}

		return staging.ValidateStatusTransition(current, status)
	}

	return nil
}

func scanImport(row rowScanner) (*staging.Import, error) {
	var (
		imported      staging.Import
		statusMessage sql.NullString
		reference     sql.NullString
		modifiedAt    sql.NullTime
	)

	err := row.Scan(
		&imported.ID,
		&imported.DataSourceID,
		&imported.Status,
		&statusMessage,
		&reference,
		&imported.CreatedAt,
		&modifiedAt,
	)
	if err != nil {
		return nil, err
	}

	imported.StatusMessage = statusMessage.String
	imported.Reference = reference.String

	if modifiedAt.Valid {
		imported.ModifiedAt = &modifiedAt.Time
	}

	return &imported, nil
}
