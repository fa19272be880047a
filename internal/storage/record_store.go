package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/graphloom-io/graphloom/internal/staging"
)

// PersistentRecordStore implements staging.RecordStore with a PostgreSQL
// backend. Raw payloads and error lists are stored as JSONB.
type PersistentRecordStore struct {
	conn *Connection
}

var _ staging.RecordStore = (*PersistentRecordStore)(nil)

// NewPersistentRecordStore creates a PostgreSQL-backed staging record store.
func NewPersistentRecordStore(conn *Connection) (*PersistentRecordStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentRecordStore{conn: conn}, nil
}

const recordColumns = `id, data_source_id, import_id, data, mapping_id, processed_at, errors, created_at`

// CreateRecords persists new staging records, assigning ids and creation
// times in place.
func (s *PersistentRecordStore) CreateRecords(ctx context.Context, records ...*staging.Record) error {
	return s.createRecords(ctx, s.conn, records)
}

// CreateRecordsInTx persists new staging records within tx. Records created
// by a poll tick reference an import row that is still uncommitted inside
// the same transaction; their foreign key can only be satisfied from within
// it, never from the shared pool.
func (s *PersistentRecordStore) CreateRecordsInTx(ctx context.Context, tx staging.Tx, records ...*staging.Record) error {
	sqlTransaction, err := unwrapTx(tx)
	if err != nil {
		return err
	}

	return s.createRecords(ctx, sqlTransaction, records)
}

// execer is the insert surface shared by the pooled connection and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PersistentRecordStore) createRecords(ctx context.Context, db execer, records []*staging.Record) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO staging_records (id, data_source_id, import_id, data, mapping_id, errors, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	now := time.Now().UTC()

	for _, record := range records {
		if record.ID == "" {
			record.ID = uuid.NewString()
		}

		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}

		rawData, err := json.Marshal(record.RawData)
		if err != nil {
			return fmt.Errorf("failed to marshal staging record payload: %w", err)
		}

		errorsJSON, err := json.Marshal(record.Errors)
		if err != nil {
			return fmt.Errorf("failed to marshal staging record errors: %w", err)
		}

		_, err = db.ExecContext(ctx, query,
			record.ID,
			record.DataSourceID,
			record.ImportID,
			rawData,
			record.MappingID,
			errorsJSON,
			record.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert staging record: %w", err)
		}
	}

	return nil
}

// ListUnprocessedMapped pages through an import's mapped, unprocessed
// records in creation order.
func (s *PersistentRecordStore) ListUnprocessedMapped(ctx context.Context, importID string, offset, limit int) ([]*staging.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM staging_records
		WHERE import_id = $1
		  AND mapping_id IS NOT NULL
		  AND processed_at IS NULL
		ORDER BY created_at, id
		OFFSET $2 LIMIT $3
	`

	return s.listRecords(ctx, query, importID, offset, limit)
}

// ListUnmapped returns up to limit unmapped records across all sources,
// oldest first.
func (s *PersistentRecordStore) ListUnmapped(ctx context.Context, limit int) ([]*staging.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM staging_records
		WHERE mapping_id IS NULL
		ORDER BY created_at, id
		LIMIT $1
	`

	return s.listRecords(ctx, query, limit)
}

// CountUnmapped counts the import's records with no mapping assigned.
func (s *PersistentRecordStore) CountUnmapped(ctx context.Context, importID string) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM staging_records
		WHERE import_id = $1 AND mapping_id IS NULL
	`

	var count int64
	if err := s.conn.QueryRowContext(ctx, query, importID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unmapped records: %w", err)
	}

	return count, nil
}

// CountUnprocessed counts the import's records not yet processed.
func (s *PersistentRecordStore) CountUnprocessed(ctx context.Context, importID string) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM staging_records
		WHERE import_id = $1 AND processed_at IS NULL
	`

	var count int64
	if err := s.conn.QueryRowContext(ctx, query, importID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unprocessed records: %w", err)
	}

	return count, nil
}

// AssignMapping sets the record's mapping. The guard in the WHERE clause
// enforces immutability; a conflicting reassignment affects zero rows.
func (s *PersistentRecordStore) AssignMapping(ctx context.Context, recordID, mappingID string) error {
	query := `
		UPDATE staging_records
		SET mapping_id = $1
		WHERE id = $2
		  AND (mapping_id IS NULL OR mapping_id = $1)
	`

	result, err := s.conn.ExecContext(ctx, query, mappingID, recordID)
	if err != nil {
		return fmt.Errorf("failed to assign mapping: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var exists bool
		if err := s.conn.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM staging_records WHERE id = $1)`, recordID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check staging record: %w", err)
		}

		if !exists {
			return staging.ErrNotFound
		}

		return staging.ErrMappingImmutable
	}

	return nil
}

// MarkProcessed stamps ProcessedAt on the given records.
func (s *PersistentRecordStore) MarkProcessed(ctx context.Context, recordIDs []string, processedAt time.Time) error {
	if len(recordIDs) == 0 {
		return nil
	}

	query := `
		UPDATE staging_records
		SET processed_at = $1
		WHERE id = ANY($2)
	`

	if _, err := s.conn.ExecContext(ctx, query, processedAt, pq.Array(recordIDs)); err != nil {
		return fmt.Errorf("failed to mark records processed: %w", err)
	}

	return nil
}

// AddError appends a message to the record's ordered error list.
func (s *PersistentRecordStore) AddError(ctx context.Context, recordID, message string) error {
	query := `
		UPDATE staging_records
		SET errors = COALESCE(errors, '[]'::jsonb) || to_jsonb($1::text)
		WHERE id = $2
	`

	result, err := s.conn.ExecContext(ctx, query, message, recordID)
	if err != nil {
		return fmt.Errorf("failed to append record error: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return staging.ErrNotFound
	}

	return nil
}

func (s *PersistentRecordStore) listRecords(ctx context.Context, query string, args ...any) ([]*staging.Record, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list staging records: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var records []*staging.Record

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staging record: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating staging records: %w", err)
	}

	return records, nil
}

func scanRecord(row rowScanner) (*staging.Record, error) {
	var (
		record      staging.Record
		rawData     []byte
		mappingID   sql.NullString
		processedAt sql.NullTime
		errorsJSON  []byte
	)

	err := row.Scan(
		&record.ID,
		&record.DataSourceID,
		&record.ImportID,
		&rawData,
		&mappingID,
		&processedAt,
		&errorsJSON,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(rawData) > 0 {
		if err := json.Unmarshal(rawData, &record.RawData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal staging record payload: %w", err)
		}
	}

	if mappingID.Valid {
		record.MappingID = &mappingID.String
	}

	if processedAt.Valid {
		record.ProcessedAt = &processedAt.Time
	}

	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &record.Errors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal staging record errors: %w", err)
		}
	}

	return &record, nil
}
