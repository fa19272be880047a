package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/graphloom-io/graphloom/internal/staging"
)

// PersistentDataSourceStore implements staging.DataSourceStore with a
// PostgreSQL backend.
type PersistentDataSourceStore struct {
	conn *Connection
}

var _ staging.DataSourceStore = (*PersistentDataSourceStore)(nil)

// NewPersistentDataSourceStore creates a PostgreSQL-backed data source store.
func NewPersistentDataSourceStore(conn *Connection) (*PersistentDataSourceStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentDataSourceStore{conn: conn}, nil
}

const dataSourceColumns = `id, container_id, name, adapter_type, config, active, created_at`

// Retrieve loads one data source by id.
func (s *PersistentDataSourceStore) Retrieve(ctx context.Context, id string) (*staging.DataSource, error) {
	query := `
		SELECT ` + dataSourceColumns + `
		FROM data_sources
		WHERE id = $1
	`

	source, err := scanDataSource(s.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, staging.ErrNotFound
		}

		return nil, fmt.Errorf("failed to retrieve data source: %w", err)
	}

	return source, nil
}

// ListActive returns all active data sources in creation order.
func (s *PersistentDataSourceStore) ListActive(ctx context.Context) ([]*staging.DataSource, error) {
	query := `
		SELECT ` + dataSourceColumns + `
		FROM data_sources
		WHERE active = TRUE
		ORDER BY created_at
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active data sources: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var sources []*staging.DataSource

	for rows.Next() {
		source, err := scanDataSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan data source: %w", err)
		}

		sources = append(sources, source)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating data sources: %w", err)
	}

	return sources, nil
}

// IsActive reports whether the data source exists and is active.
func (s *PersistentDataSourceStore) IsActive(ctx context.Context, id string) (bool, error) {
	query := `SELECT active FROM data_sources WHERE id = $1`

	var active bool
	if err := s.conn.QueryRowContext(ctx, query, id).Scan(&active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, staging.ErrNotFound
		}

		return false, fmt.Errorf("failed to check data source activity: %w", err)
	}

	return active, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataSource(row rowScanner) (*staging.DataSource, error) {
	var (
		source staging.DataSource
		config []byte
	)

	err := row.Scan(
		&source.ID,
		&source.ContainerID,
		&source.Name,
		&source.AdapterType,
		&config,
		&source.Active,
		&source.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	source.Config = config

	return &source, nil
}
