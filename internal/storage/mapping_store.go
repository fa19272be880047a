package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/graphloom-io/graphloom/internal/mapping"
)

// PersistentMappingStore implements mapping.Store with a PostgreSQL
// backend. Mappings are unique on (data_source_id, shape_hash); the upsert
// path relies on that constraint so racing pollers converge on one row.
type PersistentMappingStore struct {
	conn *Connection
}

var _ mapping.Store = (*PersistentMappingStore)(nil)

// NewPersistentMappingStore creates a PostgreSQL-backed type mapping store.
func NewPersistentMappingStore(conn *Connection) (*PersistentMappingStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentMappingStore{conn: conn}, nil
}

const mappingColumns = `id, container_id, data_source_id, shape_hash, sample_payload, active, created_at`

// Retrieve loads a mapping with its transformations populated.
func (s *PersistentMappingStore) Retrieve(ctx context.Context, id string) (*mapping.TypeMapping, error) {
	query := `
		SELECT ` + mappingColumns + `
		FROM type_mappings
		WHERE id = $1
	`

	m, err := scanMapping(s.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mapping.ErrMappingNotFound
		}

		return nil, fmt.Errorf("failed to retrieve type mapping: %w", err)
	}

	m.Transformations, err = s.ListTransformations(ctx, m.ID)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RetrieveByShapeHash loads the mapping for (data source, shape hash).
func (s *PersistentMappingStore) RetrieveByShapeHash(ctx context.Context, dataSourceID, shapeHash string) (*mapping.TypeMapping, error) {
	query := `
		SELECT ` + mappingColumns + `
		FROM type_mappings
		WHERE data_source_id = $1 AND shape_hash = $2
	`

	m, err := scanMapping(s.conn.QueryRowContext(ctx, query, dataSourceID, shapeHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mapping.ErrMappingNotFound
		}

		return nil, fmt.Errorf("failed to retrieve type mapping by shape: %w", err)
	}

	m.Transformations, err = s.ListTransformations(ctx, m.ID)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// CreateOrResolve upserts on (data_source_id, shape_hash). ON CONFLICT
// DO NOTHING followed by a re-read keeps concurrent first sightings of one
// shape from duplicating the mapping.
func (s *PersistentMappingStore) CreateOrResolve(ctx context.Context, m *mapping.TypeMapping) (*mapping.TypeMapping, error) {
	samplePayload, err := json.Marshal(m.SamplePayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sample payload: %w", err)
	}

	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO type_mappings (id, container_id, data_source_id, shape_hash, sample_payload, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (data_source_id, shape_hash) DO NOTHING
	`

	_, err = s.conn.ExecContext(ctx, query,
		id, m.ContainerID, m.DataSourceID, m.ShapeHash, samplePayload, m.Active, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert type mapping: %w", err)
	}

	return s.RetrieveByShapeHash(ctx, m.DataSourceID, m.ShapeHash)
}

// ListTransformations returns the mapping's transformations in creation
// order.
func (s *PersistentMappingStore) ListTransformations(ctx context.Context, mappingID string) ([]*mapping.TypeTransformation, error) {
	query := `
		SELECT id, type_mapping_id, name, target_kind, metatype_id, relationship_pair_id,
		       keys, conditions, root_array_path, unique_id_path, origin_path, destination_path, action_path
		FROM type_transformations
		WHERE type_mapping_id = $1
		ORDER BY created_at, id
	`

	rows, err := s.conn.QueryContext(ctx, query, mappingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transformations: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var transformations []*mapping.TypeTransformation

	for rows.Next() {
		var (
			t              mapping.TypeTransformation
			name           sql.NullString
			metatypeID     sql.NullString
			pairID         sql.NullString
			keysJSON       []byte
			conditionsJSON []byte
			rootArrayPath  sql.NullString
			uniqueIDPath   sql.NullString
			originPath     sql.NullString
			destPath       sql.NullString
			actionPath     sql.NullString
		)

		err := rows.Scan(
			&t.ID,
			&t.TypeMappingID,
			&name,
			&t.Target.Kind,
			&metatypeID,
			&pairID,
			&keysJSON,
			&conditionsJSON,
			&rootArrayPath,
			&uniqueIDPath,
			&originPath,
			&destPath,
			&actionPath,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transformation: %w", err)
		}

		t.Name = name.String
		t.Target.MetatypeID = metatypeID.String
		t.Target.RelationshipPairID = pairID.String
		t.RootArrayPath = rootArrayPath.String
		t.UniqueIDPath = uniqueIDPath.String
		t.OriginPath = originPath.String
		t.DestinationPath = destPath.String
		t.ActionPath = actionPath.String

		if len(keysJSON) > 0 {
			if err := json.Unmarshal(keysJSON, &t.Keys); err != nil {
				return nil, fmt.Errorf("failed to unmarshal transformation keys: %w", err)
			}
		}

		if len(conditionsJSON) > 0 {
			if err := json.Unmarshal(conditionsJSON, &t.Conditions); err != nil {
				return nil, fmt.Errorf("failed to unmarshal transformation conditions: %w", err)
			}
		}

		transformations = append(transformations, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transformations: %w", err)
	}

	return transformations, nil
}

// CreateTransformation persists one transformation under a mapping. The
// pipeline itself never authors transformations; this supports the CRUD
// surface and integration tests.
func (s *PersistentMappingStore) CreateTransformation(ctx context.Context, t *mapping.TypeTransformation) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	keysJSON, err := json.Marshal(t.Keys)
	if err != nil {
		return fmt.Errorf("failed to marshal transformation keys: %w", err)
	}

	conditionsJSON, err := json.Marshal(t.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal transformation conditions: %w", err)
	}

	query := `
		INSERT INTO type_transformations (
			id, type_mapping_id, name, target_kind, metatype_id, relationship_pair_id,
			keys, conditions, root_array_path, unique_id_path, origin_path, destination_path, action_path, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = s.conn.ExecContext(ctx, query,
		t.ID,
		t.TypeMappingID,
		t.Name,
		t.Target.Kind,
		t.Target.MetatypeID,
		t.Target.RelationshipPairID,
		keysJSON,
		conditionsJSON,
		t.RootArrayPath,
		t.UniqueIDPath,
		t.OriginPath,
		t.DestinationPath,
		t.ActionPath,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transformation: %w", err)
	}

	return nil
}

// SetActive flips a mapping's active flag. Activation is what releases a
// shape's records into processing.
func (s *PersistentMappingStore) SetActive(ctx context.Context, mappingID string, active bool) error {
	result, err := s.conn.ExecContext(ctx,
		`UPDATE type_mappings SET active = $1 WHERE id = $2`, active, mappingID)
	if err != nil {
		return fmt.Errorf("failed to update mapping active flag: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return mapping.ErrMappingNotFound
	}

	return nil
}

func scanMapping(row rowScanner) (*mapping.TypeMapping, error) {
	var (
		m             mapping.TypeMapping
		samplePayload []byte
	)

	err := row.Scan(
		&m.ID,
		&m.ContainerID,
		&m.DataSourceID,
		&m.ShapeHash,
		&samplePayload,
		&m.Active,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(samplePayload) > 0 {
		if err := json.Unmarshal(samplePayload, &m.SamplePayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sample payload: %w", err)
		}
	}

	return &m, nil
}
