package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/graphloom-io/graphloom/internal/graph"
)

// PersistentGraphStore implements graph.Store with a PostgreSQL backend.
//
// Nodes carrying a composite original id upsert on
// (data_source_id, composite_original_id): re-processing a payload updates
// the existing node instead of duplicating it. Nodes without one always
// insert fresh. Edges upsert on the full endpoint tuple.
type PersistentGraphStore struct {
	conn *Connection
}

var _ graph.Store = (*PersistentGraphStore)(nil)

// NewPersistentGraphStore creates a PostgreSQL-backed graph store.
func NewPersistentGraphStore(conn *Connection) (*PersistentGraphStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentGraphStore{conn: conn}, nil
}

// UpsertNodes writes node candidates into the graph.
func (s *PersistentGraphStore) UpsertNodes(ctx context.Context, nodes []graph.Node) error {
	if len(nodes) == 0 {
		return nil
	}

	upsert := `
		INSERT INTO nodes (id, metatype_id, properties, data_source_id, composite_original_id,
		                   transformation_id, created_at, modified_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (data_source_id, composite_original_id) WHERE composite_original_id <> ''
		DO UPDATE SET
			metatype_id = EXCLUDED.metatype_id,
			properties = EXCLUDED.properties,
			transformation_id = EXCLUDED.transformation_id,
			modified_at = COALESCE(EXCLUDED.modified_at, now()),
			deleted_at = EXCLUDED.deleted_at
	`

	insert := `
		INSERT INTO nodes (id, metatype_id, properties, data_source_id, composite_original_id,
		                   transformation_id, created_at, modified_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	now := time.Now().UTC()

	for _, node := range nodes {
		properties, err := json.Marshal(node.Properties)
		if err != nil {
			return fmt.Errorf("failed to marshal node properties: %w", err)
		}

		id := node.ID
		if id == "" {
			id = uuid.NewString()
		}

		query := upsert
		if node.CompositeOriginalID == "" {
			query = insert
		}

		_, err = s.conn.ExecContext(ctx, query,
			id,
			node.MetatypeID,
			properties,
			node.DataSourceID,
			node.CompositeOriginalID,
			node.TransformationID,
			now,
			node.ModifiedAt,
			node.DeletedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert node: %w", err)
		}
	}

	return nil
}

// UpsertEdges writes edge candidates into the graph. Callers flush nodes
// first so both endpoints exist before any edge referencing them.
func (s *PersistentGraphStore) UpsertEdges(ctx context.Context, edges []graph.Edge) error {
	if len(edges) == 0 {
		return nil
	}

	query := `
		INSERT INTO edges (id, relationship_pair_id, properties, data_source_id,
		                   origin_original_id, destination_original_id,
		                   transformation_id, created_at, modified_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (data_source_id, relationship_pair_id, origin_original_id, destination_original_id)
		DO UPDATE SET
			properties = EXCLUDED.properties,
			transformation_id = EXCLUDED.transformation_id,
			modified_at = COALESCE(EXCLUDED.modified_at, now()),
			deleted_at = EXCLUDED.deleted_at
	`

	now := time.Now().UTC()

	for _, edge := range edges {
		properties, err := json.Marshal(edge.Properties)
		if err != nil {
			return fmt.Errorf("failed to marshal edge properties: %w", err)
		}

		id := edge.ID
		if id == "" {
			id = uuid.NewString()
		}

		_, err = s.conn.ExecContext(ctx, query,
			id,
			edge.RelationshipPairID,
			properties,
			edge.DataSourceID,
			edge.OriginOriginalID,
			edge.DestinationOriginalID,
			edge.TransformationID,
			now,
			edge.ModifiedAt,
			edge.DeletedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert edge: %w", err)
		}
	}

	return nil
}
