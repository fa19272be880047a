// Package graph defines the node and edge candidates the transformation
// engine produces and the storage contract that materializes them.
//
// The graph schema itself (metatypes and metatype relationship pairs) is
// user-defined and owned by the excluded ontology layer; this package only
// carries the identifiers that type candidates against it.
package graph

import (
	"context"
	"time"
)

// Node is a candidate graph vertex produced by a type transformation.
//
// Upsert identity is (DataSourceID, CompositeOriginalID) when the source
// supplied a unique identifier; candidates without one receive a fresh
// identity on insert and never deduplicate across ingests.
type Node struct {
	ID                  string         `json:"id,omitempty"`
	MetatypeID          string         `json:"metatypeId"`
	Properties          map[string]any `json:"properties"`
	DataSourceID        string         `json:"dataSourceId"`
	CompositeOriginalID string         `json:"compositeOriginalId,omitempty"`
	TransformationID    string         `json:"transformationId,omitempty"`
	ModifiedAt          *time.Time     `json:"modifiedAt,omitempty"`
	DeletedAt           *time.Time     `json:"deletedAt,omitempty"`
}

// Edge is a candidate graph relationship produced by a type transformation.
//
// Origin and destination are resolved against already-materialized nodes by
// (DataSourceID, original id); an edge batch must therefore always follow
// the node batch it may reference.
type Edge struct {
	ID                    string         `json:"id,omitempty"`
	RelationshipPairID    string         `json:"relationshipPairId"`
	Properties            map[string]any `json:"properties"`
	DataSourceID          string         `json:"dataSourceId"`
	OriginOriginalID      string         `json:"originOriginalId"`
	DestinationOriginalID string         `json:"destinationOriginalId"`
	TransformationID      string         `json:"transformationId,omitempty"`
	ModifiedAt            *time.Time     `json:"modifiedAt,omitempty"`
	DeletedAt             *time.Time     `json:"deletedAt,omitempty"`
}

// Store is the narrow contract the processing loop drives to materialize
// candidates. Implementations live in internal/storage. Both calls are
// treated as fallible, possibly-slow remote operations.
type Store interface {
	// UpsertNodes inserts or updates a batch of node candidates keyed on
	// (data_source_id, composite_original_id) where present.
	UpsertNodes(ctx context.Context, nodes []Node) error

	// UpsertEdges inserts a batch of edge candidates. Callers must have
	// upserted the nodes the edges reference first.
	UpsertEdges(ctx context.Context, edges []Edge) error
}
