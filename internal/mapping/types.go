// Package mapping implements the type-mapping layer of the pipeline: shape
// fingerprinting, the condition DSL, and the transformation engine that
// converts staged payloads into graph node/edge candidates.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for mapping storage and transformation application.
var (
	// ErrMappingNotFound is returned when no mapping exists for a lookup.
	ErrMappingNotFound = errors.New("type mapping not found")

	// ErrInvalidTarget indicates a transformation whose target variant does
	// not carry the identifier it requires.
	ErrInvalidTarget = errors.New("transformation target is not set or invalid")

	// ErrUniqueIDUnresolved indicates the transformation's unique identifier
	// path produced no value from the payload.
	ErrUniqueIDUnresolved = errors.New("unable to resolve unique identifier from payload")

	// ErrEndpointUnresolved indicates an edge origin or destination path
	// produced no value from the payload.
	ErrEndpointUnresolved = errors.New("unable to resolve edge endpoint from payload")

	// ErrRootArrayInvalid indicates the root array path does not address an
	// array in the payload.
	ErrRootArrayInvalid = errors.New("root array path does not address an array in payload")
)

// TargetKind selects what a transformation emits.
type TargetKind string

// Target variants. The variant is chosen explicitly at construction; use
// sites switch on Kind and never infer intent from which ID is non-empty.
const (
	TargetNode TargetKind = "node"
	TargetEdge TargetKind = "edge"
	TargetBoth TargetKind = "both"
)

// Target is the tagged variant naming the graph schema element(s) a
// transformation materializes against.
type Target struct {
	Kind               TargetKind `json:"kind"`
	MetatypeID         string     `json:"metatypeId,omitempty"`
	RelationshipPairID string     `json:"relationshipPairId,omitempty"`
}

// NodeTarget builds a node-emitting target.
func NodeTarget(metatypeID string) Target {
	return Target{Kind: TargetNode, MetatypeID: metatypeID}
}

// EdgeTarget builds an edge-emitting target.
func EdgeTarget(relationshipPairID string) Target {
	return Target{Kind: TargetEdge, RelationshipPairID: relationshipPairID}
}

// BothTarget builds a target emitting a node and an edge from one payload,
// e.g. a record carrying both its own data and a parent reference.
func BothTarget(metatypeID, relationshipPairID string) Target {
	return Target{Kind: TargetBoth, MetatypeID: metatypeID, RelationshipPairID: relationshipPairID}
}

// Validate checks the variant carries the identifiers its kind requires.
func (t Target) Validate() error {
	switch t.Kind {
	case TargetNode:
		if t.MetatypeID == "" {
			return fmt.Errorf("%w: node target requires a metatype id", ErrInvalidTarget)
		}
	case TargetEdge:
		if t.RelationshipPairID == "" {
			return fmt.Errorf("%w: edge target requires a relationship pair id", ErrInvalidTarget)
		}
	case TargetBoth:
		if t.MetatypeID == "" || t.RelationshipPairID == "" {
			return fmt.Errorf("%w: combined target requires both ids", ErrInvalidTarget)
		}
	default:
		return fmt.Errorf("%w: unknown target kind %q", ErrInvalidTarget, t.Kind)
	}

	return nil
}

// PropertyKind says which entity a key binding populates when a
// transformation emits both a node and an edge.
type PropertyKind string

// Property kinds.
const (
	NodeProperty         PropertyKind = "node"
	RelationshipProperty PropertyKind = "relationship"
)

// KeyMapping binds one payload path (or constant) to a target property key.
type KeyMapping struct {
	// Key is the payload path to resolve. Empty means Value is a constant.
	Key string `json:"key,omitempty"`

	// Value is the constant bound when Key is empty.
	Value any `json:"value,omitempty"`

	// PropertyKey is the property name on the emitted entity.
	PropertyKey string `json:"propertyKey"`

	// Kind routes the binding to the node or the relationship payload.
	// Empty defaults to the node payload.
	Kind PropertyKind `json:"kind,omitempty"`
}

// TypeTransformation is one rule set owned by a mapping. Disjoint
// conditions across a mapping's transformations select which one fires for
// a given payload, and the target decides what it yields.
type TypeTransformation struct {
	ID            string      `json:"id"`
	TypeMappingID string      `json:"typeMappingId"`
	Name          string      `json:"name,omitempty"`
	Target        Target      `json:"target"`
	Keys          []KeyMapping `json:"keys,omitempty"`
	Conditions    []Condition  `json:"conditions,omitempty"`

	// RootArrayPath, when set, names an array whose elements each
	// independently drive one execution of the transformation. Nested
	// arrays are addressed with ".[]." segments.
	RootArrayPath string `json:"rootArrayPath,omitempty"`

	// UniqueIDPath resolves the source-provided identifier used as the
	// upsert key. Required for edge emission unless both endpoint paths
	// are set; optional for nodes (absent means a fresh identity).
	UniqueIDPath string `json:"uniqueIdPath,omitempty"`

	// OriginPath and DestinationPath resolve an edge's endpoints; each
	// defaults to UniqueIDPath when empty.
	OriginPath      string `json:"originPath,omitempty"`
	DestinationPath string `json:"destinationPath,omitempty"`

	// ActionPath optionally resolves an action marker; "update" stamps
	// ModifiedAt and "delete" stamps DeletedAt on emitted candidates.
	ActionPath string `json:"actionPath,omitempty"`
}

// TypeMapping binds one observed payload shape (per data source) to zero or
// more transformations. Unique on (DataSourceID, ShapeHash).
type TypeMapping struct {
	ID            string    `json:"id"`
	ContainerID   string    `json:"containerId"`
	DataSourceID  string    `json:"dataSourceId"`
	ShapeHash     string    `json:"shapeHash"`
	SamplePayload any       `json:"samplePayload,omitempty"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"createdAt"`

	// Transformations is populated on retrieval for processing; it is not
	// written through this struct.
	Transformations []*TypeTransformation `json:"transformations,omitempty"`
}

// NewTypeMapping builds an inactive mapping for a first-sighted shape,
// retaining the sighting payload as the sample a user edits against.
func NewTypeMapping(containerID, dataSourceID string, sample any) *TypeMapping {
	return &TypeMapping{
		ContainerID:   containerID,
		DataSourceID:  dataSourceID,
		SamplePayload: sample,
		ShapeHash:     Fingerprint(sample),
		Active:        false,
	}
}

// Store is the mapping persistence contract consumed by the poller, the
// resolver sweep, and the processing loop.
type Store interface {
	// Retrieve loads a mapping with its transformations populated.
	Retrieve(ctx context.Context, id string) (*TypeMapping, error)

	// RetrieveByShapeHash loads the mapping for (data source, shape hash),
	// or ErrMappingNotFound.
	RetrieveByShapeHash(ctx context.Context, dataSourceID, shapeHash string) (*TypeMapping, error)

	// CreateOrResolve upserts on (data_source_id, shape_hash): the existing
	// mapping is returned when one exists, otherwise m is persisted and
	// returned. Concurrency-safe so racing pollers cannot duplicate a shape.
	CreateOrResolve(ctx context.Context, m *TypeMapping) (*TypeMapping, error)

	// ListTransformations returns the mapping's transformations in
	// creation order.
	ListTransformations(ctx context.Context, mappingID string) ([]*TypeTransformation, error)
}
