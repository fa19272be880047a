package mapping

import (
	"fmt"
	"strings"
	"time"

	"github.com/graphloom-io/graphloom/internal/graph"
	"github.com/graphloom-io/graphloom/internal/jsonpath"
	"github.com/graphloom-io/graphloom/internal/staging"
)

// action markers recognized at ActionPath.
const (
	actionUpdate = "update"
	actionDelete = "delete"
)

// Apply runs the transformation against a staged record, producing zero or
// more node and edge candidates.
//
// When RootArrayPath is set the transformation runs once per element of
// that array (nested ".[]." levels multiply the index vector); otherwise it
// runs once with an empty index vector. A false condition skips the
// (payload, index) pair silently. A missing unique-id resolution, an
// unresolvable edge endpoint, or an unset target is a hard error; the
// caller aborts the owning import rather than dropping the record.
//
// Output is deterministic for a given (transformation, record) pair: action
// stamps derive from the record's creation time, never the wall clock, so
// re-running a transformation yields identical candidates.
func (t *TypeTransformation) Apply(rec *staging.Record) ([]graph.Node, []graph.Edge, error) {
	if err := t.Target.Validate(); err != nil {
		return nil, nil, err
	}

	if t.RootArrayPath == "" {
		if !t.conditionsPass(rec.RawData, nil) {
			return nil, nil, nil
		}

		return t.generate(rec, nil)
	}

	levels := strings.Split(t.RootArrayPath, "."+jsonpath.ArraySegment+".")

	return t.applyLevels(rec, levels, []int{})
}

// applyLevels walks the root array level by level, growing the index
// vector one position per array depth until it is fully populated.
func (t *TypeTransformation) applyLevels(rec *staging.Record, levels []string, indices []int) ([]graph.Node, []graph.Edge, error) {
	if len(indices) == len(levels) {
		if !t.conditionsPass(rec.RawData, indices) {
			return nil, nil, nil
		}

		return t.generate(rec, indices)
	}

	arrayPath := strings.Join(levels[:len(indices)+1], "."+jsonpath.ArraySegment+".")

	length, ok := jsonpath.ArrayLen(arrayPath, rec.RawData, indices)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrRootArrayInvalid, arrayPath)
	}

	var (
		nodes []graph.Node
		edges []graph.Edge
	)

	for i := 0; i < length; i++ {
		childNodes, childEdges, err := t.applyLevels(rec, levels, append(indices, i))
		if err != nil {
			return nil, nil, err
		}

		nodes = append(nodes, childNodes...)
		edges = append(edges, childEdges...)
	}

	return nodes, edges, nil
}

// conditionsPass treats the condition list as alternatives: any condition
// matching admits the (payload, index) pair. No conditions means always.
func (t *TypeTransformation) conditionsPass(payload any, indices []int) bool {
	if len(t.Conditions) == 0 {
		return true
	}

	for _, condition := range t.Conditions {
		if EvaluateCondition(condition, payload, indices) {
			return true
		}
	}

	return false
}

// generate builds the node and/or edge candidate for one index vector.
func (t *TypeTransformation) generate(rec *staging.Record, indices []int) ([]graph.Node, []graph.Edge, error) {
	nodeProps := make(map[string]any)
	relProps := make(map[string]any)

	for _, k := range t.Keys {
		value := k.Value

		if k.Key != "" {
			resolved, ok := jsonpath.Resolve(k.Key, rec.RawData, indices)
			if !ok {
				// unresolved optional bindings are skipped silently
				continue
			}

			value = resolved
		}

		if k.Kind == RelationshipProperty {
			relProps[k.PropertyKey] = value
		} else {
			nodeProps[k.PropertyKey] = value
		}
	}

	uniqueID := ""

	if t.UniqueIDPath != "" {
		resolved, ok := jsonpath.Resolve(t.UniqueIDPath, rec.RawData, indices)
		if !ok {
			return nil, nil, fmt.Errorf("%w: path %q", ErrUniqueIDUnresolved, t.UniqueIDPath)
		}

		uniqueID = stringify(resolved)
	}

	modifiedAt, deletedAt := t.actionStamps(rec, indices)

	var (
		nodes []graph.Node
		edges []graph.Edge
	)

	if t.Target.Kind == TargetNode || t.Target.Kind == TargetBoth {
		nodes = append(nodes, graph.Node{
			MetatypeID:          t.Target.MetatypeID,
			Properties:          nodeProps,
			DataSourceID:        rec.DataSourceID,
			CompositeOriginalID: uniqueID,
			TransformationID:    t.ID,
			ModifiedAt:          modifiedAt,
			DeletedAt:           deletedAt,
		})
	}

	if t.Target.Kind == TargetEdge || t.Target.Kind == TargetBoth {
		origin, err := t.resolveEndpoint(t.OriginPath, uniqueID, rec, indices)
		if err != nil {
			return nil, nil, err
		}

		destination, err := t.resolveEndpoint(t.DestinationPath, uniqueID, rec, indices)
		if err != nil {
			return nil, nil, err
		}

		edges = append(edges, graph.Edge{
			RelationshipPairID:    t.Target.RelationshipPairID,
			Properties:            relProps,
			DataSourceID:          rec.DataSourceID,
			OriginOriginalID:      origin,
			DestinationOriginalID: destination,
			TransformationID:      t.ID,
			ModifiedAt:            modifiedAt,
			DeletedAt:             deletedAt,
		})
	}

	return nodes, edges, nil
}

// resolveEndpoint resolves an edge endpoint path, falling back to the
// already-resolved unique id when the path is unset.
func (t *TypeTransformation) resolveEndpoint(path, uniqueID string, rec *staging.Record, indices []int) (string, error) {
	if path == "" {
		if uniqueID == "" {
			return "", fmt.Errorf("%w: no endpoint path and no unique identifier path set", ErrEndpointUnresolved)
		}

		return uniqueID, nil
	}

	resolved, ok := jsonpath.Resolve(path, rec.RawData, indices)
	if !ok {
		return "", fmt.Errorf("%w: path %q", ErrEndpointUnresolved, path)
	}

	return stringify(resolved), nil
}

// actionStamps maps the optional action marker to modification stamps. The
// record's creation time is used so candidates stay reproducible.
func (t *TypeTransformation) actionStamps(rec *staging.Record, indices []int) (modifiedAt, deletedAt *time.Time) {
	if t.ActionPath == "" {
		return nil, nil
	}

	resolved, ok := jsonpath.Resolve(t.ActionPath, rec.RawData, indices)
	if !ok {
		return nil, nil
	}

	stamp := rec.CreatedAt

	switch stringify(resolved) {
	case actionUpdate:
		return &stamp, nil
	case actionDelete:
		return nil, &stamp
	default:
		return nil, nil
	}
}
