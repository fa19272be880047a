// Package processing drives staged data into the graph: a per-source loop
// drains imports strictly in creation order, a scheduled sweep resolves
// unmapped records to type mappings, and a supervisor ties loop lifetimes
// to data source activation.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/graphloom-io/graphloom/internal/events"
	"github.com/graphloom-io/graphloom/internal/graph"
	"github.com/graphloom-io/graphloom/internal/mapping"
	"github.com/graphloom-io/graphloom/internal/staging"
)

// unmappedDataMessage is recorded on imports blocked by unmapped records.
// Operators resolve it by authoring and activating mappings; the import is
// retried automatically on the next tick.
const unmappedDataMessage = "import has unmapped data, resolve by creating type mappings"

// Processor drains one data source's imports into the graph. One payload
// batch at a time, oldest import first, never more than one import
// in flight per source.
type Processor struct {
	sources  staging.DataSourceStore
	imports  staging.ImportStore
	records  staging.RecordStore
	mappings mapping.Store
	graph    graph.Store
	emitter  events.Emitter
	logger   *slog.Logger

	batchSize int
	interval  time.Duration
}

// NewProcessor builds a processor over the given stores.
func NewProcessor(
	sources staging.DataSourceStore,
	imports staging.ImportStore,
	records staging.RecordStore,
	mappings mapping.Store,
	graphStore graph.Store,
	emitter events.Emitter,
	logger *slog.Logger,
	batchSize int,
	interval time.Duration,
) *Processor {
	return &Processor{
		sources:   sources,
		imports:   imports,
		records:   records,
		mappings:  mappings,
		graph:     graphStore,
		emitter:   emitter,
		logger:    logger,
		batchSize: batchSize,
		interval:  interval,
	}
}

// Run processes the source's imports until the context is cancelled or the
// source is deactivated. Activity is re-checked at the top of every tick so
// deactivation takes effect within one interval.
func (p *Processor) Run(ctx context.Context, dataSourceID string) {
	logger := p.logger.With("data_source_id", dataSourceID)
	logger.Info("processing loop started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		active, err := p.sources.IsActive(ctx, dataSourceID)
		if err != nil {
			logger.Error("failed to check data source activity", "error", err)
		} else if !active {
			logger.Info("data source inactive, processing loop stopping")

			return
		}

		if err := p.ProcessTick(ctx, dataSourceID); err != nil {
			logger.Error("processing tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("processing loop stopped")

			return
		case <-ticker.C:
		}
	}
}

// ProcessTick performs one pass over the source's oldest unfinished import.
// Exported so tests and manual triggers can drive the loop directly.
func (p *Processor) ProcessTick(ctx context.Context, dataSourceID string) error {
	imported, err := p.imports.OldestNonTerminal(ctx, dataSourceID)
	if err != nil {
		if errors.Is(err, staging.ErrNoImports) {
			return nil
		}

		return fmt.Errorf("failed to find import to process: %w", err)
	}

	// an import with unmapped records never advances; later imports stay
	// queued behind it so graph writes keep source order
	unmapped, err := p.records.CountUnmapped(ctx, imported.ID)
	if err != nil {
		return fmt.Errorf("failed to count unmapped records: %w", err)
	}

	if unmapped > 0 {
		if err := p.imports.SetStatus(ctx, imported.ID, staging.ImportError, unmappedDataMessage); err != nil {
			return err
		}

		p.emitter.Emit(ctx, events.Event{
			Type:         events.TypeMappingNeeded,
			DataSourceID: dataSourceID,
			ImportID:     imported.ID,
			Message:      unmappedDataMessage,
		})

		return nil
	}

	if err := p.imports.SetStatus(ctx, imported.ID, staging.ImportProcessing, ""); err != nil {
		return err
	}

	if err := p.drainImport(ctx, imported); err != nil {
		statusErr := p.imports.SetStatus(ctx, imported.ID, staging.ImportError, err.Error())
		if statusErr != nil {
			p.logger.Error("failed to mark import errored", "import_id", imported.ID, "error", statusErr)
		}

		p.emitter.Emit(ctx, events.Event{
			Type:         events.TypeImportFailed,
			DataSourceID: dataSourceID,
			ImportID:     imported.ID,
			Message:      err.Error(),
		})

		return err
	}

	unprocessed, err := p.records.CountUnprocessed(ctx, imported.ID)
	if err != nil {
		return fmt.Errorf("failed to count unprocessed records: %w", err)
	}

	if unprocessed > 0 {
		// records held back by inactive mappings; retry next tick
		return p.imports.SetStatus(ctx, imported.ID, staging.ImportReady, "")
	}

	if err := p.imports.SetStatus(ctx, imported.ID, staging.ImportCompleted, ""); err != nil {
		return err
	}

	p.emitter.Emit(ctx, events.Event{
		Type:         events.TypeImportCompleted,
		DataSourceID: dataSourceID,
		ImportID:     imported.ID,
	})

	return nil
}

// drainImport transforms every mapped, unprocessed record of the import and
// flushes the results. All nodes are written before any edge so both
// endpoints of an edge exist by the time it lands. A transformation hard
// error aborts the whole import before anything is written; imports are
// all-or-nothing against the graph.
func (p *Processor) drainImport(ctx context.Context, imported *staging.Import) error {
	var (
		nodes        []graph.Node
		edges        []graph.Edge
		processedIDs []string
	)

	mappingCache := make(map[string]*mapping.TypeMapping)
	offset := 0

	for {
		batch, err := p.records.ListUnprocessedMapped(ctx, imported.ID, offset, p.batchSize)
		if err != nil {
			return fmt.Errorf("failed to list staging records: %w", err)
		}

		if len(batch) == 0 {
			break
		}

		offset += len(batch)

		for _, record := range batch {
			m, err := p.mappingFor(ctx, mappingCache, *record.MappingID)
			if err != nil {
				return err
			}

			if !m.Active {
				continue
			}

			for _, transformation := range m.Transformations {
				recordNodes, recordEdges, err := transformation.Apply(record)
				if err != nil {
					if addErr := p.records.AddError(ctx, record.ID, err.Error()); addErr != nil {
						p.logger.Error("failed to record transformation error",
							"record_id", record.ID, "error", addErr)
					}

					return fmt.Errorf("transformation %s failed on record %s: %w",
						transformation.ID, record.ID, err)
				}

				nodes = append(nodes, recordNodes...)
				edges = append(edges, recordEdges...)
			}

			processedIDs = append(processedIDs, record.ID)
		}
	}

	if len(processedIDs) == 0 {
		return nil
	}

	if err := p.graph.UpsertNodes(ctx, nodes); err != nil {
		return fmt.Errorf("failed to upsert nodes: %w", err)
	}

	if err := p.graph.UpsertEdges(ctx, edges); err != nil {
		return fmt.Errorf("failed to upsert edges: %w", err)
	}

	if err := p.records.MarkProcessed(ctx, processedIDs, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to mark records processed: %w", err)
	}

	p.logger.Info("import batch materialized",
		"import_id", imported.ID,
		"records", len(processedIDs),
		"nodes", len(nodes),
		"edges", len(edges))

	return nil
}

func (p *Processor) mappingFor(ctx context.Context, cache map[string]*mapping.TypeMapping, id string) (*mapping.TypeMapping, error) {
	if m, ok := cache[id]; ok {
		return m, nil
	}

	m, err := p.mappings.Retrieve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve mapping %s: %w", id, err)
	}

	cache[id] = m

	return m, nil
}
