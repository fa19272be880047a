package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/graphloom-io/graphloom/internal/events"
	"github.com/graphloom-io/graphloom/internal/mapping"
	"github.com/graphloom-io/graphloom/internal/staging"
)

// MappingResolver periodically sweeps unmapped staging records, fingerprints
// their payloads, and binds each record to the type mapping for its shape.
// First-sighted shapes get a new inactive mapping carrying the payload as
// its sample, so the record waits for a user to author transformations.
type MappingResolver struct {
	sources  staging.DataSourceStore
	records  staging.RecordStore
	mappings mapping.Store
	emitter  events.Emitter
	logger   *slog.Logger

	batchSize int
	scheduler *cron.Cron
}

// NewMappingResolver builds a resolver sweeping up to batchSize records per
// run.
func NewMappingResolver(
	sources staging.DataSourceStore,
	records staging.RecordStore,
	mappings mapping.Store,
	emitter events.Emitter,
	logger *slog.Logger,
	batchSize int,
) *MappingResolver {
	return &MappingResolver{
		sources:   sources,
		records:   records,
		mappings:  mappings,
		emitter:   emitter,
		logger:    logger,
		batchSize: batchSize,
	}
}

// Start schedules the sweep on the given cron expression (e.g. "@every 5s")
// and runs it until Stop.
func (r *MappingResolver) Start(ctx context.Context, schedule string) error {
	scheduler := cron.New()

	_, err := scheduler.AddFunc(schedule, func() {
		if err := r.Sweep(ctx); err != nil {
			r.logger.Error("mapping resolver sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid resolver schedule %q: %w", schedule, err)
	}

	scheduler.Start()
	r.scheduler = scheduler

	r.logger.Info("mapping resolver started", "schedule", schedule)

	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *MappingResolver) Stop() {
	if r.scheduler != nil {
		<-r.scheduler.Stop().Done()
	}
}

// Sweep resolves one batch of unmapped records. Safe to call concurrently
// with pollers creating new records; CreateOrResolve absorbs shape races.
func (r *MappingResolver) Sweep(ctx context.Context) error {
	unmapped, err := r.records.ListUnmapped(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list unmapped records: %w", err)
	}

	containerCache := make(map[string]string)

	for _, record := range unmapped {
		containerID, err := r.containerFor(ctx, containerCache, record.DataSourceID)
		if err != nil {
			r.logger.Error("failed to resolve container for record",
				"record_id", record.ID, "data_source_id", record.DataSourceID, "error", err)

			continue
		}

		shapeHash := mapping.Fingerprint(record.RawData)

		m, err := r.mappings.RetrieveByShapeHash(ctx, record.DataSourceID, shapeHash)
		if errors.Is(err, mapping.ErrMappingNotFound) {
			m, err = r.mappings.CreateOrResolve(ctx,
				mapping.NewTypeMapping(containerID, record.DataSourceID, record.RawData))
			if err == nil {
				r.emitter.Emit(ctx, events.Event{
					Type:         events.TypeMappingCreated,
					DataSourceID: record.DataSourceID,
					MappingID:    m.ID,
				})
			}
		}

		if err != nil {
			r.logger.Error("failed to resolve mapping for record",
				"record_id", record.ID, "error", err)

			continue
		}

		if err := r.records.AssignMapping(ctx, record.ID, m.ID); err != nil {
			r.logger.Error("failed to assign mapping to record",
				"record_id", record.ID, "mapping_id", m.ID, "error", err)
		}
	}

	return nil
}

func (r *MappingResolver) containerFor(ctx context.Context, cache map[string]string, dataSourceID string) (string, error) {
	if containerID, ok := cache[dataSourceID]; ok {
		return containerID, nil
	}

	source, err := r.sources.Retrieve(ctx, dataSourceID)
	if err != nil {
		return "", err
	}

	cache[dataSourceID] = source.ContainerID

	return source.ContainerID, nil
}
