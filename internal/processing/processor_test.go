package processing

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphloom-io/graphloom/internal/events"
	"github.com/graphloom-io/graphloom/internal/mapping"
	"github.com/graphloom-io/graphloom/internal/staging"
	"github.com/graphloom-io/graphloom/internal/storage"
)

type pipelineFixture struct {
	sources  *storage.MemoryDataSourceStore
	imports  *storage.MemoryImportStore
	records  *storage.MemoryRecordStore
	mappings *storage.MemoryMappingStore
	graph    *storage.MemoryGraphStore
	recorder *events.Recorder

	processor *Processor
	resolver  *MappingResolver
	source    *staging.DataSource
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &pipelineFixture{
		sources:  storage.NewMemoryDataSourceStore(),
		imports:  storage.NewMemoryImportStore(),
		records:  storage.NewMemoryRecordStore(),
		mappings: storage.NewMemoryMappingStore(),
		graph:    storage.NewMemoryGraphStore(),
		recorder: events.NewRecorder(),
	}

	f.source = f.sources.Add(&staging.DataSource{
		ContainerID: "cont-1",
		Name:        "test source",
		AdapterType: staging.AdapterManual,
		Active:      true,
	})

	f.processor = NewProcessor(
		f.sources, f.imports, f.records, f.mappings, f.graph,
		f.recorder, logger, 2, 10*time.Millisecond)

	f.resolver = NewMappingResolver(
		f.sources, f.records, f.mappings, f.recorder, logger, 100)

	return f
}

// stage creates an import holding the given payloads as staging records.
func (f *pipelineFixture) stage(t *testing.T, payloads ...map[string]any) *staging.Import {
	t.Helper()

	ctx := context.Background()

	imported, err := f.imports.Initiate(ctx, f.source.ID, "")
	require.NoError(t, err)

	for _, payload := range payloads {
		require.NoError(t, f.records.CreateRecords(ctx, &staging.Record{
			DataSourceID: f.source.ID,
			ImportID:     imported.ID,
			RawData:      payload,
		}))
	}

	return imported
}

// activateEquipMapping sweeps unmapped records, then attaches an active
// node transformation to the mapping for the EQUIP payload shape.
func (f *pipelineFixture) activateEquipMapping(t *testing.T, sample map[string]any) *mapping.TypeMapping {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, f.resolver.Sweep(ctx))

	m, err := f.mappings.RetrieveByShapeHash(ctx, f.source.ID, mapping.Fingerprint(sample))
	require.NoError(t, err)

	f.mappings.AddTransformation(m.ID, &mapping.TypeTransformation{
		Name:   "equipment nodes",
		Target: mapping.NodeTarget("metatype-equipment"),
		Keys: []mapping.KeyMapping{
			{Key: "RAD", PropertyKey: "radius"},
			{Key: "COLOR", PropertyKey: "color"},
		},
		UniqueIDPath: "ITEM_ID",
	})
	require.NoError(t, f.mappings.SetActive(m.ID, true))

	return m
}

func TestProcessTick_CompletesImport(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	payload := map[string]any{"TYPE": "EQUIP", "RAD": 0.1, "COLOR": "blue", "ITEM_ID": "123"}
	imported := f.stage(t, payload)
	f.activateEquipMapping(t, payload)

	require.NoError(t, f.processor.ProcessTick(ctx, f.source.ID))

	final, ok := f.imports.Retrieve(imported.ID)
	require.True(t, ok)
	assert.Equal(t, staging.ImportCompleted, final.Status)

	nodes := f.graph.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "123", nodes[0].CompositeOriginalID)
	assert.Equal(t, map[string]any{"radius": 0.1, "color": "blue"}, nodes[0].Properties)

	for _, record := range f.records.All() {
		assert.Equal(t, staging.RecordProcessed, record.State())
	}

	completed := f.recorder.ByType(events.TypeImportCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, imported.ID, completed[0].ImportID)
}

func TestProcessTick_UnmappedDataBlocksImport(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	imported := f.stage(t, map[string]any{"TYPE": "EQUIP", "ITEM_ID": "1"})

	// no sweep has run, so the record is unmapped
	require.NoError(t, f.processor.ProcessTick(ctx, f.source.ID))

	blocked, ok := f.imports.Retrieve(imported.ID)
	require.True(t, ok)
	assert.Equal(t, staging.ImportError, blocked.Status)
	assert.Equal(t, "import has unmapped data, resolve by creating type mappings", blocked.StatusMessage)

	assert.Empty(t, f.graph.Nodes())
	assert.Len(t, f.recorder.ByType(events.TypeMappingNeeded), 1)
}

func TestProcessTick_BlockedImportRecoversAfterMapping(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	payload := map[string]any{"TYPE": "EQUIP", "RAD": 0.5, "COLOR": "red", "ITEM_ID": "9"}
	imported := f.stage(t, payload)

	require.NoError(t, f.processor.ProcessTick(ctx, f.source.ID))

	blocked, ok := f.imports.Retrieve(imported.ID)
	require.True(t, ok)
	require.Equal(t, staging.ImportError, blocked.Status)

	// operator authors the mapping; the next tick drains the import
	f.activateEquipMapping(t, payload)

	require.NoError(t, f.processor.ProcessTick(ctx, f.source.ID))

	recovered, ok := f.imports.Retrieve(imported.ID)
	require.True(t, ok)
	assert.Equal(t, staging.ImportCompleted, recovered.Status)
	assert.Len(t, f.graph.Nodes(), 1)
}

func TestProcessTick_ImportsDrainOldestFirst(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	payload1 := map[string]any{"TYPE": "EQUIP", "RAD": 1.0, "COLOR": "blue", "ITEM_ID": "1"}
	payload2 := map[string]any{"TYPE": "EQUIP", "RAD": 2.0, "COLOR": "red", "ITEM_ID": "2"}

	first := f.stage(t, payload1)
	second := f.stage(t, payload2)
	f.activateEquipMapping(t, payload1)

	require.NoError(t, f.processor.ProcessTick(ctx, f.source.ID))

	firstAfter, ok := f.imports.Retrieve(first.ID)
	require.True(t, ok)
	assert.Equal(t, staging.ImportCompleted, firstAfter.Status)

	secondAfter, ok := f.imports.Retrieve(second.ID)
	require.True(t, ok)
	assert.Equal(t, staging.ImportReady, secondAfter.Status, "one import per tick, oldest first")

	require.NoError(t, f.processor.ProcessTick(ctx, f.source.ID))

	secondAfter, ok = f.imports.Retrieve(second.ID)
	require.True(t, ok)
	assert.Equal(t, staging.ImportCompleted, secondAfter.Status)

	assert.Len(t, f.graph.Nodes(), 2)
}

func TestProcessTick_InactiveMappingHoldsRecords(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	payload := map[string]any{"TYPE": "EQUIP", "ITEM_ID": "1"}
	imported := f.stage(t, payload)

	// sweep assigns the auto-created mapping but nobody activates it
	require.NoError(t, f.resolver.Sweep(ctx))

	require.NoError(t, f.processor.ProcessTick(ctx, f.source.ID))

	held, ok := f.imports.Retrieve(imported.ID)
	require.True(t, ok)
	assert.Equal(t, staging.ImportReady, held.Status)
	assert.Empty(t, f.graph.Nodes())

	for _, record := range f.records.All() {
		assert.Equal(t, staging.RecordMapped, record.State())
	}
}

func TestProcessTick_TransformErrorAbortsImport(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	// the mapping's transformation requires ITEM_ID, the payload lacks it
	good := map[string]any{"TYPE": "EQUIP", "RAD": 1.0, "COLOR": "blue", "ITEM_ID": "1"}
	bad := map[string]any{"TYPE": "EQUIP", "RAD": 2.0, "COLOR": "red"}

	imported := f.stage(t, good)
	m := f.activateEquipMapping(t, good)

	// bind the malformed record to the same mapping directly; its shape
	// differs so the sweep would have given it its own mapping
	require.NoError(t, f.records.CreateRecords(ctx, &staging.Record{
		DataSourceID: f.source.ID,
		ImportID:     imported.ID,
		RawData:      bad,
		MappingID:    &m.ID,
	}))

	err := f.processor.ProcessTick(ctx, f.source.ID)
	require.Error(t, err)

	aborted, ok := f.imports.Retrieve(imported.ID)
	require.True(t, ok)
	assert.Equal(t, staging.ImportError, aborted.Status)

	// nothing lands when any record fails
	assert.Empty(t, f.graph.Nodes())

	var errored int
	for _, record := range f.records.All() {
		if record.Errored() {
			errored++
		}
	}
	assert.Equal(t, 1, errored)

	assert.Len(t, f.recorder.ByType(events.TypeImportFailed), 1)
}

func TestProcessTick_NoImportsIsQuiet(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	require.NoError(t, f.processor.ProcessTick(ctx, f.source.ID))
	assert.Empty(t, f.recorder.Events())
}

func TestRun_StopsWhenSourceDeactivated(t *testing.T) {
	f := newPipelineFixture(t)

	f.sources.SetActive(f.source.ID, false)

	done := make(chan struct{})

	go func() {
		defer close(done)
		f.processor.Run(context.Background(), f.source.ID)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processing loop did not stop after deactivation")
	}
}
