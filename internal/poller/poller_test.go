package poller

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphloom-io/graphloom/internal/credentials"
	"github.com/graphloom-io/graphloom/internal/events"
	"github.com/graphloom-io/graphloom/internal/mapping"
	"github.com/graphloom-io/graphloom/internal/staging"
	"github.com/graphloom-io/graphloom/internal/storage"
)

type pollerFixture struct {
	sources  *storage.MemoryDataSourceStore
	imports  *storage.MemoryImportStore
	records  *storage.MemoryRecordStore
	mappings *storage.MemoryMappingStore
	recorder *events.Recorder

	poller *Poller
}

func newPollerFixture(t *testing.T) *pollerFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &pollerFixture{
		sources:  storage.NewMemoryDataSourceStore(),
		imports:  storage.NewMemoryImportStore(),
		records:  storage.NewMemoryRecordStore(),
		mappings: storage.NewMemoryMappingStore(),
		recorder: events.NewRecorder(),
	}

	f.poller = NewPoller(
		f.sources, f.imports, f.records, f.mappings,
		credentials.Plaintext{}, f.recorder, logger,
		5*time.Millisecond, time.Second)

	return f
}

func (f *pollerFixture) httpSource(t *testing.T, cfg staging.HTTPConfig) *staging.DataSource {
	t.Helper()

	raw, err := json.Marshal(cfg)
	require.NoError(t, err)

	return f.sources.Add(&staging.DataSource{
		ContainerID: "cont-1",
		Name:        "http source",
		AdapterType: staging.AdapterHTTP,
		Config:      raw,
		Active:      true,
	})
}

func jsonArrayServer(t *testing.T, payloads []any, requests *[]*http.Request) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			clone := r.Clone(r.Context())
			*requests = append(*requests, clone)
		}

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(payloads))
	}))
	t.Cleanup(server.Close)

	return server
}

func TestTick_StagesPolledPayloads(t *testing.T) {
	ctx := context.Background()
	f := newPollerFixture(t)

	payloads := []any{
		map[string]any{"TYPE": "EQUIP", "ITEM_ID": "1"},
		map[string]any{"TYPE": "EQUIP", "ITEM_ID": "2"},
	}

	server := jsonArrayServer(t, payloads, nil)
	source := f.httpSource(t, staging.HTTPConfig{Endpoint: server.URL})

	cfg, interval, err := f.poller.sourceConfig(source)
	require.NoError(t, err)

	slept := f.poller.tick(ctx, source, cfg, interval, f.poller.logger)
	assert.True(t, slept, "a successful tick sleeps while holding the lock")

	imported, err := f.imports.RetrieveLast(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, staging.ImportReady, imported.Status)

	records := f.records.All()
	require.Len(t, records, 2)

	// both payloads share one shape, so one inactive mapping covers them
	for _, record := range records {
		require.NotNil(t, record.MappingID)
	}

	m, err := f.mappings.Retrieve(ctx, *records[0].MappingID)
	require.NoError(t, err)
	assert.False(t, m.Active)
	assert.Equal(t, mapping.Fingerprint(payloads[0]), m.ShapeHash)

	assert.Len(t, f.recorder.ByType(events.TypeRecordCreated), 2)
	assert.Len(t, f.recorder.ByType(events.TypeMappingCreated), 1)
}

// txObservingImportStore remembers the transaction it hands out so tests
// can check later writes ride it.
type txObservingImportStore struct {
	*storage.MemoryImportStore

	lastTx staging.Tx
}

func (s *txObservingImportStore) Begin(ctx context.Context) (staging.Tx, error) {
	tx, err := s.MemoryImportStore.Begin(ctx)
	s.lastTx = tx

	return tx, err
}

// txObservingRecordStore remembers which transaction record creation was
// scoped to, and whether any creation bypassed a transaction entirely.
type txObservingRecordStore struct {
	*storage.MemoryRecordStore

	createdInTx staging.Tx
	poolCreates int
}

func (s *txObservingRecordStore) CreateRecords(ctx context.Context, records ...*staging.Record) error {
	s.poolCreates++

	return s.MemoryRecordStore.CreateRecords(ctx, records...)
}

func (s *txObservingRecordStore) CreateRecordsInTx(ctx context.Context, tx staging.Tx, records ...*staging.Record) error {
	s.createdInTx = tx

	return s.MemoryRecordStore.CreateRecordsInTx(ctx, tx, records...)
}

func TestTick_CreatesRecordsWithinPollTransaction(t *testing.T) {
	ctx := context.Background()
	f := newPollerFixture(t)

	imports := &txObservingImportStore{MemoryImportStore: f.imports}
	records := &txObservingRecordStore{MemoryRecordStore: f.records}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPoller(
		f.sources, imports, records, f.mappings,
		credentials.Plaintext{}, f.recorder, logger,
		5*time.Millisecond, time.Second)

	server := jsonArrayServer(t, []any{map[string]any{"TYPE": "EQUIP", "ITEM_ID": "1"}}, nil)
	source := f.httpSource(t, staging.HTTPConfig{Endpoint: server.URL})

	cfg, interval, err := p.sourceConfig(source)
	require.NoError(t, err)

	require.True(t, p.tick(ctx, source, cfg, interval, p.logger))

	// the staged records reference an import that is uncommitted until the
	// cool-down ends; they must be written through that same transaction
	require.NotNil(t, imports.lastTx)
	assert.Same(t, imports.lastTx, records.createdInTx)
	assert.Zero(t, records.poolCreates)
}

func TestTick_ForwardsCursorFromLastCompletedImport(t *testing.T) {
	ctx := context.Background()
	f := newPollerFixture(t)

	var requests []*http.Request
	server := jsonArrayServer(t, []any{map[string]any{"a": float64(1)}}, &requests)
	source := f.httpSource(t, staging.HTTPConfig{Endpoint: server.URL})

	last, err := f.imports.Initiate(ctx, source.ID, "cursor-42")
	require.NoError(t, err)
	require.NoError(t, f.imports.SetStatus(ctx, last.ID, staging.ImportCompleted, ""))

	cfg, interval, err := f.poller.sourceConfig(source)
	require.NoError(t, err)

	f.poller.tick(ctx, source, cfg, interval, f.poller.logger)

	require.Len(t, requests, 1)
	assert.Equal(t, "cursor-42", requests[0].Header.Get(referenceHeader))
	assert.NotEmpty(t, requests[0].URL.Query().Get(lastImportParam))
}

func TestTick_SkipsWhenLastImportNotCompleted(t *testing.T) {
	ctx := context.Background()
	f := newPollerFixture(t)

	var requests []*http.Request
	server := jsonArrayServer(t, []any{map[string]any{"a": float64(1)}}, &requests)
	source := f.httpSource(t, staging.HTTPConfig{Endpoint: server.URL})

	_, err := f.imports.Initiate(ctx, source.ID, "")
	require.NoError(t, err)

	cfg, interval, err := f.poller.sourceConfig(source)
	require.NoError(t, err)

	slept := f.poller.tick(ctx, source, cfg, interval, f.poller.logger)

	assert.False(t, slept)
	assert.Empty(t, requests, "no fetch while an import is still draining")
}

func TestTick_LockContentionIsSilentSkip(t *testing.T) {
	ctx := context.Background()
	f := newPollerFixture(t)

	var requests []*http.Request
	server := jsonArrayServer(t, []any{map[string]any{"a": float64(1)}}, &requests)
	source := f.httpSource(t, staging.HTTPConfig{Endpoint: server.URL})

	imported, err := f.imports.Initiate(ctx, source.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.imports.SetStatus(ctx, imported.ID, staging.ImportCompleted, ""))

	// a competing instance holds the lock
	holder, err := f.imports.Begin(ctx)
	require.NoError(t, err)
	_, err = f.imports.RetrieveLastAndLock(ctx, holder, source.ID)
	require.NoError(t, err)

	cfg, interval, err := f.poller.sourceConfig(source)
	require.NoError(t, err)

	slept := f.poller.tick(ctx, source, cfg, interval, f.poller.logger)

	assert.False(t, slept)
	assert.Empty(t, requests)

	require.NoError(t, holder.Rollback())

	// lock released, the next tick proceeds
	slept = f.poller.tick(ctx, source, cfg, interval, f.poller.logger)
	assert.True(t, slept)
	assert.Len(t, requests, 1)
}

func TestTick_NonArrayResponseSkipsStaging(t *testing.T) {
	ctx := context.Background()
	f := newPollerFixture(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"not": "an array"}`))
	}))
	t.Cleanup(server.Close)

	source := f.httpSource(t, staging.HTTPConfig{Endpoint: server.URL})

	cfg, interval, err := f.poller.sourceConfig(source)
	require.NoError(t, err)

	slept := f.poller.tick(ctx, source, cfg, interval, f.poller.logger)

	assert.True(t, slept, "a skipped tick still holds the lock through the cool-down")
	assert.Empty(t, f.records.All())

	_, err = f.imports.RetrieveLast(ctx, source.ID)
	assert.ErrorIs(t, err, staging.ErrNoImports)
}

func TestTick_ServerErrorSkipsStaging(t *testing.T) {
	ctx := context.Background()
	f := newPollerFixture(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	source := f.httpSource(t, staging.HTTPConfig{Endpoint: server.URL})

	cfg, interval, err := f.poller.sourceConfig(source)
	require.NoError(t, err)

	f.poller.tick(ctx, source, cfg, interval, f.poller.logger)

	assert.Empty(t, f.records.All())
}

func TestTick_BasicAuthHeader(t *testing.T) {
	ctx := context.Background()
	f := newPollerFixture(t)

	var requests []*http.Request
	server := jsonArrayServer(t, []any{map[string]any{"a": float64(1)}}, &requests)

	source := f.httpSource(t, staging.HTTPConfig{
		Endpoint:   server.URL,
		AuthMethod: "basic",
		Username:   "operator",
		Password:   "secret",
	})

	cfg, interval, err := f.poller.sourceConfig(source)
	require.NoError(t, err)

	f.poller.tick(ctx, source, cfg, interval, f.poller.logger)

	require.Len(t, requests, 1)

	username, password, ok := requests[0].BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "operator", username)
	assert.Equal(t, "secret", password)
}

func TestTick_BearerTokenHeader(t *testing.T) {
	ctx := context.Background()
	f := newPollerFixture(t)

	var requests []*http.Request
	server := jsonArrayServer(t, []any{map[string]any{"a": float64(1)}}, &requests)

	source := f.httpSource(t, staging.HTTPConfig{
		Endpoint:   server.URL,
		AuthMethod: "token",
		Token:      "tok-123",
	})

	cfg, interval, err := f.poller.sourceConfig(source)
	require.NoError(t, err)

	f.poller.tick(ctx, source, cfg, interval, f.poller.logger)

	require.Len(t, requests, 1)
	assert.Equal(t, "Bearer tok-123", requests[0].Header.Get("Authorization"))
}

func TestSourceConfig_Validation(t *testing.T) {
	f := newPollerFixture(t)

	tests := []struct {
		name   string
		config string
	}{
		{name: "missing config", config: ""},
		{name: "malformed json", config: "{not json"},
		{name: "missing endpoint", config: "{}"},
		{name: "bad poll interval", config: `{"endpoint": "http://example.com", "pollInterval": "soon"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &staging.DataSource{ID: "src-1", Config: json.RawMessage(tt.config)}

			_, _, err := f.poller.sourceConfig(source)
			assert.ErrorIs(t, err, ErrInvalidSourceConfig)
		})
	}
}

func TestSourceConfig_PollIntervalOverride(t *testing.T) {
	f := newPollerFixture(t)

	source := &staging.DataSource{
		ID:     "src-1",
		Config: json.RawMessage(`{"endpoint": "http://example.com", "pollInterval": "250ms"}`),
	}

	_, interval, err := f.poller.sourceConfig(source)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, interval)
}

func TestRun_StopsWhenSourceDeactivated(t *testing.T) {
	f := newPollerFixture(t)

	server := jsonArrayServer(t, []any{}, nil)
	source := f.httpSource(t, staging.HTTPConfig{Endpoint: server.URL, PollInterval: "5ms"})

	f.sources.SetActive(source.ID, false)

	done := make(chan struct{})

	go func() {
		defer close(done)
		f.poller.Run(context.Background(), source)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after deactivation")
	}
}

func TestRun_EndToEndPollAndStage(t *testing.T) {
	f := newPollerFixture(t)

	payloads := []any{map[string]any{"TYPE": "EQUIP", "ITEM_ID": "1"}}
	server := jsonArrayServer(t, payloads, nil)
	source := f.httpSource(t, staging.HTTPConfig{Endpoint: server.URL, PollInterval: "5ms"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		f.poller.Run(ctx, source)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.records.All()) > 0 {
			break
		}

		time.Sleep(10 * time.Millisecond)
	}

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop on cancellation")
	}

	require.NotEmpty(t, f.records.All(), "poller never staged the served payload")
}
