// Package poller fetches new data from http data sources on a fixed
// cool-down, staging every received payload and resolving its type mapping
// by shape.
//
// Mutual exclusion between poller instances is a database row lock on the
// source's most recent import, deliberately held across the cool-down sleep.
// Committing only after the sleep guarantees no other instance can start a
// new import for the source until the full interval has elapsed, even when
// instances run in separate processes.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/graphloom-io/graphloom/internal/credentials"
	"github.com/graphloom-io/graphloom/internal/events"
	"github.com/graphloom-io/graphloom/internal/mapping"
	"github.com/graphloom-io/graphloom/internal/staging"
)

// referenceHeader carries the opaque cursor token between the source and
// the poller. The source may return a fresh token on every response; the
// poller echoes the last one it saw on the next request.
const referenceHeader = "Reference"

// lastImportParam tells the source the creation time of the last completed
// import, so it can return only newer data.
const lastImportParam = "lastImport"

// ErrInvalidSourceConfig is returned when an http data source carries a
// config that cannot be parsed or lacks an endpoint.
var ErrInvalidSourceConfig = errors.New("invalid http data source config")

// Poller polls one http data source. Safe to run multiple instances for
// the same source; the import row lock serializes them.
type Poller struct {
	imports   staging.ImportStore
	records   staging.RecordStore
	mappings  mapping.Store
	sources   staging.DataSourceStore
	decryptor credentials.Decryptor
	emitter   events.Emitter
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger

	interval time.Duration
}

// NewPoller builds a poller with the given default cool-down interval and
// outbound request timeout. Requests across all of the poller's ticks pass
// through a shared rate limiter.
func NewPoller(
	sources staging.DataSourceStore,
	imports staging.ImportStore,
	records staging.RecordStore,
	mappings mapping.Store,
	decryptor credentials.Decryptor,
	emitter events.Emitter,
	logger *slog.Logger,
	interval time.Duration,
	httpTimeout time.Duration,
) *Poller {
	return &Poller{
		sources:   sources,
		imports:   imports,
		records:   records,
		mappings:  mappings,
		decryptor: decryptor,
		emitter:   emitter,
		client:    &http.Client{Timeout: httpTimeout},
		limiter:   rate.NewLimiter(rate.Limit(1), 1),
		logger:    logger,
		interval:  interval,
	}
}

// Run polls the source until the context is cancelled or the source is
// deactivated. Transient failures (lock contention, decrypt errors, http
// errors) are logged and retried on the next tick, never fatal.
func (p *Poller) Run(ctx context.Context, source *staging.DataSource) {
	logger := p.logger.With("data_source_id", source.ID)

	cfg, interval, err := p.sourceConfig(source)
	if err != nil {
		logger.Error("http poller cannot start", "error", err)

		return
	}

	logger.Info("http poller started", "endpoint", cfg.Endpoint, "interval", interval)

	for {
		active, err := p.sources.IsActive(ctx, source.ID)
		if err != nil {
			logger.Error("failed to check data source activity", "error", err)
		} else if !active {
			logger.Info("data source inactive, poller stopping")

			return
		}

		// a successful tick sleeps the cool-down itself, lock held
		slept := p.tick(ctx, source, cfg, interval, logger)

		if !slept && !sleep(ctx, interval) {
			logger.Info("http poller stopped")

			return
		}

		if ctx.Err() != nil {
			logger.Info("http poller stopped")

			return
		}
	}
}

// tick runs one poll cycle. It reports whether it already slept the
// cool-down while holding the import lock; the caller sleeps otherwise.
func (p *Poller) tick(ctx context.Context, source *staging.DataSource, cfg *staging.HTTPConfig, interval time.Duration, logger *slog.Logger) bool {
	tx, err := p.imports.Begin(ctx)
	if err != nil {
		logger.Error("failed to open poll transaction", "error", err)

		return false
	}

	rollback := func() {
		if err := tx.Rollback(); err != nil {
			logger.Error("failed to roll back poll transaction", "error", err)
		}
	}

	last, err := p.imports.RetrieveLastAndLock(ctx, tx, source.ID)

	switch {
	case errors.Is(err, staging.ErrImportLocked):
		// another instance owns this source's cool-down
		rollback()

		return false
	case errors.Is(err, staging.ErrNoImports):
		last = nil
	case err != nil:
		logger.Error("failed to lock last import", "error", err)
		rollback()

		return false
	}

	if last != nil && last.Status != staging.ImportCompleted {
		rollback()

		return false
	}

	payloads, reference, ok := p.fetch(ctx, cfg, last, logger)
	if ok {
		if err := p.stage(ctx, tx, source, payloads, reference); err != nil {
			logger.Error("failed to stage polled data", "error", err)
			rollback()

			return false
		}
	}

	// cool-down elapses before the lock is released; see the package doc
	if !sleep(ctx, interval) {
		rollback()

		return true
	}

	if err := tx.Commit(); err != nil {
		logger.Error("failed to commit poll transaction", "error", err)
	}

	return true
}

// fetch performs the outbound request. A non-2xx status, a non-array body,
// or an empty array all skip the tick without surfacing an error; the lock
// is still held through the cool-down either way.
func (p *Poller) fetch(ctx context.Context, cfg *staging.HTTPConfig, last *staging.Import, logger *slog.Logger) ([]any, string, bool) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, "", false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Endpoint, nil)
	if err != nil {
		logger.Error("failed to build poll request", "error", err)

		return nil, "", false
	}

	if last != nil {
		query := req.URL.Query()
		query.Set(lastImportParam, last.CreatedAt.UTC().Format(time.RFC3339))
		req.URL.RawQuery = query.Encode()

		if last.Reference != "" {
			req.Header.Set(referenceHeader, last.Reference)
		}
	}

	if err := p.authorize(req, cfg); err != nil {
		logger.Error("failed to decrypt data source credentials", "error", err)

		return nil, "", false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		logger.Error("poll request failed", "error", err)

		return nil, "", false
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		logger.Warn("poll request returned non-success status", "status", resp.StatusCode)

		return nil, "", false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("failed to read poll response", "error", err)

		return nil, "", false
	}

	var payloads []any
	if err := json.Unmarshal(body, &payloads); err != nil {
		logger.Warn("poll response is not a JSON array, skipping tick")

		return nil, "", false
	}

	if len(payloads) == 0 {
		return nil, "", false
	}

	reference := resp.Header.Get(referenceHeader)
	if reference == "" && last != nil {
		reference = last.Reference
	}

	return payloads, reference, true
}

// stage creates a new locked import within tx and one staging record per
// payload, resolving each payload's type mapping by shape. First-sighted
// shapes get a new inactive mapping with the payload as its sample.
//
// The records are written through tx as well: the import row they reference
// is uncommitted until the cool-down ends, so a pool-side insert would
// trip the foreign key.
func (p *Poller) stage(ctx context.Context, tx staging.Tx, source *staging.DataSource, payloads []any, reference string) error {
	imported, err := p.imports.InitiateAndLock(ctx, tx, source.ID, reference)
	if err != nil {
		return fmt.Errorf("failed to initiate import: %w", err)
	}

	records := make([]*staging.Record, 0, len(payloads))

	for _, payload := range payloads {
		record := &staging.Record{
			DataSourceID: source.ID,
			ImportID:     imported.ID,
			RawData:      payload,
		}

		m, err := p.resolveMapping(ctx, source, payload)
		if err != nil {
			p.logger.Error("failed to resolve mapping for polled payload",
				"data_source_id", source.ID, "error", err)
		} else {
			record.MappingID = &m.ID
		}

		records = append(records, record)
	}

	if err := p.records.CreateRecordsInTx(ctx, tx, records...); err != nil {
		return fmt.Errorf("failed to create staging records: %w", err)
	}

	for range records {
		p.emitter.Emit(ctx, events.Event{
			Type:         events.TypeRecordCreated,
			DataSourceID: source.ID,
			ImportID:     imported.ID,
		})
	}

	p.logger.Info("polled data staged",
		"data_source_id", source.ID, "import_id", imported.ID, "records", len(records))

	return nil
}

func (p *Poller) resolveMapping(ctx context.Context, source *staging.DataSource, payload any) (*mapping.TypeMapping, error) {
	shapeHash := mapping.Fingerprint(payload)

	m, err := p.mappings.RetrieveByShapeHash(ctx, source.ID, shapeHash)
	if err == nil {
		return m, nil
	}

	if !errors.Is(err, mapping.ErrMappingNotFound) {
		return nil, err
	}

	m, err = p.mappings.CreateOrResolve(ctx,
		mapping.NewTypeMapping(source.ContainerID, source.ID, payload))
	if err != nil {
		return nil, err
	}

	p.emitter.Emit(ctx, events.Event{
		Type:         events.TypeMappingCreated,
		DataSourceID: source.ID,
		MappingID:    m.ID,
	})

	return m, nil
}

// authorize applies the source's auth method, decrypting stored credentials
// first.
func (p *Poller) authorize(req *http.Request, cfg *staging.HTTPConfig) error {
	switch cfg.AuthMethod {
	case "basic":
		username, err := p.decryptor.Decrypt(cfg.Username)
		if err != nil {
			return fmt.Errorf("username: %w", err)
		}

		password, err := p.decryptor.Decrypt(cfg.Password)
		if err != nil {
			return fmt.Errorf("password: %w", err)
		}

		req.SetBasicAuth(username, password)
	case "token":
		token, err := p.decryptor.Decrypt(cfg.Token)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+token)
	}

	return nil
}

// sourceConfig parses the source's adapter config and resolves the poll
// interval, preferring a per-source override over the poller default.
func (p *Poller) sourceConfig(source *staging.DataSource) (*staging.HTTPConfig, time.Duration, error) {
	if len(source.Config) == 0 {
		return nil, 0, fmt.Errorf("%w: config missing", ErrInvalidSourceConfig)
	}

	var cfg staging.HTTPConfig
	if err := json.Unmarshal(source.Config, &cfg); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidSourceConfig, err)
	}

	if cfg.Endpoint == "" {
		return nil, 0, fmt.Errorf("%w: endpoint missing", ErrInvalidSourceConfig)
	}

	interval := p.interval

	if cfg.PollInterval != "" {
		parsed, err := time.ParseDuration(cfg.PollInterval)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: bad poll interval %q", ErrInvalidSourceConfig, cfg.PollInterval)
		}

		interval = parsed
	}

	return &cfg, interval, nil
}

// sleep waits for d or context cancellation, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
