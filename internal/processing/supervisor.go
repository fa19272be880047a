package processing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/graphloom-io/graphloom/internal/staging"
)

// Runner is one long-lived per-source loop (a processing loop, an HTTP
// poller). Run blocks until its context is cancelled.
type Runner interface {
	Run(ctx context.Context)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) { f(ctx) }

// RunnerFactory builds the loops a data source needs. An HTTP source gets a
// processing loop and a poller; a manual source just the processing loop.
type RunnerFactory func(source *staging.DataSource) []Runner

// Supervisor ties runner lifetimes to data source activation. It refreshes
// the active set periodically: newly activated sources get their runners
// started, deactivated sources get theirs cancelled.
type Supervisor struct {
	sources staging.DataSourceStore
	factory RunnerFactory
	logger  *slog.Logger
	refresh time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewSupervisor builds a supervisor that re-reads the active source set
// every refresh interval.
func NewSupervisor(sources staging.DataSourceStore, factory RunnerFactory, logger *slog.Logger, refresh time.Duration) *Supervisor {
	return &Supervisor{
		sources: sources,
		factory: factory,
		logger:  logger,
		refresh: refresh,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Run supervises until the context is cancelled, then stops every runner
// and waits for them to exit.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	s.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.wg.Wait()

			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// reconcile aligns running loops with the currently active sources.
func (s *Supervisor) reconcile(ctx context.Context) {
	active, err := s.sources.ListActive(ctx)
	if err != nil {
		s.logger.Error("failed to list active data sources", "error", err)

		return
	}

	activeIDs := make(map[string]*staging.DataSource, len(active))
	for _, source := range active {
		activeIDs[source.ID] = source
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, cancel := range s.cancels {
		if _, stillActive := activeIDs[id]; !stillActive {
			s.logger.Info("stopping runners for deactivated data source", "data_source_id", id)
			cancel()
			delete(s.cancels, id)
		}
	}

	for id, source := range activeIDs {
		if _, running := s.cancels[id]; running {
			continue
		}

		runnerCtx, cancel := context.WithCancel(ctx)
		s.cancels[id] = cancel

		for _, runner := range s.factory(source) {
			s.wg.Add(1)

			go func(r Runner) {
				defer s.wg.Done()
				r.Run(runnerCtx)
			}(runner)
		}

		s.logger.Info("started runners for data source",
			"data_source_id", id, "adapter_type", source.AdapterType)
	}
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
}

// Running reports how many sources currently have runners. Test helper.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.cancels)
}
