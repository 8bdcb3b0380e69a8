// Package engine executes a task graph on a bounded worker pool.
// It handles readiness tracking, failure isolation between independent
// branches, cancellation, and reuse of task results from earlier runs.
package engine

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/megannissel/invest-routedem-tfa-range/internal/dag"
	"github.com/megannissel/invest-routedem-tfa-range/internal/state"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// Engine runs task graphs and records them in a state store.
type Engine struct {
	logger    *slog.Logger
	store     core.Store
	ownsStore bool
	workers   int
	cache     CachePolicy
	onDone    func(Result)
}

// Config holds engine configuration.
type Config struct {
	// Workers bounds concurrently running tasks (default runtime.NumCPU()).
	Workers int
	// Cache selects whether results of earlier runs are reused.
	Cache CachePolicy
	// StatePath is the path to the SQLite state database. Empty disables
	// run history and the task cache.
	StatePath string
	// Store overrides StatePath with an already opened store.
	Store core.Store
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
	// OnTaskDone is called from the scheduler goroutine each time a task
	// reaches a terminal state.
	OnTaskDone func(Result)
}

// New creates a new engine, opening the state store when configured.
func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	policy, err := ParseCachePolicy(string(cfg.Cache))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		logger:  logger,
		store:   cfg.Store,
		workers: workers,
		cache:   policy,
		onDone:  cfg.OnTaskDone,
	}

	if e.store == nil && cfg.StatePath != "" {
		logger.Debug("opening state store", "path", cfg.StatePath)
		store := state.NewSQLiteStore(logger)
		if err := store.Open(cfg.StatePath); err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		if err := store.InitSchema(); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to initialize state schema: %w", err)
		}
		e.store = store
		e.ownsStore = true
	}
	return e, nil
}

// Close releases the state store if the engine opened it.
func (e *Engine) Close() error {
	e.logger.Debug("closing engine")
	if e.ownsStore && e.store != nil {
		err := e.store.Close()
		e.store = nil
		return err
	}
	return nil
}

// Store returns the state store, or nil when none is configured.
func (e *Engine) Store() core.Store {
	return e.store
}

// Workers returns the worker pool size.
func (e *Engine) Workers() int {
	return e.workers
}

// Plan groups the graph's tasks by execution level.
func Plan(g *dag.Graph[*Task]) ([][]*Task, error) {
	levels, err := g.ExecutionLevels()
	if err != nil {
		return nil, err
	}
	out := make([][]*Task, len(levels))
	for i, level := range levels {
		for _, h := range level {
			out[i] = append(out[i], g.Data(h))
		}
	}
	return out, nil
}
