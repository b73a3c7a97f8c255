package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/syncwell/graphsync/internal/graph"
	"github.com/syncwell/graphsync/internal/metrics"
	"github.com/syncwell/graphsync/internal/model"
	"github.com/syncwell/graphsync/internal/repository"
)

// Store is the slice of the outbox contract the worker needs: claim rows,
// write terminal status, read aggregate stats. It never deletes rows or
// mutates payloads.
type Store interface {
	ClaimBatch(ctx context.Context, maxSize int) ([]model.OutboxEvent, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	GetStats(ctx context.Context, projectID string) (model.Stats, error)
}

// Config is the worker's tunable surface. Zero values fall back to defaults.
type Config struct {
	PollInterval     time.Duration
	HealthInterval   time.Duration
	BatchSize        int
	MaxConcurrent    int
	BatchTimeout     time.Duration
	DeadLetterWarnAt int64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 60 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 60 * time.Second
	}
	if c.DeadLetterWarnAt <= 0 {
		c.DeadLetterWarnAt = 10
	}
	return c
}

// PartialConfig carries only the fields the caller wants changed.
type PartialConfig struct {
	PollInterval     *time.Duration
	HealthInterval   *time.Duration
	BatchSize        *int
	MaxConcurrent    *int
	BatchTimeout     *time.Duration
	DeadLetterWarnAt *int64
}

// Status is the lifecycle snapshot exposed to the host process.
type Status struct {
	Running bool   `json:"running"`
	Config  Config `json:"config"`
}

// SyncWorker drains the outbox into the graph store: claim a bounded batch,
// build + execute each event's query with bounded concurrency, report
// terminal status back, and health-check the backlog on an independent
// timer. One instance owns its own timers and executor handle, so multiple
// isolated workers coexist in one process.
type SyncWorker struct {
	store Store
	audit repository.CHAuditRepository // optional, best-effort
	hooks HookRegistry
	log   *zap.Logger

	mu         sync.Mutex
	running    bool
	cfg        Config
	executor   graph.Executor
	pollQuit   chan struct{}
	healthQuit chan struct{}
	cycleBusy  bool
}

func NewSyncWorker(store Store, cfg Config, log *zap.Logger) *SyncWorker {
	if log == nil {
		log = zap.NewNop()
	}
	return &SyncWorker{
		store: store,
		hooks: DefaultHooks(),
		log:   log,
		cfg:   cfg.withDefaults(),
	}
}

// WithAudit attaches the ClickHouse audit sink.
func (w *SyncWorker) WithAudit(audit repository.CHAuditRepository) *SyncWorker {
	w.audit = audit
	return w
}

// WithHooks replaces the post-processing hook registry.
func (w *SyncWorker) WithHooks(h HookRegistry) *SyncWorker {
	w.hooks = h
	return w
}

// Start begins the poll and health-check loops against the given executor.
// Calling Start on a running worker is a logged no-op. The first poll cycle
// fires immediately so events queued while stopped are not delayed by a full
// interval.
func (w *SyncWorker) Start(executor graph.Executor) error {
	if executor == nil {
		return fmt.Errorf("sync worker: nil executor")
	}

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		w.log.Info("sync worker already running, start ignored")
		return nil
	}
	w.running = true
	w.executor = executor
	w.pollQuit = make(chan struct{})
	w.healthQuit = make(chan struct{})
	pollQuit, healthQuit := w.pollQuit, w.healthQuit
	interval, healthEvery := w.cfg.PollInterval, w.cfg.HealthInterval
	w.mu.Unlock()

	w.log.Info("sync worker started",
		zap.Duration("poll_interval", interval),
		zap.Duration("health_interval", healthEvery))

	go w.spawnCycle()
	go w.pollLoop(pollQuit, interval)
	go w.healthLoop(healthQuit, healthEvery)

	return nil
}

// Stop prevents new cycles from starting and clears the executor. An
// in-flight cycle runs to completion or to its batch deadline.
func (w *SyncWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.pollQuit)
	close(w.healthQuit)
	w.pollQuit, w.healthQuit = nil, nil
	w.executor = nil
	w.running = false
	w.log.Info("sync worker stopped")
}

// Status reports the running flag and a config snapshot.
func (w *SyncWorker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{Running: w.running, Config: w.cfg}
}

// Configure merges the partial config. When the poll interval changes while
// running, only the poll timer restarts; the health timer and any claimed
// events are untouched.
func (w *SyncWorker) Configure(p PartialConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()

	oldInterval := w.cfg.PollInterval
	if p.PollInterval != nil {
		w.cfg.PollInterval = *p.PollInterval
	}
	if p.HealthInterval != nil {
		w.cfg.HealthInterval = *p.HealthInterval
	}
	if p.BatchSize != nil {
		w.cfg.BatchSize = *p.BatchSize
	}
	if p.MaxConcurrent != nil {
		w.cfg.MaxConcurrent = *p.MaxConcurrent
	}
	if p.BatchTimeout != nil {
		w.cfg.BatchTimeout = *p.BatchTimeout
	}
	if p.DeadLetterWarnAt != nil {
		w.cfg.DeadLetterWarnAt = *p.DeadLetterWarnAt
	}
	w.cfg = w.cfg.withDefaults()

	if w.running && w.cfg.PollInterval != oldInterval {
		close(w.pollQuit)
		w.pollQuit = make(chan struct{})
		go w.pollLoop(w.pollQuit, w.cfg.PollInterval)
		w.log.Info("poll timer restarted", zap.Duration("poll_interval", w.cfg.PollInterval))
	}
}

func (w *SyncWorker) pollLoop(quit <-chan struct{}, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-quit:
			return
		case <-tick.C:
			w.spawnCycle()
		}
	}
}

// spawnCycle runs one poll cycle detached from the timer goroutine, skipping
// the tick when the previous cycle is still in flight.
func (w *SyncWorker) spawnCycle() {
	w.mu.Lock()
	if !w.running || w.cycleBusy {
		w.mu.Unlock()
		return
	}
	w.cycleBusy = true
	exec := w.executor
	w.mu.Unlock()

	go func() {
		defer func() {
			w.mu.Lock()
			w.cycleBusy = false
			w.mu.Unlock()
		}()
		w.ProcessBatch(context.Background(), exec)
	}()
}

// ProcessBatch runs one poll cycle: claim, fan out in chunks, wait for all
// outcomes. The whole cycle races the batch timeout; when the deadline wins
// the cycle is abandoned and still-claimed rows come back through the
// store's stale-claim reclaim, not through this cycle.
func (w *SyncWorker) ProcessBatch(ctx context.Context, exec graph.Executor) {
	w.mu.Lock()
	cfg := w.cfg
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, cfg.BatchTimeout)
	defer cancel()

	start := time.Now()

	events, err := w.store.ClaimBatch(ctx, cfg.BatchSize)
	if err != nil {
		// store unavailability degrades this cycle to a no-op
		w.log.Warn("claim batch failed, skipping cycle", zap.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}

	w.log.Debug("claimed batch", zap.Int("events", len(events)))

	for pos := 0; pos < len(events); pos += cfg.MaxConcurrent {
		if ctx.Err() != nil {
			w.log.Warn("batch timeout, abandoning cycle",
				zap.Int("remaining", len(events)-pos))
			return
		}

		end := pos + cfg.MaxConcurrent
		if end > len(events) {
			end = len(events)
		}

		var wg sync.WaitGroup
		for _, ev := range events[pos:end] {
			wg.Add(1)
			go func(ev model.OutboxEvent) {
				defer wg.Done()
				w.processEvent(ctx, exec, ev)
			}(ev)
		}
		wg.Wait()
	}

	metrics.BatchDuration.Observe(time.Since(start).Seconds())
}

// processEvent delivers one event to the graph and reports its terminal
// status. Nothing escapes this boundary: one event's failure must not abort
// its siblings.
func (w *SyncWorker) processEvent(ctx context.Context, exec graph.Executor, ev model.OutboxEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			w.fail(ctx, ev, fmt.Errorf("panic: %v", rec))
		}
	}()

	queryText, params, payload, err := w.resolveQuery(ev)
	if err != nil {
		w.fail(ctx, ev, err)
		return
	}

	if err := exec.Execute(ctx, ev.GraphName, queryText, params); err != nil {
		if ctx.Err() != nil {
			// batch deadline: abandon without an event-level failure; the
			// stale-claim reclaim retries the row later
			return
		}
		w.fail(ctx, ev, err)
		return
	}

	if hook, ok := w.hooks.forEntity(ev.EntityType); ok {
		if err := hook(ctx, exec, ev, payload); err != nil {
			// the primary mutation already committed; never re-flag it
			w.log.Warn("post-processing hook failed",
				zap.String("event_id", ev.EventID),
				zap.String("entity_type", ev.EntityType),
				zap.String("entity_id", ev.EntityID),
				zap.Error(err))
		}
	}

	if err := w.store.MarkCompleted(ctx, ev.ID); err != nil {
		w.log.Error("mark completed failed",
			zap.String("event_id", ev.EventID), zap.Error(err))
		return
	}

	metrics.EventsTotal.WithLabelValues(ev.Operation.String(), "completed").Inc()
	w.recordAudit(ev, "completed", ev.Attempts+1, "")
}

// resolveQuery prefers the event's precomputed query and falls back to the
// builder. The decoded payload is returned for the post-processing hooks.
func (w *SyncWorker) resolveQuery(ev model.OutboxEvent) (string, map[string]any, map[string]any, error) {
	payload := map[string]any{}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return "", nil, nil, fmt.Errorf("decode payload: %w", err)
		}
	}

	if ev.CypherQuery != nil && *ev.CypherQuery != "" {
		params := map[string]any{}
		if len(ev.CypherParams) > 0 {
			if err := json.Unmarshal(ev.CypherParams, &params); err != nil {
				return "", nil, nil, fmt.Errorf("decode cypher params: %w", err)
			}
		}
		return *ev.CypherQuery, params, payload, nil
	}

	q, err := graph.Build(ev.Operation, ev.EntityType, ev.EntityID, payload)
	if err != nil {
		return "", nil, nil, err
	}
	return q.Text, q.Params, payload, nil
}

func (w *SyncWorker) fail(ctx context.Context, ev model.OutboxEvent, cause error) {
	w.log.Warn("event failed",
		zap.String("event_id", ev.EventID),
		zap.String("entity_type", ev.EntityType),
		zap.String("entity_id", ev.EntityID),
		zap.Error(cause))

	if err := w.store.MarkFailed(ctx, ev.ID, cause.Error()); err != nil {
		w.log.Error("mark failed failed",
			zap.String("event_id", ev.EventID), zap.Error(err))
		return
	}

	metrics.EventsTotal.WithLabelValues(ev.Operation.String(), "failed").Inc()
	w.recordAudit(ev, "failed", ev.Attempts+1, cause.Error())
}

// recordAudit writes the terminal outcome to ClickHouse, best-effort.
func (w *SyncWorker) recordAudit(ev model.OutboxEvent, outcome string, attempts int, errMsg string) {
	if w.audit == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := w.audit.Insert(ctx, model.SyncAuditRecord{
		EventID:    ev.EventID,
		ProjectID:  ev.ProjectID,
		GraphName:  ev.GraphName,
		Operation:  ev.Operation.String(),
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Outcome:    outcome,
		Attempts:   attempts,
		Error:      errMsg,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		w.log.Debug("audit insert failed", zap.String("event_id", ev.EventID), zap.Error(err))
	}
}

func (w *SyncWorker) healthLoop(quit <-chan struct{}, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()

	for {
		select {
		case <-quit:
			return
		case <-tick.C:
			w.healthCheck()
		}
	}
}

// healthCheck samples aggregate counts and warns on dead-letter growth.
// Failures here are logged and otherwise ignored; they never stop the worker.
func (w *SyncWorker) healthCheck() {
	w.mu.Lock()
	warnAt := w.cfg.DeadLetterWarnAt
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := w.store.GetStats(ctx, "")
	if err != nil {
		w.log.Warn("health check failed", zap.Error(err))
		return
	}

	w.log.Info("outbox health",
		zap.Int64("pending", stats.Pending),
		zap.Int64("processing", stats.Processing),
		zap.Int64("failed", stats.Failed),
		zap.Int64("dead_letter", stats.DeadLetter))

	if stats.DeadLetter > warnAt {
		w.log.Warn("dead letter backlog above threshold",
			zap.Int64("dead_letter", stats.DeadLetter),
			zap.Int64("threshold", warnAt))
	}
}
