package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncwell/graphsync/internal/model"
)

// ---- fakes ----

type fakeStore struct {
	mu        sync.Mutex
	queue     []model.OutboxEvent
	completed []int64
	failed    map[int64]string
	claimErr  error
	stats     model.Stats
	statsErr  error
}

func newFakeStore(events ...model.OutboxEvent) *fakeStore {
	return &fakeStore{queue: events, failed: map[int64]string{}}
}

func (s *fakeStore) ClaimBatch(_ context.Context, maxSize int) ([]model.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	n := maxSize
	if n > len(s.queue) {
		n = len(s.queue)
	}
	batch := s.queue[:n]
	s.queue = s.queue[n:]
	return batch, nil
}

func (s *fakeStore) MarkCompleted(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id int64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = msg
	return nil
}

func (s *fakeStore) GetStats(_ context.Context, _ string) (model.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, s.statsErr
}

func (s *fakeStore) snapshot() (completed []int64, failed map[int64]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	failed = map[int64]string{}
	for k, v := range s.failed {
		failed[k] = v
	}
	return append([]int64(nil), s.completed...), failed
}

type execCall struct {
	graph  string
	query  string
	params map[string]any
}

type fakeExec struct {
	mu    sync.Mutex
	calls []execCall
	// failWhen returns a non-nil error for queries that should fail
	failWhen func(query string, params map[string]any) error
}

func (e *fakeExec) Execute(_ context.Context, graphName, query string, params map[string]any) error {
	e.mu.Lock()
	e.calls = append(e.calls, execCall{graph: graphName, query: query, params: params})
	e.mu.Unlock()
	if e.failWhen != nil {
		return e.failWhen(query, params)
	}
	return nil
}

func (e *fakeExec) recorded() []execCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]execCall(nil), e.calls...)
}

func event(id int64, op model.Operation, entityType, entityID string, payload string) model.OutboxEvent {
	var p []byte
	if payload != "" {
		p = []byte(payload)
	}
	return model.OutboxEvent{
		ID:         id,
		EventID:    "evt-" + entityID,
		ProjectID:  "proj1",
		GraphName:  "graph_proj1",
		Operation:  op,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    p,
		Status:     model.StatusProcessing,
	}
}

func newTestWorker(store Store) *SyncWorker {
	return NewSyncWorker(store, Config{
		PollInterval:  10 * time.Millisecond,
		BatchTimeout:  5 * time.Second,
		MaxConcurrent: 3,
	}, zap.NewNop())
}

// ---- ProcessBatch ----

func TestProcessBatchEmptyIsNoop(t *testing.T) {
	store := newFakeStore()
	exec := &fakeExec{}

	newTestWorker(store).ProcessBatch(context.Background(), exec)

	completed, failed := store.snapshot()
	assert.Empty(t, completed)
	assert.Empty(t, failed)
	assert.Empty(t, exec.recorded())
}

func TestProcessBatchClaimErrorDegradesToNoop(t *testing.T) {
	store := newFakeStore()
	store.claimErr = errors.New("mysql is down")
	exec := &fakeExec{}

	newTestWorker(store).ProcessBatch(context.Background(), exec)

	assert.Empty(t, exec.recorded())
}

func TestProcessBatchCreateScenario(t *testing.T) {
	store := newFakeStore(event(1, model.OpCreate, "Task", "t1", `{"title":"x"}`))
	exec := &fakeExec{}

	newTestWorker(store).ProcessBatch(context.Background(), exec)

	calls := exec.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "graph_proj1", calls[0].graph)
	assert.Contains(t, calls[0].query, "CREATE")
	assert.Contains(t, calls[0].query, "Task")
	assert.Equal(t, "t1", calls[0].params["id"])

	completed, failed := store.snapshot()
	assert.Equal(t, []int64{1}, completed)
	assert.Empty(t, failed)
}

// blockingExec holds every query until the context is cancelled, simulating
// a graph store that stops answering mid-batch.
type blockingExec struct{}

func (e *blockingExec) Execute(ctx context.Context, _, _ string, _ map[string]any) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestProcessBatchAbandonsOnBatchTimeout(t *testing.T) {
	store := newFakeStore(
		event(1, model.OpCreate, "Task", "t1", `{"title":"a"}`),
		event(2, model.OpCreate, "Task", "t2", `{"title":"b"}`),
	)
	w := NewSyncWorker(store, Config{
		BatchTimeout:  50 * time.Millisecond,
		MaxConcurrent: 2,
	}, zap.NewNop())

	w.ProcessBatch(context.Background(), &blockingExec{})

	// the deadline won: the cycle walks away without flagging any event, so
	// the claimed rows keep their attempts and come back via reclaim
	completed, failed := store.snapshot()
	assert.Empty(t, completed)
	assert.Empty(t, failed)
}

func TestProcessBatchOneFailureDoesNotAbortSiblings(t *testing.T) {
	store := newFakeStore(
		event(1, model.OpCreate, "Task", "t1", `{"title":"a"}`),
		event(2, model.OpCreate, "Task", "t2", `{"title":"b"}`),
		event(3, model.OpCreate, "Task", "t3", `{"title":"c"}`),
	)
	exec := &fakeExec{
		failWhen: func(_ string, params map[string]any) error {
			if params["id"] == "t2" {
				return errors.New("constraint violation")
			}
			return nil
		},
	}

	newTestWorker(store).ProcessBatch(context.Background(), exec)

	completed, failed := store.snapshot()
	assert.ElementsMatch(t, []int64{1, 3}, completed)
	require.Contains(t, failed, int64(2))
	assert.Contains(t, failed[2], "constraint violation")
}

func TestProcessBatchUnknownOperationFailsEvent(t *testing.T) {
	ev := event(7, model.Operation("UPSERT"), "Task", "t1", `{}`)
	store := newFakeStore(ev)
	exec := &fakeExec{}

	newTestWorker(store).ProcessBatch(context.Background(), exec)

	completed, failed := store.snapshot()
	assert.Empty(t, completed)
	assert.Contains(t, failed, int64(7))
	assert.Empty(t, exec.recorded(), "nothing may reach the graph")
}

func TestProcessBatchPrecomputedQueryBypassesBuilder(t *testing.T) {
	q := "MATCH (n:Task) RETURN count(n)"
	ev := event(4, model.OpUpdate, "Task", "t1", `{"title":"x"}`)
	ev.CypherQuery = &q
	ev.CypherParams = []byte(`{"limit":5}`)
	store := newFakeStore(ev)
	exec := &fakeExec{}

	newTestWorker(store).ProcessBatch(context.Background(), exec)

	calls := exec.recorded()
	// precomputed primary query, then the task hook (payload has no
	// decision_id so the hook is a no-op and issues nothing)
	require.Len(t, calls, 1)
	assert.Equal(t, q, calls[0].query)
	assert.Equal(t, float64(5), calls[0].params["limit"])
}

// ---- relationship side-channel ----

func TestTaskDecisionHookMergesEdge(t *testing.T) {
	store := newFakeStore(event(5, model.OpUpdate, "task", "t1", `{"title":"x","decision_id":"d1"}`))
	exec := &fakeExec{}

	newTestWorker(store).ProcessBatch(context.Background(), exec)

	calls := exec.recorded()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].query, "MERGE (t)-[:IMPLEMENTS]->(d)")
	assert.Equal(t, "t1", calls[1].params["taskId"])
	assert.Equal(t, "d1", calls[1].params["decisionId"])

	completed, _ := store.snapshot()
	assert.Equal(t, []int64{5}, completed)
}

func TestTaskDecisionHookClearsEdge(t *testing.T) {
	store := newFakeStore(event(5, model.OpUpdate, "Task", "t1", `{"title":"x","decision_id":null}`))
	exec := &fakeExec{}

	newTestWorker(store).ProcessBatch(context.Background(), exec)

	calls := exec.recorded()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].query, "DELETE r")
	assert.NotContains(t, calls[1].query, "MERGE")
}

func TestHookFailureIsSwallowed(t *testing.T) {
	store := newFakeStore(event(5, model.OpUpdate, "Task", "t1", `{"decision_id":"d1"}`))
	exec := &fakeExec{
		failWhen: func(query string, _ map[string]any) error {
			if strings.Contains(query, "IMPLEMENTS") {
				return errors.New("edge sync failed")
			}
			return nil
		},
	}

	newTestWorker(store).ProcessBatch(context.Background(), exec)

	// the primary mutation committed; the hook failure must not re-flag it
	completed, failed := store.snapshot()
	assert.Equal(t, []int64{5}, completed)
	assert.Empty(t, failed)
}

// ---- lifecycle ----

func TestStartIsIdempotent(t *testing.T) {
	store := newFakeStore()
	w := newTestWorker(store)
	exec := &fakeExec{}

	require.NoError(t, w.Start(exec))
	defer w.Stop()
	require.NoError(t, w.Start(exec), "second start is a logged no-op")

	assert.True(t, w.Status().Running)
}

func TestStartTriggersImmediatePoll(t *testing.T) {
	store := newFakeStore(event(1, model.OpCreate, "Task", "t1", `{"title":"x"}`))
	w := NewSyncWorker(store, Config{
		PollInterval: time.Hour, // only the immediate cycle can drain it
		BatchTimeout: 5 * time.Second,
	}, zap.NewNop())
	defer w.Stop()

	require.NoError(t, w.Start(&fakeExec{}))

	assert.Eventually(t, func() bool {
		completed, _ := store.snapshot()
		return len(completed) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopClearsRunning(t *testing.T) {
	w := newTestWorker(newFakeStore())
	require.NoError(t, w.Start(&fakeExec{}))

	w.Stop()

	assert.False(t, w.Status().Running)
	w.Stop() // stopping twice is harmless
}

func TestStartRejectsNilExecutor(t *testing.T) {
	w := newTestWorker(newFakeStore())
	assert.Error(t, w.Start(nil))
}

func TestConfigureMergesPartial(t *testing.T) {
	w := newTestWorker(newFakeStore())

	size := 7
	interval := 25 * time.Millisecond
	w.Configure(PartialConfig{BatchSize: &size, PollInterval: &interval})

	st := w.Status()
	assert.Equal(t, 7, st.Config.BatchSize)
	assert.Equal(t, interval, st.Config.PollInterval)
	// untouched fields keep their values
	assert.Equal(t, 3, st.Config.MaxConcurrent)
}

func TestConfigureRestartsPollTimerWhileRunning(t *testing.T) {
	store := newFakeStore()
	w := NewSyncWorker(store, Config{
		PollInterval: time.Hour,
		BatchTimeout: 5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, w.Start(&fakeExec{}))
	defer w.Stop()

	// queue an event after the immediate cycle already ran
	time.Sleep(50 * time.Millisecond)
	store.mu.Lock()
	store.queue = append(store.queue, event(9, model.OpCreate, "Task", "t9", `{"title":"z"}`))
	store.mu.Unlock()

	interval := 10 * time.Millisecond
	w.Configure(PartialConfig{PollInterval: &interval})

	assert.Eventually(t, func() bool {
		completed, _ := store.snapshot()
		return len(completed) == 1
	}, 2*time.Second, 10*time.Millisecond, "restarted poll timer should pick up the event")
}

func TestHealthCheckWarnsQuietly(t *testing.T) {
	store := newFakeStore()
	store.stats = model.Stats{Pending: 2, DeadLetter: 42}
	w := newTestWorker(store)

	// must not panic or stop anything, even above the warn threshold
	w.healthCheck()

	store.statsErr = errors.New("stats unavailable")
	w.healthCheck()
}
