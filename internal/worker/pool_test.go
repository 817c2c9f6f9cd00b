package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verifact/provider-validator/internal/adapter/connector/stub"
	"github.com/verifact/provider-validator/internal/adapter/queue/redisq"
	"github.com/verifact/provider-validator/internal/adapter/repo/memory"
	"github.com/verifact/provider-validator/internal/domain"
	"github.com/verifact/provider-validator/internal/ratelimit"
)

type recordingFinalizer struct {
	mu    sync.Mutex
	calls []string
}

func (f *recordingFinalizer) TaskFinished(_ context.Context, jobID, providerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, jobID+"/"+providerID)
}

func (f *recordingFinalizer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type poolFixture struct {
	queue     *redisq.Queue
	store     *memory.Store
	finalizer *recordingFinalizer
	pool      *Pool
}

func newPoolFixture(t *testing.T, tt domain.TaskType) *poolFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := memory.NewStore()
	fin := &recordingFinalizer{}
	q := redisq.New(rdb, time.Minute)
	return &poolFixture{
		queue:     q,
		store:     store,
		finalizer: fin,
		pool: &Pool{
			TaskType:       tt,
			Size:           2,
			Queue:          q,
			Limiter:        ratelimit.New(nil),
			Connectors:     stub.Registry(),
			Results:        store.TaskResults(),
			Jobs:           store.Jobs(),
			Policy:         domain.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxRetries: 3},
			ReserveTimeout: 100 * time.Millisecond,
			Finalizer:      fin,
		},
	}
}

func (fx *poolFixture) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fx.pool.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func (fx *poolFixture) createJob(t *testing.T, jobID string) {
	t.Helper()
	require.NoError(t, fx.store.Create(context.Background(), domain.Job{
		ID: jobID, Status: domain.JobRunning, Priority: domain.PriorityNormal, ProviderCount: 1,
	}))
}

func identifierTask(id, jobID, identifier string) domain.WorkerTask {
	return domain.WorkerTask{
		ID:         id,
		JobID:      jobID,
		ProviderID: "P1",
		Type:       domain.TaskIdentifierCheck,
		Payload:    domain.Provider{ProviderID: "P1", GivenName: "John", FamilyName: "Smith", Identifier: identifier},
		Priority:   domain.PriorityNormal,
		MaxRetries: 3,
	}
}

func TestPoolRecordsSuccess(t *testing.T) {
	t.Parallel()
	fx := newPoolFixture(t, domain.TaskIdentifierCheck)
	fx.createJob(t, "j1")
	require.NoError(t, fx.queue.Enqueue(context.Background(), identifierTask("t1", "j1", "1234567893")))
	fx.start(t)

	require.Eventually(t, func() bool { return fx.finalizer.count() == 1 }, 5*time.Second, 20*time.Millisecond)

	results, err := fx.store.ListByProvider(context.Background(), "j1", "P1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "1234567893", results[0].NormalizedFields["identifier"])
	assert.Equal(t, "true", results[0].SourceMetadata["match"])
	assert.Equal(t, []string{"j1/P1"}, fx.finalizer.calls)
}

func TestPoolRetriesThenFails(t *testing.T) {
	t.Parallel()
	fx := newPoolFixture(t, domain.TaskIdentifierCheck)
	fx.createJob(t, "j1")

	// 9999999999 always times out upstream, so every attempt retries until
	// the budget is spent and the last failure is recorded.
	task := identifierTask("t1", "j1", "9999999999")
	task.MaxRetries = 2
	require.NoError(t, fx.queue.Enqueue(context.Background(), task))
	fx.start(t)

	require.Eventually(t, func() bool { return fx.finalizer.count() == 1 }, 5*time.Second, 20*time.Millisecond)

	results, err := fx.store.ListByProvider(context.Background(), "j1", "P1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, 2, results[0].Attempt, "two retries before giving up")
	assert.Contains(t, results[0].ErrorMessage, "timeout")
}

func TestPoolRobotDetectionFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	fx := newPoolFixture(t, domain.TaskIdentifierCheck)
	fx.createJob(t, "j1")
	require.NoError(t, fx.queue.Enqueue(context.Background(), identifierTask("t1", "j1", "8888888888")))
	fx.start(t)

	require.Eventually(t, func() bool { return fx.finalizer.count() == 1 }, 5*time.Second, 20*time.Millisecond)

	results, err := fx.store.ListByProvider(context.Background(), "j1", "P1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, 0, results[0].Attempt, "robot detection never retries")
	assert.Contains(t, results[0].Flags, "robot_detected")
}

func TestPoolDropsTombstonedTasks(t *testing.T) {
	t.Parallel()
	fx := newPoolFixture(t, domain.TaskIdentifierCheck)
	fx.createJob(t, "j1")
	ctx := context.Background()
	require.NoError(t, fx.queue.TombstoneJob(ctx, "j1"))
	require.NoError(t, fx.queue.Enqueue(ctx, identifierTask("t1", "j1", "1234567893")))
	fx.start(t)

	// The task is acked without a connector call or result.
	assert.Never(t, func() bool { return fx.finalizer.count() > 0 }, 500*time.Millisecond, 50*time.Millisecond)
	results, err := fx.store.ListByProvider(ctx, "j1", "P1")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestPoolDropsTasksOfTerminalJobs(t *testing.T) {
	t.Parallel()
	fx := newPoolFixture(t, domain.TaskIdentifierCheck)
	ctx := context.Background()
	require.NoError(t, fx.store.Create(ctx, domain.Job{
		ID: "j1", Status: domain.JobCompleted, ProviderCount: 1,
	}))
	require.NoError(t, fx.queue.Enqueue(ctx, identifierTask("t1", "j1", "1234567893")))
	fx.start(t)

	assert.Never(t, func() bool { return fx.finalizer.count() > 0 }, 500*time.Millisecond, 50*time.Millisecond)
	results, err := fx.store.ListByProvider(ctx, "j1", "P1")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMeanConfidence(t *testing.T) {
	t.Parallel()
	assert.Zero(t, meanConfidence(nil))
	assert.InDelta(t, 0.8, meanConfidence(map[string]float64{"a": 0.9, "b": 0.7}), 1e-9)
}
