package fiber_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/agentcore-io/agentcore/internal/fiber"
	"github.com/agentcore-io/agentcore/internal/storage"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(storage.Config{Driver: "sqlite", DSN: "file::memory:?cache=shared", Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	return db
}

func TestSpawnFiber_CompletesAndInvokesOnFiberComplete(t *testing.T) {
	db := newTestDB(t)
	completed := make(chan storage.Fiber, 1)

	e, err := fiber.New(db, zaptest.NewLogger(t), fiber.Config{
		Hooks: fiber.Hooks{
			OnFiberComplete: func(ctx context.Context, row storage.Fiber) { completed <- row },
		},
	})
	require.NoError(t, err)

	e.RegisterCallback("doWork", func(ctx context.Context, payload json.RawMessage, snapshot json.RawMessage, sink *fiber.Sink) (json.RawMessage, error) {
		_ = sink.Stash(ctx, json.RawMessage(`{"completedSteps":1}`))
		return json.RawMessage(`{"ok":true}`), nil
	})

	id, err := e.SpawnFiber(context.Background(), "", "doWork", map[string]int{"totalSteps": 1}, 3)
	require.NoError(t, err)

	select {
	case row := <-completed:
		require.Equal(t, id, row.ID)
		require.Equal(t, string(fiber.StatusCompleted), row.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fiber completion")
	}
}

func TestSpawnFiber_RetriesOnErrorThenFails(t *testing.T) {
	db := newTestDB(t)
	attempts := 0

	e, err := fiber.New(db, zaptest.NewLogger(t), fiber.Config{})
	require.NoError(t, err)

	e.RegisterCallback("alwaysFails", func(ctx context.Context, payload json.RawMessage, snapshot json.RawMessage, sink *fiber.Sink) (json.RawMessage, error) {
		attempts++
		return nil, context.DeadlineExceeded
	})

	id, err := e.SpawnFiber(context.Background(), "", "alwaysFails", nil, 2)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		row, err := e.GetFiber(context.Background(), id)
		return err == nil && row.Status == string(fiber.StatusFailed)
	}, 3*time.Second, 20*time.Millisecond)

	require.Equal(t, 2, attempts, "max_retries=2 means exactly 2 attempts before failing")
}

// TestSpawnFiber_StaysActiveAcrossInProcessRetry locks in the fix for a race
// where a retried attempt briefly vanished from the in-process active set
// between the old attempt's goroutine exiting and the new one being
// launched — during that window a heartbeat tick would see the row as
// status=running but not active, and mark it interrupted for restart,
// spawning a second concurrent runFiber for the same id.
func TestSpawnFiber_StaysActiveAcrossInProcessRetry(t *testing.T) {
	db := newTestDB(t)

	var mu sync.Mutex
	attempts := 0
	release := make(chan struct{})

	e, err := fiber.New(db, zaptest.NewLogger(t), fiber.Config{})
	require.NoError(t, err)

	e.RegisterCallback("flaky", func(ctx context.Context, payload json.RawMessage, snapshot json.RawMessage, sink *fiber.Sink) (json.RawMessage, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return nil, context.DeadlineExceeded
		}
		<-release
		return json.RawMessage(`{"ok":true}`), nil
	})

	id, err := e.SpawnFiber(context.Background(), "", "flaky", nil, 3)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 1
	}, time.Second, 5*time.Millisecond)

	// The first attempt has failed and the retried attempt's goroutine is
	// either sleeping its backoff or already re-invoking the callback.
	// Either way, the fiber id must still be in the active set and the row
	// must still read as running: a heartbeat tick here must not think the
	// fiber got orphaned.
	e.CheckFibers(context.Background())

	row, err := e.GetFiber(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, string(fiber.StatusRunning), row.Status, "row must not be marked interrupted while the retry is still in-process")

	close(release)

	require.Eventually(t, func() bool {
		row, err := e.GetFiber(context.Background(), id)
		return err == nil && row.Status == string(fiber.StatusCompleted)
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, attempts, "exactly one retry attempt; a duplicate restart would show a third invocation")
}

func TestCheckFibers_RecoversInterruptedFiber(t *testing.T) {
	db := newTestDB(t)

	recovered := make(chan storage.Fiber, 1)
	e, err := fiber.New(db, zaptest.NewLogger(t), fiber.Config{
		Hooks: fiber.Hooks{
			OnFiberRecovered: func(ctx context.Context, row storage.Fiber) { recovered <- row },
		},
	})
	require.NoError(t, err)

	now := time.Now()
	orphan := storage.Fiber{
		ID: "fiber_orphan", Callback: "doWork", Status: string(fiber.StatusRunning),
		MaxRetries: 3, StartedAt: now, UpdatedAt: now, CreatedAt: now,
	}
	require.NoError(t, db.Create(&orphan).Error)

	e.CheckFibers(context.Background())

	select {
	case row := <-recovered:
		require.Equal(t, "fiber_orphan", row.ID)
		require.Equal(t, 1, row.RetryCount, "retry_count must increment by exactly 1 on recovery")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for recovery")
	}
}

func TestCheckFibers_FailsWhenRetriesExceeded(t *testing.T) {
	db := newTestDB(t)
	e, err := fiber.New(db, zaptest.NewLogger(t), fiber.Config{})
	require.NoError(t, err)

	now := time.Now()
	row := storage.Fiber{
		ID: "fiber_exhausted", Callback: "doWork", Status: string(fiber.StatusRunning),
		RetryCount: 3, MaxRetries: 3, StartedAt: now, UpdatedAt: now, CreatedAt: now,
	}
	require.NoError(t, db.Create(&row).Error)

	e.CheckFibers(context.Background())

	got, err := e.GetFiber(context.Background(), "fiber_exhausted")
	require.NoError(t, err)
	require.Equal(t, string(fiber.StatusFailed), got.Status)
	require.Contains(t, got.Error, "max retries exceeded (eviction recovery)")
}

func TestCancelFiber_IsCooperative(t *testing.T) {
	db := newTestDB(t)
	e, err := fiber.New(db, zaptest.NewLogger(t), fiber.Config{})
	require.NoError(t, err)

	started := make(chan struct{})
	unblock := make(chan struct{})
	e.RegisterCallback("longRunning", func(ctx context.Context, payload json.RawMessage, snapshot json.RawMessage, sink *fiber.Sink) (json.RawMessage, error) {
		close(started)
		<-unblock
		return json.RawMessage(`{}`), nil
	})

	id, err := e.SpawnFiber(context.Background(), "", "longRunning", nil, 3)
	require.NoError(t, err)

	<-started
	require.NoError(t, e.CancelFiber(context.Background(), id))

	got, err := e.GetFiber(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, string(fiber.StatusCancelled), got.Status, "cancel takes effect immediately on the row even while in-flight work continues")

	close(unblock)
}
