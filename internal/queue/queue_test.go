package queue_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/agentcore-io/agentcore/internal/queue"
	"github.com/agentcore-io/agentcore/internal/retry"
	"github.com/agentcore-io/agentcore/internal/storage"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(storage.Config{Driver: "sqlite", DSN: "file::memory:?cache=shared", Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	return db
}

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func TestEnqueue_DrainsInCreatedOrderAndDeletesOnSuccess(t *testing.T) {
	db := newTestDB(t)
	rec := &recorder{}

	q := queue.New(db, zaptest.NewLogger(t), queue.Config{})
	q.RegisterCallback("step", func(ctx context.Context, payload json.RawMessage, row storage.QueueItem) error {
		var p struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(payload, &p)
		rec.record(p.Name)
		return nil
	})

	ctx := context.Background()
	_, err := q.Enqueue(ctx, "step", map[string]string{"name": "first"}, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "step", map[string]string{"name": "second"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"first", "second"}, rec.snapshot())

	var rows []storage.QueueItem
	require.NoError(t, db.Find(&rows).Error)
	require.Empty(t, rows, "rows must be deleted after success")
}

func TestEnqueue_FinalFailureRoutesToOnErrorAfterExhaustingRetries(t *testing.T) {
	db := newTestDB(t)
	attempts := 0

	var gotErr error
	q := queue.New(db, zaptest.NewLogger(t), queue.Config{
		OnError: func(ctx context.Context, row storage.QueueItem, err error) { gotErr = err },
	})
	q.RegisterCallback("throwingCallback", func(ctx context.Context, payload json.RawMessage, row storage.QueueItem) error {
		attempts++
		return context.DeadlineExceeded
	})
	q.SetClassDefaults("throwingCallback", retry.Options{MaxAttempts: 3, BaseDelayMs: 1, MaxDelayMs: 2})

	_, err := q.Enqueue(context.Background(), "throwingCallback", map[string]string{"v": "x"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return gotErr != nil }, time.Second, 10*time.Millisecond)
	require.Equal(t, 3, attempts, "queue retry exhaustion should make exactly maxAttempts calls")

	var rows []storage.QueueItem
	require.NoError(t, db.Find(&rows).Error)
	require.Empty(t, rows, "row deleted even after final failure")
}

func TestUnknownCallback_RoutesToOnErrorWithoutPanicking(t *testing.T) {
	db := newTestDB(t)

	var gotErr error
	q := queue.New(db, zaptest.NewLogger(t), queue.Config{
		OnError: func(ctx context.Context, row storage.QueueItem, err error) { gotErr = err },
	})

	_, err := q.Enqueue(context.Background(), "neverRegistered", nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return gotErr != nil }, time.Second, 10*time.Millisecond)
	require.Contains(t, gotErr.Error(), "unknown callback")
}

func TestDequeueAllByCallback_RemovesOnlyMatching(t *testing.T) {
	db := newTestDB(t)
	q := queue.New(db, zaptest.NewLogger(t), queue.Config{})

	require.NoError(t, db.Create(&storage.QueueItem{ID: "a", Callback: "x", CreatedAt: time.Now()}).Error)
	require.NoError(t, db.Create(&storage.QueueItem{ID: "b", Callback: "y", CreatedAt: time.Now()}).Error)

	removed, err := q.DequeueAllByCallback(context.Background(), "x")
	require.NoError(t, err)
	require.Len(t, removed, 1)
	require.Equal(t, "a", removed[0].ID)

	remaining, err := q.GetQueues(context.Background(), "y")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}

func TestListQueues_ReturnsAllRowsWithoutRemovingThem(t *testing.T) {
	db := newTestDB(t)
	q := queue.New(db, zaptest.NewLogger(t), queue.Config{})

	require.NoError(t, db.Create(&storage.QueueItem{ID: "a", Callback: "x", CreatedAt: time.Now()}).Error)
	require.NoError(t, db.Create(&storage.QueueItem{ID: "b", Callback: "y", CreatedAt: time.Now()}).Error)

	rows, err := q.ListQueues(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rowsAgain, err := q.ListQueues(context.Background())
	require.NoError(t, err)
	require.Len(t, rowsAgain, 2)
}
