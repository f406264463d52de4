// Package queue implements spec §4.4: a durable FIFO of deferred method
// invocations drained in background order, one drain at a time per
// instance.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/agentcore-io/agentcore/internal/retry"
	"github.com/agentcore-io/agentcore/internal/storage"
)

// CallbackFunc invokes a queued method under agent context with the parsed
// payload and the row it came from — "invokes the callback under agent
// context with the parsed payload and the row itself."
type CallbackFunc func(ctx context.Context, payload json.RawMessage, row storage.QueueItem) error

// Queue owns the persisted FIFO and its single-flight-guarded drain loop.
type Queue struct {
	db         *gorm.DB
	log        *zap.Logger
	callbacks  map[string]CallbackFunc
	classCache *retry.ClassCache
	onError    func(ctx context.Context, row storage.QueueItem, err error)
	onAttempt  func(callback string, attempt int, delay time.Duration, err error)

	group singleflight.Group
}

// Config carries the observability hooks a Queue is wired with.
type Config struct {
	OnError   func(ctx context.Context, row storage.QueueItem, err error)
	OnAttempt func(callback string, attempt int, delay time.Duration, err error)
}

// New constructs a Queue.
func New(db *gorm.DB, log *zap.Logger, cfg Config) *Queue {
	return &Queue{
		db:         db,
		log:        log,
		callbacks:  make(map[string]CallbackFunc),
		classCache: retry.NewClassCache(),
		onError:    cfg.OnError,
		onAttempt:  cfg.OnAttempt,
	}
}

// RegisterCallback marks name as invocable by queued rows.
func (q *Queue) RegisterCallback(name string, fn CallbackFunc) {
	q.callbacks[name] = fn
}

// SetClassDefaults registers class-level retry defaults for a callback.
func (q *Queue) SetClassDefaults(callback string, opts retry.Options) {
	q.classCache.Set(callback, opts)
}

// Enqueue writes a row and kicks off a background drain. The drain itself is
// reentrance-guarded (singleflight), so concurrent Enqueue calls never start
// more than one drain loop at a time.
func (q *Queue) Enqueue(ctx context.Context, callback string, payload any, opts *retry.Options) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}
	retryJSON, err := retry.Marshal(opts)
	if err != nil {
		return "", err
	}

	row := storage.QueueItem{
		ID:           "queue_" + uuid.NewString(),
		Payload:      string(payloadJSON),
		Callback:     callback,
		RetryOptions: retryJSON,
		CreatedAt:    time.Now(),
	}

	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("queue: create queue row: %w", err)
	}

	go q.drain(context.WithoutCancel(ctx))

	return row.ID, nil
}

// drain is reentrance-guarded: if a drain is already running, this call
// joins it rather than starting a second concurrent drain.
func (q *Queue) drain(ctx context.Context) {
	_, _, _ = q.group.Do("drain", func() (any, error) {
		q.drainLoop(ctx)
		return nil, nil
	})
}

// drainLoop reads rows in created_at ascending order and processes each in
// turn, one at a time, until the table is empty.
func (q *Queue) drainLoop(ctx context.Context) {
	for {
		var row storage.QueueItem
		err := q.db.WithContext(ctx).Order("created_at asc").Limit(1).Find(&row).Error
		if err != nil {
			q.log.Error("queue: failed to read next row", zap.Error(err))
			return
		}
		if row.ID == "" {
			return // table empty, drain complete
		}

		q.processRow(ctx, row)
	}
}

// processRow resolves retry options, invokes the callback, and deletes the
// row on success or after final failure. Final failures route through
// onError but never block further dequeuing — this function always returns,
// regardless of outcome.
func (q *Queue) processRow(ctx context.Context, row storage.QueueItem) {
	defer q.deleteRow(ctx, row.ID)

	fn, ok := q.callbacks[row.Callback]
	if !ok {
		q.log.Error("queue: callback does not resolve to a registered method", zap.String("queue_id", row.ID), zap.String("callback", row.Callback))
		if q.onError != nil {
			q.onError(ctx, row, fmt.Errorf("queue: unknown callback %q", row.Callback))
		}
		return
	}

	rowOpts, err := retry.ParseOptions(row.RetryOptions)
	if err != nil {
		q.log.Warn("queue: failed to parse retry_options, using defaults", zap.String("queue_id", row.ID), zap.Error(err))
	}
	classOpts := q.classCache.Get(row.Callback)
	resolved := retry.Resolve(rowOpts, classOpts)

	onAttempt := func(attempt int, delay time.Duration, attemptErr error) {
		if q.onAttempt != nil {
			q.onAttempt(row.Callback, attempt, delay, attemptErr)
		}
	}

	payload := json.RawMessage(row.Payload)
	err = retry.Do(ctx, resolved, onAttempt, func(ctx context.Context) error {
		return fn(ctx, payload, row)
	})

	if err != nil {
		q.log.Error("queue: callback failed after retries", zap.String("queue_id", row.ID), zap.Error(err))
		// onError IS awaited before the next item is dequeued (Open
		// Question (a), see DESIGN.md) — the drain loop is already
		// single-threaded, so this keeps failure handling inside the same
		// ordering guarantee as everything else.
		if q.onError != nil {
			q.onError(ctx, row, err)
		}
	}
}

func (q *Queue) deleteRow(ctx context.Context, id string) {
	if err := q.db.WithContext(ctx).Delete(&storage.QueueItem{}, "id = ?", id).Error; err != nil {
		q.log.Error("queue: failed to delete queue row", zap.String("queue_id", id), zap.Error(err))
	}
}

// Dequeue removes and returns a single row by id without running its
// callback, for admin/inspection use.
func (q *Queue) Dequeue(ctx context.Context, id string) (*storage.QueueItem, error) {
	var row storage.QueueItem
	if err := q.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("queue: dequeue %s: %w", id, err)
	}
	if err := q.db.WithContext(ctx).Delete(&storage.QueueItem{}, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("queue: dequeue %s: %w", id, err)
	}
	return &row, nil
}

// DequeueAll removes and returns every row without running callbacks.
func (q *Queue) DequeueAll(ctx context.Context) ([]storage.QueueItem, error) {
	var rows []storage.QueueItem
	if err := q.db.WithContext(ctx).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("queue: dequeue all: %w", err)
	}
	if err := q.db.WithContext(ctx).Where("1 = 1").Delete(&storage.QueueItem{}).Error; err != nil {
		return nil, fmt.Errorf("queue: dequeue all: %w", err)
	}
	return rows, nil
}

// DequeueAllByCallback removes and returns every row whose callback matches.
func (q *Queue) DequeueAllByCallback(ctx context.Context, callback string) ([]storage.QueueItem, error) {
	var rows []storage.QueueItem
	if err := q.db.WithContext(ctx).Where("callback = ?", callback).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("queue: dequeue all by callback: %w", err)
	}
	if err := q.db.WithContext(ctx).Where("callback = ?", callback).Delete(&storage.QueueItem{}).Error; err != nil {
		return nil, fmt.Errorf("queue: dequeue all by callback: %w", err)
	}
	return rows, nil
}

// GetQueue returns a single row by id without removing it.
func (q *Queue) GetQueue(ctx context.Context, id string) (*storage.QueueItem, error) {
	var row storage.QueueItem
	if err := q.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("queue: get queue %s: %w", id, err)
	}
	return &row, nil
}

// GetQueues returns every row whose callback column equals value — "key" in
// the spec's `getQueues(key,value)` is always "callback" in this schema,
// since that is the only filterable column queue rows expose beyond id,
// payload and created_at.
func (q *Queue) GetQueues(ctx context.Context, callback string) ([]storage.QueueItem, error) {
	var rows []storage.QueueItem
	if err := q.db.WithContext(ctx).Where("callback = ?", callback).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("queue: get queues: %w", err)
	}
	return rows, nil
}

// ListQueues returns every row without removing them, for inspection
// surfaces that must not drain the queue as a side effect of reading it.
func (q *Queue) ListQueues(ctx context.Context) ([]storage.QueueItem, error) {
	var rows []storage.QueueItem
	if err := q.db.WithContext(ctx).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("queue: list queues: %w", err)
	}
	return rows, nil
}
