// Package fiber implements spec §4.5: long-lived, checkpointable tasks that
// survive process eviction, built on a recurring heartbeat plus an
// interrupted-task recovery sweep.
package fiber

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/agentcore-io/agentcore/internal/storage"
)

// Status enumerates the fiber lifecycle states from spec §3.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
	StatusCancelled   Status = "cancelled"
)

// DefaultMaxRetries is used when spawnFiber's caller does not supply one.
const DefaultMaxRetries = 3

// DefaultHeartbeatInterval matches spec §4.5's "heartbeat interval ≈ 10s".
const DefaultHeartbeatInterval = 10 * time.Second

// CleanupInterval bounds cleanup sweeps to at most once per 10 minutes.
const CleanupInterval = 10 * time.Minute

const (
	cleanupCompletedAfter = 24 * time.Hour
	cleanupCancelledAfter = 24 * time.Hour
	cleanupFailedAfter    = 7 * 24 * time.Hour
)

// Sink is the opaque checkpoint handle a fiber method uses to call
// stashFiber any number of times during execution.
type Sink struct {
	engine *Engine
	id     string
}

// Stash persists an opaque progress blob. Only consulted on recovery.
func (s *Sink) Stash(ctx context.Context, snapshot json.RawMessage) error {
	return s.engine.stashFiber(ctx, s.id, snapshot)
}

// MethodFunc is a spawnable fiber method. snapshot is nil on first
// invocation and the latest stashed value on a recovery-driven restart.
type MethodFunc func(ctx context.Context, payload json.RawMessage, snapshot json.RawMessage, sink *Sink) (result json.RawMessage, err error)

// Hooks mirrors spec §4.5/§9's overridable callback surface
// (onFiberComplete, onFiberRecovered, onFibersRecovered) as function fields,
// per the struct-of-closures translation used throughout this runtime for
// Go's lack of subclassing.
type Hooks struct {
	OnFiberComplete   func(ctx context.Context, row storage.Fiber)
	OnFiberRecovered  func(ctx context.Context, row storage.Fiber)
	OnFibersRecovered func(ctx context.Context, batch []storage.Fiber)
}

// Engine owns the persisted fiber table, the in-memory active set, the
// heartbeat job, and the recovery sweep.
type Engine struct {
	db        *gorm.DB
	log       *zap.Logger
	callbacks map[string]MethodFunc
	hooks     Hooks

	heartbeatInterval  time.Duration
	hangTimeoutSeconds int64

	active   map[string]context.CancelFunc
	activeMu sync.Mutex

	recoveryGroup singleflight.Group

	scheduler gocron.Scheduler
	heartJob  gocron.Job

	lastCleanup   time.Time
	lastCleanupMu sync.Mutex
}

// Config carries the Engine's tunables.
type Config struct {
	HeartbeatInterval  time.Duration
	HangTimeoutSeconds int64
	Hooks              Hooks
}

// New constructs an Engine. Call Start to begin the heartbeat.
func New(db *gorm.DB, log *zap.Logger, cfg Config) (*Engine, error) {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HangTimeoutSeconds <= 0 {
		cfg.HangTimeoutSeconds = 30
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("fiber: failed to create gocron scheduler: %w", err)
	}

	return &Engine{
		db:                 db,
		log:                log,
		callbacks:          make(map[string]MethodFunc),
		hooks:              cfg.Hooks,
		heartbeatInterval:  cfg.HeartbeatInterval,
		hangTimeoutSeconds: cfg.HangTimeoutSeconds,
		active:             make(map[string]context.CancelFunc),
		scheduler:          s,
	}, nil
}

// RegisterCallback marks name as spawnable.
func (e *Engine) RegisterCallback(name string, fn MethodFunc) {
	e.callbacks[name] = fn
}

// Start begins the heartbeat — a gocron singleton-mode recurring job, so a
// slow recovery sweep can never overlap the next tick, mirroring the
// teacher's "don't overlap backup runs" singleton usage repurposed for
// "don't overlap heartbeat ticks."
func (e *Engine) Start(ctx context.Context) error {
	job, err := e.scheduler.NewJob(
		gocron.DurationJob(e.heartbeatInterval),
		gocron.NewTask(func() { e.CheckFibers(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("fiber: failed to schedule heartbeat: %w", err)
	}
	e.heartJob = job
	e.scheduler.Start()
	return nil
}

// Stop halts the heartbeat.
func (e *Engine) Stop() error {
	if err := e.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("fiber: heartbeat shutdown: %w", err)
	}
	return nil
}

// SpawnFiber inserts a running row and launches the method in the
// background. id, if empty, is generated.
func (e *Engine) SpawnFiber(ctx context.Context, id, method string, payload any, maxRetries int) (string, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if id == "" {
		id = "fiber_" + uuid.NewString()
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("fiber: marshal payload: %w", err)
	}

	now := time.Now()
	row := storage.Fiber{
		ID:         id,
		Callback:   method,
		Payload:    string(payloadJSON),
		Status:     string(StatusRunning),
		MaxRetries: maxRetries,
		StartedAt:  now,
		UpdatedAt:  now,
		CreatedAt:  now,
	}
	if err := e.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("fiber: create fiber row: %w", err)
	}

	e.launch(context.WithoutCancel(ctx), row, nil)
	return id, nil
}

// launch marks id active in-process and runs the method in a new goroutine.
func (e *Engine) launch(ctx context.Context, row storage.Fiber, snapshot json.RawMessage) {
	runCtx, cancel := context.WithCancel(ctx)
	e.activeMu.Lock()
	e.active[row.ID] = cancel
	e.activeMu.Unlock()

	go e.runFiber(runCtx, row, snapshot)
}

// runFiber drives one fiber id through all of its attempts in a single
// goroutine — the retry loop lives here, in-line, rather than recursing
// through launch, so exactly one "active[row.ID]" entry and one deferred
// cleanup exist for the fiber's entire in-process lifetime, however many
// attempts it takes.
func (e *Engine) runFiber(ctx context.Context, row storage.Fiber, snapshot json.RawMessage) {
	defer func() {
		e.activeMu.Lock()
		delete(e.active, row.ID)
		e.activeMu.Unlock()
	}()

	current, snap := row, snapshot
	for {
		if e.isCancelled(ctx, current.ID) {
			return
		}

		fn, ok := e.callbacks[current.Callback]
		if !ok {
			e.fail(ctx, current, fmt.Sprintf("fiber: unknown callback %q", current.Callback))
			return
		}

		result, err := fn(ctx, json.RawMessage(current.Payload), snap, &Sink{engine: e, id: current.ID})
		if err == nil {
			e.complete(ctx, current, result)
			return
		}

		next, retry := e.onAttemptFailed(ctx, current, err)
		if !retry {
			return
		}
		current, snap = next, json.RawMessage(next.Snapshot)
	}
}

// isCancelled checks whether cancelFiber flipped status to cancelled since
// the run started — "the run loop checks this at the top of each
// iteration (cooperative cancellation; in-flight work is not
// interrupted)."
func (e *Engine) isCancelled(ctx context.Context, id string) bool {
	var row storage.Fiber
	if err := e.db.WithContext(ctx).Select("status").First(&row, "id = ?", id).Error; err != nil {
		return false
	}
	return row.Status == string(StatusCancelled)
}

// onAttemptFailed implements "on thrown error: retry_count is incremented;
// if below max_retries, the method is re-invoked with the latest snapshot
// ... otherwise status=failed and the error is stored." No backoff is
// mandated for in-process retry; per Open Question (b) this runtime still
// applies a small capped backoff to avoid a tight failure loop pinning the
// single thread of execution (see DESIGN.md). It never relaunches itself —
// the caller's own loop re-invokes the callback in the same goroutine, so
// the fiber id's single active[] entry is never dropped and reinstated
// mid-attempt.
func (e *Engine) onAttemptFailed(ctx context.Context, row storage.Fiber, runErr error) (next storage.Fiber, retry bool) {
	var current storage.Fiber
	if err := e.db.WithContext(ctx).First(&current, "id = ?", row.ID).Error; err != nil {
		e.log.Error("fiber: failed to reload row after attempt failure", zap.String("fiber_id", row.ID), zap.Error(err))
		return storage.Fiber{}, false
	}

	current.RetryCount++
	if current.RetryCount >= current.MaxRetries {
		e.fail(ctx, current, runErr.Error())
		return storage.Fiber{}, false
	}

	if err := e.db.WithContext(ctx).Model(&storage.Fiber{}).Where("id = ?", row.ID).
		Update("retry_count", current.RetryCount).Error; err != nil {
		e.log.Error("fiber: failed to persist retry_count", zap.String("fiber_id", row.ID), zap.Error(err))
	}

	time.Sleep(inProcessRetryBackoff(current.RetryCount))
	return current, true
}

// inProcessRetryBackoff is a small capped backoff (Open Question (b)): 200ms
// * retryCount, capped at 2s, far below the scheduler/queue's 3s cap since
// in-process retries are meant to be near-immediate per spec prose.
func inProcessRetryBackoff(retryCount int) time.Duration {
	d := time.Duration(retryCount) * 200 * time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

func (e *Engine) fail(ctx context.Context, row storage.Fiber, errMsg string) {
	now := time.Now()
	if err := e.db.WithContext(ctx).Model(&storage.Fiber{}).Where("id = ?", row.ID).
		Updates(map[string]any{"status": string(StatusFailed), "error": errMsg, "ended_at": now, "updated_at": now}).Error; err != nil {
		e.log.Error("fiber: failed to persist failed status", zap.String("fiber_id", row.ID), zap.Error(err))
	}
}

func (e *Engine) complete(ctx context.Context, row storage.Fiber, result json.RawMessage) {
	now := time.Now()
	if err := e.db.WithContext(ctx).Model(&storage.Fiber{}).Where("id = ?", row.ID).
		Updates(map[string]any{"status": string(StatusCompleted), "result": string(result), "ended_at": now, "updated_at": now}).Error; err != nil {
		e.log.Error("fiber: failed to persist completed status", zap.String("fiber_id", row.ID), zap.Error(err))
		return
	}

	if e.hooks.OnFiberComplete != nil {
		var final storage.Fiber
		if err := e.db.WithContext(ctx).First(&final, "id = ?", row.ID).Error; err == nil {
			e.hooks.OnFiberComplete(ctx, final)
		}
	}
}

// stashFiber overwrites the opaque snapshot blob.
func (e *Engine) stashFiber(ctx context.Context, id string, snapshot json.RawMessage) error {
	if err := e.db.WithContext(ctx).Model(&storage.Fiber{}).Where("id = ?", id).
		Updates(map[string]any{"snapshot": string(snapshot), "updated_at": time.Now()}).Error; err != nil {
		return fmt.Errorf("fiber: stash %s: %w", id, err)
	}
	return nil
}

// CancelFiber sets status=cancelled; cooperative, in-flight work keeps
// running until its own next cancellation check.
func (e *Engine) CancelFiber(ctx context.Context, id string) error {
	now := time.Now()
	if err := e.db.WithContext(ctx).Model(&storage.Fiber{}).Where("id = ?", id).
		Updates(map[string]any{"status": string(StatusCancelled), "ended_at": now, "updated_at": now}).Error; err != nil {
		return fmt.Errorf("fiber: cancel %s: %w", id, err)
	}
	return nil
}

// CheckFibers runs the interrupted-fiber recovery sweep, reentrance-guarded
// so a heartbeat tick and an explicit call never run concurrently.
func (e *Engine) CheckFibers(ctx context.Context) {
	_, _, _ = e.recoveryGroup.Do("recover", func() (any, error) {
		e.checkInterruptedFibers(ctx)
		e.maybeCleanup(ctx)
		return nil, nil
	})
}

// checkInterruptedFibers implements the 5-step algorithm from spec §4.5.
func (e *Engine) checkInterruptedFibers(ctx context.Context) {
	var running []storage.Fiber
	if err := e.db.WithContext(ctx).Where("status = ?", string(StatusRunning)).Find(&running).Error; err != nil {
		e.log.Error("fiber: failed to read running fibers", zap.Error(err))
		return
	}

	e.activeMu.Lock()
	var batch []storage.Fiber
	for _, row := range running {
		if _, active := e.active[row.ID]; active {
			continue
		}
		batch = append(batch, row)
	}
	e.activeMu.Unlock()

	if len(batch) == 0 {
		return
	}

	var recovered []storage.Fiber
	for _, row := range batch {
		row.RetryCount++
		if row.RetryCount > row.MaxRetries {
			e.fail(ctx, row, "max retries exceeded (eviction recovery)")
			continue
		}

		if err := e.db.WithContext(ctx).Model(&storage.Fiber{}).Where("id = ?", row.ID).
			Updates(map[string]any{"status": string(StatusInterrupted), "retry_count": row.RetryCount}).Error; err != nil {
			e.log.Error("fiber: failed to mark fiber interrupted", zap.String("fiber_id", row.ID), zap.Error(err))
			continue
		}
		row.Status = string(StatusInterrupted)
		recovered = append(recovered, row)
	}

	// The heartbeat is Engine's own single gocron job (owned by Start/Stop),
	// not a persisted schedule row, so there are no orphaned heartbeat
	// schedules to delete here; internal/agent creates none either.

	if len(recovered) == 0 {
		return
	}

	if e.hooks.OnFibersRecovered != nil {
		e.hooks.OnFibersRecovered(ctx, recovered)
		return
	}

	// Default implementation: call onFiberRecovered per fiber, whose
	// default is restartFiber.
	for _, row := range recovered {
		if e.hooks.OnFiberRecovered != nil {
			e.hooks.OnFiberRecovered(ctx, row)
			continue
		}
		if err := e.RestartFiber(ctx, row.ID); err != nil {
			e.log.Error("fiber: failed to restart recovered fiber", zap.String("fiber_id", row.ID), zap.Error(err))
		}
	}
}

// RestartFiber flips status back to running, stamps started_at, and
// relaunches the method with the persisted snapshot.
func (e *Engine) RestartFiber(ctx context.Context, id string) error {
	var row storage.Fiber
	if err := e.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return fmt.Errorf("fiber: restart %s: %w", id, err)
	}

	now := time.Now()
	if err := e.db.WithContext(ctx).Model(&storage.Fiber{}).Where("id = ?", id).
		Updates(map[string]any{"status": string(StatusRunning), "started_at": now, "updated_at": now}).Error; err != nil {
		return fmt.Errorf("fiber: restart %s: %w", id, err)
	}

	row.Status = string(StatusRunning)
	row.StartedAt = now
	e.launch(context.WithoutCancel(ctx), row, json.RawMessage(row.Snapshot))
	return nil
}

// maybeCleanup deletes old terminal rows, throttled to at most once per
// CleanupInterval.
func (e *Engine) maybeCleanup(ctx context.Context) {
	e.lastCleanupMu.Lock()
	if time.Since(e.lastCleanup) < CleanupInterval {
		e.lastCleanupMu.Unlock()
		return
	}
	e.lastCleanup = time.Now()
	e.lastCleanupMu.Unlock()

	now := time.Now()
	if err := e.db.WithContext(ctx).
		Where("status = ? AND ended_at < ?", string(StatusCompleted), now.Add(-cleanupCompletedAfter)).
		Delete(&storage.Fiber{}).Error; err != nil {
		e.log.Error("fiber: cleanup completed rows failed", zap.Error(err))
	}
	if err := e.db.WithContext(ctx).
		Where("status = ? AND ended_at < ?", string(StatusCancelled), now.Add(-cleanupCancelledAfter)).
		Delete(&storage.Fiber{}).Error; err != nil {
		e.log.Error("fiber: cleanup cancelled rows failed", zap.Error(err))
	}
	if err := e.db.WithContext(ctx).
		Where("status = ? AND ended_at < ?", string(StatusFailed), now.Add(-cleanupFailedAfter)).
		Delete(&storage.Fiber{}).Error; err != nil {
		e.log.Error("fiber: cleanup failed rows failed", zap.Error(err))
	}
}

// GetFiber returns a single fiber row by id.
func (e *Engine) GetFiber(ctx context.Context, id string) (*storage.Fiber, error) {
	var row storage.Fiber
	if err := e.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("fiber: get %s: %w", id, err)
	}
	return &row, nil
}
