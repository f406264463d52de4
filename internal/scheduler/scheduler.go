// Package scheduler implements spec §4.3: a persisted queue of future
// wake-ups (scheduled/delayed/cron/interval) driven by a single next-wake
// timer. Unlike the teacher's internal/scheduler, which hands one gocron job
// per policy to gocron's own run loop, this Scheduler owns its timing
// directly — gocron's loop cannot express "read all due rows in one alarm,
// force-reset hung intervals, re-arm to the next smallest time" — and only
// borrows robfig/cron/v3 for cron-expression parsing.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentcore-io/agentcore/internal/retry"
	"github.com/agentcore-io/agentcore/internal/storage"
)

// Type enumerates the four schedule kinds from spec §3's data model.
type Type string

const (
	TypeScheduled Type = "scheduled"
	TypeDelayed   Type = "delayed"
	TypeCron      Type = "cron"
	TypeInterval  Type = "interval"
)

// MaxIntervalSeconds enforces "the interval must be positive and at most 30
// days" from spec §4.3.
const MaxIntervalSeconds = 30 * 24 * 60 * 60

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CallbackFunc is a named, schedulable method on the owning agent. Like
// connection.MethodFunc, callback names must be explicitly registered —
// "callback name must resolve to an actual method on the instance or the
// row is reported and skipped."
type CallbackFunc func(ctx context.Context, payload json.RawMessage) error

// When selects one of the three `schedule` input shapes from spec §4.3.
// Exactly one field should be set; At takes priority over DelayFromNow,
// which takes priority over Cron.
type When struct {
	At           *time.Time
	DelayFromNow *time.Duration
	Cron         string
}

// AtTime builds a When for an absolute instant (→ scheduled).
func AtTime(t time.Time) When { return When{At: &t} }

// Delay builds a When for a non-negative delay (→ delayed).
func Delay(d time.Duration) When { return When{DelayFromNow: &d} }

// CronExpr builds a When for a cron expression (→ cron).
func CronExpr(expr string) When { return When{Cron: expr} }

// Scheduler owns the persisted schedule table and the single alarm timer
// for one agent instance.
type Scheduler struct {
	db         *gorm.DB
	clock      clockwork.Clock
	log        *zap.Logger
	callbacks  map[string]CallbackFunc
	classCache *retry.ClassCache

	hungTimeoutSeconds int64
	onError            func(ctx context.Context, row storage.Schedule, err error)
	onAttempt          func(callback string, attempt int, delay time.Duration, err error)

	timer clockwork.Timer
	stop  chan struct{}
}

// Config carries the tunables spec §9/§4.3 leave as instance-level policy.
type Config struct {
	// HungTimeoutSeconds is the threshold beyond which a still-`running`
	// interval schedule is force-reset rather than skipped. Kept consistent
	// with the fiber engine's 30s default (internal/fiber) across the
	// runtime unless the caller overrides it.
	HungTimeoutSeconds int64
	OnError            func(ctx context.Context, row storage.Schedule, err error)
	OnAttempt          func(callback string, attempt int, delay time.Duration, err error)
}

// New constructs a Scheduler. Call Start to begin the alarm loop; clock is
// injectable (clockwork.NewRealClock in production, clockwork.NewFakeClock
// in tests) so alarm timing is deterministically testable per SPEC_FULL.md's
// ambient-stack rationale.
func New(db *gorm.DB, clock clockwork.Clock, log *zap.Logger, cfg Config) *Scheduler {
	if cfg.HungTimeoutSeconds <= 0 {
		cfg.HungTimeoutSeconds = 30
	}
	return &Scheduler{
		db:                 db,
		clock:              clock,
		log:                log,
		callbacks:          make(map[string]CallbackFunc),
		classCache:         retry.NewClassCache(),
		hungTimeoutSeconds: cfg.HungTimeoutSeconds,
		onError:            cfg.OnError,
		onAttempt:          cfg.OnAttempt,
		stop:               make(chan struct{}),
	}
}

// RegisterCallback marks name as invocable by scheduled rows.
func (s *Scheduler) RegisterCallback(name string, fn CallbackFunc) {
	s.callbacks[name] = fn
}

// SetClassDefaults registers class-level retry defaults for a callback,
// consulted when a row has no per-row retry_options override.
func (s *Scheduler) SetClassDefaults(callback string, opts retry.Options) {
	s.classCache.Set(callback, opts)
}

// Schedule persists a new one-shot or cron row and re-arms the alarm if this
// row is now the earliest due. Returns the generated row id.
func (s *Scheduler) Schedule(ctx context.Context, when When, callback string, payload any, opts *retry.Options) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("scheduler: marshal payload: %w", err)
	}
	retryJSON, err := retry.Marshal(opts)
	if err != nil {
		return "", err
	}

	row := storage.Schedule{
		ID:           newRowID(),
		Callback:     callback,
		Payload:      string(payloadJSON),
		RetryOptions: retryJSON,
		CreatedAt:    s.clock.Now(),
	}

	switch {
	case when.At != nil:
		row.Type = string(TypeScheduled)
		row.Time = when.At.Unix()

	case when.DelayFromNow != nil:
		if *when.DelayFromNow < 0 {
			return "", errors.New("scheduler: delay must be non-negative")
		}
		delaySeconds := int64(when.DelayFromNow.Seconds())
		row.Type = string(TypeDelayed)
		row.DelayInSeconds = &delaySeconds
		row.Time = s.clock.Now().Add(*when.DelayFromNow).Unix()

	case when.Cron != "":
		schedule, err := cronParser.Parse(when.Cron)
		if err != nil {
			return "", fmt.Errorf("scheduler: invalid cron expression: %w", err)
		}
		row.Type = string(TypeCron)
		row.Cron = when.Cron
		row.Time = schedule.Next(s.clock.Now()).Unix()

	default:
		return "", errors.New("scheduler: when must set At, DelayFromNow, or Cron")
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("scheduler: create schedule row: %w", err)
	}

	s.rearm(ctx)
	return row.ID, nil
}

// ScheduleEvery persists a new interval row (→ interval).
func (s *Scheduler) ScheduleEvery(ctx context.Context, interval time.Duration, callback string, payload any, opts *retry.Options) (string, error) {
	if interval <= 0 || interval > MaxIntervalSeconds*time.Second {
		return "", fmt.Errorf("scheduler: interval must be positive and at most 30 days, got %s", interval)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("scheduler: marshal payload: %w", err)
	}
	retryJSON, err := retry.Marshal(opts)
	if err != nil {
		return "", err
	}

	intervalSeconds := int64(interval.Seconds())
	row := storage.Schedule{
		ID:              newRowID(),
		Callback:        callback,
		Payload:         string(payloadJSON),
		RetryOptions:    retryJSON,
		Type:            string(TypeInterval),
		IntervalSeconds: &intervalSeconds,
		Time:            s.clock.Now().Add(interval).Unix(),
		CreatedAt:       s.clock.Now(),
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("scheduler: create interval row: %w", err)
	}

	s.rearm(ctx)
	return row.ID, nil
}

// CancelSchedule deletes a row by id and re-arms the alarm.
func (s *Scheduler) CancelSchedule(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&storage.Schedule{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("scheduler: cancel schedule %s: %w", id, err)
	}
	s.rearm(ctx)
	return nil
}

// Start arms the first alarm and blocks, processing wakeups until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.rearm(ctx)
	for {
		var wake <-chan time.Time
		if s.timer != nil {
			wake = s.timer.Chan()
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-wake:
			s.fireAlarm(ctx)
		}
	}
}

// Stop halts the alarm loop.
func (s *Scheduler) Stop() {
	close(s.stop)
	if s.timer != nil {
		s.timer.Stop()
	}
}

// fireAlarm implements the alarm algorithm from spec §4.3.
func (s *Scheduler) fireAlarm(ctx context.Context) {
	now := s.clock.Now()

	var due []storage.Schedule
	if err := s.db.WithContext(ctx).
		Where("time <= ?", now.Unix()).
		Order("time asc").
		Find(&due).Error; err != nil {
		s.log.Error("scheduler: failed to read due rows", zap.Error(err))
		s.rearm(ctx)
		return
	}

	for _, row := range due {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}
		s.processRow(ctx, row, now)
	}

	s.rearm(ctx)
}

// processRow runs one due row through hang-detection, invocation, retry, and
// re-arming its next time (or deleting it, for one-shots).
func (s *Scheduler) processRow(ctx context.Context, row storage.Schedule, now time.Time) {
	if row.Type == string(TypeInterval) && row.Running {
		if row.ExecutionStartedAt != nil {
			elapsed := now.Unix() - *row.ExecutionStartedAt
			if elapsed < s.hungTimeoutSeconds {
				return // still within budget, leave it running
			}
			s.log.Warn("scheduler: interval schedule exceeded hang timeout, force-resetting",
				zap.String("schedule_id", row.ID), zap.Int64("elapsed_seconds", elapsed))
		}
	}

	if row.Type == string(TypeInterval) {
		startedAt := now.Unix()
		row.Running = true
		row.ExecutionStartedAt = &startedAt
		if err := s.db.WithContext(ctx).Model(&storage.Schedule{}).Where("id = ?", row.ID).
			Updates(map[string]any{"running": true, "execution_started_at": startedAt}).Error; err != nil {
			s.log.Error("scheduler: failed to mark interval running", zap.String("schedule_id", row.ID), zap.Error(err))
		}
	}

	fn, ok := s.callbacks[row.Callback]
	if !ok {
		s.log.Error("scheduler: callback does not resolve to a registered method",
			zap.String("schedule_id", row.ID), zap.String("callback", row.Callback))
		if s.onError != nil {
			s.onError(ctx, row, fmt.Errorf("scheduler: unknown callback %q", row.Callback))
		}
		// Advance/delete the row anyway so an unresolvable callback can't
		// pin the alarm into a tight re-fire loop every wake.
		s.advance(ctx, row, now)
		return
	}

	rowOpts, err := retry.ParseOptions(row.RetryOptions)
	if err != nil {
		s.log.Warn("scheduler: failed to parse retry_options, using defaults", zap.String("schedule_id", row.ID), zap.Error(err))
	}
	classOpts := s.classCache.Get(row.Callback)
	resolved := retry.Resolve(rowOpts, classOpts)

	onAttempt := func(attempt int, delay time.Duration, attemptErr error) {
		if s.onAttempt != nil {
			s.onAttempt(row.Callback, attempt, delay, attemptErr)
		}
	}

	payload := json.RawMessage(row.Payload)
	err = retry.Do(ctx, resolved, onAttempt, func(ctx context.Context) error {
		return fn(ctx, payload)
	})

	if err != nil {
		s.log.Error("scheduler: callback failed after retries", zap.String("schedule_id", row.ID), zap.Error(err))
		if s.onError != nil {
			s.onError(ctx, row, err)
		}
	}

	s.advance(ctx, row, now)
}

// advance implements the post-settle transition per type: cron rows get
// their next tick computed, interval rows clear `running` and push `time`
// forward by intervalSeconds, one-shot rows are deleted.
func (s *Scheduler) advance(ctx context.Context, row storage.Schedule, now time.Time) {
	switch Type(row.Type) {
	case TypeCron:
		schedule, err := cronParser.Parse(row.Cron)
		if err != nil {
			s.log.Error("scheduler: failed to reparse cron expression, deleting row", zap.String("schedule_id", row.ID), zap.Error(err))
			s.deleteRow(ctx, row.ID)
			return
		}
		next := schedule.Next(now).Unix()
		if err := s.db.WithContext(ctx).Model(&storage.Schedule{}).Where("id = ?", row.ID).
			Update("time", next).Error; err != nil {
			s.log.Error("scheduler: failed to advance cron row", zap.String("schedule_id", row.ID), zap.Error(err))
		}

	case TypeInterval:
		if row.IntervalSeconds == nil {
			s.log.Error("scheduler: interval row missing interval_seconds, deleting", zap.String("schedule_id", row.ID))
			s.deleteRow(ctx, row.ID)
			return
		}
		next := now.Unix() + *row.IntervalSeconds
		if err := s.db.WithContext(ctx).Model(&storage.Schedule{}).Where("id = ?", row.ID).
			Updates(map[string]any{"running": false, "execution_started_at": nil, "time": next}).Error; err != nil {
			s.log.Error("scheduler: failed to re-arm interval row", zap.String("schedule_id", row.ID), zap.Error(err))
		}

	default: // scheduled, delayed
		s.deleteRow(ctx, row.ID)
	}
}

func (s *Scheduler) deleteRow(ctx context.Context, id string) {
	if err := s.db.WithContext(ctx).Delete(&storage.Schedule{}, "id = ?", id).Error; err != nil {
		s.log.Error("scheduler: failed to delete schedule row", zap.String("schedule_id", id), zap.Error(err))
	}
}

// rearm computes the smallest future time across all remaining rows and
// resets the single alarm timer to fire at that instant.
func (s *Scheduler) rearm(ctx context.Context) {
	if s.timer != nil {
		s.timer.Stop()
	}

	var next storage.Schedule
	err := s.db.WithContext(ctx).Order("time asc").Limit(1).Find(&next).Error
	if err != nil || next.ID == "" {
		s.timer = nil
		return
	}

	now := s.clock.Now()
	wait := time.Unix(next.Time, 0).Sub(now)
	if wait < 0 {
		wait = 0
	}
	s.timer = s.clock.NewTimer(wait)
}

// newRowID generates a schedule row id. Ids are opaque and caller-facing
// only through CancelSchedule; uniqueness (not ordering) is all that matters
// here, unlike fiber/workflow ids which callers may supply.
func newRowID() string {
	return "sched_" + uuid.NewString()
}
