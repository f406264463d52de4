// Package agent wires the State Store, Connection Registry, Scheduler, Task
// Queue, Fiber Engine, and Workflow Tracker into one Instance: a named,
// per-key actor with its own embedded SQL store and single-wake alarm
// clock (spec §1/§9 "Single-writer SQL & hibernation").
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentcore-io/agentcore/internal/auth"
	"github.com/agentcore-io/agentcore/internal/connection"
	"github.com/agentcore-io/agentcore/internal/fiber"
	"github.com/agentcore-io/agentcore/internal/queue"
	"github.com/agentcore-io/agentcore/internal/retry"
	"github.com/agentcore-io/agentcore/internal/scheduler"
	"github.com/agentcore-io/agentcore/internal/statestore"
	"github.com/agentcore-io/agentcore/internal/storage"
	"github.com/agentcore-io/agentcore/internal/workflow"
)

// Hooks aggregates the full polymorphic capability set spec §9 lists as
// overridable by a subclass: state validation/notification, fiber recovery,
// workflow events, connection capability policy, and a generic
// catch-all error hook. Each field is optional.
type Hooks struct {
	ValidateStateChange func(ctx context.Context, next json.RawMessage, source string) error
	OnStateChanged      func(next json.RawMessage)

	OnFiberComplete   func(ctx context.Context, row storage.Fiber)
	OnFiberRecovered  func(ctx context.Context, row storage.Fiber)
	OnFibersRecovered func(ctx context.Context, batch []storage.Fiber)

	OnWorkflowEvent func(ctx context.Context, row storage.WorkflowTracking, event json.RawMessage)

	ShouldConnectionBeReadonly func(r *http.Request) bool
	ShouldSendProtocolMessages func(r *http.Request) bool

	// OnError is the default error sink for schedule/queue callback failures
	// that have exhausted retries. Spec §7: "onError is user-overridable and
	// may re-throw; the default re-throws" — since there is no caller left
	// to propagate to once a background retry loop gives up, the failure is
	// always logged at error level and then, if set, passed to this hook to
	// observe. The hook returns nothing, so it cannot change the outcome.
	OnError func(ctx context.Context, source string, callback string, err error)
}

// Config carries the per-class static options from spec §6.
type Config struct {
	Name string // the instance's own actor name, used as a logging field

	// New does not default these two; their zero value is false. agentd's
	// flags default both to true.
	Hibernate             bool
	SendIdentityOnConnect bool

	HungScheduleTimeoutSeconds int64 // default 30

	// Retry defaults to (3, 100, 3000). New stores it but passes it to no
	// component: the scheduler and queue resolve retries against
	// retry.Defaults and their own per-callback class defaults.
	Retry retry.Options

	// AuthToken gates the admin REST/WS surface. Empty disables the check.
	AuthToken string

	InitialState json.RawMessage

	Hooks Hooks
}

func (c *Config) applyDefaults() {
	if c.HungScheduleTimeoutSeconds <= 0 {
		c.HungScheduleTimeoutSeconds = 30
	}
	if c.Retry == (retry.Options{}) {
		c.Retry = retry.Defaults
	}
}

// Instance is one named actor combining all six core components over a
// single embedded SQL store.
type Instance struct {
	Name string

	DB  *gorm.DB
	log *zap.Logger

	State      *statestore.Store
	Registry   *connection.Registry
	Methods    *connection.Methods
	Scheduler  *scheduler.Scheduler
	Queue      *queue.Queue
	Fiber      *fiber.Engine
	Workflow   *workflow.Tracker
	TokenCheck *auth.TokenChecker

	hooks Hooks
	cfg   Config

	destroyed    atomic.Bool
	registryDone chan struct{}
	startedAt    time.Time
}

// New builds an Instance over an already-open *gorm.DB (see
// internal/storage.Open). Call Start to begin the alarm clock, heartbeat,
// and connection registry event loop.
func New(db *gorm.DB, log *zap.Logger, cfg Config) (*Instance, error) {
	cfg.applyDefaults()
	log = log.Named("agent").With(zap.String("instance", cfg.Name))

	inst := &Instance{
		Name:         cfg.Name,
		DB:           db,
		log:          log,
		hooks:        cfg.Hooks,
		cfg:          cfg,
		registryDone: make(chan struct{}),
	}

	inst.Registry = connection.NewRegistry(log)
	inst.Methods = connection.NewMethods()
	inst.TokenCheck = auth.NewTokenChecker(cfg.AuthToken)

	inst.State = statestore.New(db, log, cfg.InitialState, statestore.Hooks{
		ValidateStateChange: cfg.Hooks.ValidateStateChange,
		OnStateChanged:      cfg.Hooks.OnStateChanged,
		OnError: func(ctx context.Context, err error) {
			inst.reportError(ctx, "statestore", "onStateChanged", err)
		},
	}, inst.Registry)

	inst.Scheduler = scheduler.New(db, clockwork.NewRealClock(), log, scheduler.Config{
		HungTimeoutSeconds: cfg.HungScheduleTimeoutSeconds,
		OnError: func(ctx context.Context, row storage.Schedule, err error) {
			inst.reportError(ctx, "schedule", row.Callback, err)
		},
	})

	inst.Queue = queue.New(db, log, queue.Config{
		OnError: func(ctx context.Context, row storage.QueueItem, err error) {
			inst.reportError(ctx, "queue", row.Callback, err)
		},
	})

	fiberEngine, err := fiber.New(db, log, fiber.Config{
		Hooks: fiber.Hooks{
			OnFiberComplete:   cfg.Hooks.OnFiberComplete,
			OnFiberRecovered:  cfg.Hooks.OnFiberRecovered,
			OnFibersRecovered: cfg.Hooks.OnFibersRecovered,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("agent: failed to build fiber engine: %w", err)
	}
	inst.Fiber = fiberEngine

	inst.Workflow = workflow.New(db, log, workflow.Config{
		Hooks: workflow.Hooks{OnWorkflowEvent: cfg.Hooks.OnWorkflowEvent},
	})

	return inst, nil
}

func (inst *Instance) reportError(ctx context.Context, source, callback string, err error) {
	inst.log.Error("agent: callback failed after retries",
		zap.String("source", source), zap.String("callback", callback), zap.Error(err))
	if inst.hooks.OnError != nil {
		inst.hooks.OnError(ctx, source, callback, err)
	}
}

// Start begins the alarm clock, fiber heartbeat, and connection registry
// event loop. Must be called once before any connection Accepts or
// schedules fire.
func (inst *Instance) Start(ctx context.Context) error {
	inst.startedAt = time.Now()
	go inst.Registry.Run(inst.registryDone)

	go inst.Scheduler.Start(ctx)

	if err := inst.Fiber.Start(ctx); err != nil {
		return fmt.Errorf("agent: failed to start fiber engine: %w", err)
	}

	return nil
}

// Stop halts the alarm clock, heartbeat, and connection registry without
// destroying persisted state. Safe to call once.
func (inst *Instance) Stop() {
	inst.Scheduler.Stop()
	_ = inst.Fiber.Stop()
	close(inst.registryDone)
}

// Destroyed reports whether Destroy has already run — "any subsequent
// alarm handler exits early" (spec §5).
func (inst *Instance) Destroyed() bool {
	return inst.destroyed.Load()
}

// Destroy stops all timers, drops all five owned tables, and marks the
// instance unusable. Per spec §3/§7: "Fatal: destroy marks the instance
// unusable; all subsequent timer handlers short-circuit."
func (inst *Instance) Destroy(ctx context.Context) error {
	if !inst.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	inst.Stop()
	if err := storage.DropAll(inst.DB); err != nil {
		return fmt.Errorf("agent: destroy: %w", err)
	}
	return nil
}

// AcceptConnection upgrades an HTTP request into a registered connection,
// applying the instance's readonly/no-protocol policy hooks and sending the
// connect-time identity/state/mcp sequence, per spec §4.2/§6.
func (inst *Instance) AcceptConnection(ctx context.Context, w http.ResponseWriter, r *http.Request, id string, mcpSnapshot json.RawMessage) (*connection.Conn, error) {
	if inst.Destroyed() {
		return nil, fmt.Errorf("agent: instance %s is destroyed", inst.Name)
	}

	policy := connection.Policy{
		ShouldBeReadonly:      inst.hooks.ShouldConnectionBeReadonly,
		ShouldSendProtocol:    inst.hooks.ShouldSendProtocolMessages,
		SendIdentityOnConnect: inst.cfg.SendIdentityOnConnect,
	}

	conn, err := connection.Accept(inst.Registry, inst.Methods, w, r, id, policy, inst.log)
	if err != nil {
		return nil, fmt.Errorf("agent: accept connection: %w", err)
	}

	identity, _ := json.Marshal(map[string]string{"name": inst.Name})
	state, _ := inst.State.State(ctx)
	conn.ConnectSequence(inst.cfg.SendIdentityOnConnect, identity, state, mcpSnapshot)

	return conn, nil
}

// RunConnection blocks serving one connection's read/write pumps, routing
// inbound state-update frames through the instance's own State Store with
// the connection's id as broadcast source.
func (inst *Instance) RunConnection(ctx context.Context, conn *connection.Conn) {
	conn.Run(ctx, func(ctx context.Context, c *connection.Conn, next json.RawMessage) error {
		return inst.State.SetState(ctx, next, c.ID(), c.IsReadonly())
	})
}

// Uptime is exposed for the admin metrics surface as a coarse liveness
// signal measured since Start.
func (inst *Instance) Uptime() time.Duration {
	if inst.startedAt.IsZero() {
		return 0
	}
	return time.Since(inst.startedAt)
}
