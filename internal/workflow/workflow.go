// Package workflow implements spec §4.6: a local mirror of the lifecycle of
// externally-executed workflows, giving the instance queryable, paginable
// history and lifecycle callbacks without executing workflow logic itself.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentcore-io/agentcore/internal/storage"
)

// Status values a tracking row can hold.
const (
	StatusQueued          = "queued"
	StatusRunning         = "running"
	StatusWaiting         = "waiting"
	StatusWaitingForPause = "waitingForPause"
	StatusPaused          = "paused"
	StatusErrored         = "errored"
	StatusTerminated      = "terminated"
	StatusComplete        = "complete"
)

// ErrDuplicateID is returned by RunWorkflow when the chosen workflow id
// already has a tracking row.
var ErrDuplicateID = errors.New("workflow: duplicate workflow id")

// ErrBindingNotFound is returned when name resolves to no registered binding.
var ErrBindingNotFound = errors.New("workflow: no binding registered for name")

// Binding is the external workflow runtime's surface for one named workflow
// type, resolved from the environment at RunWorkflow time — "resolves a
// named workflow binding from the environment (fails if missing)".
type Binding struct {
	Create      func(ctx context.Context, id string, params json.RawMessage) error
	SendEvent   func(ctx context.Context, id string, event json.RawMessage) error
	Terminate   func(ctx context.Context, id string) error
	Pause       func(ctx context.Context, id string) error
	Resume      func(ctx context.Context, id string) error
	Restart     func(ctx context.Context, id string) error
	FetchStatus func(ctx context.Context, id string) (status string, errName string, errMsg string, err error)
}

// Hooks mirror the spec's polymorphic lifecycle-override surface.
type Hooks struct {
	OnWorkflowEvent func(ctx context.Context, row storage.WorkflowTracking, event json.RawMessage)
}

// Criteria filters GetWorkflows/DeleteWorkflows and paginates via a keyset
// cursor on (created_at, workflow_id), matching SQL ORDER BY created_at,
// workflow_id.
type Criteria struct {
	WorkflowName string
	Status       string
	Limit        int
	Cursor       string // opaque, produced by Page.NextCursor
}

// Page is one page of workflow rows plus the cursor to fetch the next page,
// empty when there is no more data.
type Page struct {
	Rows       []storage.WorkflowTracking
	NextCursor string
}

type cursorPayload struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// Tracker owns the WorkflowTracking table and dispatches to external
// bindings through a circuit breaker per binding name.
type Tracker struct {
	db       *gorm.DB
	log      *zap.Logger
	hooks    Hooks
	bindings map[string]Binding
	breakers map[string]*gobreaker.CircuitBreaker
}

// Config carries the hooks a Tracker is wired with.
type Config struct {
	Hooks Hooks
}

// New constructs a Tracker.
func New(db *gorm.DB, log *zap.Logger, cfg Config) *Tracker {
	return &Tracker{
		db:       db,
		log:      log,
		hooks:    cfg.Hooks,
		bindings: make(map[string]Binding),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// RegisterBinding makes name resolvable by RunWorkflow and friends.
// To rename a binding, including the workflow_name of already-tracked rows,
// use MigrateWorkflowBinding (spec §4.6: "migrateWorkflowBinding(old,new)").
func (t *Tracker) RegisterBinding(name string, b Binding) {
	t.bindings[name] = b
	t.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "workflow:" + name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// MigrateWorkflowBinding repoints workflow_name on every tracking row from
// old to new, and rebinds old's registered Binding under new if new has none
// registered yet.
func (t *Tracker) MigrateWorkflowBinding(ctx context.Context, oldName, newName string) error {
	if b, ok := t.bindings[oldName]; ok {
		if _, exists := t.bindings[newName]; !exists {
			t.RegisterBinding(newName, b)
		}
	}
	if err := t.db.WithContext(ctx).Model(&storage.WorkflowTracking{}).
		Where("workflow_name = ?", oldName).
		Update("workflow_name", newName).Error; err != nil {
		return fmt.Errorf("workflow: migrate binding %s->%s: %w", oldName, newName, err)
	}
	return nil
}

func (t *Tracker) call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	breaker, ok := t.breakers[name]
	if !ok {
		return fn(ctx)
	}
	_, err := breaker.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// RunWorkflow resolves the named binding, injects identity fields into
// params, creates the external workflow under the chosen (or generated) id,
// and inserts a tracking row with status=queued.
func (t *Tracker) RunWorkflow(ctx context.Context, name string, params map[string]any, id string, metadata map[string]any) (string, error) {
	binding, ok := t.bindings[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrBindingNotFound, name)
	}
	if id == "" {
		id = "wf_" + uuid.NewString()
	}

	var existing storage.WorkflowTracking
	err := t.db.WithContext(ctx).First(&existing, "workflow_id = ?", id).Error
	if err == nil {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("workflow: check duplicate: %w", err)
	}

	if params == nil {
		params = map[string]any{}
	}
	params["workflowId"] = id
	params["workflowName"] = name
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("workflow: marshal params: %w", err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("workflow: marshal metadata: %w", err)
	}

	if err := t.call(ctx, name, func(ctx context.Context) error {
		return binding.Create(ctx, id, paramsJSON)
	}); err != nil {
		return "", fmt.Errorf("workflow: create %s: %w", id, err)
	}

	now := time.Now()
	row := storage.WorkflowTracking{
		ID:           "wfrow_" + uuid.NewString(),
		WorkflowID:   id,
		WorkflowName: name,
		Status:       StatusQueued,
		Metadata:     string(metaJSON),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("workflow: insert tracking row: %w", err)
	}
	return id, nil
}

// SendWorkflowEvent forwards an opaque event to the external workflow.
func (t *Tracker) SendWorkflowEvent(ctx context.Context, name, workflowID string, event json.RawMessage) error {
	binding, ok := t.bindings[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBindingNotFound, name)
	}
	return t.call(ctx, name, func(ctx context.Context) error {
		return binding.SendEvent(ctx, workflowID, event)
	})
}

// ApproveWorkflow sends a structured {type:"approval", payload:{approved:true}} event.
func (t *Tracker) ApproveWorkflow(ctx context.Context, name, workflowID string, extra map[string]any) error {
	return t.sendApproval(ctx, name, workflowID, true, extra)
}

// RejectWorkflow sends a structured {type:"approval", payload:{approved:false}} event.
func (t *Tracker) RejectWorkflow(ctx context.Context, name, workflowID string, extra map[string]any) error {
	return t.sendApproval(ctx, name, workflowID, false, extra)
}

func (t *Tracker) sendApproval(ctx context.Context, name, workflowID string, approved bool, extra map[string]any) error {
	payload := map[string]any{"approved": approved}
	for k, v := range extra {
		payload[k] = v
	}
	event, err := json.Marshal(map[string]any{"type": "approval", "payload": payload})
	if err != nil {
		return fmt.Errorf("workflow: marshal approval event: %w", err)
	}
	return t.SendWorkflowEvent(ctx, name, workflowID, event)
}

// terminalOp forwards op to the external runtime, then polls status and
// updates the local row on success — "on success, poll external status and
// update the local row".
func (t *Tracker) terminalOp(ctx context.Context, name, workflowID string, op func(ctx context.Context) error, resetTracking bool) error {
	binding, ok := t.bindings[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBindingNotFound, name)
	}
	if err := t.call(ctx, name, op); err != nil {
		return err
	}

	status, errName, errMsg, err := binding.FetchStatus(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("workflow: fetch status for %s: %w", workflowID, err)
	}

	updates := map[string]any{"status": status, "updated_at": time.Now()}
	if resetTracking {
		updates["error_name"] = ""
		updates["error_message"] = ""
	} else {
		updates["error_name"] = errName
		updates["error_message"] = errMsg
	}

	return t.db.WithContext(ctx).Model(&storage.WorkflowTracking{}).
		Where("workflow_id = ?", workflowID).Updates(updates).Error
}

// TerminateWorkflow forwards the external terminate operation.
func (t *Tracker) TerminateWorkflow(ctx context.Context, name, workflowID string) error {
	return t.terminalOp(ctx, name, workflowID, func(ctx context.Context) error {
		return t.bindings[name].Terminate(ctx, workflowID)
	}, false)
}

// PauseWorkflow forwards the external pause operation.
func (t *Tracker) PauseWorkflow(ctx context.Context, name, workflowID string) error {
	return t.terminalOp(ctx, name, workflowID, func(ctx context.Context) error {
		return t.bindings[name].Pause(ctx, workflowID)
	}, false)
}

// ResumeWorkflow forwards the external resume operation.
func (t *Tracker) ResumeWorkflow(ctx context.Context, name, workflowID string) error {
	return t.terminalOp(ctx, name, workflowID, func(ctx context.Context) error {
		return t.bindings[name].Resume(ctx, workflowID)
	}, false)
}

// RestartWorkflow forwards the external restart operation. When
// resetTracking is true, error fields are cleared on the local row, per
// "restart optionally resets tracking fields".
func (t *Tracker) RestartWorkflow(ctx context.Context, name, workflowID string, resetTracking bool) error {
	return t.terminalOp(ctx, name, workflowID, func(ctx context.Context) error {
		return t.bindings[name].Restart(ctx, workflowID)
	}, resetTracking)
}

// CallbackEvent is the shape of an inbound onWorkflowCallback payload from
// the external runtime.
type CallbackEvent struct {
	Type       string          `json:"type"` // progress|complete|error|event
	WorkflowID string          `json:"workflowId"`
	Error      *CallbackError  `json:"error,omitempty"`
	Event      json.RawMessage `json:"event,omitempty"`
}

// CallbackError carries the external runtime's error name/message.
type CallbackError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

var terminalOrPaused = map[string]bool{
	StatusTerminated: true,
	StatusPaused:     true,
}

// OnWorkflowCallback is the ingress point from the external runtime. Each
// branch transitions the local row's status per spec §4.6 and dispatches a
// user-overridable hook (only the "event" branch has one: OnWorkflowEvent).
func (t *Tracker) OnWorkflowCallback(ctx context.Context, cb CallbackEvent) error {
	var row storage.WorkflowTracking
	if err := t.db.WithContext(ctx).First(&row, "workflow_id = ?", cb.WorkflowID).Error; err != nil {
		return fmt.Errorf("workflow: callback for unknown workflow %s: %w", cb.WorkflowID, err)
	}

	switch cb.Type {
	case "progress":
		if row.Status == StatusQueued || row.Status == StatusWaiting {
			return t.setStatus(ctx, cb.WorkflowID, StatusRunning)
		}
		return nil
	case "complete":
		if terminalOrPaused[row.Status] {
			return nil
		}
		return t.setStatus(ctx, cb.WorkflowID, StatusComplete)
	case "error":
		if terminalOrPaused[row.Status] {
			return nil
		}
		name, msg := "", ""
		if cb.Error != nil {
			name, msg = cb.Error.Name, cb.Error.Message
		}
		return t.db.WithContext(ctx).Model(&storage.WorkflowTracking{}).
			Where("workflow_id = ?", cb.WorkflowID).
			Updates(map[string]any{"status": StatusErrored, "error_name": name, "error_message": msg, "updated_at": time.Now()}).Error
	case "event":
		if t.hooks.OnWorkflowEvent != nil {
			t.hooks.OnWorkflowEvent(ctx, row, cb.Event)
		}
		return nil
	default:
		return fmt.Errorf("workflow: unknown callback type %q", cb.Type)
	}
}

func (t *Tracker) setStatus(ctx context.Context, workflowID, status string) error {
	return t.db.WithContext(ctx).Model(&storage.WorkflowTracking{}).
		Where("workflow_id = ?", workflowID).
		Updates(map[string]any{"status": status, "updated_at": time.Now()}).Error
}

// GetWorkflow reads a single tracking row by its external workflow id.
func (t *Tracker) GetWorkflow(ctx context.Context, workflowID string) (*storage.WorkflowTracking, error) {
	var row storage.WorkflowTracking
	if err := t.db.WithContext(ctx).First(&row, "workflow_id = ?", workflowID).Error; err != nil {
		return nil, fmt.Errorf("workflow: get %s: %w", workflowID, err)
	}
	return &row, nil
}

// GetWorkflows queries with keyset pagination. The cursor encodes
// (created_at, workflow_id) and fetches limit+1 rows to derive a next-cursor, per
// spec §4.6.
func (t *Tracker) GetWorkflows(ctx context.Context, criteria Criteria) (Page, error) {
	limit := criteria.Limit
	if limit <= 0 {
		limit = 50
	}

	q := t.db.WithContext(ctx).Model(&storage.WorkflowTracking{})
	if criteria.WorkflowName != "" {
		q = q.Where("workflow_name = ?", criteria.WorkflowName)
	}
	if criteria.Status != "" {
		q = q.Where("status = ?", criteria.Status)
	}
	if criteria.Cursor != "" {
		cur, err := decodeCursor(criteria.Cursor)
		if err != nil {
			return Page{}, err
		}
		q = q.Where("(created_at, workflow_id) > (?, ?)", cur.CreatedAt, cur.ID)
	}

	var rows []storage.WorkflowTracking
	if err := q.Order("created_at asc, workflow_id asc").Limit(limit + 1).Find(&rows).Error; err != nil {
		return Page{}, fmt.Errorf("workflow: get workflows: %w", err)
	}

	page := Page{Rows: rows}
	if len(rows) > limit {
		page.Rows = rows[:limit]
		last := page.Rows[limit-1]
		cursor, err := encodeCursor(cursorPayload{CreatedAt: last.CreatedAt, ID: last.WorkflowID})
		if err != nil {
			return Page{}, err
		}
		page.NextCursor = cursor
	}
	return page, nil
}

func encodeCursor(c cursorPayload) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("workflow: encode cursor: %w", err)
	}
	return string(b), nil
}

func decodeCursor(raw string) (cursorPayload, error) {
	var c cursorPayload
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return cursorPayload{}, fmt.Errorf("workflow: decode cursor: %w", err)
	}
	return c, nil
}

// DeleteWorkflow removes a single tracking row by external workflow id.
func (t *Tracker) DeleteWorkflow(ctx context.Context, workflowID string) error {
	if err := t.db.WithContext(ctx).Delete(&storage.WorkflowTracking{}, "workflow_id = ?", workflowID).Error; err != nil {
		return fmt.Errorf("workflow: delete %s: %w", workflowID, err)
	}
	return nil
}

// DeleteWorkflows removes every row matching criteria (WorkflowName/Status
// act as a filter; pagination fields are ignored).
func (t *Tracker) DeleteWorkflows(ctx context.Context, criteria Criteria) (int64, error) {
	q := t.db.WithContext(ctx).Model(&storage.WorkflowTracking{})
	if criteria.WorkflowName != "" {
		q = q.Where("workflow_name = ?", criteria.WorkflowName)
	}
	if criteria.Status != "" {
		q = q.Where("status = ?", criteria.Status)
	}
	res := q.Delete(&storage.WorkflowTracking{})
	if res.Error != nil {
		return 0, fmt.Errorf("workflow: delete workflows: %w", res.Error)
	}
	return res.RowsAffected, nil
}
