package workflow_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/agentcore-io/agentcore/internal/storage"
	"github.com/agentcore-io/agentcore/internal/workflow"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(storage.Config{Driver: "sqlite", DSN: "file::memory:?cache=shared", Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	return db
}

func stubBinding(created *[]string) workflow.Binding {
	return workflow.Binding{
		Create: func(ctx context.Context, id string, params json.RawMessage) error {
			*created = append(*created, id)
			return nil
		},
		SendEvent:   func(ctx context.Context, id string, event json.RawMessage) error { return nil },
		Terminate:   func(ctx context.Context, id string) error { return nil },
		Pause:       func(ctx context.Context, id string) error { return nil },
		Resume:      func(ctx context.Context, id string) error { return nil },
		Restart:     func(ctx context.Context, id string) error { return nil },
		FetchStatus: func(ctx context.Context, id string) (string, string, string, error) { return workflow.StatusPaused, "", "", nil },
	}
}

func TestRunWorkflow_InsertsQueuedRowAndRejectsDuplicateID(t *testing.T) {
	db := newTestDB(t)
	var created []string
	tr := workflow.New(db, zaptest.NewLogger(t), workflow.Config{})
	tr.RegisterBinding("onboarding", stubBinding(&created))

	id, err := tr.RunWorkflow(context.Background(), "onboarding", map[string]any{"x": 1}, "wf_fixed", nil)
	require.NoError(t, err)
	require.Equal(t, "wf_fixed", id)
	require.Equal(t, []string{"wf_fixed"}, created)

	row, err := tr.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusQueued, row.Status)

	_, err = tr.RunWorkflow(context.Background(), "onboarding", nil, "wf_fixed", nil)
	require.ErrorIs(t, err, workflow.ErrDuplicateID)
}

func TestRunWorkflow_UnknownBindingFails(t *testing.T) {
	db := newTestDB(t)
	tr := workflow.New(db, zaptest.NewLogger(t), workflow.Config{})

	_, err := tr.RunWorkflow(context.Background(), "missing", nil, "", nil)
	require.ErrorIs(t, err, workflow.ErrBindingNotFound)
}

func TestOnWorkflowCallback_ProgressThenCompleteTransitions(t *testing.T) {
	db := newTestDB(t)
	var created []string
	tr := workflow.New(db, zaptest.NewLogger(t), workflow.Config{})
	tr.RegisterBinding("onboarding", stubBinding(&created))

	id, err := tr.RunWorkflow(context.Background(), "onboarding", nil, "", nil)
	require.NoError(t, err)

	require.NoError(t, tr.OnWorkflowCallback(context.Background(), workflow.CallbackEvent{Type: "progress", WorkflowID: id}))
	row, err := tr.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusRunning, row.Status)

	require.NoError(t, tr.OnWorkflowCallback(context.Background(), workflow.CallbackEvent{Type: "complete", WorkflowID: id}))
	row, err = tr.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusComplete, row.Status)
}

func TestOnWorkflowCallback_ErrorIgnoredWhenPausedAfterTerminate(t *testing.T) {
	db := newTestDB(t)
	var created []string
	tr := workflow.New(db, zaptest.NewLogger(t), workflow.Config{})
	tr.RegisterBinding("onboarding", stubBinding(&created))

	id, err := tr.RunWorkflow(context.Background(), "onboarding", nil, "", nil)
	require.NoError(t, err)
	require.NoError(t, tr.TerminateWorkflow(context.Background(), "onboarding", id))

	row, err := tr.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusPaused, row.Status, "FetchStatus stub always reports paused")

	require.NoError(t, tr.OnWorkflowCallback(context.Background(), workflow.CallbackEvent{
		Type: "error", WorkflowID: id, Error: &workflow.CallbackError{Name: "Boom", Message: "boom"},
	}))

	row, err = tr.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusPaused, row.Status, "error callback must be ignored once the row is in a paused/terminated state")
}

func TestOnWorkflowCallback_EventDispatchesHookOnly(t *testing.T) {
	db := newTestDB(t)
	var created []string
	var gotEvent json.RawMessage
	tr := workflow.New(db, zaptest.NewLogger(t), workflow.Config{
		Hooks: workflow.Hooks{
			OnWorkflowEvent: func(ctx context.Context, row storage.WorkflowTracking, event json.RawMessage) { gotEvent = event },
		},
	})
	tr.RegisterBinding("onboarding", stubBinding(&created))

	id, err := tr.RunWorkflow(context.Background(), "onboarding", nil, "", nil)
	require.NoError(t, err)

	require.NoError(t, tr.OnWorkflowCallback(context.Background(), workflow.CallbackEvent{
		Type: "event", WorkflowID: id, Event: json.RawMessage(`{"step":1}`),
	}))
	require.JSONEq(t, `{"step":1}`, string(gotEvent))

	row, err := tr.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusQueued, row.Status, "event callback must not change status")
}

func TestGetWorkflows_KeysetPaginationCoversAllRowsInOrder(t *testing.T) {
	db := newTestDB(t)
	var created []string
	tr := workflow.New(db, zaptest.NewLogger(t), workflow.Config{})
	tr.RegisterBinding("onboarding", stubBinding(&created))

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := tr.RunWorkflow(context.Background(), "onboarding", nil, "", nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var gathered []string
	cursor := ""
	for {
		page, err := tr.GetWorkflows(context.Background(), workflow.Criteria{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, r := range page.Rows {
			gathered = append(gathered, r.WorkflowID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	require.Equal(t, ids, gathered, "keyset pagination must return every row exactly once in created order")
}

func TestMigrateWorkflowBinding_RepointsTrackingRows(t *testing.T) {
	db := newTestDB(t)
	var created []string
	tr := workflow.New(db, zaptest.NewLogger(t), workflow.Config{})
	tr.RegisterBinding("legacyName", stubBinding(&created))

	id, err := tr.RunWorkflow(context.Background(), "legacyName", nil, "", nil)
	require.NoError(t, err)

	require.NoError(t, tr.MigrateWorkflowBinding(context.Background(), "legacyName", "newName"))

	row, err := tr.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "newName", row.WorkflowName)

	require.NoError(t, tr.SendWorkflowEvent(context.Background(), "newName", id, json.RawMessage(`{}`)))
}

func TestDeleteWorkflows_RemovesOnlyMatchingStatus(t *testing.T) {
	db := newTestDB(t)
	var created []string
	tr := workflow.New(db, zaptest.NewLogger(t), workflow.Config{})
	tr.RegisterBinding("onboarding", stubBinding(&created))

	id1, err := tr.RunWorkflow(context.Background(), "onboarding", nil, "", nil)
	require.NoError(t, err)
	id2, err := tr.RunWorkflow(context.Background(), "onboarding", nil, "", nil)
	require.NoError(t, err)
	require.NoError(t, tr.OnWorkflowCallback(context.Background(), workflow.CallbackEvent{Type: "complete", WorkflowID: id2}))

	removed, err := tr.DeleteWorkflows(context.Background(), workflow.Criteria{Status: workflow.StatusComplete})
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	_, err = tr.GetWorkflow(context.Background(), id1)
	require.NoError(t, err)
	_, err = tr.GetWorkflow(context.Background(), id2)
	require.Error(t, err)
}
