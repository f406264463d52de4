package agent_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/agentcore-io/agentcore/internal/agent"
	"github.com/agentcore-io/agentcore/internal/storage"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(storage.Config{Driver: "sqlite", DSN: "file::memory:?cache=shared", Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	return db
}

func TestNew_WiresAllComponentsAndAppliesDefaults(t *testing.T) {
	db := newTestDB(t)
	inst, err := agent.New(db, zaptest.NewLogger(t), agent.Config{Name: "test-instance"})
	require.NoError(t, err)

	require.NotNil(t, inst.State)
	require.NotNil(t, inst.Registry)
	require.NotNil(t, inst.Scheduler)
	require.NotNil(t, inst.Queue)
	require.NotNil(t, inst.Fiber)
	require.NotNil(t, inst.Workflow)
	require.False(t, inst.TokenCheck.Enabled())
}

func TestInstance_StartAndStop(t *testing.T) {
	db := newTestDB(t)
	inst, err := agent.New(db, zaptest.NewLogger(t), agent.Config{Name: "test-instance"})
	require.NoError(t, err)

	require.NoError(t, inst.Start(context.Background()))
	inst.Stop()
}

func TestInstance_DestroyDropsTablesAndMarksDestroyed(t *testing.T) {
	db := newTestDB(t)
	inst, err := agent.New(db, zaptest.NewLogger(t), agent.Config{Name: "test-instance"})
	require.NoError(t, err)
	require.NoError(t, inst.Start(context.Background()))

	require.False(t, inst.Destroyed())
	require.NoError(t, inst.Destroy(context.Background()))
	require.True(t, inst.Destroyed())

	require.False(t, db.Migrator().HasTable(&storage.StateRow{}))
}

func TestInstance_SetStatePersistsAndReadsBack(t *testing.T) {
	db := newTestDB(t)
	inst, err := agent.New(db, zaptest.NewLogger(t), agent.Config{Name: "test-instance"})
	require.NoError(t, err)
	require.NoError(t, inst.Start(context.Background()))
	t.Cleanup(inst.Stop)

	require.NoError(t, inst.State.SetState(context.Background(), []byte(`{"count":1}`), "conn-a", false))

	got, err := inst.State.State(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{"count":1}`, string(got))
}
