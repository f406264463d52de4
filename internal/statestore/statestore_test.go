package statestore_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/agentcore-io/agentcore/internal/statestore"
	"github.com/agentcore-io/agentcore/internal/storage"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(storage.Config{
		Driver: "sqlite",
		DSN:    "file::memory:?cache=shared",
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	return db
}

type fakeBroadcaster struct {
	calls []struct {
		state  json.RawMessage
		source string
	}
}

func (f *fakeBroadcaster) BroadcastState(state json.RawMessage, excludeSource string) {
	f.calls = append(f.calls, struct {
		state  json.RawMessage
		source string
	}{state, excludeSource})
}

func TestState_HydratesInitialStateOnFirstRead(t *testing.T) {
	db := newTestDB(t)
	initial := json.RawMessage(`{"count":0}`)
	store := statestore.New(db, zaptest.NewLogger(t), initial, statestore.Hooks{}, nil)

	got, err := store.State(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{"count":0}`, string(got), "first read with no prior write returns (and persists) the configured initial state")
}

func TestSetState_RejectsReadonly(t *testing.T) {
	db := newTestDB(t)
	store := statestore.New(db, zaptest.NewLogger(t), nil, statestore.Hooks{}, nil)

	err := store.SetState(context.Background(), json.RawMessage(`{"count":1}`), "conn-a", true)
	require.ErrorIs(t, err, statestore.ErrReadonly)
}

func TestSetState_ValidationRejectionBlocksPersistAndBroadcast(t *testing.T) {
	db := newTestDB(t)
	bc := &fakeBroadcaster{}
	hooks := statestore.Hooks{
		ValidateStateChange: func(ctx context.Context, next json.RawMessage, source string) error {
			return errValidation
		},
	}
	store := statestore.New(db, zaptest.NewLogger(t), nil, hooks, bc)

	err := store.SetState(context.Background(), json.RawMessage(`{"count":-1}`), "conn-a", false)

	var valErr *statestore.ValidationError
	require.ErrorAs(t, err, &valErr)
	require.Empty(t, bc.calls, "no broadcast occurs iff persist occurred")

	got, err := store.State(context.Background())
	require.NoError(t, err)
	require.Nil(t, got, "rejected state must never persist")
}

func TestSetState_PersistsAndBroadcastsOnSuccess(t *testing.T) {
	db := newTestDB(t)
	bc := &fakeBroadcaster{}
	store := statestore.New(db, zaptest.NewLogger(t), nil, statestore.Hooks{}, bc)

	next := json.RawMessage(`{"count":1}`)
	err := store.SetState(context.Background(), next, "conn-a", false)
	require.NoError(t, err)

	require.Len(t, bc.calls, 1)
	require.Equal(t, "conn-a", bc.calls[0].source, "broadcast must exclude the originating connection")
	require.JSONEq(t, string(next), string(bc.calls[0].state))

	got, err := store.State(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, string(next), string(got))

	changed, err := store.WasChanged(context.Background())
	require.NoError(t, err)
	require.True(t, changed)
}

func TestSetState_PanickingOnStateChangedHookRoutesToOnError(t *testing.T) {
	db := newTestDB(t)

	var mu sync.Mutex
	var gotErr error
	hooks := statestore.Hooks{
		OnStateChanged: func(next json.RawMessage) {
			panic("boom")
		},
		OnError: func(ctx context.Context, err error) {
			mu.Lock()
			defer mu.Unlock()
			gotErr = err
		},
	}
	store := statestore.New(db, zaptest.NewLogger(t), nil, hooks, nil)

	err := store.SetState(context.Background(), json.RawMessage(`{"count":1}`), "conn-a", false)
	require.NoError(t, err, "the setState call itself must succeed even though the hook panics")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotErr != nil
	}, time.Second, 10*time.Millisecond)

	got, stateErr := store.State(context.Background())
	require.NoError(t, stateErr)
	require.JSONEq(t, `{"count":1}`, string(got), "the state change must remain committed despite the hook panic")
}

func TestClear_RemovesStateRows(t *testing.T) {
	db := newTestDB(t)
	store := statestore.New(db, zaptest.NewLogger(t), nil, statestore.Hooks{}, nil)

	require.NoError(t, store.SetState(context.Background(), json.RawMessage(`{"count":1}`), "", false))
	require.NoError(t, store.Clear(context.Background()))

	got, err := store.State(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)
}

var errValidation = validationErr("count must not be -1")

type validationErr string

func (e validationErr) Error() string { return string(e) }
