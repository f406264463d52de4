// Package statestore implements the per-instance keyed state blob described
// in spec §4.1: a single persisted JSON value with change broadcasts,
// validation, and a post-persist notification hook. It is deliberately the
// smallest package in the runtime — two rows, two columns — but its ordering
// guarantees (validate, then persist, then broadcast, then notify, each
// strictly gated on the previous step succeeding) are load-bearing for every
// connected client's view of instance state.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentcore-io/agentcore/internal/storage"
)

// ErrReadonly is returned by SetState when the caller identifies as a
// readonly connection (spec §4.1: "rejected when called from a connection
// flagged readonly").
var ErrReadonly = errors.New("statestore: setState rejected, connection is readonly")

// ValidationError wraps an error returned by a ValidateStateChange hook so
// callers can distinguish "state rejected by application logic" from a
// storage failure.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("statestore: state rejected: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// Broadcaster delivers a state change to connected clients. It is an
// interface (rather than a direct dependency on internal/connection) so
// statestore and connection do not form an import cycle — connection.Registry
// implements this.
type Broadcaster interface {
	BroadcastState(state json.RawMessage, excludeSource string)
}

// Hooks lets the owning agent.Instance observe state transitions the way a
// JS subclass would by overriding validateStateChange/onStateChanged. Both
// fields are optional; a nil ValidateStateChange always accepts, a nil
// OnStateChanged is a no-op.
type Hooks struct {
	// ValidateStateChange runs synchronously before persistence. Returning a
	// non-nil error aborts the whole setState call — no persist, no
	// broadcast, no notification.
	ValidateStateChange func(ctx context.Context, next json.RawMessage, source string) error

	// OnStateChanged runs after persist+broadcast succeed. The spec models
	// this as scheduled on "the instance's own deferred-task mechanism"
	// (i.e. it must not block the caller of SetState); Store.SetState
	// honours that by invoking it in a new goroutine.
	OnStateChanged func(next json.RawMessage)

	// OnError receives a notification-hook failure — a panic recovered from
	// OnStateChanged, which returns no error — per spec §4.1/§7: "notification hook throws -> error routed
	// to onError; broadcast already committed." The state change itself is
	// never rolled back; only the hook's own failure is reported.
	OnError func(ctx context.Context, err error)
}

// Store owns the single state row pair (STATE, STATE_WAS_CHANGED) for one
// instance.
type Store struct {
	db           *gorm.DB
	log          *zap.Logger
	initialState json.RawMessage
	hooks        Hooks
	broadcaster  Broadcaster
}

// New returns a Store. initialState is the fallback value used on first read
// and on corrupt-JSON recovery; it may be nil, in which case a missing or
// corrupt row yields a cleared row and no state.
func New(db *gorm.DB, log *zap.Logger, initialState json.RawMessage, hooks Hooks, broadcaster Broadcaster) *Store {
	return &Store{db: db, log: log, initialState: initialState, hooks: hooks, broadcaster: broadcaster}
}

// State returns the last-persisted user state. On first read it hydrates
// from SQL; on corrupt JSON it falls back to initialState (persisting the
// recovered value) or, if none was configured, clears the row and returns
// nil.
func (s *Store) State(ctx context.Context) (json.RawMessage, error) {
	var row storage.StateRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", storage.StateRowID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.recover(ctx, nil)
	case err != nil:
		return nil, fmt.Errorf("statestore: read state: %w", err)
	}

	if row.Value == "" {
		return nil, nil
	}
	if !json.Valid([]byte(row.Value)) {
		s.log.Warn("statestore: corrupt state JSON, recovering to initial state")
		return s.recover(ctx, errors.New("corrupt JSON"))
	}
	return json.RawMessage(row.Value), nil
}

// recover implements the "corrupt JSON falls back to initialState and is
// rewritten" edge case. If initialState is nil, the row is cleared instead
// (spec: "or, if none, clears the row and returns undefined").
func (s *Store) recover(ctx context.Context, cause error) (json.RawMessage, error) {
	if s.initialState == nil {
		if err := s.clear(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := s.persist(ctx, s.initialState); err != nil {
		return nil, fmt.Errorf("statestore: recover to initial state: %w", err)
	}
	return s.initialState, nil
}

// SetState validates, persists, broadcasts, and notifies — in that strict
// order, each gated on the previous step. readonly must be true when the
// call originates from a connection flagged readonly (spec §4.1); such
// calls are rejected before validation runs.
func (s *Store) SetState(ctx context.Context, next json.RawMessage, source string, readonly bool) error {
	if readonly {
		return ErrReadonly
	}

	if s.hooks.ValidateStateChange != nil {
		if err := s.hooks.ValidateStateChange(ctx, next, source); err != nil {
			return &ValidationError{Err: err}
		}
	}

	if err := s.persist(ctx, next); err != nil {
		return fmt.Errorf("statestore: persist state: %w", err)
	}

	if s.broadcaster != nil {
		s.broadcaster.BroadcastState(next, source)
	}

	if s.hooks.OnStateChanged != nil {
		// Deferred: must not block the setState caller. A panicking hook is
		// recovered and routed to OnError rather than crashing the process —
		// the state change and broadcast above have already committed.
		go s.runOnStateChanged(ctx, next)
	}

	return nil
}

func (s *Store) runOnStateChanged(ctx context.Context, next json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("statestore: onStateChanged hook panicked: %v", r)
			s.log.Error("statestore: onStateChanged hook panicked", zap.Any("recovered", r))
			if s.hooks.OnError != nil {
				s.hooks.OnError(ctx, err)
			}
		}
	}()
	s.hooks.OnStateChanged(next)
}

// persist atomically writes the state value and flips STATE_WAS_CHANGED to
// true within a single transaction, matching "writes state +
// STATE_WAS_CHANGED=true atomically".
func (s *Store) persist(ctx context.Context, value json.RawMessage) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&storage.StateRow{ID: storage.StateRowID, Value: string(value)}).Error; err != nil {
			return err
		}
		return tx.Save(&storage.StateRow{ID: storage.StateWasChangedRowID, Value: "true"}).Error
	})
}

// clear removes both state rows, used by corrupt-JSON or missing-row
// recovery with no initialState and by Clear.
func (s *Store) clear(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&storage.StateRow{}, "id = ?", storage.StateRowID).Error; err != nil {
			return err
		}
		return tx.Delete(&storage.StateRow{}, "id = ?", storage.StateWasChangedRowID).Error
	})
}

// WasChanged reports whether state has ever been written since the instance
// was created (the STATE_WAS_CHANGED row).
func (s *Store) WasChanged(ctx context.Context) (bool, error) {
	var row storage.StateRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", storage.StateWasChangedRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("statestore: read state_was_changed: %w", err)
	}
	return row.Value == "true", nil
}

// Clear wipes both state rows. Instance Destroy does not call it; it drops
// the whole table through storage.DropAll instead.
func (s *Store) Clear(ctx context.Context) error {
	return s.clear(ctx)
}
