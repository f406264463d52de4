// Package storage holds the five GORM models an instance persists to its
// embedded SQL store (spec §3), the database bootstrap/migration logic, and
// the zap-backed GORM logger adapter.
//
// Unlike the teacher's multi-tenant backup server, every row here belongs to
// exactly one instance's own database file — there is no AgentID/UserID
// column anywhere, because there is only one actor per store.
package storage

import "time"

// StateRowID values — the State Store only ever has (at most) these two rows.
const (
	StateRowID            = "STATE"
	StateWasChangedRowID  = "STATE_WAS_CHANGED"
)

// StateRow is the single durable state blob described in spec §3/§4.1.
// Exactly zero, one, or two rows exist: the state itself (id=STATE) and the
// changed-flag sentinel (id=STATE_WAS_CHANGED), written atomically together.
type StateRow struct {
	ID    string `gorm:"primaryKey;size:32"`
	Value string `gorm:"type:text;not null;default:''"`
}

func (StateRow) TableName() string { return "state" }

// Schedule persists one future wake-up. Type discriminates which of the
// per-type fields (DelayInSeconds, Cron, IntervalSeconds) is meaningful —
// see spec §3's invariant that `type` matches the populated field set.
type Schedule struct {
	ID        string `gorm:"primaryKey;size:64"`
	Callback  string `gorm:"not null"`
	Payload   string `gorm:"type:text;not null;default:'{}'"`
	Type      string `gorm:"not null;index"` // scheduled | delayed | cron | interval

	// Time is the next unix-second instant this row is due. Mutated in place
	// for cron/interval rows after each run; one-shots are deleted instead.
	Time int64 `gorm:"not null;index"`

	DelayInSeconds  *int64 `gorm:""`
	Cron            string `gorm:"default:''"`
	IntervalSeconds *int64 `gorm:""`

	// Running is only meaningful for Type=interval: 1 means a prior alarm
	// invocation for this row has not yet returned.
	Running            bool   `gorm:"not null;default:false"`
	ExecutionStartedAt *int64 `gorm:""`

	RetryOptions string `gorm:"type:text;default:''"` // JSON-encoded retry.Options, empty = unset

	CreatedAt time.Time `gorm:"not null"`
}

func (Schedule) TableName() string { return "schedules" }

// QueueItem is one durable FIFO work item (spec §3/§4.4).
type QueueItem struct {
	ID           string    `gorm:"primaryKey;size:64"`
	Payload      string    `gorm:"type:text;not null;default:'{}'"`
	Callback     string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;index"`
	RetryOptions string    `gorm:"type:text;default:''"`
}

func (QueueItem) TableName() string { return "queue_items" }

// Fiber is one durable long-running task (spec §3/§4.5). Snapshot is an
// opaque, user-defined JSON checkpoint consulted only on recovery.
type Fiber struct {
	ID         string `gorm:"primaryKey;size:64"`
	Callback   string `gorm:"not null"`
	Payload    string `gorm:"type:text;not null;default:'{}'"`
	Snapshot   string `gorm:"type:text;default:''"`
	Status     string `gorm:"not null;index"` // running|completed|failed|interrupted|cancelled
	RetryCount int    `gorm:"not null;default:0"`
	MaxRetries int    `gorm:"not null;default:3"`
	Result     string `gorm:"type:text;default:''"`
	Error      string `gorm:"type:text;default:''"`

	StartedAt time.Time  `gorm:"not null"`
	EndedAt   *time.Time `gorm:""`
	UpdatedAt time.Time  `gorm:"not null"`
	CreatedAt time.Time  `gorm:"not null"`
}

func (Fiber) TableName() string { return "fibers" }

// WorkflowTracking mirrors the lifecycle of one externally-executed workflow
// (spec §3/§4.6). WorkflowID is the caller-chosen (or generated) external
// workflow identifier, used with CreatedAt as the keyset pagination cursor;
// ID is the row's own primary key.
type WorkflowTracking struct {
	ID           string `gorm:"primaryKey;size:64"`
	WorkflowID   string `gorm:"not null;uniqueIndex"`
	WorkflowName string `gorm:"not null"`
	Status       string `gorm:"not null;index"` // queued|running|paused|errored|terminated|complete|waiting|waitingForPause|unknown
	Metadata     string `gorm:"type:text;default:'{}'"`
	ErrorName    string `gorm:"default:''"`
	ErrorMessage string `gorm:"type:text;default:''"`

	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (WorkflowTracking) TableName() string { return "workflow_tracking" }

// AllModels lists every table the instance owns, in creation order. Used by
// DropAll, and so by instance Destroy (spec §3: "all five tables are
// dropped"); the schema itself is created by the embedded SQL migrations.
func AllModels() []any {
	return []any{
		&StateRow{},
		&Schedule{},
		&QueueItem{},
		&Fiber{},
		&WorkflowTracking{},
	}
}
