// Package audit records immutable, field-level change logs for domain
// entities.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vernite/realtime/internal/services/audit/diff"
)

// ErrNotFound is returned when an entity has no stored snapshot.
var ErrNotFound = errors.New("audit: not found")

// Action classifies the mutation that produced a log.
type Action string

const (
	ActionAdded   Action = "added"
	ActionUpdated Action = "updated"
	ActionRemoved Action = "removed"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAdded, ActionUpdated, ActionRemoved:
		return true
	default:
		return false
	}
}

// Log is one immutable audit record. Diffs is never empty.
type Log struct {
	ID         string           `json:"id"`
	ChangeKey  string           `json:"change_key"`
	EntityType string           `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	ActorID    string           `json:"actor_id"`
	Room       string           `json:"room,omitempty"`
	Action     Action           `json:"action"`
	RecordedAt time.Time        `json:"recorded_at"`
	Diffs      []diff.FieldDiff `json:"diffs"`
}

// Change describes a mutation to record.
type Change struct {
	// ChangeKey identifies the logical change. Recording the same key twice
	// yields the first record. Empty keys are assigned a fresh identifier.
	ChangeKey  string
	EntityType string
	EntityID   string
	ActorID    string
	Room       string
	Action     Action
	Diffs      []diff.FieldDiff
}

// Store persists audit logs and the latest snapshot of each entity.
//
// Implementations join the transaction carried by ctx when there is one.
type Store interface {
	// Save inserts log unless a log with the same ChangeKey exists, in which
	// case the stored log is returned with created=false.
	Save(ctx context.Context, log Log) (stored Log, created bool, err error)
	// LoadEntitySnapshot returns ErrNotFound for unknown entities.
	LoadEntitySnapshot(ctx context.Context, entityType, entityID string) (json.RawMessage, error)
	SaveEntitySnapshot(ctx context.Context, entityType, entityID string, snapshot json.RawMessage) error
	DeleteEntitySnapshot(ctx context.Context, entityType, entityID string) error
	// ListByEntity returns the newest logs first. limit <= 0 means no limit.
	ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]Log, error)
	// InTx runs fn in one unit of work.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier is told about every newly recorded log.
type Notifier interface {
	Notify(ctx context.Context, log Log) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, log Log) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, log Log) error { return f(ctx, log) }

// StorageError reports a failed persistence call. The caller's mutation
// should roll back.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("audit storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
