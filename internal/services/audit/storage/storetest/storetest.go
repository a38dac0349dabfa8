// Package storetest is a conformance suite for audit.Store implementations.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vernite/realtime/internal/services/audit"
	"github.com/vernite/realtime/internal/services/audit/diff"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) audit.Store

// Run exercises every Store operation against stores built by newStore.
// Rollback behaviour is only checked for transactional stores.
func Run(t *testing.T, newStore Factory, transactional bool) {
	t.Run("save and list", func(t *testing.T) { testSaveAndList(t, newStore(t)) })
	t.Run("duplicate change key", func(t *testing.T) { testDuplicateChangeKey(t, newStore(t)) })
	t.Run("snapshots", func(t *testing.T) { testSnapshots(t, newStore(t)) })
	if transactional {
		t.Run("transaction rollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	}
}

// Log builds a log with one modified field.
func Log(id, changeKey, entityID string, at time.Time) audit.Log {
	return audit.Log{
		ID:         id,
		ChangeKey:  changeKey,
		EntityType: "task",
		EntityID:   entityID,
		ActorID:    "user-1",
		Room:       "project-1",
		Action:     audit.ActionUpdated,
		RecordedAt: at,
		Diffs: []diff.FieldDiff{{
			Field: "status",
			From:  json.RawMessage(`"open"`),
			To:    json.RawMessage(`"closed"`),
			Kind:  diff.Modified,
		}},
	}
}

var base = time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC)

func testSaveAndList(t *testing.T, store audit.Store) {
	ctx := context.Background()
	first := Log("a1", "k1", "task-1", base)
	second := Log("a2", "k2", "task-1", base.Add(time.Minute))
	other := Log("a3", "k3", "task-2", base)

	for _, log := range []audit.Log{first, second, other} {
		stored, created, err := store.Save(ctx, log)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, log.ID, stored.ID)
	}

	logs, err := store.ListByEntity(ctx, "task", "task-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "a2", logs[0].ID)
	assert.Equal(t, "a1", logs[1].ID)
	assert.True(t, logs[1].RecordedAt.Equal(base))
	assert.Equal(t, first.Diffs, logs[1].Diffs)
	assert.Equal(t, "project-1", logs[1].Room)
	assert.Equal(t, audit.ActionUpdated, logs[1].Action)

	limited, err := store.ListByEntity(ctx, "task", "task-1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "a2", limited[0].ID)

	none, err := store.ListByEntity(ctx, "task", "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testDuplicateChangeKey(t *testing.T, store audit.Store) {
	ctx := context.Background()
	_, created, err := store.Save(ctx, Log("a1", "k1", "task-1", base))
	require.NoError(t, err)
	require.True(t, created)

	stored, created, err := store.Save(ctx, Log("a2", "k1", "task-1", base.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "a1", stored.ID)

	logs, err := store.ListByEntity(ctx, "task", "task-1", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func testSnapshots(t *testing.T, store audit.Store) {
	ctx := context.Background()
	_, err := store.LoadEntitySnapshot(ctx, "task", "task-1")
	assert.ErrorIs(t, err, audit.ErrNotFound)

	require.NoError(t, store.SaveEntitySnapshot(ctx, "task", "task-1", json.RawMessage(`{"status":"open"}`)))
	require.NoError(t, store.SaveEntitySnapshot(ctx, "task", "task-1", json.RawMessage(`{"status":"closed"}`)))
	got, err := store.LoadEntitySnapshot(ctx, "task", "task-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"closed"}`, string(got))

	require.NoError(t, store.DeleteEntitySnapshot(ctx, "task", "task-1"))
	_, err = store.LoadEntitySnapshot(ctx, "task", "task-1")
	assert.ErrorIs(t, err, audit.ErrNotFound)
}

// testTxRollback checks that a failed unit of work leaves no rows behind.
func testTxRollback(t *testing.T, store audit.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := store.InTx(ctx, func(ctx context.Context) error {
		if _, _, err := store.Save(ctx, Log("a1", "k1", "task-1", base)); err != nil {
			return err
		}
		if err := store.SaveEntitySnapshot(ctx, "task", "task-1", json.RawMessage(`{}`)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	logs, err := store.ListByEntity(ctx, "task", "task-1", 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
	_, err = store.LoadEntitySnapshot(ctx, "task", "task-1")
	assert.ErrorIs(t, err, audit.ErrNotFound)
}
