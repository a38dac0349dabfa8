// Package sqlstore implements the audit store over database/sql for every
// supported dialect. Engine packages own connection setup and migrations.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vernite/realtime/internal/platform/storage/migrate"
	"github.com/vernite/realtime/internal/platform/storage/txctx"
	"github.com/vernite/realtime/internal/services/audit"
	"github.com/vernite/realtime/internal/services/audit/diff"
)

// Store persists audit logs in audit_logs and snapshots in
// entity_snapshots.
type Store struct {
	db      *sql.DB
	dialect migrate.Dialect
}

// New wraps an open, migrated database.
func New(db *sql.DB, dialect migrate.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// rebind rewrites "?" placeholders for the store dialect.
func (s *Store) rebind(query string) string {
	if s.dialect.Name == migrate.SQLite.Name {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const logColumns = `id, change_key, entity_type, entity_id, actor_id, room, action, recorded_at, diffs`

// Save inserts log, returning the existing row when the change key was
// already recorded.
func (s *Store) Save(ctx context.Context, log audit.Log) (audit.Log, bool, error) {
	diffs, err := json.Marshal(log.Diffs)
	if err != nil {
		return audit.Log{}, false, &audit.StorageError{Op: "encode diffs", Err: err}
	}
	res, err := txctx.Pick(ctx, s.db).ExecContext(ctx, s.rebind(
		`INSERT INTO audit_logs (`+logColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (change_key) DO NOTHING`),
		log.ID,
		log.ChangeKey,
		log.EntityType,
		log.EntityID,
		log.ActorID,
		log.Room,
		string(log.Action),
		toMillis(log.RecordedAt),
		string(diffs),
	)
	if err != nil {
		return audit.Log{}, false, &audit.StorageError{Op: "insert audit log", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return audit.Log{}, false, &audit.StorageError{Op: "insert audit log", Err: err}
	}
	if affected > 0 {
		log.RecordedAt = fromMillis(toMillis(log.RecordedAt))
		return log, true, nil
	}

	row := txctx.Pick(ctx, s.db).QueryRowContext(ctx, s.rebind(
		`SELECT `+logColumns+` FROM audit_logs WHERE change_key = ?`), log.ChangeKey)
	existing, err := scanLog(row)
	if err != nil {
		return audit.Log{}, false, &audit.StorageError{Op: "load duplicate audit log", Err: err}
	}
	return existing, false, nil
}

// LoadEntitySnapshot returns the latest snapshot of an entity.
func (s *Store) LoadEntitySnapshot(ctx context.Context, entityType, entityID string) (json.RawMessage, error) {
	var snapshot []byte
	err := txctx.Pick(ctx, s.db).QueryRowContext(ctx, s.rebind(
		`SELECT snapshot FROM entity_snapshots WHERE entity_type = ? AND entity_id = ?`),
		entityType, entityID,
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, audit.ErrNotFound
	}
	if err != nil {
		return nil, &audit.StorageError{Op: "load snapshot", Err: err}
	}
	return json.RawMessage(snapshot), nil
}

// SaveEntitySnapshot upserts the latest snapshot of an entity.
func (s *Store) SaveEntitySnapshot(ctx context.Context, entityType, entityID string, snapshot json.RawMessage) error {
	_, err := txctx.Pick(ctx, s.db).ExecContext(ctx, s.rebind(
		`INSERT INTO entity_snapshots (entity_type, entity_id, snapshot, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		   snapshot = excluded.snapshot,
		   updated_at = excluded.updated_at`),
		entityType, entityID, string(snapshot), toMillis(time.Now()),
	)
	if err != nil {
		return &audit.StorageError{Op: "save snapshot", Err: err}
	}
	return nil
}

// DeleteEntitySnapshot removes the snapshot of an entity.
func (s *Store) DeleteEntitySnapshot(ctx context.Context, entityType, entityID string) error {
	_, err := txctx.Pick(ctx, s.db).ExecContext(ctx, s.rebind(
		`DELETE FROM entity_snapshots WHERE entity_type = ? AND entity_id = ?`),
		entityType, entityID,
	)
	if err != nil {
		return &audit.StorageError{Op: "delete snapshot", Err: err}
	}
	return nil
}

// ListByEntity returns an entity's logs newest first.
func (s *Store) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]audit.Log, error) {
	query := `SELECT ` + logColumns + ` FROM audit_logs
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY seq DESC`
	args := []any{entityType, entityID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := txctx.Pick(ctx, s.db).QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, &audit.StorageError{Op: "list audit logs", Err: err}
	}
	defer rows.Close()

	var logs []audit.Log
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, &audit.StorageError{Op: "scan audit log", Err: err}
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, &audit.StorageError{Op: "list audit logs", Err: err}
	}
	return logs, nil
}

// InTx runs fn in a transaction carried through ctx.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return txctx.InTx(ctx, s.db, fn)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLog(row scanner) (audit.Log, error) {
	var (
		log        audit.Log
		action     string
		recordedAt int64
		diffs      []byte
	)
	if err := row.Scan(
		&log.ID,
		&log.ChangeKey,
		&log.EntityType,
		&log.EntityID,
		&log.ActorID,
		&log.Room,
		&action,
		&recordedAt,
		&diffs,
	); err != nil {
		return audit.Log{}, err
	}
	log.Action = audit.Action(action)
	log.RecordedAt = fromMillis(recordedAt)
	if err := json.Unmarshal(diffs, &log.Diffs); err != nil {
		return audit.Log{}, fmt.Errorf("decode diffs: %w", err)
	}
	if log.Diffs == nil {
		log.Diffs = []diff.FieldDiff{}
	}
	return log, nil
}
