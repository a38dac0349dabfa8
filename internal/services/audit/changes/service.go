// Package changes ingests entity mutations: it diffs snapshots, records the
// audit log, and announces the change to connected clients.
package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/vernite/realtime/internal/platform/errors"
	"github.com/vernite/realtime/internal/services/audit"
	"github.com/vernite/realtime/internal/services/audit/diff"
)

// Mutation is one committed change to a domain entity. Previous is loaded
// from the last stored snapshot when omitted.
type Mutation struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	ActorID    string          `json:"actor_id"`
	Room       string          `json:"room,omitempty"`
	Action     audit.Action    `json:"action"`
	ChangeKey  string          `json:"change_key,omitempty"`
	Previous   json.RawMessage `json:"previous,omitempty"`
	Current    json.RawMessage `json:"current,omitempty"`
}

// Result reports what Apply did.
type Result struct {
	Log audit.Log `json:"log"`
	// Recorded is false when nothing changed or the change key was already
	// recorded.
	Recorded bool `json:"recorded"`
}

// Service applies mutations.
type Service struct {
	recorder *audit.Recorder
	logger   *zap.Logger
}

// NewService builds a change ingest service.
func NewService(recorder *audit.Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{recorder: recorder, logger: logger}
}

// Apply diffs the mutation, records it together with the new snapshot in
// one unit of work, and notifies after commit.
func (s *Service) Apply(ctx context.Context, m Mutation) (Result, error) {
	m.EntityType = strings.TrimSpace(m.EntityType)
	m.EntityID = strings.TrimSpace(m.EntityID)
	if err := validate(m); err != nil {
		return Result{}, err
	}
	current, err := parseSnapshot("current", m.Current)
	if err != nil {
		return Result{}, err
	}
	previous, err := parseSnapshot("previous", m.Previous)
	if err != nil {
		return Result{}, err
	}

	store := s.recorder.Store()
	var result Result
	err = store.InTx(ctx, func(ctx context.Context) error {
		if previous == nil && m.Action != audit.ActionAdded {
			loaded, err := s.loadPrevious(ctx, store, m)
			if err != nil {
				return err
			}
			previous = loaded
		}

		log, created, err := s.recorder.Persist(ctx, audit.Change{
			ChangeKey:  m.ChangeKey,
			EntityType: m.EntityType,
			EntityID:   m.EntityID,
			ActorID:    m.ActorID,
			Room:       m.Room,
			Action:     m.Action,
			Diffs:      diff.Diff(previous, current),
		})
		if err != nil {
			return err
		}
		result = Result{Log: log, Recorded: created}
		if !created && log.ID != "" {
			// Replayed change key; the snapshot already reflects it.
			return nil
		}
		if m.Action == audit.ActionRemoved {
			return store.DeleteEntitySnapshot(ctx, m.EntityType, m.EntityID)
		}
		raw, err := current.MarshalJSON()
		if err != nil {
			return err
		}
		return store.SaveEntitySnapshot(ctx, m.EntityType, m.EntityID, raw)
	})
	if err != nil {
		return Result{}, err
	}

	if result.Recorded {
		s.recorder.Notify(ctx, result.Log)
	}
	return result, nil
}

func (s *Service) loadPrevious(ctx context.Context, store audit.Store, m Mutation) (*diff.Node, error) {
	raw, err := store.LoadEntitySnapshot(ctx, m.EntityType, m.EntityID)
	if errors.Is(err, audit.ErrNotFound) {
		s.logger.Debug("no previous snapshot",
			zap.String("entity_type", m.EntityType),
			zap.String("entity_id", m.EntityID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	node, err := diff.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse stored snapshot %s/%s: %w", m.EntityType, m.EntityID, err)
	}
	return node, nil
}

func validate(m Mutation) error {
	switch {
	case m.EntityType == "":
		return apperrors.New(apperrors.CodeInvalidArgument, "entity_type is required")
	case m.EntityID == "":
		return apperrors.New(apperrors.CodeInvalidArgument, "entity_id is required")
	case !m.Action.Valid():
		return apperrors.New(apperrors.CodeInvalidArgument, "action must be added, updated or removed")
	case m.Action == audit.ActionRemoved && len(m.Current) > 0:
		return apperrors.New(apperrors.CodeInvalidArgument, "current must be empty for removed entities")
	case m.Action != audit.ActionRemoved && len(m.Current) == 0:
		return apperrors.New(apperrors.CodeInvalidArgument, "current is required")
	}
	return nil
}

func parseSnapshot(name string, raw json.RawMessage) (*diff.Node, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	node, err := diff.Parse(raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, name+" must be valid JSON", err)
	}
	return node, nil
}
