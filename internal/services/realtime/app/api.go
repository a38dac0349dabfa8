package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/vernite/realtime/internal/platform/errors"
	"github.com/vernite/realtime/internal/platform/requestctx"
	"github.com/vernite/realtime/internal/services/audit"
	"github.com/vernite/realtime/internal/services/audit/changes"
)

const maxChangeBodyBytes = 1 << 20

type historyResponse struct {
	Logs []audit.Log `json:"logs"`
}

func (s *Server) registerAudit(r chi.Router) {
	r.Post("/changes", s.handleApplyChange)
	r.Get("/audit/{entityType}/{entityID}", s.handleHistory)
}

// handleApplyChange records one entity mutation on behalf of the caller.
func (s *Server) handleApplyChange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var mutation changes.Mutation
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChangeBodyBytes))
	if err := decoder.Decode(&mutation); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid change body", err))
		return
	}
	if err := s.authorizeChange(ctx, &mutation); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.changes.Apply(ctx, mutation)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeUnknown {
			s.logger.Error("apply change failed",
				zap.String("entity_type", mutation.EntityType),
				zap.String("entity_id", mutation.EntityID),
				zap.Error(err))
		}
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if result.Recorded {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

// authorizeChange binds the mutation to the authenticated user, who must be
// allowed into the room the change is broadcast to. Anonymous callers only
// exist when the server runs without a token secret and may name any actor.
func (s *Server) authorizeChange(ctx context.Context, mutation *changes.Mutation) error {
	identity, ok := requestctx.IdentityFromContext(ctx)
	if !ok || identity.Anonymous() {
		return nil
	}
	if actor := strings.TrimSpace(mutation.ActorID); actor != "" && actor != identity.UserID {
		return apperrors.New(apperrors.CodeForbidden, "actor_id must match the authenticated user")
	}
	mutation.ActorID = identity.UserID

	room := strings.TrimSpace(mutation.Room)
	if room == "" {
		return nil
	}
	allowed, err := s.rooms.CanJoin(ctx, identity.UserID, room)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "room authorization unavailable", err)
	}
	if !allowed {
		return apperrors.New(apperrors.CodeForbidden, "not allowed to publish to room "+room)
	}
	return nil
}

// handleHistory lists the newest audit logs of an entity.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}

	logs, err := s.store.ListByEntity(r.Context(), chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"), limit)
	if err != nil {
		s.logger.Error("list audit logs failed", zap.Error(err))
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []audit.Log{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Logs: logs})
}
