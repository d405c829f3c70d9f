package services

import (
	"context"
	"errors"
	"time"

	"github.com/yoockh/callguard/internal/models"
	mongorepo "github.com/yoockh/callguard/internal/repositories/mongo"
	"github.com/yoockh/callguard/internal/utils"
)

// SessionService persists call session lifecycle changes. With a nil
// repository every write is a no-op, so the gateway runs without Mongo.
type SessionService interface {
	Started(ctx context.Context, s models.CallSession) error
	Reattached(ctx context.Context, sessionID, connectionID string, attempts int) error
	Suspended(ctx context.Context, sessionID string) error
	Ended(ctx context.Context, s models.CallSession, stream models.StreamStats) error
	Get(ctx context.Context, sessionID string) (*models.CallSession, error)
}

type sessionService struct {
	sessions mongorepo.SessionRepository
	logs     CallLogService
}

func NewSessionService(sessions mongorepo.SessionRepository, logs CallLogService) SessionService {
	return &sessionService{sessions: sessions, logs: logs}
}

func (s *sessionService) Started(ctx context.Context, cs models.CallSession) error {
	const op = "SessionService.Started"

	if cs.SessionID == "" || cs.UserID == "" || cs.CallID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id, user_id and call_id are required", nil)
	}
	if s.sessions == nil {
		return nil
	}
	if err := s.sessions.Create(ctx, &cs); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to create session", err)
	}
	return nil
}

func (s *sessionService) Reattached(ctx context.Context, sessionID, connectionID string, attempts int) error {
	const op = "SessionService.Reattached"

	if sessionID == "" || connectionID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id and connection_id are required", nil)
	}
	if s.sessions == nil {
		return nil
	}
	if err := s.sessions.AttachConnection(ctx, sessionID, connectionID, attempts); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to attach connection", err)
	}
	return nil
}

func (s *sessionService) Suspended(ctx context.Context, sessionID string) error {
	const op = "SessionService.Suspended"

	if s.sessions == nil {
		return nil
	}
	if err := s.sessions.SetState(ctx, sessionID, "RECONNECTING"); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to set state", err)
	}
	return nil
}

// Ended closes the session document and writes the analytics row. Both
// writes are attempted even if the first fails.
func (s *sessionService) Ended(ctx context.Context, cs models.CallSession, stream models.StreamStats) error {
	const op = "SessionService.Ended"

	endedAt := time.Now().UTC()
	if cs.EndedAt != nil {
		endedAt = *cs.EndedAt
	}

	var errs []error
	if s.sessions != nil {
		if err := s.sessions.End(ctx, cs.SessionID, endedAt, cs.EndReason); err != nil {
			errs = append(errs, err)
		}
	}
	if s.logs != nil {
		if _, err := s.logs.Record(ctx, cs, stream); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return utils.E(utils.CodeInternal, op, "failed to persist session end", errors.Join(errs...))
	}
	return nil
}

func (s *sessionService) Get(ctx context.Context, sessionID string) (*models.CallSession, error) {
	const op = "SessionService.Get"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if s.sessions == nil {
		return nil, utils.E(utils.CodeNotFound, op, "session not found", utils.ErrNotFound)
	}
	out, err := s.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get session", err)
	}
	return out, nil
}
