package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yoockh/callguard/internal/models"
	pgrepo "github.com/yoockh/callguard/internal/repositories/postgres"
	"github.com/yoockh/callguard/internal/utils"
)

type CallLogService interface {
	Record(ctx context.Context, s models.CallSession, stream models.StreamStats) (*models.CallLog, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.CallLog, error)
}

type callLogService struct {
	logs pgrepo.CallLogRepo
}

func NewCallLogService(logs pgrepo.CallLogRepo) CallLogService {
	return &callLogService{logs: logs}
}

func (s *callLogService) Record(ctx context.Context, cs models.CallSession, stream models.StreamStats) (*models.CallLog, error) {
	const op = "CallLogService.Record"

	if cs.SessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}

	endedAt := time.Now().UTC()
	if cs.EndedAt != nil {
		endedAt = cs.EndedAt.UTC()
	}
	dur := endedAt.Sub(cs.StartedAt).Milliseconds()
	if dur < 0 {
		dur = 0
	}

	meta, _ := json.Marshal(map[string]any{
		"bufferCapacity": stream.BufferCapacity,
		"streamActive":   stream.Active,
	})

	row := &models.CallLog{
		ID:            uuid.NewString(),
		SessionID:     cs.SessionID,
		CallID:        cs.CallID,
		UserID:        cs.UserID,
		StartedAt:     cs.StartedAt.UTC(),
		EndedAt:       endedAt,
		DurationMs:    dur,
		Chunks:        stream.ChunksProcessed,
		Bytes:         stream.BytesProcessed,
		Segments:      stream.SegmentsEmitted,
		AvgLatencyMs:  stream.AverageLatencyMs,
		Reconnects:    cs.ReconnectAttempts,
		ConnectionIDs: append([]string(nil), cs.ConnectionHistory...),
		EndReason:     cs.EndReason,
		Metadata:      datatypes.JSON(meta),
	}

	if s.logs == nil {
		return row, nil
	}
	if err := s.logs.Insert(ctx, row); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to insert call log", err)
	}
	return row, nil
}

func (s *callLogService) ListByUser(ctx context.Context, userID string, limit int) ([]models.CallLog, error) {
	const op = "CallLogService.ListByUser"

	if userID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "user_id is required", nil)
	}
	if s.logs == nil {
		return []models.CallLog{}, nil
	}
	rows, err := s.logs.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list call logs", err)
	}
	return rows, nil
}
