package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yoockh/callguard/internal/models"
	"github.com/yoockh/callguard/internal/utils"
)

type CallLogRepo interface {
	Insert(ctx context.Context, row *models.CallLog) error
	GetBySession(ctx context.Context, sessionID string) (*models.CallLog, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.CallLog, error)
	Migrate(ctx context.Context) error
}

type callLogRepo struct {
	db *gorm.DB
}

func NewCallLogRepo(db *gorm.DB) CallLogRepo {
	return &callLogRepo{db: db}
}

// Insert ignores a second row for the same session.
func (r *callLogRepo) Insert(ctx context.Context, row *models.CallLog) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, DoNothing: true}).
		Create(row).Error
}

func (r *callLogRepo) GetBySession(ctx context.Context, sessionID string) (*models.CallLog, error) {
	var row models.CallLog
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &row, err
}

func (r *callLogRepo) ListByUser(ctx context.Context, userID string, limit int) ([]models.CallLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.CallLog
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("ended_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *callLogRepo) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&models.CallLog{})
}
