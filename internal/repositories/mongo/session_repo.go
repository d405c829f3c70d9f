package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/yoockh/callguard/internal/models"
	"github.com/yoockh/callguard/internal/utils"
)

type SessionRepository interface {
	Create(ctx context.Context, s *models.CallSession) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.CallSession, error)
	AttachConnection(ctx context.Context, sessionID, connectionID string, reconnectAttempts int) error
	SetState(ctx context.Context, sessionID, state string) error
	End(ctx context.Context, sessionID string, endedAt time.Time, reason string) error
	ListByUser(ctx context.Context, userID string, limit int64) ([]models.CallSession, error)
}

type sessionRepo struct {
	col *mongo.Collection
}

func NewSessionRepo(db *mongo.Database) SessionRepository {
	return &sessionRepo{col: db.Collection("call_sessions")}
}

func (r *sessionRepo) Create(ctx context.Context, s *models.CallSession) error {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	_, err := r.col.InsertOne(ctx, s)
	return err
}

func (r *sessionRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.CallSession, error) {
	var s models.CallSession
	err := r.col.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrNotFound
	}
	return &s, err
}

func (r *sessionRepo) AttachConnection(ctx context.Context, sessionID, connectionID string, reconnectAttempts int) error {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"session_id": sessionID},
		bson.M{
			"$set": bson.M{
				"connection_id":      connectionID,
				"state":              "ACTIVE",
				"reconnect_attempts": reconnectAttempts,
			},
			"$push": bson.M{"connection_history": connectionID},
		},
	)
	return err
}

func (r *sessionRepo) SetState(ctx context.Context, sessionID, state string) error {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"session_id": sessionID},
		bson.M{"$set": bson.M{"state": state}},
	)
	return err
}

func (r *sessionRepo) End(ctx context.Context, sessionID string, endedAt time.Time, reason string) error {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"session_id": sessionID, "state": bson.M{"$ne": "ENDED"}},
		bson.M{"$set": bson.M{
			"state":      "ENDED",
			"ended_at":   endedAt.UTC(),
			"end_reason": reason,
		}},
	)
	return err
}

func (r *sessionRepo) ListByUser(ctx context.Context, userID string, limit int64) ([]models.CallSession, error) {
	if limit <= 0 {
		limit = 20
	}
	cur, err := r.col.Find(ctx,
		bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}}).SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.CallSession
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
