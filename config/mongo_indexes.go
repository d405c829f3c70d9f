package config

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureMongoIndexes creates the call_sessions indexes. Safe to run on every boot.
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	if db == nil {
		return errors.New("mongo database is nil")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sessions := db.Collection("call_sessions")
	_, err := sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().
				SetName("uniq_session_id").
				SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "started_at", Value: -1}},
			Options: options.Index().SetName("by_user_started"),
		},
		{
			Keys:    bson.D{{Key: "call_id", Value: 1}},
			Options: options.Index().SetName("by_call"),
		},
		// ended sessions age out after 30 days
		{
			Keys: bson.D{{Key: "ended_at", Value: 1}},
			Options: options.Index().
				SetName("ttl_ended_at").
				SetExpireAfterSeconds(int32((30 * 24 * time.Hour).Seconds())),
		},
	})
	return err
}
