package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CallSession is the persisted form of a logical call session.
type CallSession struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	SessionID string             `bson:"session_id" json:"sessionId"` // uuid v4
	CallID    string             `bson:"call_id" json:"callId"`
	UserID    string             `bson:"user_id" json:"userId"`

	ConnectionID      string   `bson:"connection_id" json:"connectionId"`
	ConnectionHistory []string `bson:"connection_history" json:"connectionHistory"`
	State             string   `bson:"state" json:"state"` // ACTIVE|RECONNECTING|ENDED
	ReconnectAttempts int      `bson:"reconnect_attempts" json:"reconnectAttempts"`

	StartedAt time.Time  `bson:"started_at" json:"startedAt"`
	EndedAt   *time.Time `bson:"ended_at,omitempty" json:"endedAt,omitempty"`
	EndReason string     `bson:"end_reason,omitempty" json:"endReason,omitempty"`
}

// ReconnectionRecord lives between a drop and either a claim or expiry.
type ReconnectionRecord struct {
	PriorConnectionID string    `json:"priorConnectionId"`
	SessionID         string    `json:"sessionId"`
	UserID            string    `json:"userId"`
	CallID            string    `json:"callId"`
	DisconnectedAt    time.Time `json:"disconnectedAt"`
	Attempts          int       `json:"attempts"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

func (r ReconnectionRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
