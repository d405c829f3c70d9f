package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// CallLog is one analytics row written when a session ends.
type CallLog struct {
	ID        string    `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	SessionID string    `gorm:"column:session_id;type:uuid;uniqueIndex" json:"session_id"`
	CallID    string    `gorm:"column:call_id;type:text;index" json:"call_id"`
	UserID    string    `gorm:"column:user_id;type:text;index" json:"user_id"`
	StartedAt time.Time `gorm:"column:started_at;type:timestamptz" json:"started_at"`
	EndedAt   time.Time `gorm:"column:ended_at;type:timestamptz;index" json:"ended_at"`

	DurationMs   int64   `gorm:"column:duration_ms;type:bigint" json:"duration_ms"`
	Chunks       int64   `gorm:"column:chunks;type:bigint" json:"chunks"`
	Bytes        int64   `gorm:"column:bytes;type:bigint" json:"bytes"`
	Segments     int64   `gorm:"column:segments;type:bigint" json:"segments"`
	AvgLatencyMs float64 `gorm:"column:avg_latency_ms;type:double precision" json:"avg_latency_ms"`
	Reconnects   int     `gorm:"column:reconnects;type:integer" json:"reconnects"`

	ConnectionIDs pq.StringArray `gorm:"column:connection_ids;type:text[]" json:"connection_ids"`
	EndReason     string         `gorm:"column:end_reason;type:text" json:"end_reason"`
	Metadata      datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
}

func (CallLog) TableName() string { return "call_logs" }
