package domain

import (
	"time"
)

// CallSession represents one bridged voice call between a telephony
// channel and the realtime model peer
type CallSession struct {
	ID              string      `json:"id" db:"id" gorm:"column:id;primaryKey"`
	CallID          string      `json:"call_id" db:"call_id" gorm:"column:call_id;unique"`
	Channel         ChannelType `json:"channel" db:"channel" gorm:"column:channel"`
	Caller          string      `json:"caller" db:"caller" gorm:"column:caller"`
	BotName         string      `json:"bot_name" db:"bot_name" gorm:"column:bot_name"`
	PeerSessionID   string      `json:"peer_session_id" db:"peer_session_id" gorm:"column:peer_session_id"`
	MediaFormat     string      `json:"media_format" db:"media_format" gorm:"column:media_format"`
	Status          string      `json:"status" db:"status" gorm:"column:status"`
	StartedAt       time.Time   `json:"started_at" db:"started_at" gorm:"column:started_at"`
	EndedAt         time.Time   `json:"ended_at" db:"ended_at" gorm:"column:ended_at"`
	DurationSeconds int         `json:"duration_seconds" db:"duration_seconds" gorm:"column:duration_seconds"`
	TurnCount       int         `json:"turn_count" db:"turn_count" gorm:"column:turn_count"`
	FunctionCalls   int         `json:"function_calls" db:"function_calls" gorm:"column:function_calls"`
	EndReasonCode   string      `json:"end_reason_code" db:"end_reason_code" gorm:"column:end_reason_code"`
	EndReason       string      `json:"end_reason" db:"end_reason" gorm:"column:end_reason"`
	RecordingPath   string      `json:"recording_path" db:"recording_path" gorm:"column:recording_path"`
	RecordingURL    string      `json:"recording_url" db:"recording_url" gorm:"column:recording_url"`
	Metadata        JSONB       `json:"metadata" db:"metadata" gorm:"column:metadata;type:jsonb"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at" gorm:"column:created_at"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at" gorm:"column:updated_at"`
}

func (CallSession) TableName() string {
	return "call_sessions"
}

// CallTurn represents a single transcript turn within a call session
type CallTurn struct {
	ID        string    `json:"id" db:"id" gorm:"column:id;primaryKey"`
	SessionID string    `json:"session_id" db:"session_id" gorm:"column:session_id;index"`
	Role      string    `json:"role" db:"role" gorm:"column:role"` // user, assistant
	Content   string    `json:"content" db:"content" gorm:"column:content"`
	SpokenAt  time.Time `json:"spoken_at" db:"spoken_at" gorm:"column:spoken_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at" gorm:"column:created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at" gorm:"column:updated_at"`
}

func (CallTurn) TableName() string {
	return "call_turns"
}
