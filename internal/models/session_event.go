package models

import "time"

// Session event names.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventLost         = "lost"
	EventStalled      = "stalled"
	EventPaused       = "paused"
	EventResumed      = "resumed"
	EventEngineExit   = "engine_exit"
)

// SessionEvent records a control session transition.
type SessionEvent struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	RunID     string `gorm:"size:36;index"`
	Session   string `gorm:"size:64"`
	Event     string `gorm:"size:32"`
	Kind      string `gorm:"size:32"`
	Message   string `gorm:"type:text"`
	CreatedAt time.Time
}
