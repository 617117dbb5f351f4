package models

import "time"

// OverrideRecord audits one override command, applied or rejected.
type OverrideRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	RunID       string `gorm:"size:36;index"`
	TargetID    string `gorm:"size:128;index"`
	Action      string `gorm:"size:16"` // apply or clear
	Phase       string `gorm:"size:16"`
	DurationSec float64
	Outcome     string `gorm:"size:16"` // ok or the error kind
	Error       string `gorm:"type:text"`
	CreatedAt   time.Time
}
