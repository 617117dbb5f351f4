// Package models defines the GORM models of the run ledger.
package models

import "time"

// Run status values.
const (
	RunStarting = "starting"
	RunRunning  = "running"
	RunStopped  = "stopped"
	RunFailed   = "failed"
)

// EngineRun records one launch of the simulation engine.
type EngineRun struct {
	ID         string `gorm:"primaryKey;size:36"`
	ConfigPath string `gorm:"size:512"`
	Binary     string `gorm:"size:512"`
	GUI        bool
	PID        int
	RemotePort int
	Status     string    `gorm:"size:16;index"`
	StartedAt  time.Time `gorm:"index"`
	StoppedAt  *time.Time
	ExitError  string `gorm:"type:text"`
	OutputTail string `gorm:"type:text"`
}
