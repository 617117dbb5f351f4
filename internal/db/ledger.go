package db

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/simbridge/internal/models"
	"gorm.io/gorm"
)

// Ledger records engine runs, session transitions and override attempts.
// A nil *Ledger, or one without a database, accepts every write and returns
// empty reads.
type Ledger struct {
	db  *gorm.DB
	log logrus.FieldLogger

	mu     sync.Mutex
	active string
}

// NewLedger wraps db. A nil db yields a disabled ledger.
func NewLedger(db *gorm.DB, log logrus.FieldLogger) *Ledger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{db: db, log: log.WithField("component", "ledger")}
}

// Enabled reports whether writes reach a database.
func (l *Ledger) Enabled() bool { return l != nil && l.db != nil }

// ActiveRun returns the id of the run in progress, or "".
func (l *Ledger) ActiveRun() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// StartRun inserts run, assigning an id and start time when missing. A run
// that is not already finished becomes the active run.
func (l *Ledger) StartRun(run *models.EngineRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = models.RunRunning
	}
	if !l.Enabled() {
		return nil
	}
	if err := l.db.Create(run).Error; err != nil {
		return fmt.Errorf("db: start run: %w", err)
	}
	if run.StoppedAt == nil {
		l.mu.Lock()
		l.active = run.ID
		l.mu.Unlock()
	}
	l.log.WithField("run", run.ID).Debug("run recorded")
	return nil
}

// FinishRun marks a run stopped or failed. exitErr and output may be empty.
func (l *Ledger) FinishRun(id, status, exitErr, output string) error {
	if !l.Enabled() || id == "" {
		return nil
	}
	now := time.Now()
	res := l.db.Model(&models.EngineRun{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      status,
		"stopped_at":  &now,
		"exit_error":  exitErr,
		"output_tail": output,
	})
	if res.Error != nil {
		return fmt.Errorf("db: finish run %s: %w", id, res.Error)
	}
	l.mu.Lock()
	if l.active == id {
		l.active = ""
	}
	l.mu.Unlock()
	return nil
}

// RecordEvent stores a session event, attaching it to the active run when
// ev has no run id.
func (l *Ledger) RecordEvent(ev models.SessionEvent) error {
	if !l.Enabled() {
		return nil
	}
	if ev.RunID == "" {
		ev.RunID = l.ActiveRun()
	}
	if err := l.db.Create(&ev).Error; err != nil {
		return fmt.Errorf("db: record event %s: %w", ev.Event, err)
	}
	return nil
}

// RecordOverride stores an override attempt, attaching it to the active run
// when rec has no run id.
func (l *Ledger) RecordOverride(rec models.OverrideRecord) error {
	if !l.Enabled() {
		return nil
	}
	if rec.RunID == "" {
		rec.RunID = l.ActiveRun()
	}
	if err := l.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("db: record override %s: %w", rec.TargetID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (l *Ledger) RecentRuns(limit int) ([]models.EngineRun, error) {
	if !l.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	var runs []models.EngineRun
	if err := l.db.Order("started_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("db: recent runs: %w", err)
	}
	return runs, nil
}

// RunEvents returns the session events of a run in insertion order.
func (l *Ledger) RunEvents(runID string) ([]models.SessionEvent, error) {
	if !l.Enabled() {
		return nil, nil
	}
	var evs []models.SessionEvent
	if err := l.db.Where("run_id = ?", runID).Order("id").Find(&evs).Error; err != nil {
		return nil, fmt.Errorf("db: run events %s: %w", runID, err)
	}
	return evs, nil
}

// RunOverrides returns the override attempts of a run in insertion order.
func (l *Ledger) RunOverrides(runID string) ([]models.OverrideRecord, error) {
	if !l.Enabled() {
		return nil, nil
	}
	var recs []models.OverrideRecord
	if err := l.db.Where("run_id = ?", runID).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("db: run overrides %s: %w", runID, err)
	}
	return recs, nil
}
