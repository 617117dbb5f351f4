package db

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/simbridge/internal/models"
	"gorm.io/gorm"
)

func testLedger(t *testing.T) (*Ledger, *gorm.DB) {
	t.Helper()
	db, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { Close(db) })
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewLedger(db, log), db
}

func TestMySQLDSN(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		host     string
		port     int
		database string
		want     string
	}{
		{
			name:     "default local",
			user:     "root",
			host:     "127.0.0.1",
			port:     3306,
			database: "simbridge",
			want:     "root@tcp(127.0.0.1:3306)/simbridge?parseTime=true",
		},
		{
			name:     "custom host and port",
			user:     "bridge",
			host:     "10.0.0.5",
			port:     3307,
			database: "ledger",
			want:     "bridge@tcp(10.0.0.5:3307)/ledger?parseTime=true",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MySQLDSN(tt.user, tt.host, tt.port, tt.database); got != tt.want {
				t.Errorf("MySQLDSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpen_None(t *testing.T) {
	db, err := Open(DriverNone, "")
	if err != nil || db != nil {
		t.Errorf("Open(none) = %v, %v; want nil, nil", db, err)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", "x")
	if err == nil || !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("err = %v, want unsupported driver", err)
	}
}

func TestOpen_SQLiteFile(t *testing.T) {
	path := t.TempDir() + "/ledger.db"
	db, err := Open(DriverSQLite, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer Close(db)
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, table := range []string{"engine_runs", "session_events", "override_records"} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("table %s missing", table)
		}
	}
}

func TestClose_Nil(t *testing.T) {
	if err := Close(nil); err != nil {
		t.Errorf("Close(nil) = %v", err)
	}
}

func TestLedger_RunLifecycle(t *testing.T) {
	l, _ := testLedger(t)

	run := &models.EngineRun{ConfigPath: "grid.sumocfg", Binary: "sumo", PID: 99, RemotePort: 8813}
	if err := l.StartRun(run); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.ID == "" || run.StartedAt.IsZero() || run.Status != models.RunRunning {
		t.Fatalf("run not filled in: %+v", run)
	}
	if l.ActiveRun() != run.ID {
		t.Errorf("ActiveRun = %q, want %q", l.ActiveRun(), run.ID)
	}

	if err := l.RecordEvent(models.SessionEvent{Session: "s1", Event: models.EventConnected}); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if err := l.RecordOverride(models.OverrideRecord{TargetID: "J1", Action: "apply", Phase: "red", DurationSec: 30, Outcome: "ok"}); err != nil {
		t.Fatalf("RecordOverride: %v", err)
	}

	if err := l.FinishRun(run.ID, models.RunStopped, "", "bye"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if l.ActiveRun() != "" {
		t.Errorf("ActiveRun after finish = %q", l.ActiveRun())
	}

	runs, err := l.RecentRuns(10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].Status != models.RunStopped || runs[0].StoppedAt == nil || runs[0].OutputTail != "bye" {
		t.Errorf("finished run = %+v", runs[0])
	}

	evs, err := l.RunEvents(run.ID)
	if err != nil || len(evs) != 1 || evs[0].Event != models.EventConnected {
		t.Errorf("RunEvents = %+v, %v", evs, err)
	}
	recs, err := l.RunOverrides(run.ID)
	if err != nil || len(recs) != 1 || recs[0].TargetID != "J1" {
		t.Errorf("RunOverrides = %+v, %v", recs, err)
	}
}

func TestLedger_FailedStartIsNotActive(t *testing.T) {
	l, _ := testLedger(t)
	now := time.Now()
	run := &models.EngineRun{Status: models.RunFailed, StoppedAt: &now, ExitError: "no such file"}
	if err := l.StartRun(run); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if l.ActiveRun() != "" {
		t.Errorf("ActiveRun = %q, want none for a failed start", l.ActiveRun())
	}
}

func TestLedger_RecentRunsOrderAndLimit(t *testing.T) {
	l, _ := testLedger(t)
	base := time.Now()
	for i := range 3 {
		run := &models.EngineRun{ConfigPath: string(rune('a' + i)), StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := l.StartRun(run); err != nil {
			t.Fatalf("StartRun: %v", err)
		}
	}
	runs, err := l.RecentRuns(2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ConfigPath != "c" || runs[1].ConfigPath != "b" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestLedger_NilIsSafe(t *testing.T) {
	var l *Ledger
	run := &models.EngineRun{}
	if err := l.StartRun(run); err != nil {
		t.Errorf("StartRun = %v", err)
	}
	if run.ID == "" {
		t.Error("StartRun on a nil ledger should still assign an id")
	}
	if err := l.FinishRun(run.ID, models.RunStopped, "", ""); err != nil {
		t.Errorf("FinishRun = %v", err)
	}
	if err := l.RecordEvent(models.SessionEvent{}); err != nil {
		t.Errorf("RecordEvent = %v", err)
	}
	if err := l.RecordOverride(models.OverrideRecord{}); err != nil {
		t.Errorf("RecordOverride = %v", err)
	}
	if runs, err := l.RecentRuns(5); err != nil || runs != nil {
		t.Errorf("RecentRuns = %v, %v", runs, err)
	}
	if l.Enabled() || l.ActiveRun() != "" {
		t.Error("nil ledger reports enabled or active")
	}

	disabled := NewLedger(nil, nil)
	if disabled.Enabled() {
		t.Error("ledger without db reports enabled")
	}
}
