package bridge

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/simbridge/internal/command"
	"github.com/zulandar/simbridge/internal/config"
	"github.com/zulandar/simbridge/internal/db"
	"github.com/zulandar/simbridge/internal/engine"
	"github.com/zulandar/simbridge/internal/fault"
	"github.com/zulandar/simbridge/internal/models"
	"github.com/zulandar/simbridge/internal/notify"
	"github.com/zulandar/simbridge/internal/traci/tracitest"
	"github.com/zulandar/simbridge/internal/traci/wire"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type recorder struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (r *recorder) Notify(_ context.Context, a notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recorder) has(title string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.alerts {
		if a.Title == title {
			return true
		}
	}
	return false
}

func testConfig(port int) *config.Config {
	cfg := config.Default()
	cfg.Control.Host = "127.0.0.1"
	cfg.Control.Port = port
	cfg.Control.ConnectRetries = 1
	cfg.Control.BackoffInitial = 10 * time.Millisecond
	cfg.Control.BackoffMax = 20 * time.Millisecond
	cfg.Control.IOTimeout = 2 * time.Second
	cfg.Poll.TickInterval = time.Hour
	cfg.Engine.StartupGrace = 100 * time.Millisecond
	cfg.Engine.StopTimeout = 2 * time.Second
	return cfg
}

func testLedger(t *testing.T) *db.Ledger {
	t.Helper()
	gdb, err := db.Open(db.DriverSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	t.Cleanup(func() { db.Close(gdb) })
	return db.NewLedger(gdb, quietLogger())
}

func newService(t *testing.T, cfg *config.Config) (*Service, *recorder, *db.Ledger) {
	t.Helper()
	rec := &recorder{}
	ledger := testLedger(t)
	s, err := New(Opts{Config: cfg, Logger: quietLogger(), Ledger: ledger, Notifier: rec})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, rec, ledger
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func writeMockBinary(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "sumo")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func writeScenario(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "grid.sumocfg")
	require.NoError(t, os.WriteFile(path, []byte("<configuration/>\n"), 0644))
	return path
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, what)
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Opts{})
	assert.Error(t, err)
}

func TestConnect_EngineNotRunning(t *testing.T) {
	s, _, _ := newService(t, testConfig(closedPort(t)))

	err := s.Connect(context.Background())
	assert.True(t, fault.Is(err, fault.KindConnection), "err = %v", err)

	h := s.Health()
	assert.False(t, h.Connected)
	assert.False(t, h.Running)
}

func TestConnect_PollsAndPublishes(t *testing.T) {
	srv := tracitest.New(t)
	srv.SetCounts(tracitest.Counts{Loaded: 1})
	srv.AddVehicle(tracitest.Vehicle{ID: "car1", Type: "passenger", Road: "e1", Lane: "e1_0", Speed: 10})
	s, _, _ := newService(t, testConfig(srv.Port()))

	require.NoError(t, s.Connect(context.Background()))
	// Connecting again keeps the existing session.
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, srv.CountReceived(wire.CmdGetVersion))

	snap, err := s.Step(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Seq)
	assert.Len(t, snap.Vehicles, 1)

	st := s.Status()
	assert.True(t, st.Connected)
	assert.True(t, st.Running)
	assert.NotEmpty(t, st.Session)
	assert.Equal(t, int32(tracitest.APIVersion), st.APIVersion)
	assert.Equal(t, 1, st.Active)
}

func TestConnect_WarmUpStopsWhenVehiclesLoad(t *testing.T) {
	srv := tracitest.New(t)
	srv.OnStep(func(step int) {
		if step == 2 {
			srv.SetCounts(tracitest.Counts{Loaded: 4})
		}
	})
	s, _, _ := newService(t, testConfig(srv.Port()))

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 2, srv.Steps())
}

func TestConnect_ZeroVehicleScenario(t *testing.T) {
	srv := tracitest.New(t)
	s, _, _ := newService(t, testConfig(srv.Port()))

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 5, srv.Steps(), "full warm-up on an empty scenario")

	snap, err := s.Step(1)
	require.NoError(t, err)
	assert.Zero(t, snap.Stats.Active)
	assert.Zero(t, snap.Stats.Loaded)
}

func TestDisconnect_KeepsServiceUsable(t *testing.T) {
	srv := tracitest.New(t)
	s, _, ledger := newService(t, testConfig(srv.Port()))
	require.NoError(t, s.Connect(context.Background()))

	s.Disconnect()
	s.Disconnect()
	assert.False(t, s.Health().Connected)
	assert.Equal(t, 1, srv.CountReceived(wire.CmdClose))

	_, err := s.Step(1)
	assert.True(t, fault.Is(err, fault.KindDisconnected))
	assert.True(t, fault.Is(s.Pause(), fault.KindDisconnected))

	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.Health().Connected)

	evs, err := ledger.RunEvents("")
	require.NoError(t, err)
	var names []string
	for _, ev := range evs {
		names = append(names, ev.Event)
	}
	assert.Equal(t, []string{models.EventConnected, models.EventDisconnected, models.EventConnected}, names)
}

func TestPause_KeepsSnapshot(t *testing.T) {
	srv := tracitest.New(t)
	cfg := testConfig(srv.Port())
	cfg.Poll.TickInterval = 5 * time.Millisecond
	s, _, _ := newService(t, cfg)
	require.NoError(t, s.Connect(context.Background()))
	eventually(t, "first tick", func() bool { return s.Cache().Read().Seq > 0 })

	require.NoError(t, s.Pause())
	time.Sleep(30 * time.Millisecond)
	before := s.Cache().Read()
	steps := srv.Steps()
	time.Sleep(60 * time.Millisecond)

	assert.Same(t, before, s.Cache().Read())
	assert.Equal(t, steps, srv.Steps())
	assert.True(t, s.Health().Paused)

	require.NoError(t, s.Resume())
	eventually(t, "tick after resume", func() bool { return s.Cache().Read().Seq > before.Seq })
}

func TestOverride_ThroughService(t *testing.T) {
	srv := tracitest.New(t)
	srv.AddLight(tracitest.Light{ID: "J1", State: "GrGr", Program: "0"})
	s, _, ledger := newService(t, testConfig(srv.Port()))
	require.NoError(t, s.Connect(context.Background()))
	_, err := s.Step(1)
	require.NoError(t, err)

	err = s.Override(context.Background(), command.Override{TargetID: "ghost", Phase: "red", Duration: time.Second})
	assert.Equal(t, fault.ReasonNotFound, fault.ReasonOf(err))
	assert.True(t, s.Health().Connected, "session untouched by a rejected override")

	require.NoError(t, s.Override(context.Background(), command.Override{TargetID: "J1", Phase: "yellow", Duration: 20 * time.Second}))
	l, _ := srv.Light("J1")
	assert.Equal(t, "yyyy", l.State)

	require.NoError(t, s.ClearOverride(context.Background(), "J1"))

	recs, err := ledger.RunOverrides("")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, string(fault.KindCommand), recs[0].Outcome)
	assert.Equal(t, "ok", recs[1].Outcome)
	assert.Equal(t, "clear", recs[2].Action)
}

func TestOverride_Disconnected(t *testing.T) {
	s, _, _ := newService(t, testConfig(closedPort(t)))
	err := s.Override(context.Background(), command.Override{TargetID: "J1", Phase: "red", Duration: time.Second})
	assert.True(t, fault.Is(err, fault.KindDisconnected))
}

func TestSessionLost_AlertsAndDetaches(t *testing.T) {
	srv := tracitest.New(t)
	cfg := testConfig(srv.Port())
	cfg.Poll.TickInterval = 5 * time.Millisecond
	s, rec, _ := newService(t, cfg)
	require.NoError(t, s.Connect(context.Background()))

	srv.DropConnections()

	eventually(t, "session marked lost", func() bool { return !s.Health().Connected && !s.Health().Running })
	eventually(t, "lost alert", func() bool { return rec.has("Simulation connection lost") })

	err := s.Override(context.Background(), command.Override{TargetID: "J1", Phase: "red", Duration: time.Second})
	assert.True(t, fault.Is(err, fault.KindDisconnected))

	// Recovery is an explicit reconnect.
	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.Health().Connected)
}

func TestStart_LifecycleAndIdempotentStop(t *testing.T) {
	srv := tracitest.New(t)
	dir := t.TempDir()
	cfg := testConfig(srv.Port())
	cfg.Engine.Binary = writeMockBinary(t, dir, "exec sleep 30\n")
	scenario := writeScenario(t, dir)
	s, _, ledger := newService(t, cfg)

	require.NoError(t, s.Start(context.Background(), StartOpts{ConfigPath: scenario}))
	st := s.Status()
	assert.Equal(t, engine.StateRunning, st.ProcessState)
	assert.NotZero(t, st.PID)
	assert.True(t, st.Connected)
	assert.NotEmpty(t, st.RunID)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	st = s.Status()
	assert.False(t, st.Connected)
	assert.Equal(t, engine.StateNotStarted, st.ProcessState)

	runs, err := s.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStopped, runs[0].Status)
	assert.NotNil(t, runs[0].StoppedAt)
	assert.Empty(t, ledger.ActiveRun())
}

func TestStart_InvalidBinary(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(closedPort(t))
	cfg.Engine.Binary = filepath.Join(dir, "no-such-sumo")
	s, rec, _ := newService(t, cfg)

	err := s.Start(context.Background(), StartOpts{ConfigPath: writeScenario(t, dir)})
	assert.True(t, fault.Is(err, fault.KindStartup), "err = %v", err)
	eventually(t, "startup alert", func() bool { return rec.has("Engine failed to start") })

	runs, err := s.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].ExitError)
}

func TestStart_MissingConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(closedPort(t))
	cfg.Engine.Binary = writeMockBinary(t, dir, "exec sleep 30\n")
	s, _, _ := newService(t, cfg)

	err := s.Start(context.Background(), StartOpts{ConfigPath: filepath.Join(dir, "missing.sumocfg")})
	assert.True(t, fault.Is(err, fault.KindConfigNotFound), "err = %v", err)
	assert.Equal(t, engine.StateNotStarted, s.Status().ProcessState)
}

func TestStart_ConnectFailureStopsEngine(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(closedPort(t))
	cfg.Engine.Binary = writeMockBinary(t, dir, "exec sleep 30\n")
	s, _, _ := newService(t, cfg)

	err := s.Start(context.Background(), StartOpts{ConfigPath: writeScenario(t, dir)})
	assert.True(t, fault.Is(err, fault.KindConnection), "err = %v", err)
	assert.Equal(t, engine.StateNotStarted, s.Status().ProcessState)

	runs, err := s.RecentRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStopped, runs[0].Status)
}

func TestEngineExit_Alerts(t *testing.T) {
	srv := tracitest.New(t)
	dir := t.TempDir()
	cfg := testConfig(srv.Port())
	cfg.Engine.Binary = writeMockBinary(t, dir, "sleep 0.4\nexit 3\n")
	s, rec, _ := newService(t, cfg)

	require.NoError(t, s.Start(context.Background(), StartOpts{ConfigPath: writeScenario(t, dir)}))
	eventually(t, "exit alert", func() bool { return rec.has("Simulation engine exited") })
	assert.Equal(t, engine.StateFailed, s.Status().ProcessState)

	runs, err := s.RecentRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunFailed, runs[0].Status)

	// Stopping after the crash is a no-op.
	require.NoError(t, s.Stop(context.Background()))
}

func TestDigestAlert(t *testing.T) {
	srv := tracitest.New(t)
	s, _, _ := newService(t, testConfig(srv.Port()))

	_, ok := s.DigestAlert()
	assert.False(t, ok, "no digest while disconnected")

	require.NoError(t, s.Connect(context.Background()))
	a, ok := s.DigestAlert()
	assert.True(t, ok)
	assert.Equal(t, "Simulation status", a.Title)
	assert.NotEmpty(t, a.Fields)
}

func TestStatus_ResponsiveDuringStart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(closedPort(t))
	cfg.Engine.Binary = writeMockBinary(t, dir, "exec sleep 30\n")
	cfg.Control.ConnectRetries = 8
	cfg.Control.BackoffInitial = 400 * time.Millisecond
	cfg.Control.BackoffMax = 400 * time.Millisecond
	s, _, _ := newService(t, cfg)

	started := make(chan error, 1)
	go func() {
		started <- s.Start(context.Background(), StartOpts{ConfigPath: writeScenario(t, dir)})
	}()
	time.Sleep(300 * time.Millisecond)

	timed := func(name string, fn func()) {
		t.Helper()
		begin := time.Now()
		fn()
		assert.Less(t, time.Since(begin), 100*time.Millisecond, "%s blocked behind Start", name)
	}
	timed("Health", func() { assert.False(t, s.Health().Connected) })
	timed("Status", func() {
		st := s.Status()
		assert.Equal(t, engine.StateRunning, st.ProcessState)
		assert.NotZero(t, st.PID)
		assert.NotEmpty(t, st.RunID)
	})
	timed("Pause", func() { assert.True(t, fault.Is(s.Pause(), fault.KindDisconnected)) })

	select {
	case err := <-started:
		assert.True(t, fault.Is(err, fault.KindConnection), "err = %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.Equal(t, engine.StateNotStarted, s.Status().ProcessState)
}

func TestStart_ConcurrentLeavesOneEngine(t *testing.T) {
	srv := tracitest.New(t)
	dir := t.TempDir()
	pids := filepath.Join(dir, "pids")
	cfg := testConfig(srv.Port())
	cfg.Engine.Binary = writeMockBinary(t, dir, "echo $$ >> "+pids+"\nexec sleep 30\n")
	scenario := writeScenario(t, dir)
	s, _, _ := newService(t, cfg)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Start(context.Background(), StartOpts{ConfigPath: scenario})
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	data, err := os.ReadFile(pids)
	require.NoError(t, err)
	lines := strings.Fields(string(data))
	require.Len(t, lines, 2)

	var alive []int
	for _, line := range lines {
		pid, err := strconv.Atoi(line)
		require.NoError(t, err)
		if syscall.Kill(pid, 0) == nil {
			alive = append(alive, pid)
		}
	}
	require.Len(t, alive, 1, "engines alive: %v", alive)
	assert.Equal(t, alive[0], s.Status().PID)

	runs, err := s.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, models.RunStopped, runs[1].Status)
}

func TestConnect_FrozenEngineStallsFromFirstTick(t *testing.T) {
	srv := tracitest.New(t)
	srv.Freeze(true)
	s, _, _ := newService(t, testConfig(srv.Port()))
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.Step(3)
	require.NoError(t, err)
	st := s.Status()
	assert.Equal(t, 3, st.StallStreak)
	assert.Equal(t, 1, st.Stalls)
}
