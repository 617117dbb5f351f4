package bridge

import (
	"fmt"

	"github.com/zulandar/simbridge/internal/engine"
	"github.com/zulandar/simbridge/internal/notify"
	"github.com/zulandar/simbridge/internal/traci"
)

// Health is the liveness summary. It never fails.
type Health struct {
	Connected bool
	Running   bool
	Paused    bool
}

// Status is the detailed bridge state.
type Status struct {
	Health
	Session       string
	RunID         string
	APIVersion    int32
	EngineVersion string
	ProcessState  engine.State
	PID           int
	ConfigPath    string
	SimTime       float64
	Tick          uint64
	Active        int
	StallStreak   int
	Stalls        int
	LastError     string
}

// Health reports the connection and loop flags. It never waits on a
// lifecycle operation in progress.
func (s *Service) Health() Health {
	return Health{
		Connected: s.published().sess.State() == traci.Connected,
		Running:   s.loop.Running(),
		Paused:    s.loop.Paused(),
	}
}

// Status reports the bridge state together with the latest snapshot's
// statistics.
func (s *Service) Status() Status {
	st := Status{Health: s.Health()}

	v := s.published()
	if v.sess != nil {
		st.Session = v.sess.Label
		st.APIVersion = v.hs.APIVersion
		st.EngineVersion = v.hs.EngineVersion
	}
	st.RunID = v.runID
	st.ProcessState = v.proc.State()
	if v.proc != nil {
		st.PID = v.proc.PID
		st.ConfigPath = v.proc.ConfigPath
	}

	snap := s.cache.Read()
	st.SimTime = snap.Stats.CurrentTime
	st.Tick = snap.Stats.Tick
	st.Active = snap.Stats.Active
	st.StallStreak = s.loop.StallStreak()
	st.Stalls = s.loop.Stalls()
	if err := s.loop.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// DigestAlert summarizes the running simulation for the scheduled digest.
// It reports false while no session is connected.
func (s *Service) DigestAlert() (notify.Alert, bool) {
	st := s.Status()
	if !st.Connected {
		return notify.Alert{}, false
	}
	stats := s.cache.Read().Stats
	state := "running"
	if st.Paused {
		state = "paused"
	}
	return notify.Alert{
		Severity: notify.SeverityInfo,
		Title:    "Simulation status",
		Body:     fmt.Sprintf("Simulation %s at t=%.1fs", state, stats.CurrentTime),
		Fields: []notify.Field{
			{Name: "active", Value: fmt.Sprint(stats.Active), Short: true},
			{Name: "emergency", Value: fmt.Sprint(stats.Emergency), Short: true},
			{Name: "loaded", Value: fmt.Sprint(stats.Loaded), Short: true},
			{Name: "arrived", Value: fmt.Sprint(stats.Arrived), Short: true},
			{Name: "mean speed", Value: fmt.Sprintf("%.1f km/h", stats.MeanSpeed*3.6), Short: true},
			{Name: "stalls", Value: fmt.Sprint(st.Stalls), Short: true},
		},
	}, true
}
