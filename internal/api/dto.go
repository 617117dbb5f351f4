package api

import (
	"time"

	"github.com/zulandar/simbridge/internal/bridge"
	"github.com/zulandar/simbridge/internal/engine"
	"github.com/zulandar/simbridge/internal/models"
	"github.com/zulandar/simbridge/internal/snapshot"
)

// kmh converts m/s to km/h.
func kmh(ms float64) float64 { return ms * 3.6 }

func millis(t time.Time) int64 { return t.UnixMilli() }

// VehiclePosition is a vehicle's map position and road placement.
type VehiclePosition struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	RoadID string  `json:"roadId"`
	LaneID string  `json:"laneId"`
}

// VehicleDTO is a vehicle as served to clients. Speed is km/h.
type VehicleDTO struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	EngineType    string          `json:"engineType"`
	Position      VehiclePosition `json:"position"`
	Speed         float64         `json:"speed"`
	Angle         float64         `json:"angle"`
	Route         []string        `json:"route"`
	WaitingTime   float64         `json:"waitingTime"`
	Distance      float64         `json:"distance"`
	SimTime       float64         `json:"simTime"`
	Timestamp     int64           `json:"timestamp"`
	Emergency     bool            `json:"emergency"`
	EmergencyType string          `json:"emergencyType,omitempty"`
	Priority      string          `json:"priority,omitempty"`
	Status        string          `json:"status,omitempty"`
}

// SignalDTO is one signal of an intersection.
type SignalDTO struct {
	Index         int     `json:"index"`
	Phase         string  `json:"phase"`
	RemainingTime float64 `json:"remainingTime"`
	NextPhase     string  `json:"nextPhase"`
}

// IntersectionDTO is a signalised intersection.
type IntersectionDTO struct {
	ID              string             `json:"id"`
	Position        LatLng             `json:"position"`
	Estimated       bool               `json:"estimatedPosition"`
	Phase           string             `json:"phase"`
	State           string             `json:"state"`
	PhaseIndex      int                `json:"phaseIndex"`
	Program         string             `json:"program"`
	RemainingTime   float64            `json:"remainingTime"`
	TrafficLights   []SignalDTO        `json:"trafficLights"`
	QueueLengths    map[string]int     `json:"queueLengths"`
	WaitingTimes    map[string]float64 `json:"waitingTimes"`
	CongestionLevel string             `json:"congestionLevel"`
	Overridden      bool               `json:"overridden"`
	Timestamp       int64              `json:"timestamp"`
}

// LaneDTO is one lane of a road. Speeds are km/h.
type LaneDTO struct {
	ID           string  `json:"id"`
	VehicleCount int     `json:"vehicleCount"`
	AverageSpeed float64 `json:"averageSpeed"`
	Density      float64 `json:"density"`
	Flow         float64 `json:"flow"`
}

// RoadDTO is one road. Coordinates are estimated from the id.
type RoadDTO struct {
	ID              string    `json:"id"`
	Coordinates     []LatLng  `json:"coordinates"`
	VehicleCount    int       `json:"vehicleCount"`
	AverageSpeed    float64   `json:"averageSpeed"`
	CongestionLevel string    `json:"congestionLevel"`
	Lanes           []LaneDTO `json:"lanes"`
	Incidents       []string  `json:"incidents"`
	Timestamp       int64     `json:"timestamp"`
}

// StatsDTO is the simulation summary. Speeds are km/h.
type StatsDTO struct {
	CurrentTime         float64 `json:"currentTime"`
	LoadedVehicles      int     `json:"loadedVehicles"`
	DepartedVehicles    int     `json:"departedVehicles"`
	ArrivedVehicles     int     `json:"arrivedVehicles"`
	ActiveVehicles      int     `json:"activeVehicles"`
	EmergencyVehicles   int     `json:"emergencyVehicles"`
	MinExpectedVehicles int     `json:"minExpectedVehicles"`
	AverageSpeed        float64 `json:"averageSpeed"`
	SpeedStdDev         float64 `json:"speedStdDev"`
	Tick                uint64  `json:"tick"`
	StallStreak         int     `json:"stallStreak"`
	Stalls              int     `json:"stalls"`
	Timestamp           int64   `json:"timestamp"`
}

// AllDataDTO bundles every list from one snapshot.
type AllDataDTO struct {
	Vehicles          []VehicleDTO      `json:"vehicles"`
	EmergencyVehicles []VehicleDTO      `json:"emergencyVehicles"`
	Intersections     []IntersectionDTO `json:"intersections"`
	Roads             []RoadDTO         `json:"roads"`
	Stats             StatsDTO          `json:"stats"`
}

// HealthDTO is the liveness response.
type HealthDTO struct {
	Status            string `json:"status"`
	Connected         bool   `json:"connected"`
	SimulationRunning bool   `json:"simulationRunning"`
	Paused            bool   `json:"paused"`
	Timestamp         int64  `json:"timestamp"`
}

// StatusDTO is the detailed bridge state.
type StatusDTO struct {
	Connected      bool    `json:"connected"`
	SumoRunning    bool    `json:"sumoRunning"`
	Polling        bool    `json:"polling"`
	Paused         bool    `json:"paused"`
	Session        string  `json:"session,omitempty"`
	RunID          string  `json:"runId,omitempty"`
	APIVersion     int32   `json:"apiVersion,omitempty"`
	EngineVersion  string  `json:"engineVersion,omitempty"`
	ProcessState   string  `json:"processState"`
	PID            int     `json:"pid,omitempty"`
	ConfigPath     string  `json:"configPath,omitempty"`
	SimulationTime float64 `json:"simulationTime"`
	Tick           uint64  `json:"tick"`
	VehicleCount   int     `json:"vehicleCount"`
	StallStreak    int     `json:"stallStreak"`
	Stalls         int     `json:"stalls"`
	LastError      string  `json:"lastError,omitempty"`
	LastUpdate     int64   `json:"lastUpdate"`
}

// RunDTO is one ledger run.
type RunDTO struct {
	ID         string     `json:"id"`
	ConfigPath string     `json:"configPath"`
	Binary     string     `json:"binary"`
	GUI        bool       `json:"gui"`
	PID        int        `json:"pid"`
	RemotePort int        `json:"remotePort"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	StoppedAt  *time.Time `json:"stoppedAt,omitempty"`
	ExitError  string     `json:"exitError,omitempty"`
}

// Intersection congestion thresholds on total queued vehicles.
const (
	queueMedium = 5
	queueHigh   = 15
)

func (g Geo) vehicle(v snapshot.Vehicle, at time.Time) VehicleDTO {
	pos := g.LatLng(v.X, v.Y)
	d := VehicleDTO{
		ID:         v.ID,
		Type:       v.Class,
		EngineType: v.Type,
		Position: VehiclePosition{
			Lat:    pos.Lat,
			Lng:    pos.Lng,
			RoadID: v.RoadID,
			LaneID: v.LaneID,
		},
		Speed:       kmh(v.Speed),
		Angle:       v.Heading,
		Route:       v.Route,
		WaitingTime: v.WaitingTime,
		Distance:    v.Distance,
		SimTime:     v.SimTime,
		Timestamp:   millis(at),
	}
	if d.Route == nil {
		d.Route = []string{}
	}
	if v.Emergency {
		d.Emergency = true
		d.EmergencyType = v.EmergencyType
		d.Priority = "high"
		d.Status = "responding"
	}
	return d
}

func (g Geo) vehicles(vs []snapshot.Vehicle, at time.Time) []VehicleDTO {
	out := make([]VehicleDTO, 0, len(vs))
	for _, v := range vs {
		out = append(out, g.vehicle(v, at))
	}
	return out
}

func nextPhase(phase string) string {
	switch phase {
	case snapshot.PhaseGreen:
		return snapshot.PhaseYellow
	case snapshot.PhaseYellow:
		return snapshot.PhaseRed
	}
	return snapshot.PhaseGreen
}

func queueCongestion(total int) string {
	switch {
	case total >= queueHigh:
		return snapshot.CongestionHigh
	case total >= queueMedium:
		return snapshot.CongestionMedium
	}
	return snapshot.CongestionLow
}

func (g Geo) intersection(in snapshot.Intersection, at time.Time) IntersectionDTO {
	d := IntersectionDTO{
		ID:            in.ID,
		Phase:         in.Phase(),
		State:         in.RawState,
		PhaseIndex:    in.PhaseIndex,
		Program:       in.ProgramID,
		RemainingTime: in.RemainingTime,
		TrafficLights: make([]SignalDTO, 0, len(in.Signals)),
		QueueLengths:  make(map[string]int, len(in.Lanes)),
		WaitingTimes:  make(map[string]float64, len(in.Lanes)),
		Overridden:    in.Overridden,
		Timestamp:     millis(at),
	}
	if in.HasPosition {
		d.Position = g.LatLng(in.X, in.Y)
	} else {
		d.Position = g.Placeholder(in.ID)
		d.Estimated = true
	}
	for _, sig := range in.Signals {
		d.TrafficLights = append(d.TrafficLights, SignalDTO{
			Index:         sig.Index,
			Phase:         sig.Phase,
			RemainingTime: in.RemainingTime,
			NextPhase:     nextPhase(sig.Phase),
		})
	}
	total := 0
	for _, q := range in.Lanes {
		d.QueueLengths[q.LaneID] = q.QueueLength
		d.WaitingTimes[q.LaneID] = q.WaitingTime
		total += q.QueueLength
	}
	d.CongestionLevel = queueCongestion(total)
	return d
}

func (g Geo) road(r snapshot.Road, at time.Time) RoadDTO {
	d := RoadDTO{
		ID:              r.ID,
		Coordinates:     []LatLng{g.Placeholder(r.ID), g.Placeholder(r.ID + "#end")},
		VehicleCount:    r.VehicleCount,
		AverageSpeed:    kmh(r.MeanSpeed),
		CongestionLevel: r.Congestion,
		Lanes:           make([]LaneDTO, 0, len(r.Lanes)),
		Incidents:       []string{},
		Timestamp:       millis(at),
	}
	for _, l := range r.Lanes {
		d.Lanes = append(d.Lanes, LaneDTO{
			ID:           l.ID,
			VehicleCount: l.VehicleCount,
			AverageSpeed: kmh(l.MeanSpeed),
			Density:      l.Density,
			Flow:         l.Flow,
		})
	}
	return d
}

func stats(s *snapshot.Snapshot) StatsDTO {
	st := s.Stats
	return StatsDTO{
		CurrentTime:         st.CurrentTime,
		LoadedVehicles:      st.Loaded,
		DepartedVehicles:    st.Departed,
		ArrivedVehicles:     st.Arrived,
		ActiveVehicles:      st.Active,
		EmergencyVehicles:   st.Emergency,
		MinExpectedVehicles: st.MinExpected,
		AverageSpeed:        kmh(st.MeanSpeed),
		SpeedStdDev:         kmh(st.SpeedStdDev),
		Tick:                st.Tick,
		StallStreak:         st.StallStreak,
		Stalls:              st.Stalls,
		Timestamp:           millis(capturedAt(s)),
	}
}

// capturedAt is the snapshot's capture time, or now for the initial empty
// snapshot.
func capturedAt(s *snapshot.Snapshot) time.Time {
	if s.CapturedAt.IsZero() {
		return time.Now()
	}
	return s.CapturedAt
}

func (g Geo) allData(s *snapshot.Snapshot) AllDataDTO {
	at := capturedAt(s)
	d := AllDataDTO{
		Vehicles:          g.vehicles(s.RegularVehicles(), at),
		EmergencyVehicles: g.vehicles(s.EmergencyVehicles(), at),
		Intersections:     make([]IntersectionDTO, 0, len(s.Intersections)),
		Roads:             make([]RoadDTO, 0, len(s.Roads)),
		Stats:             stats(s),
	}
	for _, in := range s.Intersections {
		d.Intersections = append(d.Intersections, g.intersection(in, at))
	}
	for _, r := range s.Roads {
		d.Roads = append(d.Roads, g.road(r, at))
	}
	return d
}

func status(st bridge.Status) StatusDTO {
	return StatusDTO{
		Connected:      st.Connected,
		SumoRunning:    st.ProcessState == engine.StateRunning || st.Connected,
		Polling:        st.Running,
		Paused:         st.Paused,
		Session:        st.Session,
		RunID:          st.RunID,
		APIVersion:     st.APIVersion,
		EngineVersion:  st.EngineVersion,
		ProcessState:   string(st.ProcessState),
		PID:            st.PID,
		ConfigPath:     st.ConfigPath,
		SimulationTime: st.SimTime,
		Tick:           st.Tick,
		VehicleCount:   st.Active,
		StallStreak:    st.StallStreak,
		Stalls:         st.Stalls,
		LastError:      st.LastError,
		LastUpdate:     time.Now().UnixMilli(),
	}
}

func runs(rs []models.EngineRun) []RunDTO {
	out := make([]RunDTO, 0, len(rs))
	for _, r := range rs {
		out = append(out, RunDTO{
			ID:         r.ID,
			ConfigPath: r.ConfigPath,
			Binary:     r.Binary,
			GUI:        r.GUI,
			PID:        r.PID,
			RemotePort: r.RemotePort,
			Status:     r.Status,
			StartedAt:  r.StartedAt,
			StoppedAt:  r.StoppedAt,
			ExitError:  r.ExitError,
		})
	}
	return out
}
