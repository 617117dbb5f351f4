package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/simbridge/internal/bridge"
	"github.com/zulandar/simbridge/internal/command"
)

// Request defaults.
const (
	defaultOverrideSeconds = 30
	defaultRunsLimit       = 20
)

func (s *Server) registerRoutes() {
	r := s.router

	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/system-info", s.handleSystemInfo)
	r.GET("/runs", s.handleRuns)

	r.GET("/vehicles", s.handleVehicles)
	r.GET("/emergency-vehicles", s.handleEmergencyVehicles)
	r.GET("/intersections", s.handleIntersections)
	r.GET("/roads", s.handleRoads)
	r.GET("/simulation-stats", s.handleStats)
	r.GET("/all-data", s.handleAllData)
	r.GET("/api/events", s.handleEvents)

	r.POST("/connect", s.handleConnect)
	r.POST("/start", s.handleStart)
	r.POST("/start-sumo", s.handleStart)
	r.POST("/stop", s.handleStop)
	r.POST("/stop-sumo", s.handleStop)
	r.POST("/disconnect", s.handleDisconnect)
	r.POST("/simulation/pause", s.handlePause)
	r.POST("/simulation/resume", s.handleResume)
	r.POST("/simulation/step", s.handleStep)

	r.POST("/command/traffic-light", s.handleOverride)
	r.DELETE("/command/traffic-light/:id", s.handleClearOverride)
}

func (s *Server) handleHealth(c *gin.Context) {
	h := s.backend.Health()
	c.JSON(http.StatusOK, HealthDTO{
		Status:            "healthy",
		Connected:         h.Connected,
		SimulationRunning: h.Running,
		Paused:            h.Paused,
		Timestamp:         time.Now().UnixMilli(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	ok(c, "", status(s.backend.Status()))
}

func (s *Server) handleSystemInfo(c *gin.Context) {
	cfg := s.backend.Config()
	st := s.backend.Status()

	version, err := s.backend.EngineVersion(c.Request.Context())
	engineInfo := gin.H{
		"available":  err == nil,
		"traci_port": cfg.Control.Port,
		"connected":  st.Connected,
	}
	if err == nil {
		engineInfo["version"] = version
	} else {
		engineInfo["error"] = err.Error()
	}

	ok(c, "", gin.H{
		"bridge": gin.H{
			"running":            true,
			"port":               s.opts.Port,
			"connected_to_sumo":  st.Connected,
			"simulation_running": st.Running,
			"paused":             st.Paused,
		},
		"sumo":            engineInfo,
		"vehicle_count":   st.Active,
		"simulation_time": st.SimTime,
		"config": gin.H{
			"config_path":   cfg.Engine.ConfigPath,
			"gui":           cfg.Engine.GUI,
			"step_length":   cfg.Engine.StepLength,
			"tick_interval": cfg.Poll.TickInterval.String(),
			"max_override":  cfg.API.MaxOverride.String(),
			"ledger":        cfg.Ledger.Driver,
		},
	})
}

func (s *Server) handleRuns(c *gin.Context) {
	limit := defaultRunsLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(c, "api: runs", errInvalid("limit must be a positive integer"))
			return
		}
		limit = n
	}
	rs, err := s.backend.RecentRuns(limit)
	if err != nil {
		fail(c, err)
		return
	}
	okList(c, runs(rs))
}

func (s *Server) handleVehicles(c *gin.Context) {
	snap := s.backend.Cache().Read()
	okList(c, s.geo.vehicles(snap.RegularVehicles(), capturedAt(snap)))
}

func (s *Server) handleEmergencyVehicles(c *gin.Context) {
	snap := s.backend.Cache().Read()
	okList(c, s.geo.vehicles(snap.EmergencyVehicles(), capturedAt(snap)))
}

func (s *Server) handleIntersections(c *gin.Context) {
	snap := s.backend.Cache().Read()
	at := capturedAt(snap)
	out := make([]IntersectionDTO, 0, len(snap.Intersections))
	for _, in := range snap.Intersections {
		out = append(out, s.geo.intersection(in, at))
	}
	okList(c, out)
}

func (s *Server) handleRoads(c *gin.Context) {
	snap := s.backend.Cache().Read()
	at := capturedAt(snap)
	out := make([]RoadDTO, 0, len(snap.Roads))
	for _, r := range snap.Roads {
		out = append(out, s.geo.road(r, at))
	}
	okList(c, out)
}

func (s *Server) handleStats(c *gin.Context) {
	ok(c, "", stats(s.backend.Cache().Read()))
}

func (s *Server) handleAllData(c *gin.Context) {
	ok(c, "", s.geo.allData(s.backend.Cache().Read()))
}

func (s *Server) handleConnect(c *gin.Context) {
	if err := s.backend.Connect(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	ok(c, "Connected to simulation", s.sessionData())
}

type startRequest struct {
	ConfigPath string `json:"config_path"`
	GUI        *bool  `json:"gui"`
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "api: start", err)
			return
		}
	}
	opts := bridge.StartOpts{ConfigPath: req.ConfigPath, GUI: s.backend.Config().Engine.GUI}
	if req.GUI != nil {
		opts.GUI = *req.GUI
	}
	if err := s.backend.Start(c.Request.Context(), opts); err != nil {
		fail(c, err)
		return
	}
	ok(c, "Simulation started", s.sessionData())
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.backend.Stop(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	ok(c, "Simulation stopped", nil)
}

func (s *Server) handleDisconnect(c *gin.Context) {
	s.backend.Disconnect()
	ok(c, "Disconnected from simulation", nil)
}

func (s *Server) handlePause(c *gin.Context) {
	if err := s.backend.Pause(); err != nil {
		fail(c, err)
		return
	}
	ok(c, "Simulation paused", nil)
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.backend.Resume(); err != nil {
		fail(c, err)
		return
	}
	ok(c, "Simulation resumed", nil)
}

type stepRequest struct {
	Steps *int `json:"steps"`
}

func (s *Server) handleStep(c *gin.Context) {
	var req stepRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "api: step", err)
			return
		}
	}
	n := 1
	if req.Steps != nil {
		n = *req.Steps
	}
	snap, err := s.backend.Step(n)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "", stats(snap))
}

type overrideRequest struct {
	IntersectionID string   `json:"intersectionId"`
	Phase          string   `json:"phase"`
	Duration       *float64 `json:"duration"` // seconds
}

func (s *Server) handleOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "api: override", err)
		return
	}
	if req.Phase == "" {
		req.Phase = "green"
	}
	seconds := float64(defaultOverrideSeconds)
	if req.Duration != nil {
		seconds = *req.Duration
	}
	o := command.Override{
		TargetID: req.IntersectionID,
		Phase:    req.Phase,
		Duration: time.Duration(seconds * float64(time.Second)),
	}
	if err := s.backend.Override(c.Request.Context(), o); err != nil {
		fail(c, err)
		return
	}
	ok(c, "Traffic light "+o.TargetID+" set to "+o.Phase, gin.H{
		"intersectionId": o.TargetID,
		"phase":          o.Phase,
		"duration":       seconds,
	})
}

func (s *Server) handleClearOverride(c *gin.Context) {
	id := c.Param("id")
	if err := s.backend.ClearOverride(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	ok(c, "Traffic light "+id+" returned to its program", gin.H{"intersectionId": id})
}

func (s *Server) sessionData() gin.H {
	st := s.backend.Status()
	return gin.H{
		"connected":       st.Connected,
		"session":         st.Session,
		"simulation_time": st.SimTime,
		"vehicle_count":   st.Active,
		"pid":             st.PID,
	}
}
