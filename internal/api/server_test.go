package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/simbridge/internal/bridge"
	"github.com/zulandar/simbridge/internal/command"
	"github.com/zulandar/simbridge/internal/config"
	"github.com/zulandar/simbridge/internal/fault"
	"github.com/zulandar/simbridge/internal/models"
	"github.com/zulandar/simbridge/internal/snapshot"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// stubBackend serves a fixed cache and returns canned errors.
type stubBackend struct {
	cfg   *config.Config
	cache *snapshot.Cache
	st    bridge.Status
	err   error

	started   bridge.StartOpts
	steps     int
	overrides []command.Override
	cleared   string
	runsLimit int
}

func newStub() *stubBackend {
	return &stubBackend{cfg: config.Default(), cache: snapshot.NewCache()}
}

func (b *stubBackend) Config() *config.Config { return b.cfg }
func (b *stubBackend) Cache() *snapshot.Cache { return b.cache }
func (b *stubBackend) Health() bridge.Health  { return b.st.Health }
func (b *stubBackend) Status() bridge.Status  { return b.st }

func (b *stubBackend) Start(_ context.Context, opts bridge.StartOpts) error {
	b.started = opts
	return b.err
}

func (b *stubBackend) Stop(context.Context) error    { return b.err }
func (b *stubBackend) Connect(context.Context) error { return b.err }
func (b *stubBackend) Disconnect()                   {}
func (b *stubBackend) Pause() error                  { return b.err }
func (b *stubBackend) Resume() error                 { return b.err }

func (b *stubBackend) Step(n int) (*snapshot.Snapshot, error) {
	b.steps = n
	if b.err != nil {
		return nil, b.err
	}
	return b.cache.Read(), nil
}

func (b *stubBackend) Override(_ context.Context, o command.Override) error {
	b.overrides = append(b.overrides, o)
	return b.err
}

func (b *stubBackend) ClearOverride(_ context.Context, id string) error {
	b.cleared = id
	return b.err
}

func (b *stubBackend) EngineVersion(context.Context) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	return "Eclipse SUMO sumo Version 1.20.0", nil
}

func (b *stubBackend) RecentRuns(limit int) ([]models.EngineRun, error) {
	b.runsLimit = limit
	return []models.EngineRun{{ID: "run-1", Status: models.RunStopped, StartedAt: time.Now()}}, b.err
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w, out
}

func populated() *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Seq:        4,
		CapturedAt: time.UnixMilli(1700000000000),
		Stats:      snapshot.Stats{CurrentTime: 4, Active: 2, Emergency: 1, MeanSpeed: 10, Tick: 4},
		Vehicles: []snapshot.Vehicle{
			{ID: "car1", Class: "car", Type: "passenger", X: 0, Y: 0, Speed: 10},
			{ID: "ambulance_1", Class: "emergency", Type: "emergency", Speed: 20, Emergency: true, EmergencyType: "ambulance"},
		},
		Intersections: []snapshot.Intersection{{
			ID:          "J1",
			RawState:    "Gr",
			Signals:     snapshot.Signals("Gr"),
			HasPosition: true,
			X:           0,
			Y:           111.32,
			Lanes: []snapshot.LaneQueue{
				{LaneID: "e1_0", QueueLength: 4},
				{LaneID: "e2_0", QueueLength: 2},
			},
		}},
		Roads: []snapshot.Road{{ID: "e1", MeanSpeed: 5, Congestion: snapshot.CongestionMedium}},
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fault.New(fault.KindConfigNotFound, "engine: start", "missing"), http.StatusNotFound},
		{fault.New(fault.KindStartup, "engine: start", "exited"), http.StatusBadGateway},
		{fault.New(fault.KindConnection, "traci: dial", "refused"), http.StatusServiceUnavailable},
		{fault.Disconnected("command: override"), http.StatusConflict},
		{fault.New(fault.KindStall, "poller: tick", "stuck"), http.StatusInternalServerError},
		{fault.Command(fault.ReasonNotFound, "command: override", "no such intersection"), http.StatusNotFound},
		{fault.Command(fault.ReasonInvalidParameters, "command: override", "bad phase"), http.StatusBadRequest},
		{fault.Command(fault.ReasonRejected, "command: override", "engine said no"), http.StatusUnprocessableEntity},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, httpStatus(tt.err), "%v", tt.err)
	}
}

func TestGeo(t *testing.T) {
	g := Geo{OriginLat: 9, OriginLng: 38}
	p := g.LatLng(0, 111320)
	assert.InDelta(t, 10, p.Lat, 1e-9)
	assert.InDelta(t, 38, p.Lng, 1e-9)
	p = g.LatLng(111320*0.9, 0)
	assert.InDelta(t, 39, p.Lng, 1e-9)

	a, b := g.Placeholder("e1"), g.Placeholder("e1")
	assert.Equal(t, a, b, "placeholder is stable")
	assert.InDelta(t, 9, a.Lat, 0.01)
	assert.InDelta(t, 38, a.Lng, 0.01)
}

func TestHealth(t *testing.T) {
	b := newStub()
	b.st.Health = bridge.Health{Connected: true, Running: true}
	s := New(b, Options{Logger: quietLogger()})

	w, body := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, false, body["paused"])
}

func TestVehicles_SplitsAndConverts(t *testing.T) {
	b := newStub()
	b.cache.Publish(populated())
	s := New(b, Options{Logger: quietLogger()})

	w, body := do(t, s, http.MethodGet, "/vehicles", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", body["status"])
	assert.EqualValues(t, 1, body["count"])
	v := body["data"].([]any)[0].(map[string]any)
	assert.Equal(t, "car1", v["id"])
	assert.InDelta(t, 36, v["speed"], 1e-9)
	pos := v["position"].(map[string]any)
	assert.InDelta(t, b.cfg.API.Geo.OriginLat, pos["lat"], 1e-9)

	_, body = do(t, s, http.MethodGet, "/emergency-vehicles", "")
	e := body["data"].([]any)[0].(map[string]any)
	assert.Equal(t, "ambulance_1", e["id"])
	assert.Equal(t, "high", e["priority"])
	assert.Equal(t, "responding", e["status"])
}

func TestIntersections_QueueCongestion(t *testing.T) {
	b := newStub()
	b.cache.Publish(populated())
	s := New(b, Options{Logger: quietLogger()})

	_, body := do(t, s, http.MethodGet, "/intersections", "")
	in := body["data"].([]any)[0].(map[string]any)
	assert.Equal(t, "green", in["phase"])
	assert.Equal(t, "medium", in["congestionLevel"])
	assert.Equal(t, false, in["estimatedPosition"])
	assert.InDelta(t, b.cfg.API.Geo.OriginLat+0.001, in["position"].(map[string]any)["lat"], 1e-9)
	assert.Len(t, in["trafficLights"], 2)
}

func TestAllData_EmptyCache(t *testing.T) {
	s := New(newStub(), Options{Logger: quietLogger()})
	w, body := do(t, s, http.MethodGet, "/all-data", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]any)
	assert.Empty(t, data["vehicles"])
	assert.NotNil(t, data["vehicles"], "empty lists serialise as []")
	assert.EqualValues(t, 0, data["stats"].(map[string]any)["activeVehicles"])
}

func TestOverride_Defaults(t *testing.T) {
	b := newStub()
	s := New(b, Options{Logger: quietLogger()})

	w, _ := do(t, s, http.MethodPost, "/command/traffic-light", `{"intersectionId":"J1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, b.overrides, 1)
	assert.Equal(t, command.Override{TargetID: "J1", Phase: "green", Duration: 30 * time.Second}, b.overrides[0])

	do(t, s, http.MethodPost, "/command/traffic-light", `{"intersectionId":"J1","phase":"red","duration":2.5}`)
	assert.Equal(t, 2500*time.Millisecond, b.overrides[1].Duration)
}

func TestOverride_ErrorMapping(t *testing.T) {
	b := newStub()
	s := New(b, Options{Logger: quietLogger()})

	b.err = fault.Command(fault.ReasonNotFound, "command: override", "unknown intersection %q", "ghost")
	w, body := do(t, s, http.MethodPost, "/command/traffic-light", `{"intersectionId":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, string(fault.KindCommand), body["kind"])
	assert.Equal(t, string(fault.ReasonNotFound), body["reason"])

	b.err = fault.Disconnected("command: override")
	w, _ = do(t, s, http.MethodPost, "/command/traffic-light", `{"intersectionId":"J1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestOverride_MalformedBody(t *testing.T) {
	b := newStub()
	s := New(b, Options{Logger: quietLogger()})
	w, body := do(t, s, http.MethodPost, "/command/traffic-light", `{"intersectionId":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(fault.ReasonInvalidParameters), body["reason"])
	assert.Empty(t, b.overrides)
}

func TestClearOverride(t *testing.T) {
	b := newStub()
	s := New(b, Options{Logger: quietLogger()})
	w, _ := do(t, s, http.MethodDelete, "/command/traffic-light/J7", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "J7", b.cleared)
}

func TestStart_GUIDefaultsFromConfig(t *testing.T) {
	b := newStub()
	b.cfg.Engine.GUI = true
	s := New(b, Options{Logger: quietLogger()})

	w, _ := do(t, s, http.MethodPost, "/start", `{"config_path":"grid.sumocfg"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, bridge.StartOpts{ConfigPath: "grid.sumocfg", GUI: true}, b.started)

	do(t, s, http.MethodPost, "/start", `{"gui":false}`)
	assert.False(t, b.started.GUI)

	b.err = fault.New(fault.KindConfigNotFound, "engine: start", "no scenario")
	w, _ = do(t, s, http.MethodPost, "/start", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStart_SumoAlias(t *testing.T) {
	b := newStub()
	s := New(b, Options{Logger: quietLogger()})

	w, body := do(t, s, http.MethodPost, "/start-sumo", `{"config_path":"grid.sumocfg","gui":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, bridge.StartOpts{ConfigPath: "grid.sumocfg", GUI: true}, b.started)
}

func preflight(s *Server, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodOptions, "/vehicles", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestCORS_PreflightAnyOrigin(t *testing.T) {
	s := New(newStub(), Options{Logger: quietLogger()})

	w := preflight(s, "http://localhost:3000")
	assert.Less(t, w.Code, 300)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)

	w, _ = do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORS_ConfiguredOrigins(t *testing.T) {
	b := newStub()
	b.cfg.API.CORSOrigins = []string{"http://dashboard.local:3000"}
	s := New(b, Options{Logger: quietLogger()})

	w := preflight(s, "http://dashboard.local:3000")
	assert.Less(t, w.Code, 300)
	assert.Equal(t, "http://dashboard.local:3000", w.Header().Get("Access-Control-Allow-Origin"))

	w = preflight(s, "http://elsewhere.example")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStep(t *testing.T) {
	b := newStub()
	s := New(b, Options{Logger: quietLogger()})

	w, _ := do(t, s, http.MethodPost, "/simulation/step", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, b.steps)

	do(t, s, http.MethodPost, "/simulation/step", `{"steps":5}`)
	assert.Equal(t, 5, b.steps)
}

func TestPause_Disconnected(t *testing.T) {
	b := newStub()
	b.err = fault.Disconnected("bridge: pause")
	s := New(b, Options{Logger: quietLogger()})
	w, _ := do(t, s, http.MethodPost, "/simulation/pause", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRuns_Limit(t *testing.T) {
	b := newStub()
	s := New(b, Options{Logger: quietLogger()})

	_, body := do(t, s, http.MethodGet, "/runs", "")
	assert.Equal(t, defaultRunsLimit, b.runsLimit)
	assert.EqualValues(t, 1, body["count"])

	do(t, s, http.MethodGet, "/runs?limit=3", "")
	assert.Equal(t, 3, b.runsLimit)

	w, _ := do(t, s, http.MethodGet, "/runs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSystemInfo(t *testing.T) {
	b := newStub()
	s := New(b, Options{Logger: quietLogger()})
	_, body := do(t, s, http.MethodGet, "/system-info", "")
	sumo := body["data"].(map[string]any)["sumo"].(map[string]any)
	assert.Equal(t, true, sumo["available"])
	assert.Contains(t, sumo["version"], "1.20.0")

	b.err = fault.New(fault.KindStartup, "engine: version", "binary not found")
	_, body = do(t, s, http.MethodGet, "/system-info", "")
	sumo = body["data"].(map[string]any)["sumo"].(map[string]any)
	assert.Equal(t, false, sumo["available"])
}

func TestEvents_Stream(t *testing.T) {
	b := newStub()
	s := New(b, Options{Logger: quietLogger(), Heartbeat: 20 * time.Millisecond})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				events <- name
			}
		}
		close(events)
	}()

	next := func() string {
		select {
		case ev := <-events:
			return ev
		case <-time.After(5 * time.Second):
			t.Fatal("no event")
			return ""
		}
	}

	require.Equal(t, "connected", next())
	b.cache.Publish(populated())
	seen := map[string]bool{}
	for range 4 {
		seen[next()] = true
		if seen["stats"] && seen["heartbeat"] {
			break
		}
	}
	assert.True(t, seen["stats"], "published snapshot streamed")
	assert.True(t, seen["heartbeat"], "heartbeat sent")
}
