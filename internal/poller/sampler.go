package poller

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/simbridge/internal/snapshot"
	"github.com/zulandar/simbridge/internal/traci"
)

// Default sampling limits.
const (
	DefaultLaneSampleLimit = 5
	DefaultRoadSampleLimit = 50
)

// SamplerOptions configures a Sampler.
type SamplerOptions struct {
	LaneSampleLimit int // controlled lanes sampled per intersection
	RoadSampleLimit int // non-internal edges sampled per tick
	Logger          logrus.FieldLogger
}

// Sampler is the Source backed by a live control session. It accumulates
// the engine's per-step vehicle counters into session totals.
type Sampler struct {
	sess *traci.Session
	opts SamplerOptions
	log  logrus.FieldLogger

	loaded   int
	departed int
	arrived  int

	mu         sync.Mutex
	overridden map[string]bool
}

// NewSampler creates a sampler for sess. The handshake's loaded count seeds
// the cumulative total.
func NewSampler(sess *traci.Session, hs traci.Handshake, opts SamplerOptions) *Sampler {
	if opts.LaneSampleLimit <= 0 {
		opts.LaneSampleLimit = DefaultLaneSampleLimit
	}
	if opts.RoadSampleLimit <= 0 {
		opts.RoadSampleLimit = DefaultRoadSampleLimit
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sampler{
		sess:       sess,
		opts:       opts,
		log:        log.WithFields(logrus.Fields{"component": "sampler", "session": sess.Label}),
		loaded:     hs.Loaded,
		overridden: make(map[string]bool),
	}
}

// Session returns the control session the sampler reads from.
func (s *Sampler) Session() *traci.Session { return s.sess }

// Loaded returns the cumulative number of vehicles loaded.
func (s *Sampler) Loaded() int { return s.loaded }

// SetOverridden marks an intersection as under manual control.
func (s *Sampler) SetOverridden(id string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.overridden[id] = true
	} else {
		delete(s.overridden, id)
	}
}

func (s *Sampler) isOverridden(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overridden[id]
}

// Step advances one simulation step and folds the step's counters into the
// running totals.
func (s *Sampler) Step() error {
	if err := s.sess.Step(); err != nil {
		return err
	}
	for _, c := range []struct {
		name  string
		get   func() (int, error)
		total *int
	}{
		{"loaded", s.sess.LoadedNumber, &s.loaded},
		{"departed", s.sess.DepartedNumber, &s.departed},
		{"arrived", s.sess.ArrivedNumber, &s.arrived},
	} {
		n, err := c.get()
		if err != nil {
			if traci.IsStatusError(err) {
				s.log.WithError(err).Debugf("skipping %s count", c.name)
				continue
			}
			return err
		}
		*c.total += n
	}
	return nil
}

// Collect samples vehicles, intersections and roads at the current step.
// A query the engine rejects skips that entity; any other failure aborts
// the sample.
func (s *Sampler) Collect() (*snapshot.Snapshot, error) {
	now, err := s.sess.SimTime()
	if err != nil {
		return nil, err
	}

	vehicles, err := s.vehicles(now)
	if err != nil {
		return nil, err
	}
	intersections, err := s.intersections(now)
	if err != nil {
		return nil, err
	}
	roads, err := s.roads()
	if err != nil {
		return nil, err
	}
	minExpected, err := s.sess.MinExpectedNumber()
	if err != nil && !traci.IsStatusError(err) {
		return nil, err
	}

	mean, std := snapshot.SpeedStats(vehicles)
	emergency := 0
	for _, v := range vehicles {
		if v.Emergency {
			emergency++
		}
	}
	return &snapshot.Snapshot{
		Stats: snapshot.Stats{
			CurrentTime: now,
			Loaded:      s.loaded,
			Departed:    s.departed,
			Arrived:     s.arrived,
			Active:      len(vehicles),
			Emergency:   emergency,
			MinExpected: minExpected,
			MeanSpeed:   mean,
			SpeedStdDev: std,
		},
		Vehicles:      vehicles,
		Intersections: intersections,
		Roads:         roads,
	}, nil
}

// skip decides whether a per-entity error only drops that entity.
func (s *Sampler) skip(kind, id string, err error) bool {
	if !traci.IsStatusError(err) {
		return false
	}
	s.log.WithError(err).Debugf("skipping %s %s", kind, id)
	return true
}

// query runs each step in order and stops at the first error.
func query(steps ...func() error) error {
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sampler) vehicles(now float64) ([]snapshot.Vehicle, error) {
	ids, err := s.sess.VehicleIDs()
	if err != nil {
		return nil, err
	}
	out := make([]snapshot.Vehicle, 0, len(ids))
	for _, id := range ids {
		v := snapshot.Vehicle{ID: id, SimTime: now}
		err := query(
			func() (err error) {
				var pos traci.Position
				pos, err = s.sess.VehiclePosition(id)
				v.X, v.Y = pos.X, pos.Y
				return err
			},
			func() (err error) { v.Speed, err = s.sess.VehicleSpeed(id); return },
			func() (err error) { v.Heading, err = s.sess.VehicleAngle(id); return },
			func() (err error) { v.Type, err = s.sess.VehicleType(id); return },
			func() (err error) { v.RoadID, err = s.sess.VehicleRoad(id); return },
			func() (err error) { v.LaneID, err = s.sess.VehicleLane(id); return },
			func() (err error) { v.Route, err = s.sess.VehicleRoute(id); return },
			func() (err error) { v.WaitingTime, err = s.sess.VehicleWaitingTime(id); return },
			func() (err error) { v.Distance, err = s.sess.VehicleDistance(id); return },
		)
		if err != nil {
			if s.skip("vehicle", id, err) {
				continue
			}
			return nil, err
		}
		v.Class = snapshot.VehicleClass(v.Type)
		if snapshot.IsEmergency(id, v.Type) {
			v.Emergency = true
			v.EmergencyType = snapshot.EmergencyType(id, v.Type)
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Sampler) intersections(now float64) ([]snapshot.Intersection, error) {
	ids, err := s.sess.TrafficLightIDs()
	if err != nil {
		return nil, err
	}
	out := make([]snapshot.Intersection, 0, len(ids))
	for _, id := range ids {
		in := snapshot.Intersection{ID: id}
		var controlled []string
		err := query(
			func() (err error) { in.RawState, err = s.sess.SignalState(id); return },
			func() (err error) { in.PhaseIndex, err = s.sess.SignalPhase(id); return },
			func() (err error) { in.ProgramID, err = s.sess.SignalProgram(id); return },
			func() (err error) { in.NextSwitch, err = s.sess.SignalNextSwitch(id); return },
			func() (err error) { controlled, err = s.sess.SignalControlledLanes(id); return },
		)
		if err != nil {
			if s.skip("intersection", id, err) {
				continue
			}
			return nil, err
		}
		in.Signals = snapshot.Signals(in.RawState)
		in.RemainingTime = snapshot.RemainingTime(in.NextSwitch, now)
		in.Overridden = s.isOverridden(id)

		// Traffic light ids usually name their junction; when they don't the
		// API places the intersection itself.
		if pos, err := s.sess.JunctionPosition(id); err == nil {
			in.X, in.Y, in.HasPosition = pos.X, pos.Y, true
		} else if !traci.IsStatusError(err) {
			return nil, err
		}

		lanes, err := s.laneQueues(controlled)
		if err != nil {
			return nil, err
		}
		in.Lanes = lanes
		out = append(out, in)
	}
	return out, nil
}

// laneQueues samples the first distinct controlled lanes, up to the limit.
func (s *Sampler) laneQueues(controlled []string) ([]snapshot.LaneQueue, error) {
	out := []snapshot.LaneQueue{}
	seen := make(map[string]bool)
	for _, lane := range controlled {
		if len(seen) >= s.opts.LaneSampleLimit {
			break
		}
		if seen[lane] {
			continue
		}
		seen[lane] = true

		q := snapshot.LaneQueue{LaneID: lane}
		err := query(
			func() (err error) { q.QueueLength, err = s.sess.LaneHalting(lane); return },
			func() (err error) { q.WaitingTime, err = s.sess.LaneWaitingTime(lane); return },
		)
		if err != nil {
			if s.skip("lane", lane, err) {
				continue
			}
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func (s *Sampler) roads() ([]snapshot.Road, error) {
	ids, err := s.sess.EdgeIDs()
	if err != nil {
		return nil, err
	}
	out := []snapshot.Road{}
	for _, id := range ids {
		if len(out) >= s.opts.RoadSampleLimit {
			break
		}
		if strings.HasPrefix(id, ":") {
			continue
		}
		r := snapshot.Road{ID: id}
		var laneCount int
		err := query(
			func() (err error) { r.VehicleCount, err = s.sess.EdgeVehicleCount(id); return },
			func() (err error) { r.MeanSpeed, err = s.sess.EdgeMeanSpeed(id); return },
			func() (err error) { laneCount, err = s.sess.EdgeLaneCount(id); return },
		)
		if err != nil {
			if s.skip("road", id, err) {
				continue
			}
			return nil, err
		}
		r.Congestion = snapshot.Congestion(r.MeanSpeed)
		r.Lanes = []snapshot.LaneFlow{}
		for i := range laneCount {
			lane, err := s.laneFlow(fmt.Sprintf("%s_%d", id, i))
			if err != nil {
				if s.skip("lane", lane.ID, err) {
					continue
				}
				return nil, err
			}
			r.Lanes = append(r.Lanes, lane)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Sampler) laneFlow(id string) (snapshot.LaneFlow, error) {
	lf := snapshot.LaneFlow{ID: id}
	var length float64
	err := query(
		func() (err error) { lf.VehicleCount, err = s.sess.LaneVehicleCount(id); return },
		func() (err error) { lf.MeanSpeed, err = s.sess.LaneMeanSpeed(id); return },
		func() (err error) { length, err = s.sess.LaneLength(id); return },
	)
	if err != nil {
		return lf, err
	}
	lf.Density = snapshot.LaneDensity(lf.VehicleCount, length)
	lf.Flow = snapshot.LaneFlowRate(lf.VehicleCount, lf.MeanSpeed)
	return lf, nil
}
