// Package snapshot holds the per-tick view of simulation state and the
// cache that publishes it to readers.
package snapshot

import (
	"sync"
	"sync/atomic"
	"time"
)

// Vehicle is one vehicle as sampled in a tick. Coordinates are engine
// network metres and speeds are m/s; display units are applied at the API.
type Vehicle struct {
	ID            string
	X, Y          float64
	Speed         float64
	Heading       float64 // degrees, engine convention
	Type          string  // engine vehicle type id
	Class         string  // car, bus, truck, motorcycle, bicycle, emergency
	RoadID        string
	LaneID        string
	Route         []string
	WaitingTime   float64
	Distance      float64
	SimTime       float64
	Emergency     bool
	EmergencyType string // ambulance, police, fire or rescue
}

// Signal is one controlled link of a traffic light.
type Signal struct {
	Index int
	Phase string // red, yellow or green
	Raw   byte
}

// LaneQueue is the queue on one lane approaching an intersection.
type LaneQueue struct {
	LaneID      string
	QueueLength int
	WaitingTime float64
}

// Intersection is a signalised junction.
type Intersection struct {
	ID            string
	X, Y          float64
	HasPosition   bool // false when the engine reported no junction position
	Signals       []Signal
	RawState      string
	PhaseIndex    int
	ProgramID     string
	NextSwitch    float64
	RemainingTime float64
	Lanes         []LaneQueue
	Overridden    bool
}

// Phase returns the phase of the first signal, red when there are none.
func (i Intersection) Phase() string {
	if len(i.Signals) == 0 {
		return PhaseRed
	}
	return i.Signals[0].Phase
}

// LaneFlow is one lane of a road.
type LaneFlow struct {
	ID           string
	VehicleCount int
	MeanSpeed    float64
	Density      float64 // vehicles per km
	Flow         float64 // vehicles per hour
}

// Road is a non-internal edge.
type Road struct {
	ID           string
	VehicleCount int
	MeanSpeed    float64
	Congestion   string
	Lanes        []LaneFlow
}

// Stats are aggregate counters for a tick. Loaded, Departed and Arrived are
// cumulative since the session connected.
type Stats struct {
	Tick        uint64
	CurrentTime float64
	Loaded      int
	Departed    int
	Arrived     int
	Active      int
	Emergency   int
	MinExpected int
	MeanSpeed   float64
	SpeedStdDev float64
	StallStreak int
	Stalls      int
}

// Snapshot is the complete state captured in one tick. It is never modified
// after being published.
type Snapshot struct {
	Seq           uint64
	CapturedAt    time.Time
	Stats         Stats
	Vehicles      []Vehicle
	Intersections []Intersection
	Roads         []Road
}

// Empty returns a snapshot with no entities.
func Empty() *Snapshot {
	return &Snapshot{
		Vehicles:      []Vehicle{},
		Intersections: []Intersection{},
		Roads:         []Road{},
	}
}

// Intersection looks up an intersection by id.
func (s *Snapshot) Intersection(id string) (Intersection, bool) {
	for _, in := range s.Intersections {
		if in.ID == id {
			return in, true
		}
	}
	return Intersection{}, false
}

// EmergencyVehicles returns the vehicles flagged as emergency vehicles.
func (s *Snapshot) EmergencyVehicles() []Vehicle {
	out := []Vehicle{}
	for _, v := range s.Vehicles {
		if v.Emergency {
			out = append(out, v)
		}
	}
	return out
}

// RegularVehicles returns every vehicle that is not an emergency vehicle.
func (s *Snapshot) RegularVehicles() []Vehicle {
	out := make([]Vehicle, 0, len(s.Vehicles))
	for _, v := range s.Vehicles {
		if !v.Emergency {
			out = append(out, v)
		}
	}
	return out
}

// Cache holds the latest published snapshot. Readers always see a complete
// snapshot from a single tick.
type Cache struct {
	cur atomic.Pointer[Snapshot]

	mu   sync.Mutex
	subs map[chan *Snapshot]struct{}
}

// NewCache returns a cache holding an empty snapshot.
func NewCache() *Cache {
	c := &Cache{subs: make(map[chan *Snapshot]struct{})}
	c.cur.Store(Empty())
	return c
}

// Read returns the latest snapshot. It never returns nil.
func (c *Cache) Read() *Snapshot {
	return c.cur.Load()
}

// Publish replaces the current snapshot and notifies subscribers. The caller
// must not modify s afterwards.
func (c *Cache) Publish(s *Snapshot) {
	if s == nil {
		s = Empty()
	}
	c.cur.Store(s)

	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs {
		// Keep only the newest snapshot for slow subscribers.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// Reset publishes an empty snapshot.
func (c *Cache) Reset() {
	c.Publish(Empty())
}

// Subscribe returns a channel receiving each published snapshot and a cancel
// function. A subscriber that falls behind only sees the newest snapshot.
func (c *Cache) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ch)
			c.mu.Unlock()
		})
	}
}
