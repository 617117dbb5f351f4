// Package tracitest provides an in-process TraCI engine for tests. It speaks
// enough of the protocol to drive a control session: version, stepping,
// variable queries for the simulation, vehicle, traffic light, lane, edge and
// junction domains, and traffic light overrides.
package tracitest

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"sort"
	"sync"
	"testing"

	"github.com/zulandar/simbridge/internal/traci/wire"
)

// APIVersion is the TraCI API level the fake engine reports.
const APIVersion = 21

// Vehicle is one simulated vehicle.
type Vehicle struct {
	ID       string
	Type     string
	Road     string
	Lane     string
	X, Y     float64
	Speed    float64 // m/s
	Angle    float64
	Waiting  float64
	Distance float64
	Route    []string
}

// Light is one traffic light controller.
type Light struct {
	ID            string
	State         string
	Program       string
	Phase         int
	NextSwitch    float64
	PhaseDuration float64
	Controlled    []string
}

// Lane is one lane with last-step measurements.
type Lane struct {
	ID        string
	Length    float64
	MeanSpeed float64
	Waiting   float64
	Vehicles  int
	Halting   int
}

// Edge is one road with last-step measurements.
type Edge struct {
	ID        string
	Lanes     int
	Vehicles  int
	MeanSpeed float64
}

// Junction is a node with a network position.
type Junction struct {
	ID   string
	X, Y float64
}

// Counts are the per-step vehicle counters the engine reports.
type Counts struct {
	Loaded, Departed, Arrived int
}

// Server is a fake engine listening on a loopback port.
type Server struct {
	ln net.Listener
	wg sync.WaitGroup

	mu         sync.Mutex
	conns      map[net.Conn]struct{}
	closed     bool
	time       float64
	stepLength float64
	steps      int
	frozen     bool
	counts     Counts
	onStep     func(step int)
	received   []byte
	rejects    map[[2]byte]string

	vehicles  map[string]*Vehicle
	lights    map[string]*Light
	lanes     map[string]*Lane
	edges     map[string]*Edge
	junctions map[string]*Junction
}

// New starts a fake engine and registers its shutdown with t.Cleanup.
func New(t testing.TB) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("tracitest: listen: %v", err)
	}
	s := &Server{
		ln:         ln,
		conns:      make(map[net.Conn]struct{}),
		stepLength: 1.0,
		rejects:    make(map[[2]byte]string),
		vehicles:   make(map[string]*Vehicle),
		lights:     make(map[string]*Light),
		lanes:      make(map[string]*Lane),
		edges:      make(map[string]*Edge),
		junctions:  make(map[string]*Junction),
	}
	s.wg.Add(1)
	go s.accept()
	t.Cleanup(s.Close)
	return s
}

// Port returns the listening port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Close stops accepting, drops every connection and waits for handlers.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

// DropConnections closes every open control connection, as if the engine
// crashed, while continuing to accept new ones.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// SetStepLength sets how far one step advances simulated time.
func (s *Server) SetStepLength(v float64) {
	s.mu.Lock()
	s.stepLength = v
	s.mu.Unlock()
}

// Freeze stops (or restarts) the simulated clock. Steps still succeed.
func (s *Server) Freeze(frozen bool) {
	s.mu.Lock()
	s.frozen = frozen
	s.mu.Unlock()
}

// SetCounts sets the per-step counters reported from now on.
func (s *Server) SetCounts(c Counts) {
	s.mu.Lock()
	s.counts = c
	s.mu.Unlock()
}

// OnStep registers fn to run after each step with the new step number. fn
// runs with the world lock released and may call any Server method.
func (s *Server) OnStep(fn func(step int)) {
	s.mu.Lock()
	s.onStep = fn
	s.mu.Unlock()
}

// Reject makes every query of (domain, variable) fail with an error status.
func (s *Server) Reject(domain, variable byte, description string) {
	s.mu.Lock()
	s.rejects[[2]byte{domain, variable}] = description
	s.mu.Unlock()
}

func (s *Server) AddVehicle(v Vehicle) {
	s.mu.Lock()
	s.vehicles[v.ID] = &v
	s.mu.Unlock()
}

func (s *Server) RemoveVehicle(id string) {
	s.mu.Lock()
	delete(s.vehicles, id)
	s.mu.Unlock()
}

func (s *Server) AddLight(l Light) {
	s.mu.Lock()
	s.lights[l.ID] = &l
	s.mu.Unlock()
}

func (s *Server) AddLane(l Lane) {
	s.mu.Lock()
	s.lanes[l.ID] = &l
	s.mu.Unlock()
}

func (s *Server) AddEdge(e Edge) {
	s.mu.Lock()
	s.edges[e.ID] = &e
	s.mu.Unlock()
}

func (s *Server) AddJunction(j Junction) {
	s.mu.Lock()
	s.junctions[j.ID] = &j
	s.mu.Unlock()
}

// Light returns a copy of the named light's current state.
func (s *Server) Light(id string) (Light, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lights[id]
	if !ok {
		return Light{}, false
	}
	return *l, true
}

// Time returns the simulated clock.
func (s *Server) Time() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.time
}

// Steps returns how many step commands have been served.
func (s *Server) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

// Received returns the ids of every command served, in order.
func (s *Server) Received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.received)
}

// CountReceived returns how many commands with the given id were served.
func (s *Server) CountReceived(id byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.received {
		if c == id {
			n++
		}
	}
	return n
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		body, err := wire.ReadMessage(conn)
		if err != nil {
			return
		}
		var out wire.Buffer
		closing, stepped := s.handle(body, &out)
		if err := wire.WriteMessage(conn, out.Bytes()); err != nil {
			return
		}
		if stepped {
			s.mu.Lock()
			fn, step := s.onStep, s.steps
			s.mu.Unlock()
			if fn != nil {
				fn(step)
			}
		}
		if closing {
			return
		}
	}
}

// handle answers every command in one inbound message.
func (s *Server) handle(body []byte, out *wire.Buffer) (closing, stepped bool) {
	r := wire.NewReader(body)
	for r.Remaining() > 0 {
		before := r.Remaining()
		n := r.CommandLength()
		prefix := before - r.Remaining()
		id := r.Ubyte()
		content := r.Next(n - prefix - 1)
		if r.Err() != nil {
			status(out, 0, wire.ResultErr, "malformed command")
			return true, stepped
		}

		s.mu.Lock()
		s.received = append(s.received, id)
		s.mu.Unlock()

		switch {
		case id == wire.CmdGetVersion:
			status(out, id, wire.ResultOK, "")
			var c wire.Buffer
			c.PutInt(APIVersion)
			c.PutString("SUMO tracitest")
			out.Command(wire.CmdGetVersion, c.Bytes())
		case id == wire.CmdSimStep:
			s.step()
			stepped = true
			status(out, id, wire.ResultOK, "")
			out.PutInt(0)
		case id == wire.CmdClose:
			status(out, id, wire.ResultOK, "")
			return true, stepped
		case id == wire.CmdSetTLVariable:
			if err := s.setLight(content); err != nil {
				status(out, id, wire.ResultErr, err.Error())
			} else {
				status(out, id, wire.ResultOK, "")
			}
		case isGet(id):
			s.get(id, content, out)
		default:
			status(out, id, wire.ResultNotImplemented, fmt.Sprintf("command 0x%02x not implemented", id))
		}
	}
	return false, stepped
}

func isGet(id byte) bool {
	switch id {
	case wire.CmdGetSimVariable, wire.CmdGetVehicleVariable, wire.CmdGetTLVariable,
		wire.CmdGetLaneVariable, wire.CmdGetEdgeVariable, wire.CmdGetJunctionVariable:
		return true
	}
	return false
}

func status(out *wire.Buffer, id, result byte, desc string) {
	var c wire.Buffer
	c.PutUbyte(result)
	c.PutString(desc)
	out.Command(id, c.Bytes())
}

func (s *Server) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps++
	if !s.frozen {
		s.time += s.stepLength
	}
}

func (s *Server) get(domain byte, content []byte, out *wire.Buffer) {
	r := wire.NewReader(content)
	variable := r.Ubyte()
	objID := r.Str()
	if r.Err() != nil {
		status(out, domain, wire.ResultErr, "malformed get")
		return
	}

	s.mu.Lock()
	desc, rejected := s.rejects[[2]byte{domain, variable}]
	var value wire.Buffer
	var err error
	if !rejected {
		err = s.lookup(domain, variable, objID, &value)
	}
	s.mu.Unlock()

	if rejected {
		status(out, domain, wire.ResultErr, desc)
		return
	}
	if err != nil {
		status(out, domain, wire.ResultErr, err.Error())
		return
	}
	status(out, domain, wire.ResultOK, "")
	var c wire.Buffer
	c.PutUbyte(variable)
	c.PutString(objID)
	c.PutRaw(value.Bytes())
	out.Command(domain+wire.ResponseOffset, c.Bytes())
}

var errUnknownVariable = errors.New("unsupported variable")

// lookup encodes the requested value, type tag first. s.mu must be held.
func (s *Server) lookup(domain, variable byte, id string, v *wire.Buffer) error {
	switch domain {
	case wire.CmdGetSimVariable:
		switch variable {
		case wire.VarTime:
			putDouble(v, s.time)
		case wire.VarLoadedNumber:
			putInt(v, s.counts.Loaded)
		case wire.VarDepartedNumber:
			putInt(v, s.counts.Departed)
		case wire.VarArrivedNumber:
			putInt(v, s.counts.Arrived)
		case wire.VarMinExpectedCount:
			putInt(v, len(s.vehicles))
		default:
			return errUnknownVariable
		}
		return nil

	case wire.CmdGetVehicleVariable:
		if variable == wire.VarIDList {
			putIDs(v, s.vehicles)
			return nil
		}
		veh, ok := s.vehicles[id]
		if !ok {
			return fmt.Errorf("Vehicle '%s' is not known", id)
		}
		switch variable {
		case wire.VarPosition:
			v.PutUbyte(wire.TypePosition2D)
			v.PutDouble(veh.X)
			v.PutDouble(veh.Y)
		case wire.VarSpeed:
			putDouble(v, veh.Speed)
		case wire.VarAngle:
			putDouble(v, veh.Angle)
		case wire.VarType:
			putString(v, veh.Type)
		case wire.VarRoadID:
			putString(v, veh.Road)
		case wire.VarLaneID:
			putString(v, veh.Lane)
		case wire.VarEdges:
			v.PutUbyte(wire.TypeStringList)
			v.PutStringList(veh.Route)
		case wire.VarWaitingTime:
			putDouble(v, veh.Waiting)
		case wire.VarDistance:
			putDouble(v, veh.Distance)
		default:
			return errUnknownVariable
		}
		return nil

	case wire.CmdGetTLVariable:
		if variable == wire.VarIDList {
			putIDs(v, s.lights)
			return nil
		}
		l, ok := s.lights[id]
		if !ok {
			return fmt.Errorf("Traffic light '%s' is not known", id)
		}
		switch variable {
		case wire.VarTLState:
			putString(v, l.State)
		case wire.VarTLCurrentPhase:
			putInt(v, l.Phase)
		case wire.VarTLCurrentProgram:
			putString(v, l.Program)
		case wire.VarTLNextSwitch:
			putDouble(v, l.NextSwitch)
		case wire.VarTLControlled:
			v.PutUbyte(wire.TypeStringList)
			v.PutStringList(l.Controlled)
		default:
			return errUnknownVariable
		}
		return nil

	case wire.CmdGetLaneVariable:
		if variable == wire.VarIDList {
			putIDs(v, s.lanes)
			return nil
		}
		l, ok := s.lanes[id]
		if !ok {
			return fmt.Errorf("Lane '%s' is not known", id)
		}
		switch variable {
		case wire.VarLastStepHalting:
			putInt(v, l.Halting)
		case wire.VarWaitingTime:
			putDouble(v, l.Waiting)
		case wire.VarLastStepVehicleNumber:
			putInt(v, l.Vehicles)
		case wire.VarLastStepMeanSpeed:
			putDouble(v, l.MeanSpeed)
		case wire.VarLength:
			putDouble(v, l.Length)
		default:
			return errUnknownVariable
		}
		return nil

	case wire.CmdGetEdgeVariable:
		if variable == wire.VarIDList {
			putIDs(v, s.edges)
			return nil
		}
		e, ok := s.edges[id]
		if !ok {
			return fmt.Errorf("Edge '%s' is not known", id)
		}
		switch variable {
		case wire.VarLastStepVehicleNumber:
			putInt(v, e.Vehicles)
		case wire.VarLastStepMeanSpeed:
			putDouble(v, e.MeanSpeed)
		case wire.VarLaneNumber:
			putInt(v, e.Lanes)
		default:
			return errUnknownVariable
		}
		return nil

	case wire.CmdGetJunctionVariable:
		if variable == wire.VarIDList {
			putIDs(v, s.junctions)
			return nil
		}
		j, ok := s.junctions[id]
		if !ok {
			return fmt.Errorf("Junction '%s' is not known", id)
		}
		if variable != wire.VarPosition {
			return errUnknownVariable
		}
		v.PutUbyte(wire.TypePosition2D)
		v.PutDouble(j.X)
		v.PutDouble(j.Y)
		return nil
	}
	return errUnknownVariable
}

func (s *Server) setLight(content []byte) error {
	r := wire.NewReader(content)
	variable := r.Ubyte()
	id := r.Str()
	typ := r.Ubyte()
	if r.Err() != nil {
		return errors.New("malformed set")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lights[id]
	if !ok {
		return fmt.Errorf("Traffic light '%s' is not known", id)
	}
	switch variable {
	case wire.VarTLState:
		state := r.Str()
		if typ != wire.TypeString || r.Err() != nil {
			return errors.New("the state must be given as a string")
		}
		if len(state) != len(l.State) {
			return fmt.Errorf("state length %d does not match %d controlled signals", len(state), len(l.State))
		}
		l.State = state
		l.Program = "online"
	case wire.VarTLPhaseDuration:
		d := r.Double()
		if typ != wire.TypeDouble || r.Err() != nil {
			return errors.New("the phase duration must be given as a double")
		}
		l.PhaseDuration = d
		l.NextSwitch = s.time + d
	case wire.VarTLProgram:
		p := r.Str()
		if typ != wire.TypeString || r.Err() != nil {
			return errors.New("the program must be given as a string")
		}
		l.Program = p
	default:
		return errUnknownVariable
	}
	return nil
}

func putDouble(v *wire.Buffer, x float64) {
	v.PutUbyte(wire.TypeDouble)
	v.PutDouble(x)
}

func putInt(v *wire.Buffer, x int) {
	v.PutUbyte(wire.TypeInteger)
	v.PutInt(int32(x))
}

func putString(v *wire.Buffer, x string) {
	v.PutUbyte(wire.TypeString)
	v.PutString(x)
}

func putIDs[T any](v *wire.Buffer, m map[string]T) {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	v.PutUbyte(wire.TypeStringList)
	v.PutStringList(ids)
}
