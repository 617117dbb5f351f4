package traci

import (
	"fmt"

	"github.com/zulandar/simbridge/internal/traci/wire"
)

// Position is a 2D network coordinate in metres.
type Position struct {
	X, Y float64
}

// get issues a variable query and returns a reader positioned at the value,
// having checked the response header and the value's type tag.
func (s *Session) get(domain, variable byte, objectID string, wantType byte) (*wire.Reader, error) {
	op := fmt.Sprintf("traci: get 0x%02x/0x%02x %s", domain, variable, objectID)

	var content wire.Buffer
	content.PutUbyte(variable)
	content.PutString(objectID)
	r, err := s.exchange(op, domain, content.Bytes())
	if err != nil {
		return nil, err
	}

	r.CommandLength()
	resp := r.Ubyte()
	gotVar := r.Ubyte()
	gotID := r.Str()
	typ := r.Ubyte()
	if err := r.Err(); err != nil {
		return nil, s.desync(op, err)
	}
	if resp != domain+wire.ResponseOffset || gotVar != variable || gotID != objectID {
		return nil, s.desync(op, fmt.Errorf("response 0x%02x/0x%02x %q", resp, gotVar, gotID))
	}
	if typ != wantType {
		return nil, s.desync(op, fmt.Errorf("value type 0x%02x, want 0x%02x", typ, wantType))
	}
	return r, nil
}

func (s *Session) getDouble(domain, variable byte, id string) (float64, error) {
	r, err := s.get(domain, variable, id, wire.TypeDouble)
	if err != nil {
		return 0, err
	}
	v := r.Double()
	if err := r.Err(); err != nil {
		return 0, s.desync("traci: read double", err)
	}
	return v, nil
}

func (s *Session) getInt(domain, variable byte, id string) (int, error) {
	r, err := s.get(domain, variable, id, wire.TypeInteger)
	if err != nil {
		return 0, err
	}
	v := r.Int()
	if err := r.Err(); err != nil {
		return 0, s.desync("traci: read int", err)
	}
	return int(v), nil
}

func (s *Session) getString(domain, variable byte, id string) (string, error) {
	r, err := s.get(domain, variable, id, wire.TypeString)
	if err != nil {
		return "", err
	}
	v := r.Str()
	if err := r.Err(); err != nil {
		return "", s.desync("traci: read string", err)
	}
	return v, nil
}

func (s *Session) getStringList(domain, variable byte, id string) ([]string, error) {
	r, err := s.get(domain, variable, id, wire.TypeStringList)
	if err != nil {
		return nil, err
	}
	v := r.StrList()
	if err := r.Err(); err != nil {
		return nil, s.desync("traci: read string list", err)
	}
	return v, nil
}

func (s *Session) getPosition(domain, variable byte, id string) (Position, error) {
	r, err := s.get(domain, variable, id, wire.TypePosition2D)
	if err != nil {
		return Position{}, err
	}
	p := Position{X: r.Double(), Y: r.Double()}
	if err := r.Err(); err != nil {
		return Position{}, s.desync("traci: read position", err)
	}
	return p, nil
}

func (s *Session) set(domain, variable byte, id string, value func(*wire.Buffer)) error {
	var content wire.Buffer
	content.PutUbyte(variable)
	content.PutString(id)
	value(&content)
	_, err := s.exchange(fmt.Sprintf("traci: set 0x%02x/0x%02x %s", domain, variable, id), domain, content.Bytes())
	return err
}

// --- simulation ---

func (s *Session) SimTime() (float64, error) {
	return s.getDouble(wire.CmdGetSimVariable, wire.VarTime, "")
}

// LoadedNumber is the number of vehicles loaded during the last step.
func (s *Session) LoadedNumber() (int, error) {
	return s.getInt(wire.CmdGetSimVariable, wire.VarLoadedNumber, "")
}

func (s *Session) DepartedNumber() (int, error) {
	return s.getInt(wire.CmdGetSimVariable, wire.VarDepartedNumber, "")
}

func (s *Session) ArrivedNumber() (int, error) {
	return s.getInt(wire.CmdGetSimVariable, wire.VarArrivedNumber, "")
}

// MinExpectedNumber counts vehicles running or still waiting to depart.
func (s *Session) MinExpectedNumber() (int, error) {
	return s.getInt(wire.CmdGetSimVariable, wire.VarMinExpectedCount, "")
}

// --- vehicles ---

func (s *Session) VehicleIDs() ([]string, error) {
	return s.getStringList(wire.CmdGetVehicleVariable, wire.VarIDList, "")
}

func (s *Session) VehiclePosition(id string) (Position, error) {
	return s.getPosition(wire.CmdGetVehicleVariable, wire.VarPosition, id)
}

func (s *Session) VehicleSpeed(id string) (float64, error) {
	return s.getDouble(wire.CmdGetVehicleVariable, wire.VarSpeed, id)
}

func (s *Session) VehicleAngle(id string) (float64, error) {
	return s.getDouble(wire.CmdGetVehicleVariable, wire.VarAngle, id)
}

func (s *Session) VehicleType(id string) (string, error) {
	return s.getString(wire.CmdGetVehicleVariable, wire.VarType, id)
}

func (s *Session) VehicleRoad(id string) (string, error) {
	return s.getString(wire.CmdGetVehicleVariable, wire.VarRoadID, id)
}

func (s *Session) VehicleLane(id string) (string, error) {
	return s.getString(wire.CmdGetVehicleVariable, wire.VarLaneID, id)
}

// VehicleRoute returns the edge ids of the vehicle's current route.
func (s *Session) VehicleRoute(id string) ([]string, error) {
	return s.getStringList(wire.CmdGetVehicleVariable, wire.VarEdges, id)
}

func (s *Session) VehicleWaitingTime(id string) (float64, error) {
	return s.getDouble(wire.CmdGetVehicleVariable, wire.VarWaitingTime, id)
}

func (s *Session) VehicleDistance(id string) (float64, error) {
	return s.getDouble(wire.CmdGetVehicleVariable, wire.VarDistance, id)
}

// --- traffic lights ---

func (s *Session) TrafficLightIDs() ([]string, error) {
	return s.getStringList(wire.CmdGetTLVariable, wire.VarIDList, "")
}

// SignalState returns the red/yellow/green state string, one char per signal.
func (s *Session) SignalState(id string) (string, error) {
	return s.getString(wire.CmdGetTLVariable, wire.VarTLState, id)
}

func (s *Session) SignalPhase(id string) (int, error) {
	return s.getInt(wire.CmdGetTLVariable, wire.VarTLCurrentPhase, id)
}

func (s *Session) SignalProgram(id string) (string, error) {
	return s.getString(wire.CmdGetTLVariable, wire.VarTLCurrentProgram, id)
}

// SignalNextSwitch returns the absolute simulation time of the next phase change.
func (s *Session) SignalNextSwitch(id string) (float64, error) {
	return s.getDouble(wire.CmdGetTLVariable, wire.VarTLNextSwitch, id)
}

func (s *Session) SignalControlledLanes(id string) ([]string, error) {
	return s.getStringList(wire.CmdGetTLVariable, wire.VarTLControlled, id)
}

func (s *Session) SetSignalState(id, state string) error {
	return s.set(wire.CmdSetTLVariable, wire.VarTLState, id, func(b *wire.Buffer) {
		b.PutUbyte(wire.TypeString)
		b.PutString(state)
	})
}

// SetSignalPhaseDuration sets the remaining duration of the current phase.
func (s *Session) SetSignalPhaseDuration(id string, seconds float64) error {
	return s.set(wire.CmdSetTLVariable, wire.VarTLPhaseDuration, id, func(b *wire.Buffer) {
		b.PutUbyte(wire.TypeDouble)
		b.PutDouble(seconds)
	})
}

func (s *Session) SetSignalProgram(id, program string) error {
	return s.set(wire.CmdSetTLVariable, wire.VarTLProgram, id, func(b *wire.Buffer) {
		b.PutUbyte(wire.TypeString)
		b.PutString(program)
	})
}

// --- junctions ---

func (s *Session) JunctionPosition(id string) (Position, error) {
	return s.getPosition(wire.CmdGetJunctionVariable, wire.VarPosition, id)
}

// --- lanes ---

func (s *Session) LaneHalting(id string) (int, error) {
	return s.getInt(wire.CmdGetLaneVariable, wire.VarLastStepHalting, id)
}

func (s *Session) LaneWaitingTime(id string) (float64, error) {
	return s.getDouble(wire.CmdGetLaneVariable, wire.VarWaitingTime, id)
}

func (s *Session) LaneVehicleCount(id string) (int, error) {
	return s.getInt(wire.CmdGetLaneVariable, wire.VarLastStepVehicleNumber, id)
}

func (s *Session) LaneMeanSpeed(id string) (float64, error) {
	return s.getDouble(wire.CmdGetLaneVariable, wire.VarLastStepMeanSpeed, id)
}

func (s *Session) LaneLength(id string) (float64, error) {
	return s.getDouble(wire.CmdGetLaneVariable, wire.VarLength, id)
}

// --- edges ---

func (s *Session) EdgeIDs() ([]string, error) {
	return s.getStringList(wire.CmdGetEdgeVariable, wire.VarIDList, "")
}

func (s *Session) EdgeVehicleCount(id string) (int, error) {
	return s.getInt(wire.CmdGetEdgeVariable, wire.VarLastStepVehicleNumber, id)
}

func (s *Session) EdgeMeanSpeed(id string) (float64, error) {
	return s.getDouble(wire.CmdGetEdgeVariable, wire.VarLastStepMeanSpeed, id)
}

func (s *Session) EdgeLaneCount(id string) (int, error) {
	return s.getInt(wire.CmdGetEdgeVariable, wire.VarLaneNumber, id)
}
