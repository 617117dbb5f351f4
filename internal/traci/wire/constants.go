// Package wire holds the TraCI binary framing and identifier tables shared by
// the session client and the in-process test engine.
package wire

// Command identifiers.
const (
	CmdGetVersion = 0x00
	CmdSimStep    = 0x02
	CmdClose      = 0x7F

	CmdGetTLVariable       = 0xa2
	CmdGetLaneVariable     = 0xa3
	CmdGetVehicleVariable  = 0xa4
	CmdGetJunctionVariable = 0xa9
	CmdGetEdgeVariable     = 0xaa
	CmdGetSimVariable      = 0xab

	CmdSetTLVariable = 0xc2

	// ResponseOffset is added to a get command id to form its response id.
	ResponseOffset = 0x10
)

// Result codes carried in every status response.
const (
	ResultOK             = 0x00
	ResultNotImplemented = 0x01
	ResultErr            = 0xFF
)

// Value type tags.
const (
	TypePosition2D = 0x01
	TypeUbyte      = 0x07
	TypeByte       = 0x08
	TypeInteger    = 0x09
	TypeDouble     = 0x0B
	TypeString     = 0x0C
	TypeStringList = 0x0E
	TypeCompound   = 0x0F
)

// Variables shared across domains.
const (
	VarIDList = 0x00
	VarCount  = 0x01
)

// Lane and edge variables.
const (
	VarLastStepVehicleNumber = 0x10
	VarLastStepMeanSpeed     = 0x11
	VarLastStepHalting       = 0x14
	VarLength                = 0x44
	VarLaneNumber            = 0x52 // edge domain: number of lanes
)

// Traffic light variables.
const (
	VarTLState          = 0x20
	VarTLPhaseIndex     = 0x22
	VarTLProgram        = 0x23
	VarTLPhaseDuration  = 0x24
	VarTLControlled     = 0x26
	VarTLCurrentPhase   = 0x28
	VarTLCurrentProgram = 0x29
	VarTLNextSwitch     = 0x2d
)

// Vehicle variables.
const (
	VarSpeed       = 0x40
	VarPosition    = 0x42
	VarAngle       = 0x43
	VarType        = 0x4f
	VarRoadID      = 0x50
	VarLaneID      = 0x51
	VarEdges       = 0x54
	VarWaitingTime = 0x7a
	VarDistance    = 0x84
)

// Simulation variables.
const (
	VarTime             = 0x66
	VarLoadedNumber     = 0x71
	VarDepartedNumber   = 0x73
	VarArrivedNumber    = 0x79
	VarMinExpectedCount = 0x7d
)
