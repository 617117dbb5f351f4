package snapshot

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// Signal phases.
const (
	PhaseRed    = "red"
	PhaseYellow = "yellow"
	PhaseGreen  = "green"
)

// Congestion levels.
const (
	CongestionLow    = "low"
	CongestionMedium = "medium"
	CongestionHigh   = "high"
)

// Mean speed thresholds in m/s below which a road is considered congested.
const (
	highCongestionBelow   = 5.0
	mediumCongestionBelow = 15.0
)

var vehicleClasses = map[string]string{
	"passenger":  "car",
	"bus":        "bus",
	"truck":      "truck",
	"motorcycle": "motorcycle",
	"bicycle":    "bicycle",
	"emergency":  "emergency",
}

// VehicleClass maps an engine vehicle type id to a display class. Unknown
// types are cars.
func VehicleClass(typeID string) string {
	if c, ok := vehicleClasses[typeID]; ok {
		return c
	}
	return "car"
}

var emergencyKeywords = []string{"ambulance", "police", "fire", "emergency", "rescue"}

// IsEmergency reports whether the vehicle id or type names an emergency
// service.
func IsEmergency(id, typeID string) bool {
	id, typeID = strings.ToLower(id), strings.ToLower(typeID)
	for _, kw := range emergencyKeywords {
		if strings.Contains(id, kw) || strings.Contains(typeID, kw) {
			return true
		}
	}
	return false
}

// EmergencyType names the service of an emergency vehicle. Vehicles that
// match no specific service are rescue vehicles.
func EmergencyType(id, typeID string) string {
	s := strings.ToLower(id + typeID)
	switch {
	case strings.Contains(s, "ambulance"):
		return "ambulance"
	case strings.Contains(s, "police"):
		return "police"
	case strings.Contains(s, "fire"):
		return "fire"
	}
	return "rescue"
}

// SignalPhase maps one signal state character to a phase. Anything other
// than yellow or green (including off and blinking states) reads as red.
func SignalPhase(c byte) string {
	switch c {
	case 'y', 'Y':
		return PhaseYellow
	case 'g', 'G':
		return PhaseGreen
	}
	return PhaseRed
}

// PhaseChar is the state character used to force a signal into phase.
func PhaseChar(phase string) (byte, bool) {
	switch phase {
	case PhaseRed:
		return 'r', true
	case PhaseYellow:
		return 'y', true
	case PhaseGreen:
		return 'G', true
	}
	return 0, false
}

// Signals expands a red/yellow/green state string.
func Signals(state string) []Signal {
	out := make([]Signal, len(state))
	for i := 0; i < len(state); i++ {
		out[i] = Signal{Index: i, Phase: SignalPhase(state[i]), Raw: state[i]}
	}
	return out
}

// Congestion classifies a road by mean speed in m/s.
func Congestion(meanSpeed float64) string {
	switch {
	case meanSpeed < highCongestionBelow:
		return CongestionHigh
	case meanSpeed < mediumCongestionBelow:
		return CongestionMedium
	}
	return CongestionLow
}

// LaneDensity returns vehicles per km, 0 for a lane of unknown length.
func LaneDensity(vehicles int, lengthM float64) float64 {
	if lengthM <= 0 {
		return 0
	}
	return float64(vehicles) / (lengthM / 1000)
}

// LaneFlowRate estimates vehicles per hour, 0 when traffic is standing.
func LaneFlowRate(vehicles int, meanSpeed float64) float64 {
	if meanSpeed <= 0 {
		return 0
	}
	return float64(vehicles) * 3600 / math.Max(1, meanSpeed)
}

// SpeedStats returns the mean and sample standard deviation of the vehicle
// speeds. Fewer than two vehicles have no spread.
func SpeedStats(vehicles []Vehicle) (mean, std float64) {
	switch len(vehicles) {
	case 0:
		return 0, 0
	case 1:
		return vehicles[0].Speed, 0
	}
	speeds := make([]float64, len(vehicles))
	for i, v := range vehicles {
		speeds[i] = v.Speed
	}
	return stat.MeanStdDev(speeds, nil)
}

// RemainingTime is the time left until nextSwitch, never negative.
func RemainingTime(nextSwitch, now float64) float64 {
	return math.Max(0, nextSwitch-now)
}
