// Package proximity defines the 8-sector distance model shared by the
// acquisition subsystems and implements the fusion policy that merges them
// into the single published proximity map.
package proximity

import (
	"math"
	"time"
)

const (
	// NumSectors is the number of fixed 45-degree slices around the rover.
	NumSectors = 8

	// SectorWidthDeg is the angular width of one sector.
	SectorWidthDeg = 360.0 / NumSectors

	// MinDistanceCM is the closest distance the sensors can resolve.
	MinDistanceCM = 20

	// MaxDistanceCM means "no obstacle detected in this sector".
	MaxDistanceCM = 2500
)

// Sector indices. Index 0 is directly forward, increasing clockwise.
const (
	SectorFront = iota
	SectorFrontRight
	SectorRight
	SectorRearRight
	SectorRear
	SectorRearLeft
	SectorLeft
	SectorFrontLeft
)

// ForwardSectors are the three sectors covering the direction of travel.
var ForwardSectors = [3]int{SectorFrontLeft, SectorFront, SectorFrontRight}

// SectorDistance is the per-sector closest-obstacle map in centimeters.
// Every value lies in [MinDistanceCM, MaxDistanceCM].
type SectorDistance [NumSectors]uint16

// Unknown returns a SectorDistance with every sector at MaxDistanceCM.
func Unknown() SectorDistance {
	var s SectorDistance
	for i := range s {
		s[i] = MaxDistanceCM
	}
	return s
}

// SectorForAngle maps an angle in degrees (0 = forward, clockwise positive)
// to its sector index. Sector 0 spans [-22.5, 22.5).
func SectorForAngle(angleDeg float64) int {
	a := math.Mod(angleDeg, 360)
	if a < 0 {
		a += 360
	}
	return int(math.Floor((a+SectorWidthDeg/2)/SectorWidthDeg)) % NumSectors
}

// SectorAngleDeg returns the center angle of a sector in degrees clockwise
// from forward.
func SectorAngleDeg(sector int) float64 {
	return float64(sector) * SectorWidthDeg
}

// ClampCM clamps a centimeter distance into the valid sector range.
func ClampCM(cm int) uint16 {
	if cm < MinDistanceCM {
		return MinDistanceCM
	}
	if cm > MaxDistanceCM {
		return MaxDistanceCM
	}
	return uint16(cm)
}

// Min returns the smallest distance across all sectors.
func (s SectorDistance) Min() uint16 {
	min := s[0]
	for _, v := range s[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// ForwardMin returns the smallest distance among the forward sectors.
func (s SectorDistance) ForwardMin() uint16 {
	min := uint16(MaxDistanceCM)
	for _, i := range ForwardSectors {
		if s[i] < min {
			min = s[i]
		}
	}
	return min
}

// Observe records a reading into the sector if it is closer than the current
// value, after clamping into the valid range.
func (s *SectorDistance) Observe(sector int, cm int) {
	v := ClampCM(cm)
	if v < s[sector] {
		s[sector] = v
	}
}

// FusedProximity is the published result of one fusion tick. It fully
// replaces the previous generation; no partial merges survive across ticks.
type FusedProximity struct {
	Sectors     SectorDistance `json:"sectors_cm"`
	GeneratedAt time.Time      `json:"generated_at"`
	LidarOK     bool           `json:"lidar_ok"`
	DepthOK     bool           `json:"depth_ok"`
}
