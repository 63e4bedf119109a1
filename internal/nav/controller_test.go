package nav

import (
	"testing"
	"time"

	"github.com/terranav/fieldrover/internal/proximity"
)

func openField() proximity.SectorDistance {
	var s proximity.SectorDistance
	for i := range s {
		s[i] = proximity.MaxDistanceCM
	}
	return s
}

func fused(s proximity.SectorDistance) proximity.FusedProximity {
	return proximity.FusedProximity{
		Sectors:     s,
		GeneratedAt: time.Unix(100, 0),
		LidarOK:     true,
		DepthOK:     true,
	}
}

func TestThrottleStopsWhenBlocked(t *testing.T) {
	c := NewController(Config{})
	s := proximity.SectorDistance{}
	for i := range s {
		s[i] = 100
	}
	cmd := c.Compute(fused(s))
	if cmd.ThrottlePWM != DefaultThrottleStopPWM {
		t.Errorf("throttle = %d, want stop %d", cmd.ThrottlePWM, DefaultThrottleStopPWM)
	}
}

func TestThrottleInterpolation(t *testing.T) {
	cases := []struct {
		forwardCM int
		want      int
	}{
		{100, 1500},
		{150, 1500},
		{225, 1600}, // arithmetic mean of stop and max
		{300, 1700},
		{2500, 1700},
	}
	for _, tc := range cases {
		c := NewController(Config{})
		s := openField()
		s[proximity.SectorFront] = uint16(tc.forwardCM)
		cmd := c.Compute(fused(s))
		if cmd.ThrottlePWM != tc.want {
			t.Errorf("forward %d cm: throttle = %d, want %d", tc.forwardCM, cmd.ThrottlePWM, tc.want)
		}
	}
}

func TestSteeringCentersInOpenField(t *testing.T) {
	c := NewController(Config{})
	cmd := c.Compute(fused(openField()))
	if cmd.SteeringPWM != DefaultSteerCenterPWM {
		t.Errorf("steering = %d, want center %d", cmd.SteeringPWM, DefaultSteerCenterPWM)
	}
}

func TestSteeringTurnsAwayFromObstacle(t *testing.T) {
	right := openField()
	right[proximity.SectorRight] = 50
	c := NewController(Config{})
	cmd := c.Compute(fused(right))
	if cmd.SteeringPWM >= DefaultSteerCenterPWM {
		t.Errorf("obstacle right: steering = %d, want < %d", cmd.SteeringPWM, DefaultSteerCenterPWM)
	}

	left := openField()
	left[proximity.SectorLeft] = 50
	c = NewController(Config{})
	cmd = c.Compute(fused(left))
	if cmd.SteeringPWM <= DefaultSteerCenterPWM {
		t.Errorf("obstacle left: steering = %d, want > %d", cmd.SteeringPWM, DefaultSteerCenterPWM)
	}
}

func TestCloserObstacleRepelsHarder(t *testing.T) {
	near := openField()
	near[proximity.SectorRight] = 50
	far := openField()
	far[proximity.SectorRight] = 200

	nearCmd := NewController(Config{}).Compute(fused(near))
	farCmd := NewController(Config{}).Compute(fused(far))
	if nearCmd.SteeringPWM >= farCmd.SteeringPWM {
		t.Errorf("near steering %d not harder left than far steering %d",
			nearCmd.SteeringPWM, farCmd.SteeringPWM)
	}
}

func TestSteeringSmoothing(t *testing.T) {
	c := NewController(Config{})

	blocked := openField()
	blocked[proximity.SectorRight] = 50
	first := c.Compute(fused(blocked))

	// The first open-field command after the obstacle clears still leans
	// toward the previous heading.
	next := c.Compute(fused(openField()))
	if next.SteeringPWM == DefaultSteerCenterPWM {
		t.Error("steering jumped straight to center, expected smoothing lag")
	}
	if next.SteeringPWM <= first.SteeringPWM {
		t.Errorf("steering %d did not move back toward center from %d",
			next.SteeringPWM, first.SteeringPWM)
	}

	var last Command
	for i := 0; i < 30; i++ {
		last = c.Compute(fused(openField()))
	}
	if last.SteeringPWM != DefaultSteerCenterPWM {
		t.Errorf("steering did not converge: %d, want %d", last.SteeringPWM, DefaultSteerCenterPWM)
	}
}

func TestResetClearsSmoothingState(t *testing.T) {
	c := NewController(Config{})
	blocked := openField()
	blocked[proximity.SectorRight] = 50
	c.Compute(fused(blocked))

	c.Reset()
	cmd := c.Compute(fused(openField()))
	if cmd.SteeringPWM != DefaultSteerCenterPWM {
		t.Errorf("steering after reset = %d, want %d", cmd.SteeringPWM, DefaultSteerCenterPWM)
	}
}

func TestComputeFailsSafeWithoutSensors(t *testing.T) {
	c := NewController(Config{})
	p := fused(openField())
	p.LidarOK = false
	p.DepthOK = false
	cmd := c.Compute(p)
	if cmd != c.FullStop() {
		t.Errorf("cmd = %+v, want full stop %+v", cmd, c.FullStop())
	}
}

func TestFullStopValues(t *testing.T) {
	c := NewController(Config{})
	stop := c.FullStop()
	if stop.SteeringPWM != DefaultSteerCenterPWM || stop.ThrottlePWM != DefaultThrottleStopPWM {
		t.Errorf("full stop = %+v", stop)
	}
}
