// Package nav implements potential-field reactive navigation: obstacle
// repulsion and open-space attraction vectors summed into steering and
// throttle commands, with no map and no destination.
package nav

import (
	"math"

	"github.com/terranav/fieldrover/internal/proximity"
)

// Command is one steering/throttle pair in RC PWM units. It is recomputed
// every control tick and never persisted beyond one tick.
type Command struct {
	SteeringPWM int
	ThrottlePWM int
}

// Config holds the controller tuning. Zero values take the defaults below.
type Config struct {
	// SafeDistanceCM is the forward distance below which the rover stops.
	SafeDistanceCM int

	// CautionDistanceCM is the forward distance above which the rover runs
	// at full speed; between the two thresholds throttle interpolates
	// linearly.
	CautionDistanceCM int

	// SteerCenterPWM and SteerRangePWM define the steering output span:
	// center +/- range.
	SteerCenterPWM int
	SteerRangePWM  int

	// ThrottleStopPWM and ThrottleMaxPWM bound the throttle output.
	ThrottleStopPWM int
	ThrottleMaxPWM  int

	// SmoothingFactor is the weight of the newest steering value in the
	// exponential filter; the remainder carries over from the previous
	// command to damp per-tick sector noise.
	SmoothingFactor float64
}

// Defaults for Config.
const (
	DefaultSafeDistanceCM    = 150
	DefaultCautionDistanceCM = 300
	DefaultSteerCenterPWM    = 1500
	DefaultSteerRangePWM     = 400
	DefaultThrottleStopPWM   = 1500
	DefaultThrottleMaxPWM    = 1700
	DefaultSmoothingFactor   = 0.7
)

// Potential-field tuning. Repulsion magnitude is inversely proportional to
// distance with three tiers so nearby obstacles dominate the sum
// super-linearly; attraction rewards clearance beyond two meters, with the
// forward sectors weighted an order of magnitude over side and rear so the
// rover prefers open space ahead over sideways detours.
const (
	veryCloseCM   = 75
	closeCM       = 150
	repulseGain   = 100.0
	veryCloseMult = 8.0
	closeMult     = 3.0

	forwardBias          = 1.0
	attractClearanceCM   = 200
	attractGainPerCM     = 1.0 / 1000
	forwardAttractWeight = 10.0
)

func (c *Config) applyDefaults() {
	if c.SafeDistanceCM <= 0 {
		c.SafeDistanceCM = DefaultSafeDistanceCM
	}
	if c.CautionDistanceCM <= 0 {
		c.CautionDistanceCM = DefaultCautionDistanceCM
	}
	if c.SteerCenterPWM <= 0 {
		c.SteerCenterPWM = DefaultSteerCenterPWM
	}
	if c.SteerRangePWM <= 0 {
		c.SteerRangePWM = DefaultSteerRangePWM
	}
	if c.ThrottleStopPWM <= 0 {
		c.ThrottleStopPWM = DefaultThrottleStopPWM
	}
	if c.ThrottleMaxPWM <= 0 {
		c.ThrottleMaxPWM = DefaultThrottleMaxPWM
	}
	if c.SmoothingFactor <= 0 || c.SmoothingFactor > 1 {
		c.SmoothingFactor = DefaultSmoothingFactor
	}
}

// Controller converts fused proximity maps into navigation commands. Not
// safe for concurrent use; the runner is its single caller.
type Controller struct {
	cfg Config

	prevSteer   float64
	initialized bool
}

// NewController builds a Controller with defaults applied.
func NewController(cfg Config) *Controller {
	cfg.applyDefaults()
	return &Controller{cfg: cfg}
}

// FullStop returns the fail-safe command: centered steering, stopped
// throttle.
func (c *Controller) FullStop() Command {
	return Command{SteeringPWM: c.cfg.SteerCenterPWM, ThrottlePWM: c.cfg.ThrottleStopPWM}
}

// Reset clears the steering filter state, so the next command starts from
// its unsmoothed value. Called when the control loop has been interrupted
// long enough that the previous command is meaningless.
func (c *Controller) Reset() {
	c.initialized = false
	c.prevSteer = 0
}

// Compute derives the next command from a fused generation. With every
// sensor unavailable it fails safe to a full stop.
func (c *Controller) Compute(p proximity.FusedProximity) Command {
	if !p.LidarOK && !p.DepthOK {
		return c.FullStop()
	}

	steer := c.steering(p.Sectors)
	throttle := c.throttle(p.Sectors)
	return Command{SteeringPWM: steer, ThrottlePWM: throttle}
}

// steering sums the repulsion and attraction field, takes the heading of
// the resultant, clamps it to +/-90 degrees, maps it onto the PWM span, and
// low-pass filters against the previous command.
func (c *Controller) steering(s proximity.SectorDistance) int {
	// x points forward, y points right; sector angles are clockwise from
	// forward, so the basis lines up with atan2(y, x) = degrees to steer
	// right.
	var vx, vy float64

	vx += forwardBias
	for i := 0; i < proximity.NumSectors; i++ {
		theta := proximity.SectorAngleDeg(i) * math.Pi / 180
		dx, dy := math.Cos(theta), math.Sin(theta)
		d := float64(s[i])

		if s[i] < proximity.MaxDistanceCM {
			mag := repulseGain / d
			switch {
			case s[i] < veryCloseCM:
				mag *= veryCloseMult
			case s[i] < closeCM:
				mag *= closeMult
			}
			vx -= mag * dx
			vy -= mag * dy
		}

		if s[i] > attractClearanceCM {
			w := attractGainPerCM * (d - attractClearanceCM)
			if isForwardSector(i) {
				w *= forwardAttractWeight
			}
			vx += w * dx
			vy += w * dy
		}
	}

	deg := math.Atan2(vy, vx) * 180 / math.Pi
	if deg > 90 {
		deg = 90
	} else if deg < -90 {
		deg = -90
	}
	raw := float64(c.cfg.SteerCenterPWM) + deg/90*float64(c.cfg.SteerRangePWM)

	if !c.initialized {
		c.prevSteer = raw
		c.initialized = true
	} else {
		c.prevSteer = c.cfg.SmoothingFactor*raw + (1-c.cfg.SmoothingFactor)*c.prevSteer
	}
	return int(math.Round(c.prevSteer))
}

// throttle depends solely on the minimum distance among the forward
// sectors: stop below the safe threshold, full speed above the caution
// threshold, linear in between.
func (c *Controller) throttle(s proximity.SectorDistance) int {
	fmin := int(s.ForwardMin())
	switch {
	case fmin <= c.cfg.SafeDistanceCM:
		return c.cfg.ThrottleStopPWM
	case fmin >= c.cfg.CautionDistanceCM:
		return c.cfg.ThrottleMaxPWM
	default:
		span := c.cfg.ThrottleMaxPWM - c.cfg.ThrottleStopPWM
		num := fmin - c.cfg.SafeDistanceCM
		den := c.cfg.CautionDistanceCM - c.cfg.SafeDistanceCM
		return c.cfg.ThrottleStopPWM + span*num/den
	}
}

func isForwardSector(i int) bool {
	for _, s := range proximity.ForwardSectors {
		if i == s {
			return true
		}
	}
	return false
}
