// Package quality implements the discrete adjustment ladder media senders
// apply to receiver link reports. The server only routes the reports; this
// package exists so a sender can be rebuilt against the documented policy.
package quality

import "time"

// Level is one rung of the composite ladder: resolution, frame rate and
// compression quality always move together.
type Level struct {
	Width   int
	Height  int
	Label   string
	FPS     int
	Quality int // opaque codec quality, higher is better
}

// Ladder rungs in increasing order.
var levels = []Level{
	{Width: 256, Height: 144, Label: "144p", FPS: 5, Quality: 40},
	{Width: 426, Height: 240, Label: "240p", FPS: 10, Quality: 50},
	{Width: 640, Height: 360, Label: "360p", FPS: 15, Quality: 60},
	{Width: 854, Height: 480, Label: "480p", FPS: 20, Quality: 70},
}

// Levels returns the ladder rungs from lowest to highest.
func Levels() []Level {
	out := make([]Level, len(levels))
	copy(out, levels)
	return out
}

// Thresholds of the step policy.
const (
	stepDownLossPct = 10.0
	stepDownRTTMs   = 300.0
	stepUpLossPct   = 2.0
	stepUpRTTMs     = 120.0

	// Minimum effective measurement between two adjustments in the same
	// direction.
	holdWindow = time.Second
)

// Direction of one policy decision.
type Direction int

const (
	Hold Direction = iota
	StepDown
	StepUp
)

// Controller tracks the current rung and applies the step policy to link
// reports at a fixed cadence. Not safe for concurrent use; a sender owns one
// controller per outgoing stream.
type Controller struct {
	level    int
	lastMove Direction
	movedAt  time.Time
}

// NewController starts at the highest rung.
func NewController() *Controller {
	return &Controller{level: len(levels) - 1}
}

// Current returns the active rung.
func (c *Controller) Current() Level {
	return levels[c.level]
}

// Observe applies one receiver report taken at the given instant and returns
// the decision. Degraded links (loss above 10 percent or RTT above 300 ms)
// step the ladder down; clean links (loss under 2 percent and RTT under
// 120 ms) step it up; anything in the dead band holds. Two consecutive moves
// in the same direction must be at least one second apart.
func (c *Controller) Observe(lossPct, rttMs float64, now time.Time) Direction {
	switch {
	case lossPct > stepDownLossPct || rttMs > stepDownRTTMs:
		return c.move(StepDown, now)
	case lossPct < stepUpLossPct && rttMs < stepUpRTTMs:
		return c.move(StepUp, now)
	default:
		c.lastMove = Hold
		return Hold
	}
}

func (c *Controller) move(dir Direction, now time.Time) Direction {
	if dir == c.lastMove && now.Sub(c.movedAt) < holdWindow {
		return Hold
	}
	switch dir {
	case StepDown:
		if c.level == 0 {
			return Hold
		}
		c.level--
	case StepUp:
		if c.level == len(levels)-1 {
			return Hold
		}
		c.level++
	}
	c.lastMove = dir
	c.movedAt = now
	return dir
}
