// Package interp advances displayed entity transforms toward their network
// targets. It has no clock of its own: callers pass the elapsed time.
package interp

import (
	"math"
	"time"
)

// Class selects a per-kind animation scale.
type Class uint8

const (
	ClassCell Class = iota
	ClassFood
	ClassVirus
)

type Removal uint8

const (
	None Removal = iota
	LeavingView
	Consumed
)

func (r Removal) String() string {
	switch r {
	case LeavingView:
		return "leaving-view"
	case Consumed:
		return "consumed"
	}
	return "none"
}

// Target is the last transform received from the network.
type Target struct {
	X, Y, R float64
}

// State is the displayed transform.
type State struct {
	X, Y, R float64
	Alpha   float64

	// size and opacity when the removal began
	DecayR     float64
	DecayAlpha float64
}

// Cold returns a state resting exactly on t.
func Cold(t Target) State {
	return State{X: t.X, Y: t.Y, R: t.R, Alpha: 1}
}

// BeginRemoval records the size and opacity a Consumed decay scales from.
func (s *State) BeginRemoval() {
	s.DecayR = s.R
	s.DecayAlpha = s.Alpha
}

// framesPerSecond is the frame rate the rates in Config are expressed in.
const framesPerSecond = 60

// MinSize is the radius below which a consumed entity is gone.
const MinSize = 1.0

// Config holds per-frame rates in [0,1]. A zero Fade or Soak means
// instant; a zero Animation snaps to the target.
type Config struct {
	Animation    float64
	Fade         float64
	Soak         float64
	Transparency float64
	Scale        map[Class]float64
	MinSize      float64
}

// Settings are the user facing knobs Config is derived from.
type Settings struct {
	AnimationSpeed float64 // per-mille per frame
	FadeSpeed      float64 // 0 disables fading, otherwise 1..250
	SoakSpeed      float64 // 0 disables soaking, otherwise 1..250
	Transparency   float64
}

func FromSettings(s Settings) Config {
	c := Config{
		Animation:    clamp01(s.AnimationSpeed / 1000),
		Transparency: s.Transparency,
		MinSize:      MinSize,
	}
	if s.FadeSpeed != 0 {
		c.Fade = clamp01((250 - s.FadeSpeed) / 1000)
	}
	if s.SoakSpeed != 0 {
		c.Soak = clamp01((250 - s.SoakSpeed) / 1000)
	}
	if c.Transparency <= 0 || c.Transparency > 1 {
		c.Transparency = 1
	}
	return c
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Engine applies a Config. The zero Engine snaps everything.
type Engine struct {
	Config Config
}

func New(c Config) *Engine { return &Engine{Config: c} }

// approach is the fraction of the remaining distance covered over frames
// frames at a per-frame rate.
func approach(rate, frames float64) float64 {
	if rate <= 0 || rate >= 1 {
		return 1
	}
	return 1 - math.Pow(1-rate, frames)
}

func (e *Engine) minSize() float64 {
	if e.Config.MinSize > 0 {
		return e.Config.MinSize
	}
	return MinSize
}

func (e *Engine) transparency() float64 {
	if t := e.Config.Transparency; t > 0 && t <= 1 {
		return t
	}
	return 1
}

func (e *Engine) animation(c Class) float64 {
	rate := e.Config.Animation
	if sc, ok := e.Config.Scale[c]; ok {
		rate *= sc
	}
	return rate
}

// Step advances s by dt and reports whether a removal has completed.
func (e *Engine) Step(s *State, t Target, rm Removal, c Class, dt time.Duration) bool {
	frames := dt.Seconds() * framesPerSecond
	if frames < 0 {
		frames = 0
	}
	fade := e.Config.Fade

	switch rm {
	case LeavingView:
		e.move(s, t, c, frames, false)
		if fade <= 0 || s.Alpha <= 0 {
			s.Alpha = 0
			return true
		}
		s.Alpha = math.Max(0, s.Alpha-fade*frames)
		return s.Alpha <= 0

	case Consumed:
		e.move(s, t, c, frames, true)
		soak := e.Config.Soak
		if soak <= 0 {
			if fade <= 0 || s.Alpha <= 0 {
				s.Alpha = 0
				return true
			}
			s.Alpha = math.Max(0, s.Alpha-fade*frames)
			return s.Alpha <= 0
		}
		if s.R <= e.minSize() {
			return true
		}
		s.R *= math.Pow(1-math.Min(soak, 1), frames)
		if s.DecayR > 0 {
			s.Alpha = math.Min(s.Alpha, s.DecayAlpha*s.R/s.DecayR)
		}
		return s.R <= e.minSize()
	}

	e.move(s, t, c, frames, false)
	want := e.transparency()
	if fade <= 0 {
		s.Alpha = want
	} else if s.Alpha < want {
		s.Alpha = math.Min(want, s.Alpha+fade*frames)
	} else {
		s.Alpha = math.Max(want, s.Alpha-fade*frames)
	}
	return false
}

// move eases position, and size unless sizeFixed, toward t.
func (e *Engine) move(s *State, t Target, c Class, frames float64, sizeFixed bool) {
	f := approach(e.animation(c), frames)
	s.X += (t.X - s.X) * f
	s.Y += (t.Y - s.Y) * f
	if !sizeFixed {
		s.R += (t.R - s.R) * f
	}
}

// Settled reports whether s has reached t within eps.
func Settled(s State, t Target, eps float64) bool {
	return math.Abs(s.X-t.X) < eps && math.Abs(s.Y-t.Y) < eps && math.Abs(s.R-t.R) < eps
}
