package interp

import (
	"math"
	"testing"
	"time"
)

const tick = time.Second / 60

func defaultEngine() *Engine {
	return New(FromSettings(Settings{AnimationSpeed: 120, FadeSpeed: 150, SoakSpeed: 100, Transparency: 1}))
}

func dist(s State, t Target) float64 {
	return math.Abs(s.X-t.X) + math.Abs(s.Y-t.Y) + math.Abs(s.R-t.R)
}

func TestFromSettings(t *testing.T) {
	c := FromSettings(Settings{AnimationSpeed: 120, FadeSpeed: 150, SoakSpeed: 0})
	if math.Abs(c.Animation-0.12) > 1e-12 {
		t.Fatalf("Animation = %v", c.Animation)
	}
	if math.Abs(c.Fade-0.1) > 1e-12 {
		t.Fatalf("Fade = %v", c.Fade)
	}
	if c.Soak != 0 {
		t.Fatalf("Soak = %v, zero setting must stay instant", c.Soak)
	}
	if c.Transparency != 1 {
		t.Fatalf("Transparency = %v", c.Transparency)
	}
}

func TestConvergence(t *testing.T) {
	e := defaultEngine()
	s := Cold(Target{X: 0, Y: 0, R: 10})
	target := Target{X: 1000, Y: -500, R: 80}

	prev := dist(s, target)
	steps := []time.Duration{tick, 2 * tick, tick / 2, 3 * tick}
	for i := 0; i < 400; i++ {
		e.Step(&s, target, None, ClassCell, steps[i%len(steps)])
		d := dist(s, target)
		if d >= prev && prev > 0 {
			t.Fatalf("step %d: distance %v did not decrease from %v", i, d, prev)
		}
		prev = d
		if Settled(s, target, 1e-3) {
			return
		}
	}
	t.Fatalf("did not converge, distance %v", prev)
}

func TestNoOvershoot(t *testing.T) {
	e := defaultEngine()
	s := Cold(Target{})
	target := Target{X: 100}
	for i := 0; i < 100; i++ {
		e.Step(&s, target, None, ClassCell, 10*tick)
		if s.X > target.X {
			t.Fatalf("overshoot at step %d: %v", i, s.X)
		}
	}
}

func TestRetargetRestartsFromDisplayed(t *testing.T) {
	e := defaultEngine()
	s := Cold(Target{})
	e.Step(&s, Target{X: 100}, None, ClassCell, tick)
	mid := s.X
	if mid <= 0 || mid >= 100 {
		t.Fatalf("first step moved to %v", mid)
	}
	e.Step(&s, Target{X: -100}, None, ClassCell, tick)
	if s.X >= mid {
		t.Fatalf("retarget did not move back from %v, got %v", mid, s.X)
	}
	if s.X < -100 {
		t.Fatalf("retarget snapped past target: %v", s.X)
	}
}

func TestZeroAnimationSnaps(t *testing.T) {
	e := New(Config{})
	s := Cold(Target{})
	e.Step(&s, Target{X: 5, Y: 6, R: 7}, None, ClassFood, tick)
	if !Settled(s, Target{X: 5, Y: 6, R: 7}, 1e-9) {
		t.Fatalf("zero animation did not snap: %+v", s)
	}
}

func TestClassScale(t *testing.T) {
	c := FromSettings(Settings{AnimationSpeed: 100})
	c.Scale = map[Class]float64{ClassFood: 0.5}
	e := New(c)
	food, cell := Cold(Target{}), Cold(Target{})
	e.Step(&food, Target{X: 100}, None, ClassFood, tick)
	e.Step(&cell, Target{X: 100}, None, ClassCell, tick)
	if food.X >= cell.X {
		t.Fatalf("food %v should lag cell %v", food.X, cell.X)
	}
}

func TestRemovalTermination(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		removal  Removal
		oneTick  bool
	}{
		{"leaving fades", Settings{AnimationSpeed: 120, FadeSpeed: 200}, LeavingView, false},
		{"leaving instant", Settings{AnimationSpeed: 120}, LeavingView, true},
		{"consumed soaks", Settings{AnimationSpeed: 120, FadeSpeed: 200, SoakSpeed: 240}, Consumed, false},
		{"consumed fades without soak", Settings{AnimationSpeed: 120, FadeSpeed: 200}, Consumed, false},
		{"consumed instant", Settings{AnimationSpeed: 120}, Consumed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(FromSettings(tt.settings))
			target := Target{X: 10, Y: 10, R: 200}
			s := Cold(target)
			s.BeginRemoval()
			for i := 1; i <= 100000; i++ {
				if e.Step(&s, target, tt.removal, ClassCell, tick) {
					if tt.oneTick && i != 1 {
						t.Fatalf("took %d ticks, want 1", i)
					}
					return
				}
				if tt.oneTick {
					t.Fatalf("zero rate did not complete in one tick")
				}
			}
			t.Fatalf("removal never completed: %+v", s)
		})
	}
}

func TestConsumedAlphaTracksSize(t *testing.T) {
	e := New(FromSettings(Settings{AnimationSpeed: 120, FadeSpeed: 200, SoakSpeed: 200}))
	target := Target{R: 100}
	s := Cold(target)
	s.Alpha = 0.8
	s.BeginRemoval()
	e.Step(&s, target, Consumed, ClassCell, tick)
	if s.R >= 100 {
		t.Fatalf("size did not shrink: %v", s.R)
	}
	want := 0.8 * s.R / 100
	if math.Abs(s.Alpha-want) > 1e-9 {
		t.Fatalf("alpha %v want %v", s.Alpha, want)
	}
}

// Switching from a view fade to a soak never raises the opacity, even
// when the recorded starting alpha is stale.
func TestConsumedAfterFadeNeverBrightens(t *testing.T) {
	e := New(FromSettings(Settings{AnimationSpeed: 120, FadeSpeed: 200, SoakSpeed: 200}))
	target := Target{R: 100}
	s := Cold(target)
	s.BeginRemoval()
	for i := 0; i < 15; i++ {
		e.Step(&s, target, LeavingView, ClassCell, tick)
	}
	faded := s.Alpha
	if faded >= 0.5 {
		t.Fatalf("alpha after fade = %v", faded)
	}
	e.Step(&s, target, Consumed, ClassCell, tick)
	if s.Alpha > faded {
		t.Fatalf("alpha %v -> %v after switching to consumed", faded, s.Alpha)
	}
}

func TestConsumedNotDoneAboveThreshold(t *testing.T) {
	e := New(FromSettings(Settings{AnimationSpeed: 120, SoakSpeed: 240}))
	target := Target{R: 50}
	s := Cold(target)
	s.BeginRemoval()
	for {
		done := e.Step(&s, target, Consumed, ClassCell, tick)
		if done {
			if s.R > MinSize {
				t.Fatalf("completed with size %v above threshold", s.R)
			}
			return
		}
		if s.R <= MinSize {
			t.Fatalf("size %v under threshold but not done", s.R)
		}
	}
}

func TestFadeIn(t *testing.T) {
	e := New(FromSettings(Settings{AnimationSpeed: 120, FadeSpeed: 200, Transparency: 0.6}))
	s := Cold(Target{})
	s.Alpha = 0
	for i := 0; i < 100; i++ {
		e.Step(&s, Target{}, None, ClassCell, tick)
	}
	if s.Alpha != 0.6 {
		t.Fatalf("alpha = %v", s.Alpha)
	}
}
