package coordinate

import (
	"math"
	"testing"
)

func TestCoordinate_DistanceTo(t *testing.T) {
	// A is at (1, 1, 1), B is at (2, 3, 4).
	// B - A = (1, 2, 3), so dist(A, B) = sqrt(14).
	cfg := DefaultConfig()
	cfg.Dimensionality = 3

	a := NewCoordinate(cfg)
	a.Vec[0], a.Vec[1], a.Vec[2] = 1, 1, 1

	b := NewCoordinate(cfg)
	b.Vec[0], b.Vec[1], b.Vec[2] = 2, 3, 4

	dist := a.DistanceTo(b)
	dist2 := b.DistanceTo(a)
	if dist != dist2 {
		t.Fatalf("distance should be symmetric: %f vs %f", dist, dist2)
	}
	if math.Abs(dist-math.Sqrt(14)) > 0.01*dist {
		t.Fatalf("incorrect distance: got %f, want ~%f", dist, math.Sqrt(14))
	}
}

func TestCoordinate_IsCompatibleWith(t *testing.T) {
	cfg3 := DefaultConfig()
	cfg3.Dimensionality = 3
	cfg5 := DefaultConfig()
	cfg5.Dimensionality = 5

	a := NewCoordinate(cfg3)
	b := NewCoordinate(cfg5)
	if a.IsCompatibleWith(b) {
		t.Fatalf("coordinates of different dimensionality should not be compatible")
	}

	c := NewCoordinate(cfg3)
	if !a.IsCompatibleWith(c) {
		t.Fatalf("coordinates of the same dimensionality should be compatible")
	}
}

func TestCoordinate_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	c := NewCoordinate(cfg)
	if !c.IsValid() {
		t.Fatalf("a freshly created coordinate should be valid")
	}

	c.Vec[0] = math.NaN()
	if c.IsValid() {
		t.Fatalf("a coordinate with a NaN component should not be valid")
	}

	c.Vec[0] = math.Inf(1)
	if c.IsValid() {
		t.Fatalf("a coordinate with an infinite component should not be valid")
	}
}

func TestCoordinate_ApplyForce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dimensionality = 2

	origin := NewCoordinate(cfg)
	other := NewCoordinate(cfg)
	other.Vec[0] = 1

	// A positive force pushes the coordinate away from other.
	moved := origin.ApplyForce(cfg, 1.0, other)
	if moved.DistanceTo(other) <= origin.DistanceTo(other) {
		t.Fatalf("applying a positive force should move away from other")
	}

	// ApplyForce must not mutate the receiver.
	if origin.Vec[0] != 0 || origin.Vec[1] != 0 {
		t.Fatalf("ApplyForce mutated its receiver: %+v", origin.Vec)
	}
}

func TestCoordinate_Clone(t *testing.T) {
	cfg := DefaultConfig()
	c := NewCoordinate(cfg)
	c.Vec[0] = 42
	c.Err = 0.5

	clone := c.Clone()
	clone.Vec[0] = 99
	clone.Err = 0.1

	if c.Vec[0] != 42 || c.Err != 0.5 {
		t.Fatalf("mutating a clone should not affect the original: %+v", c)
	}
}
