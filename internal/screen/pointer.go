// File: internal/screen/pointer.go
// Description: Human-like pointer path synthesis. Grounded clicks and drags
// travel along an eased Bezier curve with Fitts's-law timing instead of
// teleporting, which keeps the injected input stream plausible to the
// application under automation.
package screen

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/xkilldash9x/retrace-cli/internal/config"
)

// Vector2D represents a point or vector in 2D space.
type Vector2D struct {
	X, Y float64
}

// Add returns the vector sum of v and other.
func (v Vector2D) Add(other Vector2D) Vector2D {
	return Vector2D{X: v.X + other.X, Y: v.Y + other.Y}
}

// Sub returns the vector difference of v and other.
func (v Vector2D) Sub(other Vector2D) Vector2D {
	return Vector2D{X: v.X - other.X, Y: v.Y - other.Y}
}

// Mul returns the vector v scaled by the scalar factor.
func (v Vector2D) Mul(scalar float64) Vector2D {
	return Vector2D{X: v.X * scalar, Y: v.Y * scalar}
}

// Mag calculates the magnitude (length) of the vector.
func (v Vector2D) Mag() float64 {
	// Use math.Hypot for numerical stability.
	return math.Hypot(v.X, v.Y)
}

// Normalize returns a unit vector in the same direction as v.
func (v Vector2D) Normalize() Vector2D {
	mag := v.Mag()
	if mag < 1e-9 {
		return Vector2D{}
	}
	return v.Mul(1.0 / mag)
}

// Dist calculates the Euclidean distance between v and other.
func (v Vector2D) Dist(other Vector2D) float64 {
	return math.Hypot(v.X-other.X, v.Y-other.Y)
}

// perpendicular returns the unit vector rotated 90 degrees.
func (v Vector2D) perpendicular() Vector2D {
	return Vector2D{X: -v.Y, Y: v.X}
}

// easeInOutCubic provides a smooth acceleration and deceleration profile.
func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}

// Pointer tracks the synthetic cursor and generates movement paths.
type Pointer struct {
	cfg config.HumanoidConfig

	mu  sync.Mutex
	cur Vector2D
	rng *rand.Rand
}

// NewPointer creates a pointer resting at the origin.
func NewPointer(cfg config.HumanoidConfig) *Pointer {
	return &Pointer{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Position returns the current cursor position.
func (p *Pointer) Position() Vector2D {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

// SetPosition moves the tracked cursor without generating a path.
func (p *Pointer) SetPosition(v Vector2D) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur = v
}

// MoveDuration derives a realistic travel time for the given distance from
// Fitts's Law, which models the time required to acquire a target area.
func (p *Pointer) MoveDuration(distance float64) time.Duration {
	const targetWidth = 30.0 // assumed default target width in pixels

	id := math.Log2(1.0 + distance/targetWidth)

	p.mu.Lock()
	a, b := p.cfg.FittsA, p.cfg.FittsB
	jitter := p.rng.Float64()*0.3 - 0.15
	p.mu.Unlock()

	mt := a + b*id
	mt += mt * jitter // +/- 15%
	if mt < 1 {
		mt = 1
	}
	return time.Duration(mt) * time.Millisecond
}

// Path generates a cubic Bezier trajectory from the current position to
// end. Control points are displaced perpendicular to the main direction so
// the curve bows the way a wrist-driven movement does, and each sample
// carries a little positional noise.
func (p *Pointer) Path(end Vector2D, numSteps int) []Vector2D {
	p.mu.Lock()
	start := p.cur
	rng := p.rng
	jitterPx := p.cfg.JitterPx
	p.mu.Unlock()

	mainVec := end.Sub(start)
	dist := mainVec.Mag()
	if dist < 1.0 || numSteps <= 1 {
		return []Vector2D{end}
	}

	mainDir := mainVec.Normalize()
	perp := mainDir.perpendicular()

	// Bow the curve sideways by up to 10% of the travel distance.
	bow1 := (rng.Float64()*2 - 1) * dist * 0.1
	bow2 := (rng.Float64()*2 - 1) * dist * 0.1
	p0, p3 := start, end
	p1 := start.Add(mainDir.Mul(dist / 3.0)).Add(perp.Mul(bow1))
	p2 := start.Add(mainDir.Mul(dist * 2.0 / 3.0)).Add(perp.Mul(bow2))

	path := make([]Vector2D, numSteps)
	for i := 0; i < numSteps; i++ {
		t := float64(i) / float64(numSteps-1)
		omt := 1.0 - t
		omt2 := omt * omt
		omt3 := omt2 * omt
		t2 := t * t
		t3 := t2 * t

		pt := p0.Mul(omt3).Add(p1.Mul(3 * omt2 * t)).Add(p2.Mul(3 * omt * t2)).Add(p3.Mul(t3))

		// Noise everywhere except the final sample, which must land on
		// the target exactly.
		if i < numSteps-1 && jitterPx > 0 {
			pt = pt.Add(Vector2D{
				X: rng.NormFloat64() * jitterPx,
				Y: rng.NormFloat64() * jitterPx,
			})
		}
		path[i] = pt
	}
	return path
}

// ClickHold returns a randomized press-release interval.
func (p *Pointer) ClickHold() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	min, max := p.cfg.ClickHoldMinMs, p.cfg.ClickHoldMaxMs
	if max <= min {
		return time.Duration(min) * time.Millisecond
	}
	return time.Duration(min+p.rng.Intn(max-min)) * time.Millisecond
}
