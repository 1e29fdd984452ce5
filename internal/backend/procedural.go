package backend

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ProceduralBackend synthesizes a colored point cloud from keywords in the
// prompt. It stands in for a model runtime in development and demos and has
// the same contract: long-ish, progress-reporting, cancellable between steps.
type ProceduralBackend struct {
	name          ModelName
	pointsPerStep int
	stepDelay     time.Duration
}

// ProceduralOption customizes a ProceduralBackend.
type ProceduralOption func(*ProceduralBackend)

// WithStepDelay simulates per-step sampling cost.
func WithStepDelay(d time.Duration) ProceduralOption {
	return func(b *ProceduralBackend) { b.stepDelay = d }
}

// WithPointsPerStep sets how many points each step contributes.
func WithPointsPerStep(n int) ProceduralOption {
	return func(b *ProceduralBackend) {
		if n > 0 {
			b.pointsPerStep = n
		}
	}
}

// NewProceduralBackend registers under name (e.g. "procedural").
func NewProceduralBackend(name ModelName, opts ...ProceduralOption) *ProceduralBackend {
	b := &ProceduralBackend{name: name, pointsPerStep: 32}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *ProceduralBackend) Name() ModelName { return b.name }

type shapeFunc func(r *rand.Rand) (x, y, z float64)

var shapes = []struct {
	keywords []string
	fn       shapeFunc
}{
	{[]string{"cube", "box", "crate", "dice"}, cubePoint},
	{[]string{"torus", "donut", "ring"}, torusPoint},
	{[]string{"cone", "pyramid", "tree"}, conePoint},
	{[]string{"flat", "plane", "sheet", "paper"}, planePoint},
}

var palette = map[string][3]uint8{
	"red":    {220, 40, 40},
	"green":  {40, 180, 70},
	"blue":   {40, 90, 220},
	"yellow": {230, 210, 40},
	"orange": {240, 140, 30},
	"purple": {140, 60, 200},
	"white":  {240, 240, 240},
	"black":  {30, 30, 30},
	"gold":   {212, 175, 55},
}

// Generate writes an ASCII PLY to req.OutputPath and returns it.
func (b *ProceduralBackend) Generate(ctx context.Context, req Request, progress ProgressFunc) (string, error) {
	if progress == nil {
		progress = func(float64, string) {}
	}
	steps := req.Steps
	if steps <= 0 {
		steps = 1
	}
	prompt := strings.ToLower(req.Prompt)
	shape := pickShape(prompt)
	base := pickColor(prompt)
	rng := rand.New(rand.NewSource(int64(xxhash.Sum64String(prompt))))

	progress(0.1, "Starting generation...")
	points := make([][6]float64, 0, steps*b.pointsPerStep)
	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if b.stepDelay > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(b.stepDelay):
			}
		}
		for i := 0; i < b.pointsPerStep; i++ {
			x, y, z := shape(rng)
			shade := 0.75 + 0.25*rng.Float64()
			points = append(points, [6]float64{
				x, y, z,
				float64(base[0]) * shade, float64(base[1]) * shade, float64(base[2]) * shade,
			})
		}
		progress(0.1+0.8*float64(step+1)/float64(steps), fmt.Sprintf("Sampling step %d/%d", step+1, steps))
	}

	if flat(points) {
		return "", fmt.Errorf("%w: generated mesh is flat", ErrDegenerateOutput)
	}

	progress(0.95, "Writing point cloud...")
	if err := writePLY(req.OutputPath, points); err != nil {
		return "", err
	}
	return req.OutputPath, nil
}

func pickShape(prompt string) shapeFunc {
	for _, s := range shapes {
		for _, kw := range s.keywords {
			if strings.Contains(prompt, kw) {
				return s.fn
			}
		}
	}
	return spherePoint
}

func pickColor(prompt string) [3]uint8 {
	for _, word := range strings.Fields(prompt) {
		if c, ok := palette[strings.Trim(word, ".,!?")]; ok {
			return c
		}
	}
	return [3]uint8{200, 200, 200}
}

// flat reports whether all points lie in one axis-aligned plane.
func flat(points [][6]float64) bool {
	if len(points) == 0 {
		return true
	}
	for axis := 0; axis < 3; axis++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, p := range points {
			lo, hi = math.Min(lo, p[axis]), math.Max(hi, p[axis])
		}
		if hi-lo < 1e-6 {
			return true
		}
	}
	return false
}

func spherePoint(r *rand.Rand) (float64, float64, float64) {
	theta := 2 * math.Pi * r.Float64()
	phi := math.Acos(2*r.Float64() - 1)
	return math.Sin(phi) * math.Cos(theta), math.Cos(phi), math.Sin(phi) * math.Sin(theta)
}

func cubePoint(r *rand.Rand) (float64, float64, float64) {
	p := [3]float64{2*r.Float64() - 1, 2*r.Float64() - 1, 2*r.Float64() - 1}
	face := r.Intn(3)
	if r.Intn(2) == 0 {
		p[face] = -1
	} else {
		p[face] = 1
	}
	return p[0], p[1], p[2]
}

func torusPoint(r *rand.Rand) (float64, float64, float64) {
	const major, minor = 1.0, 0.35
	u, v := 2*math.Pi*r.Float64(), 2*math.Pi*r.Float64()
	return (major + minor*math.Cos(v)) * math.Cos(u), minor * math.Sin(v), (major + minor*math.Cos(v)) * math.Sin(u)
}

func conePoint(r *rand.Rand) (float64, float64, float64) {
	h := r.Float64()
	theta := 2 * math.Pi * r.Float64()
	radius := 1 - h
	return radius * math.Cos(theta), 2*h - 1, radius * math.Sin(theta)
}

func planePoint(r *rand.Rand) (float64, float64, float64) {
	return 2*r.Float64() - 1, 0, 2*r.Float64() - 1
}

func writePLY(path string, points [][6]float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create ply: %w", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "ply\nformat ascii 1.0\ncomment generated by procedural backend\nelement vertex %d\n", len(points))
	fmt.Fprint(w, "property float x\nproperty float y\nproperty float z\nproperty uchar red\nproperty uchar green\nproperty uchar blue\nend_header\n")
	for _, p := range points {
		fmt.Fprintf(w, "%.5f %.5f %.5f %d %d %d\n", p[0], p[1], p[2], uint8(p[3]), uint8(p[4]), uint8(p[5]))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write ply: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close ply: %w", err)
	}
	return nil
}
