package artifact

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
)

var ErrUnsupportedPLY = errors.New("artifact: only ascii ply can be previewed")

// Point is one vertex of a point cloud artifact.
type Point struct {
	X, Y, Z float64
	Color   color.NRGBA
}

// ReadPLY parses the vertex element of an ASCII PLY file. Vertex colors are
// read from red/green/blue properties when present.
func ReadPLY(path string) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ply: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	if !sc.Scan() || strings.TrimSpace(sc.Text()) != "ply" {
		return nil, errors.New("artifact: missing ply magic")
	}

	var (
		vertexCount int
		inVertex    bool
		props       = map[string]int{}
		nProps      int
	)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 || fields[1] != "ascii" {
				return nil, ErrUnsupportedPLY
			}
		case "element":
			inVertex = len(fields) == 3 && fields[1] == "vertex"
			if inVertex {
				vertexCount, err = strconv.Atoi(fields[2])
				if err != nil {
					return nil, fmt.Errorf("artifact: vertex count: %w", err)
				}
			}
		case "property":
			if inVertex && len(fields) >= 3 {
				props[fields[len(fields)-1]] = nProps
				nProps++
			}
		}
		if fields[0] == "end_header" {
			break
		}
	}
	for _, axis := range []string{"x", "y", "z"} {
		if _, ok := props[axis]; !ok {
			return nil, fmt.Errorf("artifact: vertex property %q missing", axis)
		}
	}
	ri, hasR := props["red"]
	gi, hasG := props["green"]
	bi, hasB := props["blue"]
	hasColor := hasR && hasG && hasB

	points := make([]Point, 0, vertexCount)
	for len(points) < vertexCount && sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < nProps {
			return nil, fmt.Errorf("artifact: short vertex line %d", len(points))
		}
		var p Point
		if p.X, err = strconv.ParseFloat(fields[props["x"]], 64); err != nil {
			return nil, fmt.Errorf("artifact: vertex x: %w", err)
		}
		if p.Y, err = strconv.ParseFloat(fields[props["y"]], 64); err != nil {
			return nil, fmt.Errorf("artifact: vertex y: %w", err)
		}
		if p.Z, err = strconv.ParseFloat(fields[props["z"]], 64); err != nil {
			return nil, fmt.Errorf("artifact: vertex z: %w", err)
		}
		p.Color = color.NRGBA{R: 220, G: 220, B: 220, A: 255}
		if hasColor {
			p.Color.R = channel(fields[ri])
			p.Color.G = channel(fields[gi])
			p.Color.B = channel(fields[bi])
		}
		points = append(points, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("artifact: read ply: %w", err)
	}
	if len(points) != vertexCount {
		return nil, fmt.Errorf("artifact: expected %d vertices, read %d", vertexCount, len(points))
	}
	return points, nil
}

func channel(v string) uint8 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	if f <= 1 && strings.Contains(v, ".") {
		f *= 255
	}
	return uint8(math.Max(0, math.Min(255, math.Round(f))))
}

// RenderPreview draws an orthographic front view (x right, y up) of the
// point cloud at plyPath and writes a size x size PNG to outPath.
func RenderPreview(plyPath, outPath string, size int) error {
	if size <= 0 {
		return errors.New("artifact: preview size must be positive")
	}
	points, err := ReadPLY(plyPath)
	if err != nil {
		return err
	}
	img := renderPoints(points, size)
	if err := imaging.Save(img, outPath); err != nil {
		return fmt.Errorf("artifact: save preview: %w", err)
	}
	return nil
}

func renderPoints(points []Point, size int) image.Image {
	// Draw at 2x and downsample for smoother splats.
	canvas := size * 2
	dst := imaging.New(canvas, canvas, color.NRGBA{R: 24, G: 24, B: 28, A: 255})
	if len(points) == 0 {
		return imaging.Resize(dst, size, size, imaging.Lanczos)
	}

	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, p := range points {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	span := math.Max(maxX-minX, maxY-minY)
	if span == 0 {
		span = 1
	}
	margin := float64(canvas) * 0.08
	scale := (float64(canvas) - 2*margin) / span

	// Far points first so nearer ones paint over them.
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Z < sorted[j].Z })

	radius := 1 + canvas/256
	for _, p := range sorted {
		cx := int(margin + (p.X-minX)*scale)
		cy := canvas - 1 - int(margin+(p.Y-minY)*scale)
		for dy := -radius; dy <= radius; dy++ {
			for dx := -radius; dx <= radius; dx++ {
				x, y := cx+dx, cy+dy
				if x >= 0 && y >= 0 && x < canvas && y < canvas {
					dst.SetNRGBA(x, y, p.Color)
				}
			}
		}
	}
	return imaging.Resize(dst, size, size, imaging.Lanczos)
}
