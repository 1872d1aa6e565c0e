// Package processing implements the measurement-to-result pipeline: grid
// location, spot measurement and result assembly. Everything here is pure;
// persistence lives elsewhere.
package processing

import (
	"fmt"
	"math"
	"sort"

	"mcranalyzer/pkg/domain"
)

// Point is a pixel-space position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Round returns the nearest integer pixel.
func (p Point) Round() (int, int) {
	return int(math.Round(p.X)), int(math.Round(p.Y))
}

func (p Point) String() string { return fmt.Sprintf("(%.1f,%.1f)", p.X, p.Y) }

// Geometry is the nominal spot grid of a plate in pixel space.
type Geometry struct {
	Rows         int
	Columns      int
	SpotDiameter float64
	PitchX       float64
	PitchY       float64
	// OriginX and OriginY are the nominal center of well (0,0).
	OriginX float64
	OriginY float64
}

// GeometryFromPlate converts stored plate parameters into a Geometry.
func GeometryFromPlate(p domain.Plate) Geometry {
	return Geometry{
		Rows:         p.Rows,
		Columns:      p.Columns,
		SpotDiameter: p.SpotDiameter,
		PitchX:       p.Pitch,
		PitchY:       p.VerticalPitch(),
		OriginX:      p.OriginX,
		OriginY:      p.OriginY,
	}
}

// Validate rejects grids that cannot be located.
func (g Geometry) Validate() error {
	if g.Rows <= 0 || g.Columns <= 0 {
		return fmt.Errorf("grid must have positive rows and columns, got %dx%d", g.Rows, g.Columns)
	}
	if g.SpotDiameter <= 0 {
		return fmt.Errorf("spot diameter must be positive, got %v", g.SpotDiameter)
	}
	if g.PitchX <= 0 || g.PitchY <= 0 {
		return fmt.Errorf("pitch must be positive, got %vx%v", g.PitchX, g.PitchY)
	}
	return nil
}

// Nominal returns the designed center of w.
func (g Geometry) Nominal(w domain.Well) Point {
	return Point{
		X: g.OriginX + float64(w.Column)*g.PitchX,
		Y: g.OriginY + float64(w.Row)*g.PitchY,
	}
}

// Wells lists every well row-major.
func (g Geometry) Wells() []domain.Well {
	wells := make([]domain.Well, 0, g.Rows*g.Columns)
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Columns; c++ {
			wells = append(wells, domain.Well{Row: r, Column: c})
		}
	}
	return wells
}

// OutOfBoundsError reports a spot center or measurement disk that does not
// fit the image. It indicates geometry or tolerance misconfiguration.
type OutOfBoundsError struct {
	Well   domain.Well
	X, Y   int
	Radius int
	Width  int
	Height int
}

func (e *OutOfBoundsError) Error() string {
	if e.Radius > 0 {
		return fmt.Sprintf("spot %v at (%d,%d) with radius %d exceeds image bounds %dx%d", e.Well, e.X, e.Y, e.Radius, e.Width, e.Height)
	}
	return fmt.Sprintf("spot %v center (%d,%d) outside image bounds %dx%d", e.Well, e.X, e.Y, e.Width, e.Height)
}

// offset is an integer displacement from a reference position.
type offset struct{ dx, dy int }

// searchOffsets returns every offset with dx²+dy² <= radius² (or the full
// square when square is set), ordered by distance from the origin, then dy,
// then dx. Scanning in this order and keeping only strictly better scores
// resolves ties toward the closest candidate deterministically.
func searchOffsets(radius int, square bool) []offset {
	if radius < 0 {
		radius = 0
	}
	var out []offset
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if !square && dx*dx+dy*dy > radius*radius {
				continue
			}
			out = append(out, offset{dx, dy})
		}
	}
	sortOffsets(out)
	return out
}

func sortOffsets(out []offset) {
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		da, db := a.dx*a.dx+a.dy*a.dy, b.dx*b.dx+b.dy*b.dy
		if da != db {
			return da < db
		}
		if a.dy != b.dy {
			return a.dy < b.dy
		}
		return a.dx < b.dx
	})
}

// diskOffsets lists pixel offsets inside a disk of radius r.
func diskOffsets(r int) []offset {
	var out []offset
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				out = append(out, offset{dx, dy})
			}
		}
	}
	return out
}

// ringOffsets lists pixel offsets with inner² < d² <= outer².
func ringOffsets(inner, outer int) []offset {
	var out []offset
	for dy := -outer; dy <= outer; dy++ {
		for dx := -outer; dx <= outer; dx++ {
			d := dx*dx + dy*dy
			if d > inner*inner && d <= outer*outer {
				out = append(out, offset{dx, dy})
			}
		}
	}
	return out
}
