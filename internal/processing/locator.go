package processing

import (
	"math"

	"mcranalyzer/internal/decoder"
	"mcranalyzer/pkg/domain"
)

// Default locator parameters. MinContrast 0 accepts any spot at least as
// bright as its surroundings.
const (
	DefaultTolerance       = 3
	DefaultMaxDrift        = 10
	DefaultMinContrast     = 0.0
	DefaultBackgroundWidth = 2
)

// Locations maps each found well to its refined pixel center. Wells whose
// spot was not found are absent.
type Locations map[domain.Well]Point

// Locator recovers actual spot centers from nominal grid geometry.
type Locator struct {
	// Tolerance is the radius in pixels of the per-spot search disk.
	Tolerance int
	// MaxDrift bounds the global grid offset search in each axis.
	MaxDrift int
	// MinContrast is the spot-over-background score a spot must reach.
	MinContrast float64
	// BackgroundWidth is the width of the annulus used as local background.
	BackgroundWidth int
}

// NewLocator returns a Locator with default parameters.
func NewLocator() *Locator {
	return &Locator{
		Tolerance:       DefaultTolerance,
		MaxDrift:        DefaultMaxDrift,
		MinContrast:     DefaultMinContrast,
		BackgroundWidth: DefaultBackgroundWidth,
	}
}

type candidate struct {
	x, y  int
	score float64
	dist  int
}

// better reports whether c beats best: higher score, then closer to the
// drift-shifted nominal position, then lower y, then lower x.
func (c candidate) better(best candidate) bool {
	if c.score != best.score {
		return c.score > best.score
	}
	if c.dist != best.dist {
		return c.dist < best.dist
	}
	if c.y != best.y {
		return c.y < best.y
	}
	return c.x < best.x
}

// scorer evaluates spot contrast at integer centers.
type scorer struct {
	img   *decoder.Image
	inner []offset
	ring  []offset
}

func newScorer(img *decoder.Image, diameter float64, bgWidth int) *scorer {
	r := int(math.Floor(diameter / 2))
	if r < 1 {
		r = 1
	}
	if bgWidth < 1 {
		bgWidth = 1
	}
	return &scorer{img: img, inner: diskOffsets(r), ring: ringOffsets(r, r+bgWidth)}
}

// contrast returns mean(inner disk) - mean(annulus) at (x, y), ignoring
// pixels outside the image. It is -Inf when no disk pixel is visible.
func (s *scorer) contrast(x, y int) float64 {
	inSum, inN := s.sum(x, y, s.inner)
	if inN == 0 {
		return math.Inf(-1)
	}
	score := inSum / float64(inN)
	if bgSum, bgN := s.sum(x, y, s.ring); bgN > 0 {
		score -= bgSum / float64(bgN)
	}
	return score
}

func (s *scorer) sum(x, y int, offs []offset) (float64, int) {
	var total float64
	n := 0
	for _, o := range offs {
		px, py := x+o.dx, y+o.dy
		if !s.img.In(px, py) {
			continue
		}
		total += float64(s.img.At(px, py))
		n++
	}
	return total, n
}

// Locate finds the refined center of every spot. Spots without a candidate
// reaching MinContrast are omitted from the result. It fails with
// OutOfBoundsError when a nominal center lies outside the image.
func (l *Locator) Locate(img *decoder.Image, geom Geometry) (Locations, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	wells := geom.Wells()
	nominal := make([][2]int, len(wells))
	for i, w := range wells {
		x, y := geom.Nominal(w).Round()
		if !img.In(x, y) {
			return nil, &OutOfBoundsError{Well: w, X: x, Y: y, Width: img.Width, Height: img.Height}
		}
		nominal[i] = [2]int{x, y}
	}
	sc := newScorer(img, geom.SpotDiameter, l.BackgroundWidth)

	gdx, gdy := l.globalOffset(sc, nominal)

	locs := make(Locations, len(wells))
	window := searchOffsets(l.Tolerance, false)
	for i, w := range wells {
		bx, by := nominal[i][0]+gdx, nominal[i][1]+gdy
		best := candidate{score: math.Inf(-1), dist: math.MaxInt}
		found := false
		for _, o := range window {
			cx, cy := bx+o.dx, by+o.dy
			if !img.In(cx, cy) {
				continue
			}
			c := candidate{x: cx, y: cy, score: sc.contrast(cx, cy), dist: sqDist(cx, cy, bx, by)}
			if !found || c.better(best) {
				best, found = c, true
			}
		}
		if !found || math.IsInf(best.score, -1) || best.score < l.MinContrast {
			continue
		}
		locs[w] = Point{X: float64(best.x), Y: float64(best.y)}
	}
	return locs, nil
}

// globalOffset estimates the mechanical grid offset as the shift that
// maximizes total spot contrast over all nominal centers.
func (l *Locator) globalOffset(sc *scorer, nominal [][2]int) (int, int) {
	if l.MaxDrift <= 0 {
		return 0, 0
	}
	best := candidate{score: math.Inf(-1), dist: math.MaxInt}
	found := false
	for _, o := range searchOffsets(l.MaxDrift, true) {
		total := 0.0
		visible := 0
		for _, n := range nominal {
			x, y := n[0]+o.dx, n[1]+o.dy
			if !sc.img.In(x, y) {
				continue
			}
			if s := sc.contrast(x, y); !math.IsInf(s, -1) {
				total += s
				visible++
			}
		}
		if visible < len(nominal) {
			// Shifts that push spots off the image are not plausible drift.
			continue
		}
		c := candidate{x: o.dx, y: o.dy, score: total, dist: o.dx*o.dx + o.dy*o.dy}
		if !found || c.better(best) {
			best, found = c, true
		}
	}
	if !found {
		return 0, 0
	}
	return best.x, best.y
}

func sqDist(x1, y1, x2, y2 int) int {
	dx, dy := x1-x2, y1-y2
	return dx*dx + dy*dy
}
