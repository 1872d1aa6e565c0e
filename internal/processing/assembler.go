package processing

import (
	"errors"
	"fmt"
	"sort"

	"mcranalyzer/internal/decoder"
	"mcranalyzer/pkg/domain"
)

// ResultSet holds exactly one Result per well of a grid, keyed by well.
type ResultSet struct {
	Rows    int
	Columns int
	Results map[domain.Well]domain.Result
}

// Complete reports whether every well of the grid has a result and no
// result lies outside it.
func (rs *ResultSet) Complete() bool {
	if len(rs.Results) != rs.Rows*rs.Columns {
		return false
	}
	for w := range rs.Results {
		if w.Row < 0 || w.Row >= rs.Rows || w.Column < 0 || w.Column >= rs.Columns {
			return false
		}
	}
	return true
}

// Sorted returns the results ordered by row, then column.
func (rs *ResultSet) Sorted() []domain.Result {
	out := make([]domain.Result, 0, len(rs.Results))
	for _, r := range rs.Results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Well.Less(out[j].Well) })
	return out
}

// FlagCounts tallies how many results carry each flag.
func (rs *ResultSet) FlagCounts() map[domain.QualityFlags]int {
	counts := make(map[domain.QualityFlags]int)
	for _, r := range rs.Results {
		for _, f := range []domain.QualityFlags{domain.FlagSaturated, domain.FlagLowSignal, domain.FlagMissing} {
			if r.Flags.Has(f) {
				counts[f]++
			}
		}
	}
	return counts
}

// MeasureFunc measures the spot of a well at a located center.
type MeasureFunc func(w domain.Well, center Point) (SpotValue, error)

// Assemble builds the full result set for geom. Wells absent from locs
// become missing results with an undefined value. Measurement errors abort
// the whole set.
func Assemble(geom Geometry, locs Locations, measure MeasureFunc) (*ResultSet, error) {
	rs := &ResultSet{Rows: geom.Rows, Columns: geom.Columns, Results: make(map[domain.Well]domain.Result, geom.Rows*geom.Columns)}
	for _, w := range geom.Wells() {
		center, ok := locs[w]
		if !ok {
			nominal := geom.Nominal(w)
			rs.Results[w] = domain.Result{Well: w, Flags: domain.FlagMissing, PixelX: nominal.X, PixelY: nominal.Y}
			continue
		}
		sv, err := measure(w, center)
		if err != nil {
			var oob *OutOfBoundsError
			if errors.As(err, &oob) {
				oob.Well = w
			}
			return nil, fmt.Errorf("measure spot %v: %w", w, err)
		}
		rs.Results[w] = domain.Result{
			Well:   w,
			Value:  domain.Float(sv.Value),
			Flags:  sv.Flags,
			PixelX: float64(sv.X),
			PixelY: float64(sv.Y),
		}
	}
	if !rs.Complete() {
		return nil, fmt.Errorf("assembled %d results for %dx%d grid", len(rs.Results), rs.Rows, rs.Columns)
	}
	return rs, nil
}

// Pipeline chains grid location, spot measurement and result assembly.
type Pipeline struct {
	Locator  *Locator
	Measurer *Measurer
	// ReplicateCutoff enables replicate validation when positive.
	ReplicateCutoff float64
}

// NewPipeline returns a Pipeline with default parameters.
func NewPipeline() *Pipeline {
	return &Pipeline{Locator: NewLocator(), Measurer: NewMeasurer(), ReplicateCutoff: DefaultReplicateCutoff}
}

// Run processes one image against the nominal geometry.
func (p *Pipeline) Run(img *decoder.Image, geom Geometry) (*ResultSet, error) {
	locs, err := p.Locator.Locate(img, geom)
	if err != nil {
		return nil, err
	}
	rs, err := Assemble(geom, locs, func(_ domain.Well, center Point) (SpotValue, error) {
		return p.Measurer.Measure(img, center, geom.SpotDiameter)
	})
	if err != nil {
		return nil, err
	}
	if p.ReplicateCutoff > 0 {
		ValidateReplicates(rs, p.ReplicateCutoff)
	}
	return rs, nil
}
