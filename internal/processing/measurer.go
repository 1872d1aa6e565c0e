package processing

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"mcranalyzer/internal/decoder"
	"mcranalyzer/pkg/domain"
)

// Default measurer parameters.
const (
	DefaultMargin     = 1
	DefaultNoiseFloor = 100.0
)

// SpotValue is the measurement of one located spot.
type SpotValue struct {
	X, Y   int
	Radius int
	// Value is the median of the disk samples.
	Value  float64
	Max    uint16
	Pixels int
	Flags  domain.QualityFlags
}

// Measurer turns a spot center into a robust brightness statistic.
type Measurer struct {
	// Margin is subtracted from the nominal spot radius to keep the disk off
	// the spot edge.
	Margin int
	// NoiseFloor flags medians below it as low-signal.
	NoiseFloor float64
}

// NewMeasurer returns a Measurer with default parameters.
func NewMeasurer() *Measurer {
	return &Measurer{Margin: DefaultMargin, NoiseFloor: DefaultNoiseFloor}
}

// Radius returns the disk radius used for a spot of the given diameter.
func (m *Measurer) Radius(diameter float64) int {
	r := int(math.Floor(diameter/2)) - m.Margin
	if r < 1 {
		r = 1
	}
	return r
}

// Measure computes the disk median at center. The disk must lie entirely
// inside the image; centers are never clamped.
func (m *Measurer) Measure(img *decoder.Image, center Point, diameter float64) (SpotValue, error) {
	cx, cy := center.Round()
	r := m.Radius(diameter)
	if cx-r < 0 || cy-r < 0 || cx+r > img.Width-1 || cy+r > img.Height-1 {
		return SpotValue{}, &OutOfBoundsError{X: cx, Y: cy, Radius: r, Width: img.Width, Height: img.Height}
	}
	offs := diskOffsets(r)
	samples := make([]float64, 0, len(offs))
	var peak uint16
	for _, o := range offs {
		v := img.At(cx+o.dx, cy+o.dy)
		if v > peak {
			peak = v
		}
		samples = append(samples, float64(v))
	}
	sort.Float64s(samples)
	sv := SpotValue{
		X:      cx,
		Y:      cy,
		Radius: r,
		Value:  stat.Quantile(0.5, stat.Empirical, samples, nil),
		Max:    peak,
		Pixels: len(samples),
	}
	if peak >= img.Ceiling() {
		sv.Flags |= domain.FlagSaturated
	}
	if sv.Value < m.NoiseFloor {
		sv.Flags |= domain.FlagLowSignal
	}
	return sv, nil
}
