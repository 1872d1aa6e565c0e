package processing

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"mcranalyzer/pkg/domain"
)

// DefaultReplicateCutoff is the relative deviation tolerated between replicates.
const DefaultReplicateCutoff = 0.1

// ValidateReplicates treats each column as a set of replicates. The three
// values closest to each other are valid and their mean is the reference;
// any other value is valid when |v - ref| < cutoff*ref. Columns with fewer
// than three defined values are left unevaluated.
func ValidateReplicates(rs *ResultSet, cutoff float64) {
	for col := 0; col < rs.Columns; col++ {
		type replicate struct {
			well  domain.Well
			value float64
		}
		var reps []replicate
		for row := 0; row < rs.Rows; row++ {
			w := domain.Well{Row: row, Column: col}
			if r, ok := rs.Results[w]; ok && r.Value != nil {
				reps = append(reps, replicate{w, *r.Value})
			}
		}
		if len(reps) < 3 {
			continue
		}
		sort.SliceStable(reps, func(i, j int) bool { return reps[i].value < reps[j].value })
		start := 0
		minSpread := reps[2].value - reps[0].value
		for i := 1; i+2 < len(reps); i++ {
			if spread := reps[i+2].value - reps[i].value; spread < minSpread {
				start, minSpread = i, spread
			}
		}
		core := []float64{reps[start].value, reps[start+1].value, reps[start+2].value}
		ref := stat.Mean(core, nil)
		for i, rep := range reps {
			valid := (i >= start && i < start+3) || math.Abs(rep.value-ref) < cutoff*ref
			r := rs.Results[rep.well]
			r.Valid = domain.Bool(valid)
			rs.Results[rep.well] = r
		}
	}
}
