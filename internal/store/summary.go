package store

import (
	"math"

	"github.com/DataDog/sketches-go/ddsketch"
)

// summaryAccuracy is the DDSketch relative accuracy used for slice quantiles.
const summaryAccuracy = 0.01

// Summary describes the value distribution of one stored slice. Missing
// cells are counted but excluded from the statistics, and the quantiles come
// from a DDSketch over the remaining values.
type Summary struct {
	Count   int     `json:"count"`
	Missing int     `json:"missing"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
}

// summarize computes the summary of one slice's values.
func summarize(values []float32) *Summary {
	s := &Summary{}

	sketch, err := ddsketch.NewDefaultDDSketch(summaryAccuracy)
	if err != nil {
		sketch = nil
	}

	var sum float64
	for _, v := range values {
		if math.IsNaN(float64(v)) {
			s.Missing++
			continue
		}

		f := float64(v)
		if s.Count == 0 || f < s.Min {
			s.Min = f
		}
		if s.Count == 0 || f > s.Max {
			s.Max = f
		}
		sum += f
		s.Count++

		if sketch != nil {
			sketch.Add(f)
		}
	}

	if s.Count == 0 {
		return s
	}

	s.Mean = sum / float64(s.Count)
	if sketch != nil {
		p50, _ := sketch.GetValueAtQuantile(0.50)
		p95, _ := sketch.GetValueAtQuantile(0.95)
		s.P50 = p50
		s.P95 = p95
	}
	return s
}
