package nwp

import (
	"fmt"
	"sort"
	"time"
)

// Slice is one canonical 2-D field: a single (variable, init_time, step,
// level) on the array's grid. Values are row-major with row 0 northernmost
// and NaN marking missing points.
type Slice struct {
	Variable  Variable
	InitTime  time.Time
	StepHours int
	Level     int32 // metres above ground, 0 for surface and screen fields
	Values    []float32
}

// Array is a normalized batch of slices from one provider on one grid.
// Dimension order is fixed: init_time, step, variable, y, x. Sort puts the
// slices in that order; Validate enforces the canonical invariants.
type Array struct {
	Provider string
	Grid     Grid
	Slices   []Slice
}

// Sort orders slices canonically: init time, step, variable, level.
func (a *Array) Sort() {
	sort.SliceStable(a.Slices, func(i, j int) bool {
		si, sj := a.Slices[i], a.Slices[j]
		if !si.InitTime.Equal(sj.InitTime) {
			return si.InitTime.Before(sj.InitTime)
		}
		if si.StepHours != sj.StepHours {
			return si.StepHours < sj.StepHours
		}
		if si.Variable != sj.Variable {
			return si.Variable < sj.Variable
		}
		return si.Level < sj.Level
	})
}

// Validate checks the canonical invariants: known provider and grid, every
// slice on the vocabulary, every slice sized to the grid.
func (a *Array) Validate() error {
	if a.Provider == "" {
		return fmt.Errorf("array has no provider")
	}
	if a.Grid.Cells() <= 0 {
		return fmt.Errorf("array grid %q has no cells", a.Grid.ID)
	}
	for i, s := range a.Slices {
		if !s.Variable.Valid() {
			return fmt.Errorf("slice %d: variable %d outside canonical vocabulary", i, int(s.Variable))
		}
		if s.InitTime.IsZero() {
			return fmt.Errorf("slice %d (%s): zero init time", i, s.Variable)
		}
		if s.StepHours < 0 {
			return fmt.Errorf("slice %d (%s): negative step %d", i, s.Variable, s.StepHours)
		}
		if len(s.Values) != a.Grid.Cells() {
			return fmt.Errorf("slice %d (%s): %d values on a %dx%d grid",
				i, s.Variable, len(s.Values), a.Grid.Ny, a.Grid.Nx)
		}
	}
	return nil
}

// InitTimes returns the distinct init times present, ascending.
func (a *Array) InitTimes() []time.Time {
	seen := make(map[int64]bool)
	var ts []time.Time
	for _, s := range a.Slices {
		k := s.InitTime.UnixMilli()
		if !seen[k] {
			seen[k] = true
			ts = append(ts, s.InitTime)
		}
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	return ts
}

// Steps returns the distinct step hours present, ascending.
func (a *Array) Steps() []int {
	seen := make(map[int]bool)
	var steps []int
	for _, s := range a.Slices {
		if !seen[s.StepHours] {
			seen[s.StepHours] = true
			steps = append(steps, s.StepHours)
		}
	}
	sort.Ints(steps)
	return steps
}

// Variables returns the distinct variables present, in vocabulary order.
func (a *Array) Variables() []Variable {
	seen := make(map[Variable]bool)
	for _, s := range a.Slices {
		seen[s.Variable] = true
	}
	var vs []Variable
	for _, v := range Variables() {
		if seen[v] {
			vs = append(vs, v)
		}
	}
	return vs
}

// TruncateIrregularSteps drops every slice after the first gap in the step
// sequence larger than maxGapHours. Providers occasionally publish sparse
// tails; a store window with holes in it is worse than a shorter window.
func (a *Array) TruncateIrregularSteps(maxGapHours int) int {
	steps := a.Steps()
	if len(steps) < 2 {
		return 0
	}
	cut := -1
	for i := 1; i < len(steps); i++ {
		if steps[i]-steps[i-1] > maxGapHours {
			cut = steps[i]
			break
		}
	}
	if cut < 0 {
		return 0
	}
	kept := a.Slices[:0]
	dropped := 0
	for _, s := range a.Slices {
		if s.StepHours < cut {
			kept = append(kept, s)
		} else {
			dropped++
		}
	}
	a.Slices = kept
	return dropped
}
