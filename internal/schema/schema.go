// Package schema maps provider vocabularies onto the canonical one.
//
// Each provider declares a Mapping: which raw variable names (as the decoder
// reports them) become which canonical variables, the unit conversion for
// each, the grid the provider publishes on, and the raw names that are known
// but deliberately dropped. Normalization is the only place provider
// vocabulary is allowed to die; everything downstream speaks canonical names.
package schema

import (
	"fmt"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/nwp"
)

// AnyLevel matches a raw field at any vertical level.
const AnyLevel = -1

// VarMapping binds one raw variable name (optionally at one vertical level)
// to a canonical variable with a linear unit conversion.
type VarMapping struct {
	// Raw is the decoder-reported short name.
	Raw string

	// Level restricts the mapping to fields at this level value, or
	// AnyLevel. A raw name may carry several mappings at distinct levels.
	Level float64

	// Canonical is the target variable.
	Canonical nwp.Variable

	// Scale and Offset convert raw units to canonical units:
	// canonical = raw*Scale + Offset. Zero Scale means 1.
	Scale  float64
	Offset float64
}

// Mapping is one provider's complete normalization contract.
type Mapping struct {
	// Provider is the registry name this mapping belongs to.
	Provider string

	// Grid is the canonical grid the provider publishes on. Every field
	// must match its cell count.
	Grid nwp.Grid

	// Vars lists the variable mappings. Order matters only for
	// documentation; lookup is by (Raw, Level).
	Vars []VarMapping

	// Ignore lists raw names that are recognized and dropped without
	// error. The decoder's "unknown" placeholder is always ignored.
	Ignore []string

	// MaxStepGapHours, when positive, truncates the normalized step
	// sequence at the first gap larger than this.
	MaxStepGapHours int
}

func (m *Mapping) ignored(name string) bool {
	if name == "unknown" {
		return true
	}
	for _, ig := range m.Ignore {
		if ig == name {
			return true
		}
	}
	return false
}

// find returns the mapping for a raw field, a flag for "known name but a
// level this mapping does not want", and a flag for "known at all".
func (m *Mapping) find(name string, level float64) (VarMapping, bool, bool) {
	known := false
	for _, vm := range m.Vars {
		if vm.Raw != name {
			continue
		}
		known = true
		if vm.Level == AnyLevel || vm.Level == level {
			return vm, true, true
		}
	}
	return VarMapping{}, false, known
}

// Normalizer converts decoded raw data into canonical arrays using a fixed
// set of provider mappings.
type Normalizer struct {
	mappings map[string]*Mapping
}

// NewNormalizer builds a normalizer over the given mappings.
func NewNormalizer(mappings ...*Mapping) *Normalizer {
	byName := make(map[string]*Mapping, len(mappings))
	for _, m := range mappings {
		byName[m.Provider] = m
	}
	return &Normalizer{mappings: byName}
}

// Default returns a normalizer carrying the built-in provider mappings.
func Default() *Normalizer {
	return NewNormalizer(CEDA(), MetOffice(), Icon())
}

// Mapping returns the mapping registered for a provider.
func (n *Normalizer) Mapping(provider string) (*Mapping, error) {
	m, ok := n.mappings[provider]
	if !ok {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "no mapping for provider %q", provider)
	}
	return m, nil
}

// Normalize maps raw fields into a canonical array. A raw name outside the
// mapping and its ignore list fails the whole file with a schema mismatch;
// known names at unwanted levels are dropped. Duplicate canonical keys keep
// the first occurrence.
func (n *Normalizer) Normalize(raw *nwp.RawData, provider string) (*nwp.Array, error) {
	m, err := n.Mapping(provider)
	if err != nil {
		return nil, err
	}

	type sliceKey struct {
		v    nwp.Variable
		it   int64
		step int
	}
	seen := make(map[sliceKey]bool)

	arr := &nwp.Array{Provider: provider, Grid: m.Grid}
	for _, f := range raw.Fields {
		if m.ignored(f.Name) {
			continue
		}
		vm, ok, known := m.find(f.Name, f.Level)
		if !ok {
			if known {
				continue
			}
			return nil, errors.NewSchemaMismatch(provider, f.Name)
		}
		if len(f.Values) != m.Grid.Cells() {
			return nil, errors.Wrapf(errors.ErrSchemaMismatch,
				"provider %s: field %s has %d values, grid %s wants %d",
				provider, f.Name, len(f.Values), m.Grid.ID, m.Grid.Cells())
		}

		key := sliceKey{v: vm.Canonical, it: f.InitTime.UnixMilli(), step: f.StepHours}
		if seen[key] {
			continue
		}
		seen[key] = true

		arr.Slices = append(arr.Slices, nwp.Slice{
			Variable:  vm.Canonical,
			InitTime:  f.InitTime.UTC(),
			StepHours: f.StepHours,
			Values:    convert(f, vm),
		})
	}

	arr.Sort()
	if m.MaxStepGapHours > 0 {
		arr.TruncateIrregularSteps(m.MaxStepGapHours)
	}
	if err := arr.Validate(); err != nil {
		return nil, fmt.Errorf("normalized array invalid: %w", err)
	}
	return arr, nil
}

// convert applies the unit conversion and row-order fix. Missing points
// pass through untouched since NaN arithmetic stays NaN.
func convert(f nwp.RawField, vm VarMapping) []float32 {
	scale := vm.Scale
	if scale == 0 {
		scale = 1
	}
	out := make([]float32, len(f.Values))
	if f.BottomUp {
		for row := 0; row < f.Ny; row++ {
			src := f.Values[(f.Ny-1-row)*f.Nx : (f.Ny-row)*f.Nx]
			dst := out[row*f.Nx : (row+1)*f.Nx]
			for i, v := range src {
				dst[i] = float32(float64(v)*scale + vm.Offset)
			}
		}
		return out
	}
	for i, v := range f.Values {
		out[i] = float32(float64(v)*scale + vm.Offset)
	}
	return out
}
