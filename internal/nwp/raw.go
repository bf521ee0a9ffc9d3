package nwp

import "time"

// RawFormat identifies the container format a staged file decoded from.
type RawFormat int

const (
	// FormatUnknown marks files whose magic bytes match no decoder.
	FormatUnknown RawFormat = iota
	// FormatGRIB2 is the WMO grid-binary edition 2 format.
	FormatGRIB2
	// FormatNetCDF covers the NetCDF family (classic and HDF5-backed).
	FormatNetCDF
)

// String returns a short name for the format.
func (f RawFormat) String() string {
	switch f {
	case FormatGRIB2:
		return "grib2"
	case FormatNetCDF:
		return "netcdf"
	default:
		return "unknown"
	}
}

// RawField is one decoded 2-D field exactly as the file stated it:
// provider vocabulary, provider units, provider row order. The normalizer
// turns these into canonical Slices.
type RawField struct {
	// Name is the variable short name from the file.
	Name string

	// Unit is the unit string from the file, empty when absent.
	Unit string

	// InitTime is the reference (analysis) time of the message.
	InitTime time.Time

	// StepHours is the forecast lead of this field.
	StepHours int

	// Level is the vertical level value, 0 for surface fields.
	Level float64

	// LevelType names the vertical coordinate, e.g. "heightAboveGround".
	LevelType string

	// Ny, Nx give the field's grid shape; len(Values) == Ny*Nx.
	Ny, Nx int

	// BottomUp is true when row 0 is the southernmost row, as scanned
	// from the file. Normalization flips rows so row 0 is northernmost.
	BottomUp bool

	// Values holds the grid points row-major. Missing points are NaN.
	Values []float32
}

// RawData is the decoder's output for one staged file.
type RawData struct {
	Format RawFormat
	Fields []RawField
}

// FieldNames returns the distinct raw variable names in file order.
func (d *RawData) FieldNames() []string {
	seen := make(map[string]bool, len(d.Fields))
	var names []string
	for _, f := range d.Fields {
		if !seen[f.Name] {
			seen[f.Name] = true
			names = append(names, f.Name)
		}
	}
	return names
}
