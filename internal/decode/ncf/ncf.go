// Package ncf decodes CF-style NetCDF files into raw fields.
//
// Files are expected to carry 1-D coordinate variables for the spatial
// axes. Every non-coordinate variable whose trailing dimensions are (y, x)
// becomes one field per leading (time, level) index. Packed variables are
// unpacked with scale_factor/add_offset; points equal to _FillValue or
// missing_value come out as NaN.
package ncf

import (
	"fmt"
	"math"
	"time"

	"github.com/fhs/go-netcdf/netcdf"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/nwp"
)

// Coordinate variable names recognized per axis. Providers publish CF
// conventions but disagree on spelling, same as the parameter tables.
var (
	yAxisNames     = []string{"y", "latitude", "lat", "projection_y_coordinate"}
	xAxisNames     = []string{"x", "longitude", "lon", "projection_x_coordinate"}
	timeAxisNames  = []string{"time", "step", "forecast_period"}
	levelAxisNames = []string{"height", "level", "isobaric", "pressure"}
)

// TZ=UTC date --date="1900-01-01 00:00:00" +%s
const unixSecs1900 = -2208988800

// Time axis values at or above these magnitudes are absolute timestamps
// rather than lead-hour offsets.
const (
	epochSecsMin  = 1e8 // seconds since 1970
	epochHoursMin = 5e5 // hours since 1900
)

// ReadFile decodes every gridded variable in a NetCDF file.
func ReadFile(path string) ([]nwp.RawField, error) {
	ds, err := netcdf.OpenFile(path, netcdf.NOWRITE)
	if err != nil {
		return nil, errors.NewDecode(path, err.Error())
	}
	defer ds.Close()

	fields, err := read(ds)
	if err != nil {
		return nil, errors.NewDecode(path, err.Error())
	}
	return fields, nil
}

// axes holds the resolved coordinate variables of one dataset.
type axes struct {
	yName, xName string
	ny, nx       int
	bottomUp     bool

	timeName string
	initTime time.Time
	steps    []int

	levelName string
	levelType string
	levels    []float64
}

func read(ds netcdf.Dataset) ([]nwp.RawField, error) {
	ax, err := resolveAxes(ds)
	if err != nil {
		return nil, err
	}

	nvars, err := ds.NVars()
	if err != nil {
		return nil, fmt.Errorf("listing variables: %v", err)
	}

	var fields []nwp.RawField
	for i := 0; i < nvars; i++ {
		v := ds.VarN(i)
		name, err := v.Name()
		if err != nil {
			return nil, fmt.Errorf("variable %d: %v", i, err)
		}
		if ax.isCoordinate(name) {
			continue
		}
		vf, err := readVariable(v, name, ax)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %v", name, err)
		}
		fields = append(fields, vf...)
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("no gridded variables on a %s/%s grid", ax.yName, ax.xName)
	}
	return fields, nil
}

func (ax *axes) isCoordinate(name string) bool {
	return name == ax.yName || name == ax.xName || name == ax.timeName || name == ax.levelName
}

func resolveAxes(ds netcdf.Dataset) (*axes, error) {
	ax := &axes{steps: []int{0}}

	yName, yVals, err := findCoord(ds, yAxisNames)
	if err != nil {
		return nil, err
	}
	if yName == "" {
		return nil, fmt.Errorf("no y coordinate variable (tried %v)", yAxisNames)
	}
	xName, xVals, err := findCoord(ds, xAxisNames)
	if err != nil {
		return nil, err
	}
	if xName == "" {
		return nil, fmt.Errorf("no x coordinate variable (tried %v)", xAxisNames)
	}
	ax.yName, ax.xName = yName, xName
	ax.ny, ax.nx = len(yVals), len(xVals)
	ax.bottomUp = len(yVals) >= 2 && yVals[1] > yVals[0]

	tName, tVals, err := findCoord(ds, timeAxisNames)
	if err != nil {
		return nil, err
	}
	if tName != "" {
		ax.timeName = tName
		ax.initTime, ax.steps, err = stepHours(tVals)
		if err != nil {
			return nil, fmt.Errorf("%s axis: %v", tName, err)
		}
	}

	lName, lVals, err := findCoord(ds, levelAxisNames)
	if err != nil {
		return nil, err
	}
	if lName != "" {
		ax.levelName = lName
		ax.levels = lVals
		switch lName {
		case "height":
			ax.levelType = "heightAboveGround"
		default:
			ax.levelType = "isobaricInPa"
		}
	}
	return ax, nil
}

// stepHours converts a time axis to forecast lead hours. Absolute axes
// (unix seconds, hours since 1900) also yield the reference time; offset
// axes leave it zero for the caller to stamp from the file reference.
func stepHours(vals []float64) (time.Time, []int, error) {
	if len(vals) == 0 {
		return time.Time{}, []int{0}, nil
	}
	steps := make([]int, len(vals))

	switch {
	case vals[0] >= epochSecsMin:
		init := time.Unix(int64(vals[0]), 0).UTC()
		for i, v := range vals {
			d := v - vals[0]
			if math.Mod(d, 3600) != 0 {
				return time.Time{}, nil, fmt.Errorf("offset %v s is not whole hours", d)
			}
			steps[i] = int(d / 3600)
		}
		return init, steps, nil
	case vals[0] >= epochHoursMin:
		init := time.Unix(int64(vals[0])*3600+unixSecs1900, 0).UTC()
		for i, v := range vals {
			steps[i] = int(v - vals[0])
		}
		return init, steps, nil
	default:
		for i, v := range vals {
			if v != math.Trunc(v) {
				return time.Time{}, nil, fmt.Errorf("offset %v is not whole hours", v)
			}
			steps[i] = int(v)
		}
		return time.Time{}, steps, nil
	}
}

// findCoord returns the first 0-D or 1-D variable matching one of the
// candidate names, with its values widened to float64.
func findCoord(ds netcdf.Dataset, names []string) (string, []float64, error) {
	for _, name := range names {
		v, err := ds.Var(name)
		if err != nil {
			continue
		}
		dims, err := v.Dims()
		if err != nil {
			return "", nil, fmt.Errorf("coordinate %s: %v", name, err)
		}
		if len(dims) > 1 {
			continue
		}
		n := uint64(1)
		if len(dims) == 1 {
			if n, err = dims[0].Len(); err != nil {
				return "", nil, fmt.Errorf("coordinate %s: %v", name, err)
			}
		}
		vals, err := readFloat64s(v, int(n))
		if err != nil {
			return "", nil, fmt.Errorf("coordinate %s: %v", name, err)
		}
		return name, vals, nil
	}
	return "", nil, nil
}

// readVariable expands one data variable into per-(step, level) fields.
// Variables whose dimensions are not (time, level, y, x) shaped in some
// prefix form (bounds, auxiliary metadata) are skipped by name.
func readVariable(v netcdf.Var, name string, ax *axes) ([]nwp.RawField, error) {
	dims, err := v.Dims()
	if err != nil {
		return nil, err
	}
	if len(dims) < 2 || len(dims) > 4 {
		return nil, nil
	}
	shape := make([]int, len(dims))
	names := make([]string, len(dims))
	for i, d := range dims {
		n, err := d.Len()
		if err != nil {
			return nil, err
		}
		dn, err := d.Name()
		if err != nil {
			return nil, err
		}
		shape[i], names[i] = int(n), dn
	}
	if names[len(names)-2] != ax.yName || names[len(names)-1] != ax.xName {
		return nil, nil
	}

	nt, nz := 1, 1
	switch len(dims) {
	case 3:
		switch names[0] {
		case ax.timeName:
			nt = shape[0]
		case ax.levelName:
			nz = shape[0]
		default:
			return nil, nil
		}
	case 4:
		if names[0] != ax.timeName || names[1] != ax.levelName {
			return nil, nil
		}
		nt, nz = shape[0], shape[1]
	}
	if nt > len(ax.steps) {
		return nil, fmt.Errorf("%d time indices but %d axis values", nt, len(ax.steps))
	}
	if nz > len(ax.levels) && nz > 1 {
		return nil, fmt.Errorf("%d level indices but %d axis values", nz, len(ax.levels))
	}

	raw, err := readFloat32s(v, nt*nz*ax.ny*ax.nx)
	if err != nil {
		return nil, err
	}

	fill, hasFill := attrScalar(v, "_FillValue")
	if !hasFill {
		fill, hasFill = attrScalar(v, "missing_value")
	}
	scale, hasScale := attrScalar(v, "scale_factor")
	if !hasScale {
		scale = 1
	}
	offset, _ := attrScalar(v, "add_offset")

	cells := ax.ny * ax.nx
	fields := make([]nwp.RawField, 0, nt*nz)
	for ti := 0; ti < nt; ti++ {
		for zi := 0; zi < nz; zi++ {
			start := (ti*nz + zi) * cells
			values := make([]float32, cells)
			for i, rv := range raw[start : start+cells] {
				if hasFill && float64(rv) == fill {
					values[i] = nwp.Missing
					continue
				}
				values[i] = float32(float64(rv)*scale + offset)
			}
			f := nwp.RawField{
				Name:      name,
				InitTime:  ax.initTime,
				StepHours: ax.steps[ti],
				Ny:        ax.ny,
				Nx:        ax.nx,
				BottomUp:  ax.bottomUp,
				Values:    values,
			}
			// A single-valued level axis acts as a scalar coordinate for
			// variables without their own level dimension.
			switch {
			case nz > 1:
				f.Level, f.LevelType = ax.levels[zi], ax.levelType
			case len(ax.levels) == 1:
				f.Level, f.LevelType = ax.levels[0], ax.levelType
			}
			fields = append(fields, f)
		}
	}
	return fields, nil
}

// readFloat32s reads a whole variable, widening packed integer types.
func readFloat32s(v netcdf.Var, n int) ([]float32, error) {
	t, err := v.Type()
	if err != nil {
		return nil, err
	}
	switch t {
	case netcdf.FLOAT:
		out := make([]float32, n)
		if err := v.ReadFloat32s(out); err != nil {
			return nil, err
		}
		return out, nil
	case netcdf.DOUBLE:
		tmp := make([]float64, n)
		if err := v.ReadFloat64s(tmp); err != nil {
			return nil, err
		}
		out := make([]float32, n)
		for i, val := range tmp {
			out[i] = float32(val)
		}
		return out, nil
	case netcdf.INT:
		tmp := make([]int32, n)
		if err := v.ReadInt32s(tmp); err != nil {
			return nil, err
		}
		out := make([]float32, n)
		for i, val := range tmp {
			out[i] = float32(val)
		}
		return out, nil
	case netcdf.SHORT:
		tmp := make([]int16, n)
		if err := v.ReadInt16s(tmp); err != nil {
			return nil, err
		}
		out := make([]float32, n)
		for i, val := range tmp {
			out[i] = float32(val)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("variable type %v: %w", t, errors.ErrUnsupportedFormat)
	}
}

// readFloat64s reads a whole variable at full width. Coordinate axes
// carry epoch values too large for float32.
func readFloat64s(v netcdf.Var, n int) ([]float64, error) {
	t, err := v.Type()
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	switch t {
	case netcdf.DOUBLE:
		if err := v.ReadFloat64s(out); err != nil {
			return nil, err
		}
	case netcdf.FLOAT:
		tmp := make([]float32, n)
		if err := v.ReadFloat32s(tmp); err != nil {
			return nil, err
		}
		for i, val := range tmp {
			out[i] = float64(val)
		}
	case netcdf.INT:
		tmp := make([]int32, n)
		if err := v.ReadInt32s(tmp); err != nil {
			return nil, err
		}
		for i, val := range tmp {
			out[i] = float64(val)
		}
	case netcdf.INT64:
		tmp := make([]int64, n)
		if err := v.ReadInt64s(tmp); err != nil {
			return nil, err
		}
		for i, val := range tmp {
			out[i] = float64(val)
		}
	case netcdf.SHORT:
		tmp := make([]int16, n)
		if err := v.ReadInt16s(tmp); err != nil {
			return nil, err
		}
		for i, val := range tmp {
			out[i] = float64(val)
		}
	default:
		return nil, fmt.Errorf("coordinate type %v: %w", t, errors.ErrUnsupportedFormat)
	}
	return out, nil
}

// attrScalar reads a numeric attribute's first element.
func attrScalar(v netcdf.Var, name string) (float64, bool) {
	a := v.Attr(name)
	if a == (netcdf.Attr{}) {
		return 0, false
	}
	n, err := a.Len()
	if err != nil || n == 0 {
		return 0, false
	}
	if buf := make([]float64, n); a.ReadFloat64s(buf) == nil {
		return buf[0], true
	}
	if buf := make([]float32, n); a.ReadFloat32s(buf) == nil {
		return float64(buf[0]), true
	}
	if buf := make([]int32, n); a.ReadInt32s(buf) == nil {
		return float64(buf[0]), true
	}
	if buf := make([]int16, n); a.ReadInt16s(buf) == nil {
		return float64(buf[0]), true
	}
	return 0, false
}
