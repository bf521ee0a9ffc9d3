package ncf

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fhs/go-netcdf/netcdf"

	"github.com/nwpio/nwpd/internal/errors"
)

func TestReadFileBasic(t *testing.T) {
	ds, path := createDataset(t)
	yDim := addAxis(t, ds, "y", []float64{54, 53, 52})
	xDim := addAxis(t, ds, "x", []float64{-2, -1, 0, 1})
	tDim := addAxis(t, ds, "time", []float64{0, 1})

	v, err := ds.AddVar("t2m", netcdf.FLOAT, []netcdf.Dim{tDim, yDim, xDim})
	if err != nil {
		t.Fatalf("AddVar: %v", err)
	}
	vals := make([]float32, 2*3*4)
	for i := range vals {
		vals[i] = float32(i)
	}
	if err := v.WriteFloat32s(vals); err != nil {
		t.Fatalf("write t2m: %v", err)
	}
	closeDataset(t, ds)

	fields, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("got %d fields, want 2", len(fields))
	}
	for i, f := range fields {
		if f.Name != "t2m" {
			t.Errorf("fields[%d].Name = %s, want t2m", i, f.Name)
		}
		if f.StepHours != i {
			t.Errorf("fields[%d].StepHours = %d, want %d", i, f.StepHours, i)
		}
		if f.Ny != 3 || f.Nx != 4 {
			t.Errorf("fields[%d] shape = %dx%d, want 3x4", i, f.Ny, f.Nx)
		}
		if f.BottomUp {
			t.Errorf("fields[%d] reported bottom-up for a descending y axis", i)
		}
		if !f.InitTime.IsZero() {
			t.Errorf("fields[%d].InitTime = %v, want zero for an offset axis", i, f.InitTime)
		}
		for j, got := range f.Values {
			if want := float32(i*12 + j); got != want {
				t.Fatalf("fields[%d].Values[%d] = %v, want %v", i, j, got, want)
			}
		}
	}
}

func TestScaleOffsetAndFill(t *testing.T) {
	ds, path := createDataset(t)
	yDim := addAxis(t, ds, "y", []float64{2, 1})
	xDim := addAxis(t, ds, "x", []float64{0, 1})

	v, err := ds.AddVar("airtemp", netcdf.SHORT, []netcdf.Dim{yDim, xDim})
	if err != nil {
		t.Fatalf("AddVar: %v", err)
	}
	if err := v.Attr("_FillValue").WriteInt16s([]int16{-32767}); err != nil {
		t.Fatalf("write fill: %v", err)
	}
	if err := v.Attr("scale_factor").WriteFloat64s([]float64{0.01}); err != nil {
		t.Fatalf("write scale: %v", err)
	}
	if err := v.Attr("add_offset").WriteFloat64s([]float64{250}); err != nil {
		t.Fatalf("write offset: %v", err)
	}
	if err := v.WriteInt16s([]int16{100, -32767, 0, -250}); err != nil {
		t.Fatalf("write airtemp: %v", err)
	}
	closeDataset(t, ds)

	fields, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(fields) != 1 {
		t.Fatalf("got %d fields, want 1", len(fields))
	}
	got := fields[0].Values
	if !math.IsNaN(float64(got[1])) {
		t.Errorf("filled point = %v, want NaN", got[1])
	}
	for i, want := range map[int]float32{0: 251, 2: 250, 3: 247.5} {
		if got[i] != want {
			t.Errorf("values[%d] = %v, want %v", i, got[i], want)
		}
	}
}

func TestAbsoluteTimeAxes(t *testing.T) {
	wantInit := time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)
	hours1900 := float64((wantInit.Unix() - unixSecs1900) / 3600)

	cases := []struct {
		name string
		vals []float64
	}{
		{name: "hours since 1900", vals: []float64{hours1900, hours1900 + 1}},
		{name: "unix seconds", vals: []float64{float64(wantInit.Unix()), float64(wantInit.Unix() + 3600)}},
	}
	for _, c := range cases {
		ds, path := createDataset(t)
		yDim := addAxis(t, ds, "y", []float64{2, 1})
		xDim := addAxis(t, ds, "x", []float64{0, 1})
		tDim := addAxis(t, ds, "time", c.vals)

		v, err := ds.AddVar("vis", netcdf.FLOAT, []netcdf.Dim{tDim, yDim, xDim})
		if err != nil {
			t.Fatalf("%s: AddVar: %v", c.name, err)
		}
		if err := v.WriteFloat32s(make([]float32, 8)); err != nil {
			t.Fatalf("%s: write: %v", c.name, err)
		}
		closeDataset(t, ds)

		fields, err := ReadFile(path)
		if err != nil {
			t.Fatalf("%s: ReadFile: %v", c.name, err)
		}
		if len(fields) != 2 {
			t.Fatalf("%s: got %d fields, want 2", c.name, len(fields))
		}
		for i, f := range fields {
			if !f.InitTime.Equal(wantInit) {
				t.Errorf("%s: fields[%d].InitTime = %v, want %v", c.name, i, f.InitTime, wantInit)
			}
			if f.StepHours != i {
				t.Errorf("%s: fields[%d].StepHours = %d, want %d", c.name, i, f.StepHours, i)
			}
		}
	}
}

func TestLevelAxis(t *testing.T) {
	ds, path := createDataset(t)
	yDim := addAxis(t, ds, "y", []float64{2, 1})
	xDim := addAxis(t, ds, "x", []float64{0, 1})
	tDim := addAxis(t, ds, "time", []float64{0})
	hDim := addAxis(t, ds, "height", []float64{2, 10})

	v, err := ds.AddVar("wind", netcdf.FLOAT, []netcdf.Dim{tDim, hDim, yDim, xDim})
	if err != nil {
		t.Fatalf("AddVar: %v", err)
	}
	vals := make([]float32, 2*4)
	for i := range vals {
		vals[i] = float32(i)
	}
	if err := v.WriteFloat32s(vals); err != nil {
		t.Fatalf("write wind: %v", err)
	}
	closeDataset(t, ds)

	fields, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("got %d fields, want 2", len(fields))
	}
	for i, wantLevel := range []float64{2, 10} {
		f := fields[i]
		if f.Level != wantLevel || f.LevelType != "heightAboveGround" {
			t.Errorf("fields[%d] level = %v %s, want %v heightAboveGround",
				i, f.Level, f.LevelType, wantLevel)
		}
		if f.Values[0] != float32(i*4) {
			t.Errorf("fields[%d].Values[0] = %v, want %v", i, f.Values[0], float32(i*4))
		}
	}
}

func TestScalarLevelCoordinate(t *testing.T) {
	ds, path := createDataset(t)
	yDim := addAxis(t, ds, "y", []float64{2, 1})
	xDim := addAxis(t, ds, "x", []float64{0, 1})
	addAxis(t, ds, "height", []float64{1.5})

	v, err := ds.AddVar("screen_temp", netcdf.FLOAT, []netcdf.Dim{yDim, xDim})
	if err != nil {
		t.Fatalf("AddVar: %v", err)
	}
	if err := v.WriteFloat32s([]float32{280, 281, 282, 283}); err != nil {
		t.Fatalf("write: %v", err)
	}
	closeDataset(t, ds)

	fields, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(fields) != 1 {
		t.Fatalf("got %d fields, want 1", len(fields))
	}
	if fields[0].Level != 1.5 || fields[0].LevelType != "heightAboveGround" {
		t.Errorf("level = %v %s, want 1.5 heightAboveGround",
			fields[0].Level, fields[0].LevelType)
	}
}

func TestBottomUpWhenYAscending(t *testing.T) {
	ds, path := createDataset(t)
	yDim := addAxis(t, ds, "latitude", []float64{52, 53})
	xDim := addAxis(t, ds, "longitude", []float64{0, 1})

	v, err := ds.AddVar("r", netcdf.FLOAT, []netcdf.Dim{yDim, xDim})
	if err != nil {
		t.Fatalf("AddVar: %v", err)
	}
	if err := v.WriteFloat32s([]float32{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}
	closeDataset(t, ds)

	fields, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !fields[0].BottomUp {
		t.Error("ascending latitude axis not reported as bottom-up")
	}
}

func TestSkipsAuxiliaryVariables(t *testing.T) {
	ds, path := createDataset(t)
	yDim := addAxis(t, ds, "y", []float64{2, 1})
	xDim := addAxis(t, ds, "x", []float64{0, 1})
	tDim := addAxis(t, ds, "time", []float64{0, 1})
	bndsDim, err := ds.AddDim("bnds", 2)
	if err != nil {
		t.Fatalf("AddDim: %v", err)
	}

	bnds, err := ds.AddVar("time_bnds", netcdf.DOUBLE, []netcdf.Dim{tDim, bndsDim})
	if err != nil {
		t.Fatalf("AddVar(time_bnds): %v", err)
	}
	if err := bnds.WriteFloat64s([]float64{0, 1, 1, 2}); err != nil {
		t.Fatalf("write time_bnds: %v", err)
	}

	v, err := ds.AddVar("prate", netcdf.FLOAT, []netcdf.Dim{tDim, yDim, xDim})
	if err != nil {
		t.Fatalf("AddVar(prate): %v", err)
	}
	if err := v.WriteFloat32s(make([]float32, 8)); err != nil {
		t.Fatalf("write prate: %v", err)
	}
	closeDataset(t, ds)

	fields, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("got %d fields, want 2 (bounds skipped)", len(fields))
	}
	for i, f := range fields {
		if f.Name != "prate" {
			t.Errorf("fields[%d].Name = %s, want prate", i, f.Name)
		}
	}
}

func TestNoSpatialAxes(t *testing.T) {
	ds, path := createDataset(t)
	tDim := addAxis(t, ds, "time", []float64{0})
	v, err := ds.AddVar("count", netcdf.INT, []netcdf.Dim{tDim})
	if err != nil {
		t.Fatalf("AddVar: %v", err)
	}
	if err := v.WriteInt32s([]int32{7}); err != nil {
		t.Fatalf("write: %v", err)
	}
	closeDataset(t, ds)

	if _, err := ReadFile(path); !errors.Is(err, errors.ErrDecode) {
		t.Errorf("ReadFile err = %v, want decode error", err)
	}
}

func TestGarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.nc")
	if err := os.WriteFile(path, []byte("not a netcdf file"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(path); !errors.Is(err, errors.ErrDecode) {
		t.Errorf("ReadFile err = %v, want decode error", err)
	}
}

func createDataset(t *testing.T) (netcdf.Dataset, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw.nc")
	ds, err := netcdf.CreateFile(path, netcdf.CLOBBER|netcdf.NETCDF4)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	return ds, path
}

// addAxis registers a dimension and its coordinate variable in one go.
func addAxis(t *testing.T, ds netcdf.Dataset, name string, vals []float64) netcdf.Dim {
	t.Helper()
	dim, err := ds.AddDim(name, uint64(len(vals)))
	if err != nil {
		t.Fatalf("AddDim(%s): %v", name, err)
	}
	v, err := ds.AddVar(name, netcdf.DOUBLE, []netcdf.Dim{dim})
	if err != nil {
		t.Fatalf("AddVar(%s): %v", name, err)
	}
	if err := v.WriteFloat64s(vals); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return dim
}

func closeDataset(t *testing.T, ds netcdf.Dataset) {
	t.Helper()
	if err := ds.Close(); err != nil {
		t.Fatalf("close dataset: %v", err)
	}
}
