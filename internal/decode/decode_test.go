package decode

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fhs/go-netcdf/netcdf"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/nwp"
)

func TestFileDispatchesNetCDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fields.nc")
	ds, err := netcdf.CreateFile(path, netcdf.CLOBBER|netcdf.NETCDF4)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	yDim, err := ds.AddDim("y", 2)
	if err != nil {
		t.Fatal(err)
	}
	xDim, err := ds.AddDim("x", 2)
	if err != nil {
		t.Fatal(err)
	}
	for name, dim := range map[string]netcdf.Dim{"y": yDim, "x": xDim} {
		v, err := ds.AddVar(name, netcdf.DOUBLE, []netcdf.Dim{dim})
		if err != nil {
			t.Fatalf("AddVar(%s): %v", name, err)
		}
		if err := v.WriteFloat64s([]float64{1, 0}); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	v, err := ds.AddVar("t2m", netcdf.FLOAT, []netcdf.Dim{yDim, xDim})
	if err != nil {
		t.Fatal(err)
	}
	if err := v.WriteFloat32s([]float32{280, 281, 282, 283}); err != nil {
		t.Fatal(err)
	}
	if err := ds.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := File(path)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if data.Format != nwp.FormatNetCDF {
		t.Errorf("format = %v, want netcdf", data.Format)
	}
	if names := data.FieldNames(); len(names) != 1 || names[0] != "t2m" {
		t.Errorf("field names = %v, want [t2m]", names)
	}
}

func TestFileDispatchesGRIB(t *testing.T) {
	// A GRIB magic with a garbage body proves the grib2 decoder handled
	// the file: the failure names the message, not the format.
	path := filepath.Join(t.TempDir(), "broken.grib2")
	if err := os.WriteFile(path, []byte("GRIB and then nothing useful"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := File(path)
	if !errors.Is(err, errors.ErrDecode) {
		t.Fatalf("File err = %v, want decode error", err)
	}
	if strings.Contains(err.Error(), "unrecognized") {
		t.Errorf("GRIB magic fell through sniffing: %v", err)
	}
}

func TestFileUnrecognizedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.csv")
	if err := os.WriteFile(path, []byte("init,step,value\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := File(path)
	if !errors.Is(err, errors.ErrDecode) {
		t.Fatalf("File err = %v, want decode error", err)
	}
	if !strings.Contains(err.Error(), "unrecognized") {
		t.Errorf("err = %v, want unrecognized format", err)
	}
}

func TestFileMissing(t *testing.T) {
	_, err := File(filepath.Join(t.TempDir(), "absent.grib2"))
	if !errors.Is(err, errors.ErrDecode) {
		t.Errorf("File err = %v, want decode error", err)
	}
}

func TestFileEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.grib2")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := File(path)
	if !errors.Is(err, errors.ErrDecode) {
		t.Errorf("File err = %v, want decode error", err)
	}
}