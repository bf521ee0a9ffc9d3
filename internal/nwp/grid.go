package nwp

// Grid describes a regular, row-major 2-D grid. Both projected metre grids
// and geographic degree grids use the same shape; CRS and units tell them
// apart. Dy is negative when rows run from north to south.
type Grid struct {
	ID  string // stable identifier, e.g. "ukv-2km"
	CRS string // coordinate reference, e.g. "osgb-tmerc" or "latlon"

	Ny, Nx int     // row and column counts
	Y0, X0 float64 // coordinate of the first row / first column
	Dy, Dx float64 // spacing between rows / columns

	Unit string // coordinate unit, "m" or "deg"
}

// Cells returns the number of grid points.
func (g Grid) Cells() int {
	return g.Ny * g.Nx
}

// YCoords materializes the row coordinate axis.
func (g Grid) YCoords() []float64 {
	ys := make([]float64, g.Ny)
	for i := range ys {
		ys[i] = g.Y0 + float64(i)*g.Dy
	}
	return ys
}

// XCoords materializes the column coordinate axis.
func (g Grid) XCoords() []float64 {
	xs := make([]float64, g.Nx)
	for i := range xs {
		xs[i] = g.X0 + float64(i)*g.Dx
	}
	return xs
}

// SameGeometry reports whether two grids cover the same points, ignoring ID.
func (g Grid) SameGeometry(o Grid) bool {
	return g.CRS == o.CRS &&
		g.Ny == o.Ny && g.Nx == o.Nx &&
		g.Y0 == o.Y0 && g.X0 == o.X0 &&
		g.Dy == o.Dy && g.Dx == o.Dx &&
		g.Unit == o.Unit
}

// UKV2km is the Met Office UKV 2 km grid on the OSGB transverse-Mercator
// projection. Rows descend from the north edge: y runs 1223000 down toward
// -185000 exclusive, x runs -239000 up toward 857000 exclusive.
var UKV2km = Grid{
	ID:   "ukv-2km",
	CRS:  "osgb-tmerc",
	Ny:   704,
	Nx:   548,
	Y0:   1223000,
	X0:   -239000,
	Dy:   -2000,
	Dx:   2000,
	Unit: "m",
}

// IconEU is the DWD ICON-EU regular lat/lon grid at 0.0625 degrees.
// Rows ascend from the south edge.
var IconEU = Grid{
	ID:   "icon-eu-0p0625",
	CRS:  "latlon",
	Ny:   657,
	Nx:   1097,
	Y0:   29.5,
	X0:   -23.5,
	Dy:   0.0625,
	Dx:   0.0625,
	Unit: "deg",
}

// GlobalUK is the Met Office DataHub regular lat/lon cutout over the UK.
var GlobalUK = Grid{
	ID:   "mo-global-uk",
	CRS:  "latlon",
	Ny:   639,
	Nx:   455,
	Y0:   65.0,
	X0:   -8.0,
	Dy:   -0.0156,
	Dx:   0.0235,
	Unit: "deg",
}
