package nwp

import (
	"fmt"
	"math"
)

// Variable is a canonical forecast variable. Every provider's raw vocabulary
// is normalized into this set; the store never sees any other names.
type Variable int

const (
	// VarTemperature is air temperature at screen level.
	VarTemperature Variable = iota
	// VarRelativeHumidity is relative humidity at screen level.
	VarRelativeHumidity
	// VarPrecipRate is total precipitation rate.
	VarPrecipRate
	// VarSnowDepth is snow depth water equivalent.
	VarSnowDepth
	// VarWindSpeed10 is wind speed at 10 m.
	VarWindSpeed10
	// VarWindDir10 is wind direction at 10 m.
	VarWindDir10
	// VarVisibility is horizontal visibility.
	VarVisibility
	// VarCloudLow is low-level cloud cover.
	VarCloudLow
	// VarCloudMid is mid-level cloud cover.
	VarCloudMid
	// VarCloudHigh is high-level cloud cover.
	VarCloudHigh
	// VarRadiationSW is downward short-wave radiation flux at the surface.
	VarRadiationSW
	// VarRadiationLW is downward long-wave radiation flux at the surface.
	VarRadiationLW

	numVariables
)

// String returns the canonical short name.
func (v Variable) String() string {
	switch v {
	case VarTemperature:
		return "t"
	case VarRelativeHumidity:
		return "r"
	case VarPrecipRate:
		return "prate"
	case VarSnowDepth:
		return "sde"
	case VarWindSpeed10:
		return "si10"
	case VarWindDir10:
		return "wdir10"
	case VarVisibility:
		return "vis"
	case VarCloudLow:
		return "lcc"
	case VarCloudMid:
		return "mcc"
	case VarCloudHigh:
		return "hcc"
	case VarRadiationSW:
		return "dswrf"
	case VarRadiationLW:
		return "dlwrf"
	default:
		return fmt.Sprintf("unknown(%d)", int(v))
	}
}

// Unit returns the canonical unit for the variable.
func (v Variable) Unit() string {
	switch v {
	case VarTemperature:
		return "K"
	case VarRelativeHumidity:
		return "%"
	case VarPrecipRate:
		return "kg m-2 s-1"
	case VarSnowDepth:
		return "kg m-2"
	case VarWindSpeed10:
		return "m s-1"
	case VarWindDir10:
		return "deg"
	case VarVisibility:
		return "m"
	case VarCloudLow, VarCloudMid, VarCloudHigh:
		return "%"
	case VarRadiationSW, VarRadiationLW:
		return "W m-2"
	default:
		return ""
	}
}

// Valid reports whether v is a member of the canonical vocabulary.
func (v Variable) Valid() bool {
	return v >= 0 && v < numVariables
}

// Variables returns the full canonical vocabulary in declaration order.
func Variables() []Variable {
	vs := make([]Variable, numVariables)
	for i := range vs {
		vs[i] = Variable(i)
	}
	return vs
}

// ParseVariable resolves a canonical short name back to its Variable.
func ParseVariable(name string) (Variable, error) {
	for i := Variable(0); i < numVariables; i++ {
		if i.String() == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("not a canonical variable: %q", name)
}

// Missing is the sentinel for absent grid points. Comparisons must use
// IsMissing since NaN never equals itself.
var Missing = float32(math.NaN())

// IsMissing reports whether a grid point carries the missing sentinel.
func IsMissing(v float32) bool {
	return math.IsNaN(float64(v))
}
