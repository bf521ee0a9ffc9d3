package grib2

import (
	"encoding/binary"
	"fmt"
	"math"
)

// gridSection is the parsed form of section 3, grid definition template
// 3.0. Geometry is validated downstream against the provider's static
// grid, so only shape and scan order are kept.
type gridSection struct {
	numPoints int
	ni, nj    int
	bottomUp  bool
}

func parseGrid(sec []byte) (*gridSection, error) {
	if len(sec) < 72 {
		return nil, fmt.Errorf("grid definition section too short: %d bytes", len(sec))
	}
	if src := sec[5]; src != 0 {
		return nil, fmt.Errorf("grid definition source %d: %w", src, Unsupported)
	}
	tmpl := binary.BigEndian.Uint16(sec[12:14])
	if tmpl != 0 {
		return nil, fmt.Errorf("grid definition template 3.%d: %w", tmpl, Unsupported)
	}

	g := &gridSection{
		numPoints: int(binary.BigEndian.Uint32(sec[6:10])),
		ni:        int(binary.BigEndian.Uint32(sec[30:34])),
		nj:        int(binary.BigEndian.Uint32(sec[34:38])),
	}

	scan := sec[71]
	if scan&0x80 != 0 {
		return nil, fmt.Errorf("scanning mode %#x (negative i direction): %w", scan, Unsupported)
	}
	if scan&0x20 != 0 {
		return nil, fmt.Errorf("scanning mode %#x (j consecutive): %w", scan, Unsupported)
	}
	g.bottomUp = scan&0x40 != 0

	if g.ni <= 0 || g.nj <= 0 {
		return nil, fmt.Errorf("grid has %dx%d points", g.ni, g.nj)
	}
	if g.numPoints != g.ni*g.nj {
		return nil, fmt.Errorf("grid declares %d points but %dx%d shape", g.numPoints, g.ni, g.nj)
	}
	return g, nil
}

// productSection is the parsed form of section 4, templates 4.0 and 4.8.
type productSection struct {
	category  uint8
	number    uint8
	stepHours int
	level     float64
	levelType string
}

func parseProduct(sec []byte) (*productSection, error) {
	if len(sec) < 34 {
		return nil, fmt.Errorf("product definition section too short: %d bytes", len(sec))
	}
	tmpl := binary.BigEndian.Uint16(sec[7:9])
	if tmpl != 0 && tmpl != 8 {
		return nil, fmt.Errorf("product definition template 4.%d: %w", tmpl, Unsupported)
	}

	p := &productSection{
		category: sec[9],
		number:   sec[10],
	}

	forecast := int(binary.BigEndian.Uint32(sec[18:22]))
	step, err := toHours(sec[17], forecast)
	if err != nil {
		return nil, err
	}
	p.stepHours = step

	// Statistically processed fields (accumulations, averages) report the
	// interval start as forecast time; the lead the data is valid for is
	// the interval end.
	if tmpl == 8 {
		if len(sec) < 58 {
			return nil, fmt.Errorf("statistical product section too short: %d bytes", len(sec))
		}
		rangeLen := int(binary.BigEndian.Uint32(sec[49:53]))
		span, err := toHours(sec[48], rangeLen)
		if err != nil {
			return nil, err
		}
		p.stepHours += span
	}

	p.levelType, p.level = surface(sec[22], sec[23], sec[24:28])
	return p, nil
}

// surface resolves the first fixed surface into a level name and value.
// The scale factor is sign-and-magnitude, 255 means missing.
func surface(surfaceType, scale uint8, scaled []byte) (string, float64) {
	if surfaceType == 255 {
		return "", 0
	}
	raw := binary.BigEndian.Uint32(scaled)
	value := 0.0
	if scale != 255 && raw != math.MaxUint32 {
		sf := int(scale & 0x7F)
		if scale&0x80 != 0 {
			sf = -sf
		}
		value = float64(raw) / math.Pow10(sf)
	}
	switch surfaceType {
	case 1:
		return "surface", 0
	case 100:
		return "isobaricInPa", value
	case 101:
		return "meanSea", 0
	case 102:
		return "heightAboveSea", value
	case 103:
		return "heightAboveGround", value
	default:
		return fmt.Sprintf("surfaceType%d", surfaceType), value
	}
}

// toHours converts a forecast duration in the section's declared unit to
// whole hours.
func toHours(unit uint8, n int) (int, error) {
	switch unit {
	case 0: // minutes
		if n%60 != 0 {
			return 0, fmt.Errorf("forecast time %d minutes is not whole hours", n)
		}
		return n / 60, nil
	case 1: // hours
		return n, nil
	case 2: // days
		return n * 24, nil
	case 10:
		return n * 3, nil
	case 11:
		return n * 6, nil
	case 12:
		return n * 12, nil
	case 13: // seconds
		if n%3600 != 0 {
			return 0, fmt.Errorf("forecast time %d seconds is not whole hours", n)
		}
		return n / 3600, nil
	default:
		return 0, fmt.Errorf("time range unit %d: %w", unit, Unsupported)
	}
}

// reprSection is the parsed form of section 5, template 5.0 simple packing.
type reprSection struct {
	numValues int
	reference float32
	binScale  int
	decScale  int
	bits      int
}

func parseRepr(sec []byte) (*reprSection, error) {
	if len(sec) < 21 {
		return nil, fmt.Errorf("data representation section too short: %d bytes", len(sec))
	}
	tmpl := binary.BigEndian.Uint16(sec[9:11])
	if tmpl != 0 {
		return nil, fmt.Errorf("data representation template 5.%d: %w", tmpl, Unsupported)
	}

	r := &reprSection{
		numValues: int(binary.BigEndian.Uint32(sec[5:9])),
		reference: math.Float32frombits(binary.BigEndian.Uint32(sec[11:15])),
		binScale:  signMagnitude16(binary.BigEndian.Uint16(sec[15:17])),
		decScale:  signMagnitude16(binary.BigEndian.Uint16(sec[17:19])),
		bits:      int(sec[19]),
	}
	if r.bits > 32 {
		return nil, fmt.Errorf("%d bits per value: %w", r.bits, Unsupported)
	}
	return r, nil
}

// parseBitmap reads section 6. Indicator 0 carries a bitmap, 254 reuses
// the previous one in the same message, 255 means every point is present.
func parseBitmap(sec []byte, prev []byte) ([]byte, error) {
	if len(sec) < 6 {
		return nil, fmt.Errorf("bitmap section too short: %d bytes", len(sec))
	}
	switch sec[5] {
	case 0:
		bm := make([]byte, len(sec)-6)
		copy(bm, sec[6:])
		return bm, nil
	case 254:
		if prev == nil {
			return nil, fmt.Errorf("bitmap indicator 254 with no previous bitmap")
		}
		return prev, nil
	case 255:
		return nil, nil
	default:
		return nil, fmt.Errorf("bitmap indicator %d: %w", sec[5], Unsupported)
	}
}

// signMagnitude16 decodes a 16-bit sign-and-magnitude integer.
func signMagnitude16(v uint16) int {
	if v&0x8000 != 0 {
		return -int(v & 0x7FFF)
	}
	return int(v)
}
