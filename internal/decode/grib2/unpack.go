package grib2

import (
	"fmt"
	"math"

	"github.com/nwpio/nwpd/internal/nwp"
)

// unpackSimple expands a simple-packed (template 7.0) data section into one
// float32 per grid point. Points masked out by the bitmap become NaN.
func unpackSimple(data []byte, repr *reprSection, bitmap []byte, numPoints int) ([]float32, error) {
	if bitmap != nil && len(bitmap)*8 < numPoints {
		return nil, fmt.Errorf("bitmap covers %d points, grid has %d", len(bitmap)*8, numPoints)
	}
	present := numPoints
	if bitmap != nil {
		present = countBits(bitmap, numPoints)
	}
	if repr.numValues != present {
		return nil, fmt.Errorf("representation declares %d values, bitmap leaves %d", repr.numValues, present)
	}

	decDiv := math.Pow10(repr.decScale)
	binMul := math.Pow(2, float64(repr.binScale))

	values := make([]float32, numPoints)

	// bits == 0 is a constant field: every present point is the reference.
	if repr.bits == 0 {
		c := float32(float64(repr.reference) / decDiv)
		for i := range values {
			if bitmap != nil && !bitSet(bitmap, i) {
				values[i] = nwp.Missing
				continue
			}
			values[i] = c
		}
		return values, nil
	}

	if len(data)*8 < present*repr.bits {
		return nil, fmt.Errorf("data section has %d bits, need %d", len(data)*8, present*repr.bits)
	}

	br := bitReader{buf: data}
	for i := 0; i < numPoints; i++ {
		if bitmap != nil && !bitSet(bitmap, i) {
			values[i] = nwp.Missing
			continue
		}
		x := br.read(repr.bits)
		values[i] = float32((float64(repr.reference) + float64(x)*binMul) / decDiv)
	}
	return values, nil
}

// bitReader reads big-endian bit fields from a byte slice. Callers bound
// the read count up front; read never runs past the buffer.
type bitReader struct {
	buf []byte
	pos int // bit offset
}

func (br *bitReader) read(n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		byteIdx := br.pos >> 3
		bitIdx := 7 - br.pos&7
		v = v<<1 | uint64(br.buf[byteIdx]>>bitIdx&1)
		br.pos++
	}
	return v
}

// bitSet reports whether point i is present in the bitmap, MSB first.
func bitSet(bm []byte, i int) bool {
	return bm[i>>3]>>(7-i&7)&1 == 1
}

func countBits(bm []byte, n int) int {
	c := 0
	for i := 0; i < n; i++ {
		if bitSet(bm, i) {
			c++
		}
	}
	return c
}
