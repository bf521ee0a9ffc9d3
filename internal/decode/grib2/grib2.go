// Package grib2 decodes WMO GRIB edition 2 files into raw fields.
//
// The decoder walks the section structure directly: indicator, then
// length-prefixed sections 1..7, then the end marker. Supported templates
// are the ones the wired providers publish: grid definition 3.0 (regular
// lat/lon), product definition 4.0 and 4.8, data representation 5.0
// (simple packing) with an optional section 6 bitmap. Anything else fails
// with a decode error naming the template, never a panic.
//
// Grid points masked by the bitmap come out as NaN. Values are returned in
// file scan order; the ScanBottomUp flag tells the caller whether row 0 is
// the southern edge.
package grib2

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/nwp"
)

const (
	indicatorLen = 16
	endMarker    = "7777"
)

// Message is one decoded GRIB2 message: a single parameter on a single
// grid at a single reference time and forecast step.
type Message struct {
	// Discipline, Category, Number identify the parameter.
	Discipline uint8
	Category   uint8
	Number     uint8

	// ShortName is the WMO short name resolved from the parameter table,
	// "unknown" when the table has no entry.
	ShortName string

	// Unit is the parameter's unit string from the table.
	Unit string

	// RefTime is the analysis time from the identification section.
	RefTime time.Time

	// StepHours is the forecast lead. For statistically processed
	// fields this is the end of the processing interval.
	StepHours int

	// Level and LevelType describe the first fixed surface.
	Level     float64
	LevelType string

	// Ni, Nj are the column and row counts.
	Ni, Nj int

	// ScanBottomUp is true when rows run south to north.
	ScanBottomUp bool

	// Values holds the unpacked grid, NaN where the bitmap masks points.
	Values []float32
}

// Field converts the message into the decoder-neutral raw field form.
func (m *Message) Field() nwp.RawField {
	return nwp.RawField{
		Name:      m.ShortName,
		Unit:      m.Unit,
		InitTime:  m.RefTime,
		StepHours: m.StepHours,
		Level:     m.Level,
		LevelType: m.LevelType,
		Ny:        m.Nj,
		Nx:        m.Ni,
		BottomUp:  m.ScanBottomUp,
		Values:    m.Values,
	}
}

// ReadFile decodes every message in a GRIB2 file.
func ReadFile(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewDecode(path, err.Error())
	}
	defer f.Close()
	msgs, err := ReadAll(f)
	if err != nil {
		return nil, errors.NewDecode(path, err.Error())
	}
	return msgs, nil
}

// ReadAll decodes consecutive GRIB2 messages from r until EOF.
func ReadAll(r io.Reader) ([]Message, error) {
	var msgs []Message
	for n := 0; ; n++ {
		indicator := make([]byte, indicatorLen)
		if _, err := io.ReadFull(r, indicator); err != nil {
			if err == io.EOF {
				if n == 0 {
					return nil, fmt.Errorf("empty input")
				}
				return msgs, nil
			}
			return nil, fmt.Errorf("message %d: short indicator section: %v", n, err)
		}
		if string(indicator[0:4]) != "GRIB" {
			return nil, fmt.Errorf("message %d: bad magic %q", n, indicator[0:4])
		}
		if indicator[7] != 2 {
			return nil, fmt.Errorf("message %d: GRIB edition %d not supported", n, indicator[7])
		}
		total := binary.BigEndian.Uint64(indicator[8:16])
		if total < indicatorLen+len(endMarker) || total > 1<<31 {
			return nil, fmt.Errorf("message %d: implausible length %d", n, total)
		}

		body := make([]byte, total-indicatorLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("message %d: truncated at %d of %d bytes: %v",
				n, indicatorLen, total, err)
		}

		msg, err := parseMessage(indicator[6], body)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", n, err)
		}
		msgs = append(msgs, *msg)
	}
}

// parseMessage walks the sections of one message body (everything after
// the 16-byte indicator).
func parseMessage(discipline uint8, body []byte) (*Message, error) {
	msg := &Message{Discipline: discipline}

	var (
		grid   *gridSection
		prod   *productSection
		repr   *reprSection
		bitmap []byte
		seen   = map[uint8]bool{}
	)

	off := 0
	for {
		if off+4 > len(body) {
			return nil, fmt.Errorf("missing end marker")
		}
		if string(body[off:off+4]) == endMarker {
			break
		}
		if off+5 > len(body) {
			return nil, fmt.Errorf("truncated section header at offset %d", off)
		}
		secLen := int(binary.BigEndian.Uint32(body[off : off+4]))
		secNum := body[off+4]
		if secLen < 5 || off+secLen > len(body) {
			return nil, fmt.Errorf("section %d: bad length %d at offset %d", secNum, secLen, off)
		}
		sec := body[off : off+secLen]
		seen[secNum] = true

		var err error
		switch secNum {
		case 1:
			err = parseIdentification(sec, msg)
		case 2:
			// Local use, skipped.
		case 3:
			grid, err = parseGrid(sec)
		case 4:
			prod, err = parseProduct(sec)
		case 5:
			repr, err = parseRepr(sec)
		case 6:
			bitmap, err = parseBitmap(sec, bitmap)
		case 7:
			if grid == nil || prod == nil || repr == nil {
				return nil, fmt.Errorf("data section before grid/product/representation sections")
			}
			msg.Values, err = unpackSimple(sec[5:], repr, bitmap, grid.numPoints)
		default:
			return nil, fmt.Errorf("unexpected section number %d", secNum)
		}
		if err != nil {
			return nil, err
		}
		off += secLen
	}

	for _, want := range []uint8{1, 3, 4, 5, 7} {
		if !seen[want] {
			return nil, fmt.Errorf("missing section %d", want)
		}
	}

	msg.Ni, msg.Nj = grid.ni, grid.nj
	msg.ScanBottomUp = grid.bottomUp
	msg.Category = prod.category
	msg.Number = prod.number
	msg.StepHours = prod.stepHours
	msg.Level = prod.level
	msg.LevelType = prod.levelType
	msg.ShortName, msg.Unit = paramName(discipline, prod.category, prod.number)

	if len(msg.Values) != grid.ni*grid.nj {
		return nil, fmt.Errorf("unpacked %d values for a %dx%d grid",
			len(msg.Values), grid.ni, grid.nj)
	}
	return msg, nil
}

// parseIdentification reads section 1 (reference time and production info).
func parseIdentification(sec []byte, msg *Message) error {
	if len(sec) < 21 {
		return fmt.Errorf("identification section too short: %d bytes", len(sec))
	}
	year := int(binary.BigEndian.Uint16(sec[12:14]))
	month := time.Month(sec[14])
	day := int(sec[15])
	hour := int(sec[16])
	minute := int(sec[17])
	second := int(sec[18])
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || second > 60 {
		return fmt.Errorf("implausible reference time %04d-%02d-%02d %02d:%02d:%02d",
			year, month, day, hour, minute, second)
	}
	msg.RefTime = time.Date(year, month, day, hour, minute, second, 0, time.UTC)
	return nil
}

// Unsupported wraps template numbers the decoder does not implement so
// callers can distinguish corrupt files from merely exotic ones.
var Unsupported = errors.ErrUnsupportedFormat
