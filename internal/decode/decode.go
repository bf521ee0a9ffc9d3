// Package decode turns staged raw files into provider-neutral field sets.
//
// The format is sniffed from the file's magic bytes, never from its name:
// providers rename files freely and staging caches may drop extensions.
package decode

import (
	"bytes"
	"io"
	"os"

	"github.com/nwpio/nwpd/internal/decode/grib2"
	"github.com/nwpio/nwpd/internal/decode/ncf"
	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/nwp"
)

var (
	magicGRIB = []byte("GRIB")
	magicCDF  = []byte("CDF")
	magicHDF5 = []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}
)

// File decodes a raw file into fields, dispatching on the detected format.
func File(path string) (*nwp.RawData, error) {
	format, err := sniff(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case nwp.FormatGRIB2:
		msgs, err := grib2.ReadFile(path)
		if err != nil {
			return nil, err
		}
		fields := make([]nwp.RawField, len(msgs))
		for i := range msgs {
			fields[i] = msgs[i].Field()
		}
		return &nwp.RawData{Format: nwp.FormatGRIB2, Fields: fields}, nil
	case nwp.FormatNetCDF:
		fields, err := ncf.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return &nwp.RawData{Format: nwp.FormatNetCDF, Fields: fields}, nil
	}
	return nil, errors.NewDecode(path, "unrecognized format")
}

func sniff(path string) (nwp.RawFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return nwp.FormatUnknown, errors.NewDecode(path, err.Error())
	}
	defer f.Close()

	magic := make([]byte, 8)
	n, err := io.ReadFull(f, magic)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nwp.FormatUnknown, errors.NewDecode(path, "reading magic: "+err.Error())
	}
	magic = magic[:n]

	switch {
	case bytes.HasPrefix(magic, magicGRIB):
		return nwp.FormatGRIB2, nil
	case bytes.HasPrefix(magic, magicHDF5):
		return nwp.FormatNetCDF, nil
	case bytes.HasPrefix(magic, magicCDF) && len(magic) > 3 && (magic[3] == 1 || magic[3] == 2 || magic[3] == 5):
		return nwp.FormatNetCDF, nil
	}
	return nwp.FormatUnknown, errors.NewDecode(path, "unrecognized format")
}
