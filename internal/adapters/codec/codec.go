// Package codec reads and writes the interchange formats accepted by the
// viewer: zipped ESRI shapefiles and GeoJSON.
package codec

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/paulmach/orb/geojson"

	"github.com/jobrunner/shapeview/internal/ports/output"
)

// ErrUnknownFormat is returned for data that is neither a zip archive nor JSON.
var ErrUnknownFormat = errors.New("unrecognized file format")

// Codec implements output.FeatureCodec.
type Codec struct{}

// New creates a new Codec.
func New() *Codec {
	return &Codec{}
}

// Parse decodes a zipped shapefile or a GeoJSON document. Every shapefile in
// an archive contributes its features in archive order.
func (c *Codec) Parse(ctx context.Context, data []byte) (*geojson.FeatureCollection, error) {
	switch sniff(data) {
	case formatZip:
		return c.parseArchive(ctx, data)
	case formatJSON:
		return parseGeoJSON(data)
	}
	return nil, ErrUnknownFormat
}

// Georeferenced reports whether an archive contains a .prj entry. GeoJSON is
// always georeferenced since it is defined in WGS84.
func (c *Codec) Georeferenced(data []byte) (bool, error) {
	switch sniff(data) {
	case formatJSON:
		return true, nil
	case formatZip:
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return false, fmt.Errorf("open archive: %w", err)
		}
		for _, f := range zr.File {
			if strings.EqualFold(path.Ext(f.Name), ".prj") {
				return true, nil
			}
		}
		return false, nil
	}
	return false, ErrUnknownFormat
}

// Zip encodes the features as a zipped shapefile named after opts.Name.
func (c *Codec) Zip(ctx context.Context, fc *geojson.FeatureCollection, opts output.ZipOptions) (*output.ZipResult, error) {
	name := opts.Name
	if name == "" {
		name = "layer"
	}
	data, written, err := writeArchive(ctx, fc, name)
	if err != nil {
		return nil, err
	}
	return &output.ZipResult{Data: data, Written: written}, nil
}

type format int

const (
	formatUnknown format = iota
	formatZip
	formatJSON
)

func sniff(data []byte) format {
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) || bytes.HasPrefix(data, []byte("PK\x05\x06")) {
		return formatZip
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n\xef\xbb\xbf")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return formatJSON
	}
	return formatUnknown
}

func parseGeoJSON(data []byte) (*geojson.FeatureCollection, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err == nil {
		return fc, nil
	}
	// A single feature is accepted as a one-element collection.
	if f, ferr := geojson.UnmarshalFeature(data); ferr == nil {
		return geojson.NewFeatureCollection().Append(f), nil
	}
	return nil, fmt.Errorf("decode geojson: %w", err)
}
