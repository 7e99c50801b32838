package codec

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	shp "github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"

	"github.com/jobrunner/shapeview/internal/domain"
)

const (
	dbfDateLayout  = "20060102"
	maxFieldName   = 10
	maxFieldLength = 254
	floatPrecision = 8
)

// shapeSet groups the sidecar files of one shapefile inside an archive.
type shapeSet struct {
	shp, dbf, prj *zip.File
}

func (c *Codec) parseArchive(ctx context.Context, data []byte) (*geojson.FeatureCollection, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	sets := make(map[string]*shapeSet)
	var order []string
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") ||
			strings.HasPrefix(path.Base(f.Name), "._") {
			continue
		}
		ext := strings.ToLower(path.Ext(f.Name))
		key := strings.ToLower(strings.TrimSuffix(f.Name, path.Ext(f.Name)))
		set, ok := sets[key]
		if !ok {
			set = &shapeSet{}
			sets[key] = set
		}
		switch ext {
		case ".shp":
			set.shp = f
			order = append(order, key)
		case ".dbf":
			set.dbf = f
		case ".prj":
			set.prj = f
		}
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("archive contains no .shp file")
	}

	fc := geojson.NewFeatureCollection()
	for _, key := range order {
		if err := readShapefile(ctx, sets[key], fc); err != nil {
			return nil, fmt.Errorf("read %s: %w", sets[key].shp.Name, err)
		}
	}
	return fc, nil
}

func readShapefile(ctx context.Context, set *shapeSet, fc *geojson.FeatureCollection) error {
	if set.dbf == nil {
		return fmt.Errorf("missing .dbf file")
	}

	toWGS84 := false
	if set.prj != nil {
		wkt, err := readEntry(set.prj)
		if err != nil {
			return err
		}
		toWGS84 = isWebMercator(wkt)
	}

	shpRC, err := set.shp.Open()
	if err != nil {
		return err
	}
	dbfRC, err := set.dbf.Open()
	if err != nil {
		shpRC.Close()
		return err
	}

	sr := shp.SequentialReaderFromExt(shpRC, dbfRC)
	defer sr.Close()

	fields := sr.Fields()
	for sr.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, shape := sr.Shape()
		g := shapeToOrb(shape)
		if g != nil && toWGS84 {
			g = project.Geometry(g, project.Mercator.ToWGS84)
		}
		f := geojson.NewFeature(g)
		for i, field := range fields {
			f.Properties[field.String()] = decodeAttribute(field, sr.Attribute(i))
		}
		fc.Append(f)
	}
	return sr.Err()
}

func readEntry(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func shapeToOrb(s shp.Shape) orb.Geometry {
	switch v := s.(type) {
	case *shp.Point:
		return orb.Point{v.X, v.Y}
	case *shp.PointZ:
		return orb.Point{v.X, v.Y}
	case *shp.PointM:
		return orb.Point{v.X, v.Y}
	case *shp.PolyLine:
		return lineFromParts(v.Parts, v.Points)
	case *shp.PolyLineZ:
		return lineFromParts(v.Parts, v.Points)
	case *shp.PolyLineM:
		return lineFromParts(v.Parts, v.Points)
	case *shp.Polygon:
		return polygonFromParts(v.Parts, v.Points)
	case *shp.PolygonZ:
		return polygonFromParts(v.Parts, v.Points)
	case *shp.PolygonM:
		return polygonFromParts(v.Parts, v.Points)
	case *shp.MultiPoint:
		mp := make(orb.MultiPoint, len(v.Points))
		for i, p := range v.Points {
			mp[i] = orb.Point{p.X, p.Y}
		}
		return mp
	}
	return nil
}

func splitParts(parts []int32, points []shp.Point) [][]orb.Point {
	out := make([][]orb.Point, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i < len(parts)-1 {
			end = parts[i+1]
		}
		if start < 0 || end > int32(len(points)) || start > end {
			continue
		}
		part := make([]orb.Point, 0, end-start)
		for _, p := range points[start:end] {
			part = append(part, orb.Point{p.X, p.Y})
		}
		out = append(out, part)
	}
	return out
}

func lineFromParts(parts []int32, points []shp.Point) orb.Geometry {
	split := splitParts(parts, points)
	if len(split) == 1 {
		return orb.LineString(split[0])
	}
	mls := make(orb.MultiLineString, len(split))
	for i, p := range split {
		mls[i] = orb.LineString(p)
	}
	return mls
}

// polygonFromParts keeps every part as a ring of one polygon. Shapefiles do
// not group outer rings with their holes, so multi-part polygons are not split.
func polygonFromParts(parts []int32, points []shp.Point) orb.Geometry {
	split := splitParts(parts, points)
	poly := make(orb.Polygon, len(split))
	for i, p := range split {
		poly[i] = orb.Ring(p)
	}
	return poly
}

func decodeAttribute(f shp.Field, raw string) interface{} {
	v := strings.TrimSpace(strings.Trim(raw, "\x00"))
	switch f.Fieldtype {
	case 'N', 'F':
		if v == "" {
			return nil
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return v
		}
		return n
	case 'L':
		switch v {
		case "T", "t", "Y", "y":
			return true
		case "F", "f", "N", "n":
			return false
		}
		return nil
	case 'D':
		if v == "" {
			return nil
		}
		t, err := time.Parse(dbfDateLayout, v)
		if err != nil {
			return v
		}
		return t
	}
	return v
}

// column is one DBF column planned for export.
type column struct {
	key   string
	field shp.Field
}

// shapeFamilies lists the shapefile types in archive order with the suffix
// used when a layer spans more than one of them.
var shapeFamilies = []struct {
	shapeType shp.ShapeType
	suffix    string
}{
	{shp.POINT, "points"},
	{shp.POLYLINE, "lines"},
	{shp.POLYGON, "polygons"},
}

// writeArchive writes one shapefile per geometry family found in fc. A
// single family keeps the plain base name; mixed layers get one
// "<base>_<family>" file set each. It returns the archive and the number of
// features written.
func writeArchive(ctx context.Context, fc *geojson.FeatureCollection, name string) ([]byte, int, error) {
	groups := make(map[shp.ShapeType]*geojson.FeatureCollection)
	for _, f := range fc.Features {
		t, ok := shapeTypeOf(f.Geometry)
		if !ok {
			continue
		}
		if groups[t] == nil {
			groups[t] = geojson.NewFeatureCollection()
		}
		groups[t].Append(f)
	}
	if len(groups) == 0 {
		return nil, 0, fmt.Errorf("no feature with a point, line or polygon geometry")
	}

	dir, err := os.MkdirTemp("", "shapeview-export-*")
	if err != nil {
		return nil, 0, err
	}
	defer os.RemoveAll(dir)

	base := sanitizeName(name)
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)
	written := 0
	for _, fam := range shapeFamilies {
		group := groups[fam.shapeType]
		if group == nil {
			continue
		}
		setName := base
		if len(groups) > 1 {
			setName = base + "_" + fam.suffix
		}
		if err := writeShapefile(ctx, dir, setName, fam.shapeType, group); err != nil {
			return nil, 0, err
		}
		if err := addShapefile(zw, dir, setName); err != nil {
			return nil, 0, err
		}
		written += len(group.Features)
	}
	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), written, nil
}

// writeShapefile writes the .shp, .shx and .dbf files of one geometry family
// into dir.
func writeShapefile(ctx context.Context, dir, base string, shapeType shp.ShapeType, fc *geojson.FeatureCollection) error {
	w, err := shp.Create(filepath.Join(dir, base+".shp"), shapeType)
	if err != nil {
		return fmt.Errorf("create shapefile: %w", err)
	}

	columns := planColumns(fc)
	fields := make([]shp.Field, len(columns))
	for i, c := range columns {
		fields[i] = c.field
	}
	if err := w.SetFields(fields); err != nil {
		w.Close()
		return fmt.Errorf("set fields: %w", err)
	}

	for _, f := range fc.Features {
		if err := ctx.Err(); err != nil {
			w.Close()
			return err
		}
		row := int(w.Write(orbToShape(f.Geometry)))
		for i, c := range columns {
			v, ok := encodeAttribute(c.field, f.Properties[c.key])
			if !ok {
				continue
			}
			if err := w.WriteAttribute(row, i, v); err != nil {
				w.Close()
				return fmt.Errorf("write attribute %s: %w", c.key, err)
			}
		}
	}
	w.Close()

	// The writer names the attribute table "<base>dbf".
	if err := os.Rename(filepath.Join(dir, base+"dbf"), filepath.Join(dir, base+".dbf")); err != nil &&
		!os.IsNotExist(err) {
		return err
	}
	return nil
}

// addShapefile copies one written file set into the archive and adds its .prj.
func addShapefile(zw *zip.Writer, dir, base string) error {
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		if err := addFile(zw, filepath.Join(dir, base+ext), base+ext); err != nil {
			return err
		}
	}
	prj, err := zw.Create(base + ".prj")
	if err != nil {
		return err
	}
	_, err = io.WriteString(prj, wgs84WKT)
	return err
}

func addFile(zw *zip.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

func sanitizeName(name string) string {
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' || r < ' ' {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "layer"
	}
	return name
}

// shapeTypeOf maps a geometry to its shapefile type.
func shapeTypeOf(g orb.Geometry) (shp.ShapeType, bool) {
	switch g.(type) {
	case orb.Point:
		return shp.POINT, true
	case orb.LineString, orb.MultiLineString:
		return shp.POLYLINE, true
	case orb.Polygon, orb.MultiPolygon, orb.Ring:
		return shp.POLYGON, true
	}
	return shp.NULL, false
}

// orbToShape converts a geometry accepted by shapeTypeOf.
func orbToShape(g orb.Geometry) shp.Shape {
	switch v := g.(type) {
	case orb.Point:
		return &shp.Point{X: v[0], Y: v[1]}
	case orb.LineString:
		return shp.NewPolyLine([][]shp.Point{toShpPoints(v)})
	case orb.MultiLineString:
		parts := make([][]shp.Point, len(v))
		for i, ls := range v {
			parts[i] = toShpPoints(ls)
		}
		return shp.NewPolyLine(parts)
	}

	var rings []orb.Ring
	switch v := g.(type) {
	case orb.Polygon:
		rings = v
	case orb.Ring:
		rings = []orb.Ring{v}
	case orb.MultiPolygon:
		for _, p := range v {
			rings = append(rings, p...)
		}
	}
	parts := make([][]shp.Point, len(rings))
	for i, r := range rings {
		parts[i] = toShpPoints(r)
	}
	poly := shp.Polygon(*shp.NewPolyLine(parts))
	return &poly
}

func toShpPoints[T ~[]orb.Point](pts T) []shp.Point {
	out := make([]shp.Point, len(pts))
	for i, p := range pts {
		out[i] = shp.Point{X: p[0], Y: p[1]}
	}
	return out
}

// planColumns derives the DBF schema from the properties of all features.
// OBJECTID comes first, the rest in name order. The type of a column is taken
// from its first non-nil value.
func planColumns(fc *geojson.FeatureCollection) []column {
	first := make(map[string]interface{})
	widths := make(map[string]int)
	for _, f := range fc.Features {
		for k, v := range f.Properties {
			if _, seen := first[k]; !seen || first[k] == nil {
				first[k] = v
			}
			if n := len(formatValue(v)); n > widths[k] {
				widths[k] = n
			}
		}
	}

	keys := make([]string, 0, len(first))
	for k := range first {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == domain.ObjectIDField || keys[j] == domain.ObjectIDField {
			return keys[i] == domain.ObjectIDField
		}
		return keys[i] < keys[j]
	})

	used := make(map[string]bool)
	columns := make([]column, 0, len(keys))
	for _, k := range keys {
		name := uniqueFieldName(k, used)
		width := clampWidth(widths[k])
		var field shp.Field
		switch first[k].(type) {
		case float64:
			if isIntegralColumn(fc, k) {
				field = shp.NumberField(name, uint8(clampWidth(max(width, 1))))
			} else {
				field = shp.FloatField(name, uint8(clampWidth(width+floatPrecision+2)), floatPrecision)
			}
		case int, int64:
			field = shp.NumberField(name, uint8(clampWidth(max(width, 1))))
		case bool:
			field = shp.StringField(name, 1)
			field.Fieldtype = 'L'
		case time.Time:
			field = shp.DateField(name)
		default:
			field = shp.StringField(name, uint8(clampWidth(max(width, 1))))
		}
		columns = append(columns, column{key: k, field: field})
	}
	return columns
}

func isIntegralColumn(fc *geojson.FeatureCollection, key string) bool {
	for _, f := range fc.Features {
		if n, ok := f.Properties[key].(float64); ok && n != float64(int64(n)) {
			return false
		}
	}
	return true
}

func uniqueFieldName(key string, used map[string]bool) string {
	name := key
	if len(name) > maxFieldName {
		name = name[:maxFieldName]
	}
	for i := 1; used[name]; i++ {
		suffix := strconv.Itoa(i)
		stem := key
		if len(stem) > maxFieldName-len(suffix) {
			stem = stem[:maxFieldName-len(suffix)]
		}
		name = stem + suffix
	}
	used[name] = true
	return name
}

func clampWidth(n int) int {
	if n > maxFieldLength {
		return maxFieldLength
	}
	if n < 1 {
		return 1
	}
	return n
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.Format(dbfDateLayout)
	}
	return fmt.Sprint(v)
}

// encodeAttribute converts a property to a value accepted by the DBF writer.
// It returns false for values that should stay blank.
func encodeAttribute(field shp.Field, v interface{}) (interface{}, bool) {
	if v == nil {
		return nil, false
	}
	switch field.Fieldtype {
	case 'N':
		switch n := v.(type) {
		case float64:
			return int(n), true
		case int:
			return n, true
		case int64:
			return int(n), true
		}
		return nil, false
	case 'F':
		if n, ok := v.(float64); ok {
			return n, true
		}
		return nil, false
	case 'L':
		if b, ok := v.(bool); ok {
			if b {
				return "T", true
			}
			return "F", true
		}
		return nil, false
	case 'D':
		switch d := v.(type) {
		case time.Time:
			return d.Format(dbfDateLayout), true
		case string:
			for _, layout := range []string{"2006-01-02", time.RFC3339} {
				if t, err := time.Parse(layout, d); err == nil {
					return t.Format(dbfDateLayout), true
				}
			}
		}
		return nil, false
	}
	s := formatValue(v)
	if len(s) > int(field.Size) {
		s = s[:field.Size]
	}
	return s, true
}
