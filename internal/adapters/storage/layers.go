package storage

import (
	"path"
	"sort"
	"strings"

	"github.com/jobrunner/shapeview/internal/domain"
	"github.com/jobrunner/shapeview/internal/ports/output"
)

// Content types for published layer files.
const (
	contentTypeZip     = "application/zip"
	contentTypeGeoJSON = "application/geo+json"
	contentTypeOther   = "application/octet-stream"
)

// layerSet collects the layer files of a listing. A layer published twice in
// one folder (parcels.zip next to parcels.geojson) is listed once, preferring
// the shapefile archive.
type layerSet struct {
	index   map[string]int
	objects []output.StorageObject
}

func newLayerSet() *layerSet {
	return &layerSet{index: make(map[string]int)}
}

// add records obj if its key names a layer file. It reports whether obj is
// now the listed file for its layer.
func (s *layerSet) add(obj output.StorageObject) bool {
	if !domain.IsLayerFile(obj.Key) {
		return false
	}
	id := path.Join(path.Dir(obj.Key), domain.LayerNameFromFile(obj.Key))
	if i, ok := s.index[id]; ok {
		if layerRank(obj.Key) >= layerRank(s.objects[i].Key) {
			return false
		}
		s.objects[i] = obj
		return true
	}
	s.index[id] = len(s.objects)
	s.objects = append(s.objects, obj)
	return true
}

// sorted returns the collected layer files ordered by key.
func (s *layerSet) sorted() []output.StorageObject {
	sort.Slice(s.objects, func(i, j int) bool { return s.objects[i].Key < s.objects[j].Key })
	return s.objects
}

func layerRank(key string) int {
	switch strings.ToLower(path.Ext(key)) {
	case ".zip":
		return 0
	case ".geojson":
		return 1
	default:
		return 2
	}
}

// layerContentType returns the content type a layer file is served with.
func layerContentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".zip":
		return contentTypeZip
	case ".geojson", ".json":
		return contentTypeGeoJSON
	}
	return contentTypeOther
}

// safeKey reports whether key is a relative slash path that stays below the
// storage root.
func safeKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

// withPrefix joins a bucket or container prefix and a key.
func withPrefix(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// withoutPrefix maps a full object name back to a storage key.
func withoutPrefix(prefix, name string) string {
	rel := strings.TrimPrefix(name, strings.Trim(prefix, "/"))
	return strings.TrimPrefix(rel, "/")
}
