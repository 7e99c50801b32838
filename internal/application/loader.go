package application

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/jobrunner/shapeview/internal/adapters/geometry"
	"github.com/jobrunner/shapeview/internal/domain"
	"github.com/jobrunner/shapeview/internal/ports/output"
)

// LoadConfig holds load service settings.
type LoadConfig struct {
	GotoPaddingPx int    // Padding when zooming to a new layer
	IgnorePrefix  string // Storage keys under this prefix are never loaded
}

// SyncStats names the layers a sync operation touched.
type SyncStats struct {
	Added   []string // Layers loaded from new storage files
	Removed []string // Layers whose storage file disappeared
	Failed  []string // Storage keys that could not be loaded
}

// LoadService turns layer files into registered layers.
type LoadService struct {
	registry *LayerRegistry
	view     output.SpatialView
	codec    output.FeatureCodec
	storage  output.ObjectStorage
	metrics  output.MetricsCollector
	logger   *slog.Logger
	padding  int
	ignore   string

	// Layers loaded from storage, by name.
	mu     sync.Mutex
	stored map[string]string
}

// NewLoadService creates a new load service. storage may be nil.
func NewLoadService(
	registry *LayerRegistry,
	view output.SpatialView,
	codec output.FeatureCodec,
	storage output.ObjectStorage,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	cfg LoadConfig,
) *LoadService {
	return &LoadService{
		registry: registry,
		view:     view,
		codec:    codec,
		storage:  storage,
		metrics:  metrics,
		logger:   logger,
		padding:  cfg.GotoPaddingPx,
		ignore:   strings.Trim(cfg.IgnorePrefix, "/"),
		stored:   make(map[string]string),
	}
}

// Load parses a zipped shapefile or GeoJSON document, adds it to the view as
// a new layer and zooms to it. The layer is named after the file.
func (s *LoadService) Load(ctx context.Context, fileName string, data []byte) (*domain.Layer, error) {
	return s.load(ctx, fileName, fileName, data)
}

// LoadFile loads a layer from the local file system.
func (s *LoadService) LoadFile(ctx context.Context, filePath string) (*domain.Layer, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		s.metrics.IncLayerLoads(false)
		return nil, fmt.Errorf("reading %s: %w", filePath, err)
	}
	return s.load(ctx, filePath, filePath, data)
}

// LoadFromStorage loads a layer from the inbox storage.
func (s *LoadService) LoadFromStorage(ctx context.Context, key string) (*domain.Layer, error) {
	if s.storage == nil {
		return nil, domain.ErrStorageUnavailable
	}

	start := time.Now()
	rc, err := s.storage.GetReader(ctx, key)
	if err != nil {
		s.metrics.IncStorageOperations("read", false)
		return nil, &domain.StorageError{Operation: "read", Key: key, Err: err}
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	s.metrics.IncStorageOperations("read", err == nil)
	s.metrics.ObserveStorageDuration("read", time.Since(start))
	if err != nil {
		return nil, &domain.StorageError{Operation: "read", Key: key, Err: err}
	}

	layer, err := s.load(ctx, path.Base(key), key, data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.stored[layer.Name] = key
	s.mu.Unlock()
	return layer, nil
}

// LoadAll loads every layer file in storage. Files that fail to load are
// logged and skipped.
func (s *LoadService) LoadAll(ctx context.Context) error {
	if s.storage == nil {
		return nil
	}
	s.logger.Info("loading all layers from storage")

	objects, err := s.storage.List(ctx)
	if err != nil {
		return &domain.StorageError{Operation: "list", Err: err}
	}

	for _, obj := range objects {
		if !s.loadable(obj.Key) || s.registry.HasName(domain.LayerNameFromFile(obj.Key)) {
			continue
		}
		if _, err := s.LoadFromStorage(ctx, obj.Key); err != nil {
			s.logger.Error("failed to load layer", "key", obj.Key, "error", err)
		}
	}
	return nil
}

// Sync loads layer files that appeared in storage and removes layers whose
// file disappeared. Layers that did not come from storage are left alone.
func (s *LoadService) Sync(ctx context.Context) (SyncStats, error) {
	if s.storage == nil {
		return SyncStats{}, nil
	}
	s.logger.Info("syncing layers from storage")

	objects, err := s.storage.List(ctx)
	if err != nil {
		return SyncStats{}, &domain.StorageError{Operation: "list", Err: err}
	}

	remote := make(map[string]string) // layer name -> object key
	for _, obj := range objects {
		if s.loadable(obj.Key) {
			remote[domain.LayerNameFromFile(obj.Key)] = obj.Key
		}
	}

	stats := SyncStats{}
	names := make([]string, 0, len(remote))
	for name := range remote {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if s.registry.HasName(name) {
			s.logger.Debug("layer already loaded, skipping", "name", name)
			continue
		}
		if _, err := s.LoadFromStorage(ctx, remote[name]); err != nil {
			s.logger.Error("failed to load layer", "key", remote[name], "error", err)
			stats.Failed = append(stats.Failed, remote[name])
			continue
		}
		stats.Added = append(stats.Added, name)
		s.logger.Info("new layer synced", "name", name)
	}

	for _, name := range s.storedNotIn(remote) {
		s.logger.Info("removing layer not in storage", "name", name)
		if err := s.Unload(ctx, name); err != nil {
			s.logger.Error("failed to remove layer", "name", name, "error", err)
			continue
		}
		stats.Removed = append(stats.Removed, name)
	}

	s.logger.Info("sync completed",
		"added", len(stats.Added),
		"removed", len(stats.Removed),
		"failed", len(stats.Failed),
		"total", s.registry.Count())
	return stats, nil
}

// Unload removes the layer with the given name. Removing the last layer does
// not reset the view; use WorkspaceService for that.
func (s *LoadService) Unload(ctx context.Context, name string) error {
	s.forget(name)

	id, ok := s.registry.IDByName(name)
	if !ok {
		return fmt.Errorf("layer %q: %w", name, domain.ErrLayerNotFound)
	}
	_, err := s.registry.Remove(ctx, id)
	return err
}

// loadable reports whether a storage object is a layer file outside the
// ignored prefix.
func (s *LoadService) loadable(key string) bool {
	if s.ignore != "" && strings.HasPrefix(strings.TrimPrefix(key, "/"), s.ignore+"/") {
		return false
	}
	return domain.IsLayerFile(key)
}

func (s *LoadService) storedNotIn(remote map[string]string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for name := range s.stored {
		if _, ok := remote[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *LoadService) load(ctx context.Context, fileName, source string, data []byte) (layer *domain.Layer, err error) {
	defer func() { s.metrics.IncLayerLoads(err == nil) }()

	name := domain.LayerNameFromFile(fileName)
	if name == "" || name == "." {
		return nil, &domain.ValidationError{
			Field:      "name",
			Value:      fileName,
			Constraint: "non-empty base name",
			Message:    "file name has no base name",
		}
	}
	if s.registry.HasName(name) {
		return nil, fmt.Errorf("layer %q: %w", name, domain.ErrDuplicateLayerName)
	}

	georef, err := s.codec.Georeferenced(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", fileName, domain.ErrEmptyOrUnparseable, err)
	}
	if !georef {
		return nil, fmt.Errorf("%s: %w", fileName, domain.ErrNoGeoreference)
	}

	fc, err := s.codec.Parse(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", fileName, domain.ErrEmptyOrUnparseable, err)
	}

	features, first := convertFeatures(fc)
	if len(features) == 0 {
		return nil, fmt.Errorf("%s: %w", fileName, domain.ErrEmptyOrUnparseable)
	}
	fields := inferFields(features[0].Attributes)
	kind := domain.KindFromGeometryType(first.GeoJSONType())

	id := s.registry.ReserveID()
	color := domain.ColorForIndex(int(id - 1))

	native, err := s.view.AddLayer(ctx, output.LayerSource{
		Name:         name,
		Features:     features,
		Fields:       fields,
		GeometryKind: kind,
		Color:        color,
		Visible:      true,
	})
	if err != nil {
		return nil, &domain.ExternalCallError{Operation: "add layer", LayerID: id, Err: err}
	}

	if _, err := s.registry.Add(NewLayer{
		ID:           id,
		Name:         name,
		Source:       source,
		Native:       native,
		Color:        color,
		Fields:       fields,
		GeometryKind: kind,
		FeatureCount: len(features),
		Visible:      true,
	}); err != nil {
		if rmErr := s.view.RemoveLayer(ctx, native); rmErr != nil {
			s.logger.Warn("failed to drop rejected layer", "name", name, "error", rmErr)
		}
		return nil, err
	}

	lv, err := s.view.WhenLayerReady(ctx, native)
	if err != nil {
		if _, rmErr := s.registry.Remove(ctx, id); rmErr != nil {
			s.logger.Warn("failed to drop layer", "id", id, "error", rmErr)
		}
		return nil, &domain.ExternalCallError{Operation: "wait for layer", LayerID: id, Err: err}
	}
	if !s.registry.AttachView(id, lv) {
		return nil, fmt.Errorf("layer %d removed while loading: %w", id, domain.ErrLayerNotFound)
	}

	ext, err := native.QueryExtent(ctx)
	switch {
	case err != nil:
		s.logger.Warn("failed to query layer extent", "id", id, "error", err)
	case ext != nil:
		s.registry.SetExtent(id, ext)
		if err := s.view.GoTo(ctx, *ext, s.padding); err != nil {
			s.logger.Warn("failed to zoom to layer", "id", id, "error", err)
		}
	}

	snap, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("layer loaded",
		"id", id,
		"name", name,
		"features", len(features),
		"geometry", kind,
		"color", color.Hex(),
	)
	return &snap, nil
}

// convertFeatures converts interchange features to native WGS84 features.
// The ObjectID of a feature is its index in the collection; features whose
// geometry cannot be converted are skipped. first is the geometry of the
// first converted feature.
func convertFeatures(fc *geojson.FeatureCollection) (features []domain.Feature, first orb.Geometry) {
	if fc == nil {
		return nil, nil
	}
	for i, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		g, ok := geometry.ToNative(f.Geometry)
		if !ok {
			continue
		}
		if first == nil {
			first = f.Geometry
		}

		attrs := make(map[string]interface{}, len(f.Properties)+1)
		for k, v := range f.Properties {
			attrs[k] = v
		}
		attrs[domain.ObjectIDField] = int64(i)

		features = append(features, domain.Feature{
			OID:        domain.ObjectID(i),
			Geometry:   g,
			Attributes: attrs,
		})
	}
	return features, first
}

// inferFields derives the attribute schema from the first feature only.
func inferFields(attrs map[string]interface{}) []domain.Field {
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		if k != domain.ObjectIDField {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	fields := make([]domain.Field, 0, len(names)+1)
	fields = append(fields, domain.Field{Name: domain.ObjectIDField, Type: domain.FieldOID})
	for _, name := range names {
		fields = append(fields, domain.Field{Name: name, Type: domain.InferFieldType(attrs[name])})
	}
	return fields
}

// forget stops tracking a layer loaded from storage.
func (s *LoadService) forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stored, name)
}

func (s *LoadService) forgetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = make(map[string]string)
}
