package application

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/jobrunner/shapeview/internal/adapters/geometry"
	"github.com/jobrunner/shapeview/internal/domain"
	"github.com/jobrunner/shapeview/internal/ports/output"
)

// minArchiveSize is the smallest plausible zipped shapefile.
const minArchiveSize = 100

// ExportService encodes layers for download or upload.
type ExportService struct {
	registry    *LayerRegistry
	codec       output.FeatureCodec
	reprojector output.Reprojector
	storage     output.ObjectStorage
	prefix      string
	metrics     output.MetricsCollector
	logger      *slog.Logger
}

// NewExportService creates a new export service. storage may be nil, in
// which case ExportToStorage is unavailable.
func NewExportService(
	registry *LayerRegistry,
	codec output.FeatureCodec,
	reprojector output.Reprojector,
	storage output.ObjectStorage,
	prefix string,
	metrics output.MetricsCollector,
	logger *slog.Logger,
) *ExportService {
	return &ExportService{
		registry:    registry,
		codec:       codec,
		reprojector: reprojector,
		storage:     storage,
		prefix:      prefix,
		metrics:     metrics,
		logger:      logger,
	}
}

// Export encodes every feature of a layer in WGS84. Features that cannot be
// reprojected or converted are skipped.
func (s *ExportService) Export(ctx context.Context, id domain.LayerID, format domain.ExportFormat) (payload *domain.ExportPayload, err error) {
	defer func() { s.metrics.IncExports(string(format), err == nil) }()

	if format == "" {
		format = domain.FormatShapefile
	}
	if _, err := domain.ParseExportFormat(string(format)); err != nil {
		return nil, err
	}

	layer, native, err := s.registry.native(id)
	if err != nil {
		return nil, err
	}

	features, err := native.QueryFeatures(ctx, output.FeatureQuery{ReturnGeometry: true})
	if err != nil {
		return nil, &domain.ExternalCallError{Operation: "query features", LayerID: id, Err: err}
	}

	fc := geojson.NewFeatureCollection()
	skipped := 0
	for _, f := range features {
		if f.Geometry == nil {
			skipped++
			continue
		}
		g, err := s.reprojector.ToGeographic(f.Geometry)
		if err != nil {
			s.logger.Debug("skipping feature", "id", id, "oid", f.OID, "error", err)
			skipped++
			continue
		}
		og := geometry.ToInterchange(g)
		if og == nil {
			skipped++
			continue
		}
		feature := geojson.NewFeature(og)
		for k, v := range f.Attributes {
			feature.Properties[k] = v
		}
		fc.Append(feature)
	}
	if len(fc.Features) == 0 {
		return nil, fmt.Errorf("layer %d: %w", id, domain.ErrNoExportableFeatures)
	}

	var data []byte
	written := len(fc.Features)
	switch format {
	case domain.FormatGeoJSON:
		data, err = json.MarshalIndent(fc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding geojson: %w", err)
		}
	default:
		res, err := s.codec.Zip(ctx, fc, output.ZipOptions{Name: layer.Name})
		if err != nil {
			return nil, &domain.ExternalCallError{Operation: "zip", LayerID: id, Err: err}
		}
		data = res.Data
		if len(data) < minArchiveSize {
			return nil, fmt.Errorf("layer %d: %d bytes: %w", id, len(data), domain.ErrInvalidArchive)
		}
		if dropped := written - res.Written; dropped > 0 {
			s.logger.Warn("features left out of shapefile", "id", id, "count", dropped)
			skipped += dropped
		}
		written = res.Written
	}

	s.logger.Info("layer exported",
		"id", id,
		"format", format,
		"features", written,
		"skipped", skipped,
		"bytes", len(data),
	)
	return &domain.ExportPayload{
		FileName:    layer.Name + format.Extension(),
		ContentType: format.ContentType(),
		Data:        data,
		Features:    written,
	}, nil
}

// ExportToStorage exports a layer and uploads it under the export prefix. It
// returns the object key.
func (s *ExportService) ExportToStorage(ctx context.Context, id domain.LayerID, format domain.ExportFormat) (string, error) {
	if s.storage == nil {
		return "", domain.ErrStorageUnavailable
	}

	payload, err := s.Export(ctx, id, format)
	if err != nil {
		return "", err
	}

	key := path.Join(s.prefix, payload.FileName)
	start := time.Now()
	err = s.storage.Upload(ctx, key, bytes.NewReader(payload.Data), int64(len(payload.Data)), payload.ContentType)
	s.metrics.IncStorageOperations("upload", err == nil)
	s.metrics.ObserveStorageDuration("upload", time.Since(start))
	if err != nil {
		return "", &domain.StorageError{Operation: "upload", Key: key, Err: err}
	}

	s.logger.Info("export uploaded", "id", id, "key", key)
	return key, nil
}
