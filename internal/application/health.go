package application

import (
	"context"

	"github.com/jobrunner/shapeview/internal/ports/input"
)

// HealthService provides health check functionality.
type HealthService struct {
	registry *LayerRegistry
	storage  bool
}

// NewHealthService creates a new health service. storageConfigured adds the
// storage component to the health details.
func NewHealthService(registry *LayerRegistry, storageConfigured bool) *HealthService {
	return &HealthService{
		registry: registry,
		storage:  storageConfigured,
	}
}

// IsHealthy returns true if the service is healthy.
func (s *HealthService) IsHealthy(_ context.Context) bool {
	return true
}

// IsReady returns true if the service is ready to accept requests: no layer
// is still waiting for the engine.
func (s *HealthService) IsReady(_ context.Context) bool {
	for _, l := range s.registry.List() {
		if !l.Ready {
			return false
		}
	}
	return true
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	layers := s.registry.List()

	ready := 0
	for _, l := range layers {
		if l.Ready {
			ready++
		}
	}

	components := map[string]string{
		"view": "ok",
	}
	if s.storage {
		components["storage"] = "ok"
	}

	return input.HealthDetails{
		Healthy:       s.IsHealthy(ctx),
		Ready:         ready == len(layers),
		LayersLoaded:  len(layers),
		LayersReady:   ready,
		SelectedTotal: s.registry.TotalSelected(),
		Components:    components,
	}
}

// LayerHealth contains health info for a single layer.
type LayerHealth struct {
	Name     string
	Status   string
	Selected int
}

// GetLayerHealth returns health info for all layers.
func (s *HealthService) GetLayerHealth(_ context.Context) []LayerHealth {
	layers := s.registry.List()

	health := make([]LayerHealth, len(layers))
	for i, l := range layers {
		health[i] = LayerHealth{
			Name:     l.Name,
			Status:   string(l.Status()),
			Selected: l.SelectedCount(),
		}
	}
	return health
}
