package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRateLimited is returned when the sync API rate limit is exceeded.
var ErrRateLimited = errors.New("rate limit exceeded")

// apiCooldown is the minimum time between two API-triggered syncs.
const apiCooldown = 30 * time.Second

// SyncResult contains the result of a sync operation.
type SyncResult struct {
	LayersAdded     int       `json:"layers_added"`
	LayersRemoved   int       `json:"layers_removed"`
	LayersTotal     int       `json:"layers_total"`
	Added           []string  `json:"added,omitempty"`
	Removed         []string  `json:"removed,omitempty"`
	Failed          []string  `json:"failed,omitempty"`
	SyncedAt        time.Time `json:"synced_at"`
	NextScheduledAt time.Time `json:"next_scheduled_at,omitempty"`
}

// SyncService periodically mirrors the inbox storage into the session: layer
// files that appear are loaded and layers whose file vanished are removed.
type SyncService struct {
	loader   *LoadService
	registry *LayerRegistry
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	lastAPISync time.Time
	apiMutex    sync.Mutex

	// Serializes sync runs.
	syncOpMutex sync.Mutex

	nextSync time.Time
	syncMu   sync.RWMutex
}

// NewSyncService creates a new sync service.
func NewSyncService(loader *LoadService, registry *LayerRegistry, interval time.Duration, logger *slog.Logger) *SyncService {
	return &SyncService{
		loader:      loader,
		registry:    registry,
		interval:    interval,
		logger:      logger,
		stopCh:      make(chan struct{}),
		lastAPISync: time.Now().Add(-apiCooldown - time.Second),
	}
}

// Start begins the periodic sync scheduler.
func (s *SyncService) Start(ctx context.Context) {
	s.logger.Info("starting sync service", "interval", s.interval)

	s.wg.Add(1)
	go s.run(ctx)
}

func (s *SyncService) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.setNextSync(time.Now().Add(s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync service stopped: context canceled")
			return
		case <-s.stopCh:
			s.logger.Info("sync service stopped")
			return
		case <-ticker.C:
			s.logger.Debug("scheduled sync triggered")
			result, err := s.doSync(ctx)
			if err != nil {
				s.logger.Error("sync failed", "error", err)
			} else if len(result.Failed) > 0 {
				s.logger.Warn("layer files skipped during sync", "keys", result.Failed)
			}
			s.setNextSync(time.Now().Add(s.interval))
		}
	}
}

// Stop gracefully stops the sync service.
func (s *SyncService) Stop() {
	s.logger.Info("stopping sync service")
	close(s.stopCh)
	s.wg.Wait()
}

// TriggerSync runs a sync now. It returns ErrRateLimited if the previous
// API-triggered sync was less than 30 seconds ago.
func (s *SyncService) TriggerSync(ctx context.Context) (SyncResult, error) {
	s.apiMutex.Lock()
	defer s.apiMutex.Unlock()

	if time.Since(s.lastAPISync) < apiCooldown {
		return SyncResult{}, ErrRateLimited
	}
	s.lastAPISync = time.Now()

	return s.doSync(ctx)
}

func (s *SyncService) doSync(ctx context.Context) (SyncResult, error) {
	s.syncOpMutex.Lock()
	defer s.syncOpMutex.Unlock()

	stats, err := s.loader.Sync(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	return SyncResult{
		LayersAdded:     len(stats.Added),
		LayersRemoved:   len(stats.Removed),
		LayersTotal:     s.registry.Count(),
		Added:           stats.Added,
		Removed:         stats.Removed,
		Failed:          stats.Failed,
		SyncedAt:        time.Now(),
		NextScheduledAt: s.getNextSync(),
	}, nil
}

func (s *SyncService) setNextSync(t time.Time) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.nextSync = t
}

func (s *SyncService) getNextSync() time.Time {
	s.syncMu.RLock()
	defer s.syncMu.RUnlock()
	return s.nextSync
}

// Interval returns the sync interval.
func (s *SyncService) Interval() time.Duration {
	return s.interval
}
