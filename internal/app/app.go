// Package app provides application initialization and wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jobrunner/shapeview/internal/adapters/codec"
	"github.com/jobrunner/shapeview/internal/adapters/engine"
	"github.com/jobrunner/shapeview/internal/adapters/geometry"
	httpAdapter "github.com/jobrunner/shapeview/internal/adapters/http"
	"github.com/jobrunner/shapeview/internal/adapters/metrics"
	"github.com/jobrunner/shapeview/internal/adapters/storage"
	tlsAdapter "github.com/jobrunner/shapeview/internal/adapters/tls"
	"github.com/jobrunner/shapeview/internal/adapters/watcher"
	"github.com/jobrunner/shapeview/internal/application"
	"github.com/jobrunner/shapeview/internal/config"
	"github.com/jobrunner/shapeview/internal/domain"
	"github.com/jobrunner/shapeview/internal/ports/output"
)

// Session holds the viewer core: the in-process map engine and the services
// operating on it. It has no network surface.
type Session struct {
	Logger    *slog.Logger
	Store     *engine.Store
	View      *engine.View
	Registry  *application.LayerRegistry
	Loader    *application.LoadService
	Selection *application.SelectionEngine
	Workspace *application.WorkspaceService
}

// NewSession opens the feature store and wires the core services. store may
// be nil for a session without an inbox.
func NewSession(ctx context.Context, cfg *config.Config, store output.ObjectStorage, m output.MetricsCollector, logger *slog.Logger) (*Session, error) {
	if m == nil {
		m = &output.NoOpMetrics{}
	}

	features, err := engine.OpenStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening feature store: %w", err)
	}

	view := engine.NewView(engine.ViewConfig{
		Width:          cfg.View.Width,
		Height:         cfg.View.Height,
		Center:         domain.NewWGS84Coordinate(cfg.View.CenterLon, cfg.View.CenterLat),
		Zoom:           cfg.View.Zoom,
		HitTolerancePx: cfg.View.HitTolerancePx,
	}, features)

	fc := codec.New()
	registry := application.NewLayerRegistry(view, m, logger)

	loader := application.NewLoadService(registry, view, fc, store, m, logger, application.LoadConfig{
		GotoPaddingPx: cfg.View.GotoPaddingPx,
		IgnorePrefix:  cfg.Export.Prefix,
	})
	selection := application.NewSelectionEngine(registry, view, m, logger, application.SelectionConfig{
		MaxConcurrentQueries: cfg.Selection.MaxConcurrentQueries,
		QueryTimeout:         cfg.Selection.QueryTimeout,
		MultiSelect:          cfg.Selection.MultiSelect,
	})
	editor := application.NewBatchEditor(registry, view, m, logger)
	exporter := application.NewExportService(registry, fc, geometry.NewReprojector(), store, cfg.Export.Prefix, m, logger)

	return &Session{
		Logger:    logger,
		Store:     features,
		View:      view,
		Registry:  registry,
		Loader:    loader,
		Selection: selection,
		Workspace: application.NewWorkspaceService(registry, loader, editor, exporter, view, logger, cfg.View.GotoPaddingPx),
	}, nil
}

// Close removes every layer and closes the feature store.
func (s *Session) Close(ctx context.Context) error {
	return errors.Join(s.Workspace.ClearLayers(ctx), s.Store.Close())
}

// App holds all application components.
type App struct {
	*Session

	Config        *config.Config
	Storage       output.ObjectStorage
	HealthService *application.HealthService
	SyncService   *application.SyncService
	HTTPServer    *httpAdapter.Server
	TLSServer     *tlsAdapter.Server
	Watcher       *watcher.Watcher
	Metrics       *metrics.Collector
	MetricsServer *http.Server
}

// New creates and initializes a new application.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{Config: cfg}

	var collector output.MetricsCollector = &output.NoOpMetrics{}
	var middleware []mux.MiddlewareFunc
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		app.Metrics = metrics.NewCollector("shapeview", reg)
		collector = app.Metrics
		middleware = append(middleware, app.Metrics.Middleware)
	}

	if cfg.Storage.Enabled() {
		store, err := initStorage(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		app.Storage = store
	}

	session, err := NewSession(ctx, cfg, app.Storage, collector, logger)
	if err != nil {
		return nil, err
	}
	app.Session = session

	app.HealthService = application.NewHealthService(session.Registry, app.Storage != nil)

	services := httpAdapter.Services{
		Layers:    session.Workspace,
		Selection: session.Selection,
		Health:    app.HealthService,
	}
	if app.Storage != nil {
		app.SyncService = application.NewSyncService(session.Loader, session.Registry, cfg.Sync.Interval, logger)
		services.Sync = app.SyncService
	}

	app.HTTPServer = httpAdapter.NewServer(cfg.Server, services, logger, middleware...)

	if app.Metrics != nil {
		if addr := cfg.MetricsAddress(); addr != "" {
			r := mux.NewRouter()
			r.Handle(cfg.Metrics.Path, app.Metrics.Handler()).Methods(http.MethodGet)
			app.MetricsServer = &http.Server{
				Addr:              addr,
				Handler:           r,
				ReadHeaderTimeout: cfg.Server.ReadTimeout,
			}
		} else {
			app.HTTPServer.Handle(cfg.Metrics.Path, app.Metrics.Handler())
		}
	}

	if cfg.TLS.Enabled {
		tlsServer, err := tlsAdapter.NewServer(cfg.TLS, cfg.Server, app.HTTPServer.Handler(), logger)
		if err != nil {
			_ = session.Close(ctx)
			return nil, fmt.Errorf("initializing TLS: %w", err)
		}
		app.TLSServer = tlsServer
	}

	if cfg.Watcher.Enabled && cfg.Storage.Type == "local" {
		w, err := watcher.New(
			watcher.Config{
				Paths:    []string{cfg.Storage.LocalPath},
				Debounce: cfg.Watcher.Debounce,
			},
			app.handleFileEvent,
			logger,
		)
		if err != nil {
			logger.Warn("failed to initialize file watcher", "error", err)
		} else {
			app.Watcher = w
		}
	}

	return app, nil
}

// Start starts all application components and serves the API until the
// server is shut down.
func (a *App) Start(ctx context.Context) error {
	if a.Storage != nil {
		if err := a.Loader.LoadAll(ctx); err != nil {
			a.Logger.Warn("failed to load layers", "error", err)
		}
	}

	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start file watcher", "error", err)
		}
	}

	if a.SyncService != nil && a.Config.Sync.Enabled {
		a.SyncService.Start(ctx)
	}

	if a.MetricsServer != nil {
		go func() {
			a.Logger.Info("starting metrics server", "address", a.MetricsServer.Addr, "path", a.Config.Metrics.Path)
			if err := a.MetricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("metrics server error", "error", err)
			}
		}()
	}

	if a.TLSServer != nil {
		if err := a.TLSServer.ManageCertificates(ctx); err != nil {
			return err
		}
		return a.TLSServer.ListenAndServe(a.Config.Server.Address())
	}
	return a.HTTPServer.Start()
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	if a.SyncService != nil {
		a.SyncService.Stop()
	}

	if a.Watcher != nil {
		if err := a.Watcher.Stop(); err != nil {
			a.Logger.Warn("file watcher stop error", "error", err)
		}
	}

	if a.MetricsServer != nil {
		if err := a.MetricsServer.Shutdown(ctx); err != nil {
			a.Logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if a.TLSServer != nil {
		if err := a.TLSServer.Shutdown(ctx); err != nil {
			a.Logger.Error("TLS server shutdown error", "error", err)
		}
	} else if err := a.HTTPServer.Shutdown(ctx); err != nil {
		a.Logger.Error("HTTP server shutdown error", "error", err)
	}

	return a.Session.Close(ctx)
}

// handleFileEvent mirrors changes of the local inbox into the session.
func (a *App) handleFileEvent(ctx context.Context, event watcher.Event) error {
	if a.isExportPath(event.Path) {
		return nil
	}

	name := domain.LayerNameFromFile(event.Path)
	a.Logger.Info("file event", "path", event.Path, "layer", name, "operation", event.Operation.String())

	switch event.Operation {
	case watcher.OpCreate:
		_, err := a.Loader.LoadFile(ctx, event.Path)
		if errors.Is(err, domain.ErrDuplicateLayerName) {
			a.Logger.Debug("layer already loaded", "layer", name)
			return nil
		}
		return err

	case watcher.OpModify:
		if err := a.removeByName(ctx, name); err != nil {
			return err
		}
		_, err := a.Loader.LoadFile(ctx, event.Path)
		return err

	case watcher.OpDelete:
		return a.removeByName(ctx, name)
	}

	return nil
}

// removeByName removes a layer if it is loaded.
func (a *App) removeByName(ctx context.Context, name string) error {
	id, ok := a.Registry.IDByName(name)
	if !ok {
		return nil
	}
	err := a.Workspace.RemoveLayer(ctx, id)
	if errors.Is(err, domain.ErrLayerNotFound) {
		return nil
	}
	return err
}

// isExportPath reports whether path lies below the export prefix of the
// local inbox.
func (a *App) isExportPath(path string) bool {
	rel, err := filepath.Rel(a.Config.Storage.LocalPath, path)
	if err != nil {
		return false
	}
	prefix := strings.Trim(a.Config.Export.Prefix, "/")
	rel = filepath.ToSlash(rel)
	return rel == prefix || strings.HasPrefix(rel, prefix+"/")
}

// initStorage initializes the appropriate storage adapter.
func initStorage(ctx context.Context, cfg config.StorageConfig) (output.ObjectStorage, error) {
	switch cfg.Type {
	case "local":
		return storage.NewLocalStorage(cfg.LocalPath), nil

	case "s3":
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})

	case "azure":
		return storage.NewAzureStorage(storage.AzureConfig{
			Container:        cfg.Azure.Container,
			AccountName:      cfg.Azure.AccountName,
			AccountKey:       cfg.Azure.AccountKey,
			ConnectionString: cfg.Azure.ConnectionString,
			Prefix:           cfg.Azure.Prefix,
		})

	case "http":
		return storage.NewHTTPStorage(storage.HTTPConfig{
			BaseURL:   cfg.HTTP.BaseURL,
			IndexFile: cfg.HTTP.IndexFile,
			Timeout:   cfg.HTTP.Timeout,
			Username:  cfg.HTTP.Username,
			Password:  cfg.HTTP.Password,
		}), nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
