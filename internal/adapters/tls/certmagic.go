// Package tls serves the API over HTTPS with certificates managed by
// CertMagic, solving ACME DNS-01 challenges through Azure DNS.
package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/libdns/azure"

	"github.com/jobrunner/shapeview/internal/config"
)

// Server wraps an HTTP server with automatic TLS. With TLS disabled it
// serves plain HTTP.
type Server struct {
	cfg       config.TLSConfig
	handler   http.Handler
	logger    *slog.Logger
	timeouts  config.ServerConfig
	magic     *certmagic.Config
	tlsConfig *tls.Config

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a server for handler. timeouts supplies the read and
// write timeouts of the underlying http.Server.
func NewServer(cfg config.TLSConfig, timeouts config.ServerConfig, handler http.Handler, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		handler:  handler,
		logger:   logger,
		timeouts: timeouts,
	}
	if !cfg.Enabled {
		return s, nil
	}

	if len(cfg.Domains) == 0 {
		return nil, errors.New("TLS enabled but no domains specified")
	}
	if cfg.Email == "" {
		return nil, errors.New("TLS enabled but no email specified")
	}

	magic := certmagic.NewDefault()
	if cfg.CacheDir != "" {
		magic.Storage = &certmagic.FileStorage{Path: cfg.CacheDir}
	}

	ca := certmagic.LetsEncryptProductionCA
	if cfg.Staging {
		ca = certmagic.LetsEncryptStagingCA
	}

	// An empty client id selects the system assigned managed identity.
	provider := &azure.Provider{
		SubscriptionId:    cfg.DNS.SubscriptionID,
		ResourceGroupName: cfg.DNS.ResourceGroupName,
		ClientId:          cfg.DNS.ClientID,
	}
	issuer := certmagic.NewACMEIssuer(magic, certmagic.ACMEIssuer{
		CA:     ca,
		Email:  cfg.Email,
		Agreed: true,
		DNS01Solver: &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{DNSProvider: provider},
		},
	})
	magic.Issuers = []certmagic.Issuer{issuer}

	tlsConfig := magic.TLSConfig()
	tlsConfig.NextProtos = append([]string{"h2", "http/1.1"}, tlsConfig.NextProtos...)

	s.magic = magic
	s.tlsConfig = tlsConfig
	return s, nil
}

// Enabled reports whether the server terminates TLS.
func (s *Server) Enabled() bool {
	return s.cfg.Enabled
}

// ManageCertificates obtains or renews certificates for the configured
// domains. It blocks until every certificate is available.
func (s *Server) ManageCertificates(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	s.logger.Info("obtaining certificates", "domains", s.cfg.Domains)
	if err := s.magic.ManageSync(ctx, s.cfg.Domains); err != nil {
		return fmt.Errorf("managing certificates: %w", err)
	}
	s.logger.Info("certificates obtained", "domains", s.cfg.Domains)
	return nil
}

// ListenAndServe serves on addr until Shutdown is called. It returns
// http.ErrServerClosed after a graceful shutdown.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		TLSConfig:         s.tlsConfig,
		ReadTimeout:       s.timeouts.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.timeouts.WriteTimeout,
	}

	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	if !s.cfg.Enabled {
		s.logger.Info("starting HTTP server (TLS disabled)", "address", addr)
		return server.ListenAndServe()
	}

	s.logger.Info("starting HTTPS server with DNS-01 challenge",
		"address", addr,
		"domains", s.cfg.Domains,
	)
	return server.ListenAndServeTLS("", "")
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// TLSConfig returns the TLS configuration, nil when TLS is disabled.
func (s *Server) TLSConfig() *tls.Config {
	return s.tlsConfig
}
