// Package server provides the main application server.
package server

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pocketcloud/pocketcloud/internal/account"
	"github.com/pocketcloud/pocketcloud/internal/api"
	"github.com/pocketcloud/pocketcloud/internal/config"
	"github.com/pocketcloud/pocketcloud/internal/events"
	"github.com/pocketcloud/pocketcloud/internal/remote"
	"github.com/pocketcloud/pocketcloud/internal/store"
	"github.com/pocketcloud/pocketcloud/internal/upload"
)

// Options holds additional server options not in config.
type Options struct {
	// Logger
	Logger zerolog.Logger
}

// Server is the main application server.
type Server struct {
	cfg       config.Config
	opts      Options
	apiServer *api.Server
	engine    *upload.Engine
	accounts  *account.Registry
	clients   *remote.Registry
	catalog   *store.DB
	bus       *events.Bus
	logger    zerolog.Logger
}

// New creates a new server with the given configuration.
func New(cfg config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	bus := events.New(
		events.WithLogger(logger.With().Str("component", "events").Logger()),
	)

	catalog, err := store.Open(cfg.Upload.DatabasePath,
		store.WithLogger(logger.With().Str("component", "store").Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	accounts := account.NewRegistry(
		account.WithLogger(logger.With().Str("component", "accounts").Logger()),
		account.WithBus(bus),
	)

	// Register accounts from config
	for name, acctCfg := range cfg.Accounts {
		logger.Debug().Str("name", name).Str("url", acctCfg.URL).Msg("configuring account")

		acct := account.Account{
			Name:          name,
			ServerURL:     acctCfg.URL,
			Username:      acctCfg.Username,
			Password:      acctCfg.Password,
			ServerVersion: acctCfg.ServerVersion,
		}
		accounts.Register(acct)

		caps := store.Capabilities{AccountName: name, ServerVersion: acctCfg.ServerVersion}
		if err := catalog.SaveCapabilities(context.Background(), caps); err != nil {
			logger.Warn().Err(err).Str("account", name).Msg("caching capabilities failed")
		}
	}

	logger.Info().
		Int("accounts", len(cfg.Accounts)).
		Msg("configuration loaded")

	if len(cfg.Accounts) == 0 {
		logger.Warn().Msg("no accounts configured - uploads will be rejected until one is registered")
	}

	clientLogger := logger.With().Str("component", "remote").Logger()
	clients := remote.NewRegistry(
		func(a account.Account) (remote.Client, error) {
			// Accounts registered at runtime have no config entry and get
			// the default timeout.
			timeout := config.DefaultHTTPTimeout
			if acctCfg, ok := cfg.Accounts[a.Name]; ok && acctCfg.HTTPTimeout > 0 {
				timeout = acctCfg.HTTPTimeout
			}
			return remote.NewWebDAV(a,
				remote.WithWebDAVLogger(clientLogger),
				remote.WithWebDAVTimeout(timeout),
			), nil
		},
		remote.WithRegistryLogger(clientLogger),
	)

	engineOpts := []upload.EngineOption{
		upload.WithEngineLogger(logger.With().Str("component", "upload").Logger()),
		upload.WithSyncRoot(cfg.Upload.SyncRoot),
	}
	if cfg.Upload.InstantRoot != "" {
		engineOpts = append(engineOpts, upload.WithInstantRoot(cfg.Upload.InstantRoot))
	}
	if cfg.Upload.MailboxSize > 0 {
		engineOpts = append(engineOpts, upload.WithMailboxSize(cfg.Upload.MailboxSize))
	}

	engine := upload.NewEngine(accounts, clients, catalog, bus, engineOpts...)

	apiServer := api.New(
		engine,
		accounts,
		api.WithLogger(logger.With().Str("component", "api").Logger()),
	)

	return &Server{
		cfg:       cfg,
		opts:      opts,
		apiServer: apiServer,
		engine:    engine,
		accounts:  accounts,
		clients:   clients,
		catalog:   catalog,
		bus:       bus,
		logger:    logger,
	}, nil
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().
		Str("listen", s.cfg.Server.Listen).
		Str("database", s.cfg.Upload.DatabasePath).
		Str("sync_root", s.cfg.Upload.SyncRoot).
		Msg("starting pocketcloud")

	// Start upload engine
	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start upload engine: %w", err)
	}

	s.bus.Publish(events.Event{Type: events.SystemStarted})

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.apiServer.Start(s.cfg.Server.Listen); err != nil {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down...")

	if err := s.apiServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("server shutdown error")
	}

	s.engine.Stop()

	if err := s.clients.Close(); err != nil {
		s.logger.Error().Err(err).Msg("remote client close error")
	}
	if err := s.catalog.Close(); err != nil {
		s.logger.Error().Err(err).Msg("catalog close error")
	}
	s.bus.Close()

	s.logger.Info().Msg("shutdown complete")
	return nil
}
