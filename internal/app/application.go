package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"meshbridge/internal/api"
	"meshbridge/internal/config"
	"meshbridge/internal/hub"
	"meshbridge/internal/pairing"
	"meshbridge/internal/presence"
	"meshbridge/internal/project"
	"meshbridge/internal/session"
	"meshbridge/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config      *config.Config
	store       *project.Store
	monitor     *presence.Monitor
	hub         *hub.Hub
	coordinator *session.Coordinator
	apiServer   *api.Server
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Store → Presence → Hub → Coordinator → WebSocket → API
// FUNCTIONAL DISCOVERY: Resolving and activating the startup project is the only
// fatal path; a bridge that cannot tell where captures go must not accept them
func NewApplication(cfg *config.Config) (*Application, error) {
	return newApplication(cfg, clockwork.NewRealClock())
}

func newApplication(cfg *config.Config, clock clockwork.Clock) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store := project.NewStore(cfg.Storage.Root, cfg.Storage.Extensions, clock)
	monitor := presence.NewMonitor(clock, cfg.Presence.PollInterval, cfg.Presence.Timeout)

	// The hub runs before the coordinator so the startup snapshot has somewhere to go
	broadcastHub := hub.NewHub(hub.NewRegistry())
	if err := broadcastHub.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start broadcast hub: %w", err)
	}

	coordinator := session.NewCoordinator(store, broadcastHub, monitor)
	if err := coordinator.Initialize(); err != nil {
		broadcastHub.Stop()
		return nil, fmt.Errorf("failed to initialize capture session: %w", err)
	}

	wsHandler := websocket.NewHandler(coordinator, cfg.WebSocket)
	links := pairing.NewGenerator(cfg.Pairing.Scheme, cfg.HTTP.Port, cfg.Pairing.QRSize)
	apiServer := api.NewServer(cfg, coordinator, wsHandler, broadcastHub, links)

	return &Application{
		config:      cfg,
		store:       store,
		monitor:     monitor,
		hub:         broadcastHub,
		coordinator: coordinator,
		apiServer:   apiServer,
	}, nil
}

// Run serves until ctx is cancelled or a component fails, then shuts everything down
// ARCHITECTURAL DISCOVERY: errgroup ties the HTTP server, the presence watchdog and
// the shutdown path to one context; whichever fails first stops the rest
func (app *Application) Run(ctx context.Context) error {
	slog.Info("Starting meshbridge",
		"addr", app.config.Addr(),
		"root", app.config.Storage.Root,
		"project", app.coordinator.Current())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.apiServer.Start(app.config.Addr())
	})

	g.Go(func() error {
		return app.monitor.Run(gctx, app.coordinator.SweepPresence)
	})

	g.Go(func() error {
		<-gctx.Done()
		return app.shutdown()
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("meshbridge stopped")
	return nil
}

func (app *Application) shutdown() error {
	slog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := app.apiServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases components when Run was never called.
func (app *Application) Close() error {
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		return err
	}
	return nil
}

func (app *Application) Coordinator() *session.Coordinator {
	return app.coordinator
}

func (app *Application) Store() *project.Store {
	return app.store
}
