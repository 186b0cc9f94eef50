package app

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/campusiot/relayd/internal/config"
)

// App owns the relayd services from startup until shutdown.
type App struct {
	cfg      *config.Config
	services *Services
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.Mutex
	fatal error
}

// New opens the database and wires every service without starting any loop.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// Start brings up the scheduler, bulk sweeper, housekeeping and the HTTP listener
// serving both the ops API and the device link. Cancelling ctx begins shutdown.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.services.Start(a.ctx, a.fail); err != nil {
		return err
	}

	log.Info().
		Str("addr", a.cfg.Server.Addr()).
		Str("link_path", a.cfg.Link.Path).
		Int("jobs", a.services.Jobs()).
		Bool("mqtt", a.services.MQTT != nil).
		Bool("influxdb", a.services.Influx != nil).
		Msg("relayd started")
	return nil
}

// fail records the first unrecoverable service error and stops the app
func (a *App) fail(err error) {
	a.mu.Lock()
	if a.fatal == nil {
		a.fatal = err
	}
	a.mu.Unlock()

	log.Error().Err(err).Msg("Service failed, shutting down")
	a.cancel()
}

// Stop cancels the app context and closes every service.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down relayd")

	if a.cancel != nil {
		a.cancel()
	}
	if a.services != nil {
		return a.services.Stop()
	}
	return nil
}

// Wait blocks until the app is cancelled and returns the service error that
// caused it, or nil for a requested shutdown.
func (a *App) Wait() error {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fatal
}

// Services exposes the wired components.
func (a *App) Services() *Services {
	return a.services
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
