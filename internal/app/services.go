package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/campusiot/relayd/internal/api"
	"github.com/campusiot/relayd/internal/broadcast"
	"github.com/campusiot/relayd/internal/bulk"
	"github.com/campusiot/relayd/internal/config"
	"github.com/campusiot/relayd/internal/control"
	"github.com/campusiot/relayd/internal/db"
	"github.com/campusiot/relayd/internal/device"
	"github.com/campusiot/relayd/internal/dispatch"
	"github.com/campusiot/relayd/internal/eventbus"
	"github.com/campusiot/relayd/internal/holiday"
	"github.com/campusiot/relayd/internal/influx"
	"github.com/campusiot/relayd/internal/ledger"
	"github.com/campusiot/relayd/internal/link"
	"github.com/campusiot/relayd/internal/motion"
	"github.com/campusiot/relayd/internal/mqtt"
	"github.com/campusiot/relayd/internal/presence"
	"github.com/campusiot/relayd/internal/schedule"
	"github.com/campusiot/relayd/internal/scheduler"
	"github.com/campusiot/relayd/internal/storage"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB        *db.DB
	Ledger    *ledger.Ledger
	Store     *storage.Store
	Registry  *device.SQLiteRegistry
	Schedules *schedule.Store
	Bus       *eventbus.Bus

	// Device side
	Hub         *link.Hub
	Dispatcher  *dispatch.Dispatcher
	Broadcaster *broadcast.Broadcaster
	Switcher    *control.Switcher
	Motion      *motion.Oracle
	Presence    *presence.Tracker

	// Orchestration
	Holidays  holiday.Oracle
	Scheduler *scheduler.Scheduler
	Bulk      *bulk.Controller
	Server    *api.Server

	// Optional sinks, nil when disabled or unreachable
	MQTT   *mqtt.Client
	Influx *influx.Client

	closeHolidays func()

	// Background loops launched by Start
	cancel context.CancelFunc
	wg     sync.WaitGroup
	jobs   int
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	s.Ledger = ledger.New(database.DB)
	s.Store = storage.NewStore(database.DB)
	s.Registry = device.NewSQLiteRegistry(s.Store)
	s.Schedules = schedule.NewStore(s.Store)

	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	s.Broadcaster = broadcast.New(s.Bus)

	s.Hub = link.NewHub(cfg.Link)
	s.Dispatcher = dispatch.New(s.Hub)
	s.Switcher = control.NewSwitcher(s.Registry, s.Dispatcher, s.Broadcaster, s.Ledger, s.Ledger)
	s.Motion = motion.New()
	s.Presence = presence.New(s.Registry, s.Dispatcher, s.Hub, s.Switcher, s.Broadcaster, s.Motion)
	s.Hub.SetListener(s.Presence)

	s.Holidays, s.closeHolidays, err = holiday.New(cfg.Holidays)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to load holidays: %w", err)
	}

	s.Scheduler = scheduler.New(s.Schedules, s.Registry, s.Switcher, s.Holidays, s.Motion, scheduler.Options{
		Timezone:     cfg.Scheduler.Timezone,
		MotionWindow: cfg.Scheduler.MotionWindow.Duration(),
	})
	s.Bulk = bulk.New(s.Registry, s.Switcher, cfg.Bulk)

	s.connectSinks()

	s.Server = api.NewServer(cfg.Server.Addr(), api.Deps{
		Registry:  s.Registry,
		Switcher:  s.Switcher,
		Bulk:      s.Bulk,
		Scheduler: s.Scheduler,
		Schedules: s.Schedules,
		History:   s.Ledger,
		Link:      s.Hub,
		LinkPath:  cfg.Link.Path,
		Ready:     database.PingContext,
	})

	return s, nil
}

// connectSinks attaches the MQTT and InfluxDB sinks to the bus. A sink that
// cannot connect is logged and skipped; devices keep working without it.
func (s *Services) connectSinks() {
	if s.cfg.MQTT.Enabled {
		client, err := mqtt.Connect(s.cfg.MQTT)
		if err != nil {
			log.Error().Err(err).Str("host", s.cfg.MQTT.Host).Msg("MQTT sink disabled")
		} else {
			s.MQTT = client
			mqtt.NewSink(client, client.Topics(), byte(s.cfg.MQTT.QoS)).Subscribe(s.Bus)
			log.Info().Str("prefix", s.cfg.MQTT.TopicPrefix).Msg("MQTT sink attached")
		}
	}

	if s.cfg.InfluxDB.Enabled {
		client, err := influx.Connect(s.cfg.InfluxDB)
		if err != nil {
			log.Error().Err(err).Str("url", s.cfg.InfluxDB.URL).Msg("InfluxDB sink disabled")
		} else {
			s.Influx = client
			influx.NewSink(client).Subscribe(s.Bus)
			log.Info().Str("bucket", s.cfg.InfluxDB.Bucket).Msg("InfluxDB sink attached")
		}
	}
}

// Start starts all services in the correct order.
// onFatalError is called if a critical service fails (triggers app shutdown).
// The background loops run until Stop, which waits for them.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Devices reconnect and re-identify; nothing is online until they do
	if err := s.Presence.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset presence: %w", err)
	}

	if s.cfg.Scheduler.IsEnabled() {
		n, err := s.Scheduler.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load schedules: %w", err)
		}
		s.jobs = n
		log.Info().Int("jobs", n).Str("timezone", s.Scheduler.Timezone().String()).Msg("Schedules loaded")
	} else {
		log.Info().Msg("Scheduler is disabled")
	}

	ctx, s.cancel = context.WithCancel(ctx)

	if s.cfg.Scheduler.IsEnabled() {
		s.goRun(func() {
			if err := s.Scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Scheduler error")
			}
		})
	}

	s.goRun(func() {
		if err := s.Bulk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Bulk sweeper error")
		}
	})

	newMaintenance(s.cfg, s.Ledger, s.Motion, s.Scheduler).Start(ctx, &s.wg)

	s.goRun(func() {
		if err := s.Server.Run(ctx, s.cfg.GetShutdownTimeout()); err != nil {
			onFatalError(fmt.Errorf("http server: %w", err))
		}
	})

	return nil
}

func (s *Services) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Jobs returns the number of schedules registered at Start
func (s *Services) Jobs() int {
	return s.jobs
}

// Stop cancels the background loops, waits for them up to the shutdown
// timeout and then closes the link, bus, sinks and database in that order.
func (s *Services) Stop() error {
	timeout := s.cfg.GetShutdownTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.cancel != nil {
		s.cancel()
	}
	if !s.wait(timeout) {
		log.Warn().Dur("timeout", timeout).Msg("Background loops still running at shutdown")
	}

	if s.Hub != nil {
		s.Hub.Close(ctx)
	}
	if s.Scheduler != nil {
		s.Scheduler.Stop()
	}
	if s.Bus != nil {
		s.Bus.Close(ctx)
	}
	if s.MQTT != nil {
		if err := s.MQTT.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close MQTT client")
		}
	}
	if s.Influx != nil {
		if err := s.Influx.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close InfluxDB client")
		}
	}
	if s.closeHolidays != nil {
		s.closeHolidays()
	}
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

// wait blocks until every loop started by Start has returned or timeout passes
func (s *Services) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
