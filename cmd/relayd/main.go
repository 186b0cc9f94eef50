package main

import (
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/campusiot/relayd/internal/app"
	"github.com/campusiot/relayd/internal/config"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	checkOnly := flag.Bool("check", false, "Validate the configuration and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Log)

	if *checkOnly {
		log.Info().
			Str("config", configPath).
			Str("database", cfg.Database.Path).
			Str("timezone", cfg.Scheduler.Timezone).
			Msg("Configuration is valid")
		return
	}

	os.Exit(run(cfg, configPath))
}

// run starts relayd and blocks until a signal or a failed service stops it.
// The return value is the process exit code.
func run(cfg *config.Config, configPath string) int {
	log.Info().Str("config", configPath).Str("database", cfg.Database.Path).Msg("Starting relayd")

	relayd, err := app.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize relayd")
		return 1
	}

	if err := relayd.Start(app.SignalContext()); err != nil {
		log.Error().Err(err).Msg("Failed to start relayd")
		relayd.Stop()
		return 1
	}

	code := 0
	if err := relayd.Wait(); err != nil {
		code = 1
	}
	if err := relayd.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
		code = 1
	}
	return code
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.UseJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !cfg.Colors,
		})
	}

	level, err := zerolog.ParseLevel(cfg.GetLevel())
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
