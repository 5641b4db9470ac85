package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"tg_mirror_fleet_bot/internal/broadcast"
	"tg_mirror_fleet_bot/internal/config"
	"tg_mirror_fleet_bot/internal/dialogue"
	"tg_mirror_fleet_bot/internal/domain"
	"tg_mirror_fleet_bot/internal/feature/admin"
	"tg_mirror_fleet_bot/internal/feature/mirror"
	"tg_mirror_fleet_bot/internal/feature/user"
	"tg_mirror_fleet_bot/internal/fleet"
	"tg_mirror_fleet_bot/internal/health"
	"tg_mirror_fleet_bot/internal/logging"
	"tg_mirror_fleet_bot/internal/store"
	"tg_mirror_fleet_bot/internal/telegram"
)

const (
	mongoConnectTimeout    = 10 * time.Second
	mongoIndexTimeout      = 5 * time.Second
	mongoDisconnectTimeout = 5 * time.Second
	seedTimeout            = 5 * time.Second
	healthShutdownTimeout  = 5 * time.Second
)

func main() {
	flags := pflag.NewFlagSet("fleet", pflag.ContinueOnError)
	configOnly := flags.Bool("config-only", false, "load and print configuration then exit")
	configFile := flags.StringP("config", "c", "", "TOML tuning file (overrides "+config.KeyConfigFile+")")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "flag error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.LoadWithFile(*configFile)
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":    "startup",
		"mongo_db": cfg.MongoDB,
	}).Info("configuration loaded")

	connectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	mongoManager, err := store.NewManager(connectCtx, cfg)
	cancel()
	if err != nil {
		fatal(logger, "mongo connection error", err)
	}

	logger.WithField("event", "mongo_connect").Info("connected to mongo")

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
	err = mongoManager.EnsureBaseIndexes(indexCtx)
	cancelIndexes()
	if err != nil {
		fatal(logger, "mongo index setup error", err)
	}

	logger.WithField("event", "mongo_indexes").Info("ensured base mongo indexes")

	adminRegistrar := admin.NewRegistrar(mongoManager.Users(), logger)
	seedCtx, cancelSeed := context.WithTimeout(context.Background(), seedTimeout)
	err = adminRegistrar.EnsureSeedAdmin(seedCtx, cfg.SeedAdmin)
	if err == nil {
		_, err = mirror.NewRegistrar(mongoManager.Bots(), logger).EnsureSeedMirror(seedCtx, cfg.SeedToken)
	}
	cancelSeed()
	if err != nil {
		fatal(logger, "seed data error", err)
	}

	userRegistrar := user.NewRegistrar(mongoManager.Users(), logger)
	userRepository := domain.NewUserRepository(mongoManager.Users())
	botRepository := domain.NewBotRepository(mongoManager.Bots())
	statsProvider := store.NewStatsProvider(mongoManager.Users(), mongoManager.Bots())

	var machine *dialogue.Machine
	orchestrator := fleet.New(
		botRepository,
		userRegistrar,
		telegram.NewChecker(logger),
		func(token string) (fleet.Instance, error) {
			return telegram.NewFactory(machine, logger)(token)
		},
		cfg.Fleet,
		logger,
	)
	engine := broadcast.NewEngine(userRepository, orchestrator, telegram.NewSender, cfg.Fleet.SendTimeout, logger)
	machine = dialogue.NewMachine(adminRegistrar, userRegistrar, orchestrator, engine, logger)

	healthServer := health.NewServer(cfg.HTTPPort, health.Dependencies{
		Mongo: mongoManager,
		Stats: statsProvider,
		Fleet: orchestrator,
	}, logger)
	go func() {
		if err := healthServer.ListenAndServe(); err != nil {
			logger.WithField("event", "health_error").WithError(err).Error("health server failed")
		}
	}()

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orchestrator.Bootstrap(signalCtx); err != nil {
		fatal(logger, "fleet bootstrap error", err)
	}

	if orchestrator.Running() == 0 {
		logger.WithField("event", "fleet_empty").Warn("no live mirrors; waiting for shutdown signal")
	}

	<-signalCtx.Done()
	logger.WithField("event", "shutdown_signal").Info("received termination signal, stopping mirrors")

	fleetCtx, cancelFleet := context.WithTimeout(context.Background(), cfg.Fleet.ShutdownTimeout)
	if err := orchestrator.Shutdown(fleetCtx); err != nil {
		logger.WithField("event", "fleet_shutdown_timeout").WithError(err).Warn("timed out waiting for mirrors to stop")
	}
	cancelFleet()

	healthCtx, cancelHealth := context.WithTimeout(context.Background(), healthShutdownTimeout)
	if err := healthServer.Shutdown(healthCtx); err != nil {
		logger.WithError(err).Error("health server shutdown error")
	}
	cancelHealth()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	if err := mongoManager.Close(shutdownCtx); err != nil {
		logger.WithError(err).Error("mongo disconnect error")
	} else {
		logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}
	cancelShutdown()

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}

func fatal(logger *logrus.Entry, msg string, err error) {
	logger.WithError(err).Error(msg)
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
