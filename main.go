package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/marnikitta/livecoding/config"
	"github.com/marnikitta/livecoding/repository"
	"github.com/marnikitta/livecoding/server"
	"github.com/marnikitta/livecoding/utils"
)

// Functions

// initLogger initializes a JSON gokit-logger set
// to the according log level supplied via cli flag.
func initLogger(loglevel string) log.Logger {

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)

	switch strings.ToLower(loglevel) {
	case "info":
		logger = level.NewFilter(logger, level.AllowInfo())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowDebug())
	}

	return logger
}

func main() {

	// Set CPUs usable by livecoding to all available.
	runtime.GOMAXPROCS(runtime.NumCPU())

	configFlag := flag.String("config", "config.toml", "Provide path to configuration file in TOML syntax.")
	loglevelFlag := flag.String("loglevel", "debug", "This flag sets the default logging level.")
	flag.Parse()

	logger := initLogger(*loglevelFlag)

	// Read configuration from file, then overlay
	// host-specific environment values.
	conf, err := config.LoadConfig(*configFlag)
	if err != nil {
		level.Error(logger).Log(
			"msg", "failed to load the config", "err", err,
		)
		os.Exit(1)
	}

	if err := config.ApplyEnv(conf); err != nil {
		level.Error(logger).Log(
			"msg", "failed to apply environment overrides", "err", err,
		)
		os.Exit(2)
	}

	metrics := NewLivecodingMetrics(conf.PrometheusAddr)

	var rooms repository.Service
	rooms, err = repository.NewService(logger, conf)
	if err != nil {
		level.Error(logger).Log(
			"msg", "failed to initialize the room repository", "err", err,
		)
		os.Exit(3)
	}
	rooms = repository.NewLoggingService(rooms, logger)
	rooms = repository.NewMetricsService(rooms,
		metrics.Repository.RoomsCreated,
		metrics.Repository.RoomsLoaded,
		metrics.Repository.RoomsCompacted,
		metrics.Repository.SnapshotsPurged,
	)

	loopCtx, stopLoops := context.WithCancel(context.Background())
	go rooms.RunFlushLoop(loopCtx)
	go rooms.RunPurgeLoop(loopCtx)

	go runPromHTTP(logger, conf.PrometheusAddr)

	srv := &http.Server{
		Addr:    conf.ListenAddr,
		Handler: server.InitServer(logger, conf, rooms).Router(),
	}

	go func() {

		level.Info(logger).Log("msg", "listening for requests", "addr", conf.ListenAddr)
		utils.TryNotifySystemd(logger)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log(
				"msg", "failed to serve requests", "err", err,
			)
			os.Exit(4)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	level.Info(logger).Log("msg", "shutting down", "signal", sig.String())

	stopLoops()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		level.Warn(logger).Log("msg", "failed to shut the listener down cleanly", "err", err)
	}

	// Final flush so that no accepted edit is lost on exit.
	rooms.FlushAll()
}
