package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"thermal_client/internal/cache"
	"thermal_client/internal/config"
	"thermal_client/internal/handlers"
	"thermal_client/internal/logger"
	"thermal_client/internal/ratelimit"
	"thermal_client/internal/repository"
	"thermal_client/internal/repository/db"
	"thermal_client/internal/scheduler"
	"thermal_client/internal/server"
	"thermal_client/internal/service"
	"thermal_client/internal/sink"
	"thermal_client/internal/upstream"
)

const (
	configDir        = "configs"
	discoveryTimeout = 2 * time.Minute
)

// @title        Thermal Device Client API
// @version      1.0
// @BasePath     /
// @securityDefinitions.apikey BearerAuth
// @in           header
// @name         Authorization
func main() {
	// load configs/config.yml and THERMAL_* env
	cfg, err := config.Load(configDir)
	if err != nil {
		logger.Get(logger.InfoLevel).Fatalw("error reading config", "err", err)
	}

	// init logger
	log := logger.Get(cfg.LogLevel)

	// open DB
	sqlDB, err := db.InitDB(cfg.DB.Path)
	if err != nil {
		log.Fatalw("failed to init sqlite", "err", err)
	}
	defer func() {
		if cerr := sqlDB.Close(); cerr != nil {
			log.Errorw("failed to close sqlite", "err", cerr)
		}
	}()

	// wire dependencies
	repos := repository.NewRepository(sqlDB)

	limiterCfg, err := cfg.Limiter()
	if err != nil {
		log.Fatalw("invalid rate limit config", "err", err)
	}
	limiter := ratelimit.New(limiterCfg)

	// live /ws updates ride the same fan-out as the external sinks
	broadcast := sink.NewBroadcast()
	fanout := sink.NewFanout(cfg.Sinks.Buffer, log.Named("sink"), append(openSinks(cfg, repos, log), broadcast)...)

	statusCache := cache.New(cfg.StatusCache(),
		cache.WithBackoffProbe(limiter.InBackoff),
		cache.WithOnUpdate(fanout.Publish),
		cache.WithLogger(log.Named("cache")),
	)

	sched := scheduler.New(cfg.Dispatch(), limiter, upstream.Classify, log.Named("scheduler"))

	api, err := upstream.NewClient(cfg.Upstream(), log.Named("upstream"))
	if err != nil {
		log.Fatalw("invalid upstream config", "err", err)
	}

	client := service.NewDeviceClient(api, sched, limiter, statusCache, repos.EventRepo, log.Named("client"))
	poller := service.NewPoller(cfg.Polling(limiter.RefillInterval()), client, limiter, repos.EventRepo, log.Named("poller"))
	client.AttachTracker(poller)

	// context for background goroutines
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if n, err := client.WarmStart(ctx, repos.StatusRepo); err != nil {
		log.Warnw("warm start failed", "err", err)
	} else {
		log.Infow("cache warmed from sqlite", "devices", n)
	}

	var wg sync.WaitGroup
	startBackground(ctx, &wg, cfg, sched, poller, statusCache, fanout, log)

	services := service.NewService(repos, client, poller, cfg.Auth.JWTSecret)

	// discovery starts at LOW; priority rises once the startup grace has passed
	wg.Add(2)
	go func() {
		defer wg.Done()
		discoverDevices(ctx, client, poller, log)
	}()
	go func() {
		defer wg.Done()
		client.CompleteStartupAfter(ctx, cfg.Poller.StartupGrace)
	}()

	apiHandler := handlers.NewHandler(services, log.Named("http"),
		handlers.WithStreamInterval(cfg.HTTP.WSInterval),
		handlers.WithUpdates(broadcast),
	)

	// start HTTP server
	srv := server.New(server.Timeouts{
		ReadHeader: cfg.HTTP.ReadHeaderTimeout,
		Write:      cfg.HTTP.WriteTimeout,
		Idle:       cfg.HTTP.IdleTimeout,
	})
	runHTTPServer(srv, cfg.Port, apiHandler, log)

	// graceful shutdown
	waitForShutdown(cancel, srv, cfg.HTTP.ShutdownTimeout, log)
	wg.Wait()
	log.Infow("stopped", "sink_dropped", fanout.Dropped(), "sink_failed", fanout.Failed())
}

// openSinks connects the enabled status sinks. A sink that cannot connect is
// skipped so the client keeps serving from its cache.
func openSinks(cfg *config.Config, repos *repository.Repository, log *logger.Logger) []sink.Sink {
	var sinks []sink.Sink
	if cfg.Sinks.SQLite {
		sinks = append(sinks, sink.NewSnapshotSink(repos.StatusRepo))
	}
	if cfg.Sinks.MQTT.Enabled {
		s, err := sink.ConnectMQTT(cfg.MQTT())
		if err != nil {
			log.Errorw("mqtt sink disabled", "broker", cfg.Sinks.MQTT.Broker, "err", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	if cfg.Sinks.Influx.Enabled {
		s, err := sink.ConnectInflux(cfg.Influx(), log.Named("influx"))
		if err != nil {
			log.Errorw("influx sink disabled", "url", cfg.Sinks.Influx.URL, "err", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	return sinks
}

// startBackground runs the dispatch loop, poller, cache sweeper and sink fan-out.
func startBackground(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, sched *scheduler.Scheduler,
	poller *service.Poller, statusCache *cache.StatusCache, fanout *sink.Fanout, log *logger.Logger) {
	wg.Add(4)
	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil {
			log.Errorw("scheduler stopped", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := poller.Run(ctx); err != nil {
			log.Errorw("poller stopped", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		statusCache.Run(ctx, cfg.Cache.SweepInterval)
	}()
	go func() {
		defer wg.Done()
		fanout.Run(ctx)
	}()
}

// discoverDevices registers every account device with the poller.
func discoverDevices(ctx context.Context, client *service.DeviceClient, poller *service.Poller, log *logger.Logger) {
	dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	devices, err := client.GetDevices(dctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Errorw("device discovery failed", "err", err)
		}
		return
	}
	for _, d := range devices {
		poller.RegisterDevice(d.ID, service.Callbacks{
			OnError: func(id string, err error) {
				log.Debugw("poll failed", "device_id", id, "err", err)
			},
		})
	}
	client.MarkInitialDiscoveryComplete()
	log.Infow("device discovery complete", "devices", len(devices))
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, port string, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		if port == "" {
			port = "8080"
		}
		if err := srv.Run(port, handler.InitRoutes()); err != nil {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

// waitForShutdown listens for termination signals and performs graceful shutdown.
func waitForShutdown(cancel context.CancelFunc, srv *server.Server, timeout time.Duration, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down server...")

	// allow in-flight requests to complete
	ctx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server forced to shutdown", "err", err)
	}

	// stop background goroutines
	cancel()
}
