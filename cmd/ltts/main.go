package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gemini-hlsw/lch-sub000/internal/alarm"
	"github.com/gemini-hlsw/lch-sub000/internal/api"
	"github.com/gemini-hlsw/lch-sub000/internal/auth"
	"github.com/gemini-hlsw/lch-sub000/internal/clearance"
	"github.com/gemini-hlsw/lch-sub000/internal/collision"
	"github.com/gemini-hlsw/lch-sub000/internal/config"
	"github.com/gemini-hlsw/lch-sub000/internal/ephemeris"
	"github.com/gemini-hlsw/lch-sub000/internal/events"
	"github.com/gemini-hlsw/lch-sub000/internal/health"
	"github.com/gemini-hlsw/lch-sub000/internal/metrics"
	"github.com/gemini-hlsw/lch-sub000/internal/nightstore"
	"github.com/gemini-hlsw/lch-sub000/internal/plan"
	"github.com/gemini-hlsw/lch-sub000/internal/reconcile"
	"github.com/gemini-hlsw/lch-sub000/internal/stream"
	"github.com/gemini-hlsw/lch-sub000/internal/tcs"
)

func main() {
	configPath := flag.String("config", "", "path to ltts.yaml (default: search /etc/ltts, ./configs and .)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	cfg.LogSummary(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, logger); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("service stopped")
}

func run(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) error {
	site, err := cfg.SiteSpec()
	if err != nil {
		return err
	}
	twilight, err := cfg.TwilightSpec()
	if err != nil {
		return err
	}

	// Nights: archive, store and the manager that rolls them over.
	archive := nightstore.NewArchive(cfg.Night.ArchiveDir, cfg.Night.ArchiveMaxFiles)
	store := nightstore.NewStore(archive, logger)

	var collector nightstore.Collector
	if src := planSource(cfg); src != nil {
		rec := reconcile.Engine{Epsilon: cfg.Reconcile.EpsilonDeg, MaxRecycleDeg: cfg.Reconcile.MaxRecycleDeg}
		collector = reconcile.NewCollector(src, rec, cfg.Reconcile.GroupDeg, logger)
	} else {
		logger.Warn("no plan source configured, nights stay empty")
	}
	manager := nightstore.NewManager(nightstore.ManagerConfig{
		Site:      site,
		Twilight:  twilight,
		TestNight: cfg.Night.TestNight,
	}, store, archive, collector, logger)
	if _, err := manager.Ensure(); err != nil {
		logger.Error("creating current night failed", "error", err)
	}

	// Telescope control channel.
	var kv tcs.KV
	switch cfg.TCS.Backend {
	case "memory":
		logger.Warn("using in-memory telescope channel, no shutter commands reach the telescope")
		kv = tcs.NewMemoryKV()
	default:
		redisKV := tcs.NewRedisKV(tcs.RedisConfig{
			Addr:         cfg.TCS.Addr,
			Password:     cfg.TCS.Password,
			DB:           cfg.TCS.DB,
			DialTimeout:  cfg.TCS.DialTimeout,
			ReadTimeout:  cfg.TCS.ReadTimeout,
			WriteTimeout: cfg.TCS.WriteTimeout,
		})
		defer redisKV.Close()
		kv = redisKV
	}
	client := tcs.NewClient(kv, logger)
	poller := tcs.NewPoller(client, cfg.TCS.PollInterval, cfg.TCS.PollTimeout, logger)
	watchdog := tcs.NewWatchdog(client, cfg.TCS.WatchdogInterval, cfg.TCS.WatchdogSilence, logger)

	var (
		feed       *collision.Feed
		collisions alarm.CollisionSource
	)
	if cfg.Collision.URL != "" {
		feed = collision.NewFeed(collision.NewFetcher(cfg.Collision.URL, cfg.Collision.Timeout), site.Location, cfg.Collision.Interval, logger)
		collisions = feed
	}

	publisher := eventPublisher(cfg, logger)
	defer publisher.Close()

	engine := alarm.New(alarm.Config{
		Site:           site.Name,
		ErrorConeDeg:   cfg.Alarm.ErrorConeDeg,
		Buffers:        alarm.Buffers{Before: cfg.Alarm.BufferBefore, After: cfg.Alarm.BufferAfter},
		SettleTime:     cfg.Alarm.SettleTime,
		Production:     cfg.Production(),
		CommandTimeout: cfg.Alarm.CommandTimeout,
	}, store, poller, collisions, client, publisher, logger)

	streamHandler := stream.NewHandler(api.StatusSource{Site: site.Name, Engine: engine}, stream.Config{
		MaxConcurrentPerIP: cfg.Stream.MaxConcurrentPerIP,
		Interval:           cfg.Stream.Interval,
		KeepaliveInterval:  cfg.Stream.KeepaliveInterval,
		TrustProxy:         cfg.HTTP.TrustProxy,
	}, logger)

	srv := api.NewServer(cfg.HTTP.Addr, logger, auth.Config{Enabled: cfg.Auth.Enabled, Token: cfg.Auth.Token}, cfg.HTTP.TrustProxy, api.Deps{
		Site:      site.Name,
		Nights:    store,
		Refresher: manager,
		Alarm:     engine,
		Applier:   clearance.NewApplier(cfg.Confirmation.MatchDeg, logger),
		Events:    publisher,
		Stream:    streamHandler,
		Ready: []health.Check{
			func() error {
				if store.Get() == nil {
					return nightstore.ErrNoNight
				}
				return nil
			},
			func() error {
				if engine.Snapshot() == nil {
					return errors.New("no alarm snapshot yet")
				}
				return nil
			},
		},
	})

	reloader := config.NewReloader(configPath, cfg, logger)
	reloader.OnTwilight = func(name string) {
		tw, err := ephemeris.ParseTwilight(name)
		if err != nil {
			logger.Warn("ignoring twilight change", "twilight", name, "error", err)
			return
		}
		manager.SetTwilight(tw)
	}

	g, gctx := errgroup.WithContext(ctx)
	// Open status streams end with the service.
	srv.HTTPServer().BaseContext = func(net.Listener) context.Context { return gctx }

	g.Go(func() error {
		manager.Run(gctx, cfg.Night.RefreshInterval, func() { reloader.Reload() })
		return nil
	})
	g.Go(func() error {
		poller.Run(gctx)
		return nil
	})
	g.Go(func() error {
		watchdog.Run(gctx)
		return nil
	})
	if feed != nil {
		g.Go(func() error {
			feed.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return engine.Run(gctx, alarm.Intervals{
			Snapshot:  cfg.Alarm.SnapshotInterval,
			Clear:     cfg.Alarm.ClearInterval,
			Decision:  cfg.Alarm.DecisionInterval,
			Retry:     cfg.Alarm.RetryInterval,
			Heartbeat: cfg.Alarm.HeartbeatInterval,
		})
	})

	// Night age gauge.
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if age := store.AgeSeconds(); age >= 0 {
					metrics.SetNightAge(age)
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		logger.Info("starting server",
			"addr", cfg.HTTP.Addr,
			"auth_enabled", cfg.Auth.Enabled,
			"production", cfg.Production(),
			"initial_state", engine.State().String(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// planSource returns the configured plan source, or nil.
func planSource(cfg *config.Config) plan.Source {
	switch {
	case cfg.Plan.URL != "":
		return plan.NewHTTPSource(cfg.Plan.URL, cfg.Plan.Timeout)
	case cfg.Plan.File != "":
		return plan.FileSource{Path: cfg.Plan.File}
	}
	return nil
}

// eventPublisher connects to NATS when configured. A failed connection is
// logged and events are dropped; the alarm does not depend on them.
func eventPublisher(cfg *config.Config, logger *slog.Logger) events.Publisher {
	if cfg.Events.NATSURL == "" {
		return events.Nop{}
	}
	pub, err := events.NewNATSPublisher(events.NATSConfig{
		URL:            cfg.Events.NATSURL,
		Name:           cfg.Events.ClientName,
		SubjectPrefix:  cfg.Events.SubjectPrefix,
		ReconnectWait:  cfg.Events.ReconnectWait,
		MaxReconnects:  cfg.Events.MaxReconnects,
		ConnectTimeout: cfg.Events.ConnectTimeout,
	}, logger)
	if err != nil {
		logger.Error("connecting to NATS failed, events disabled", "url", cfg.Events.NATSURL, "error", err)
		return events.Nop{}
	}
	return pub
}
