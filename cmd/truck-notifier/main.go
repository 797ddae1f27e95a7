// Command truck-notifier polls the garbage-truck position API and publishes
// when the tracked truck enters and leaves the configured stretch of route.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/truck-notifier/internal/config"
	"github.com/sweeney/truck-notifier/internal/logger"
	"github.com/sweeney/truck-notifier/internal/logic"
	"github.com/sweeney/truck-notifier/internal/metrics"
	"github.com/sweeney/truck-notifier/internal/monitor"
	"github.com/sweeney/truck-notifier/internal/mqtt"
	"github.com/sweeney/truck-notifier/internal/natspub"
	"github.com/sweeney/truck-notifier/internal/status"
	"github.com/sweeney/truck-notifier/internal/truckapi"
	"github.com/sweeney/truck-notifier/internal/web"
)

func main() {
	once := flag.Bool("once", false, "Run one cycle, print the JSON result and exit")
	resetOnStart := flag.Bool("reset-on-start", false, "Publish an idle retained state at startup, clearing any stale state on the broker")
	flag.Parse()

	if err := run(context.Background(), *once, *resetOnStart, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, once, resetOnStart bool, stdout io.Writer) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	loc := cfg.Location()
	log := logger.New(logger.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Location: loc})

	clock := func() time.Time { return time.Now().In(loc) }
	mets := metrics.NewCollector()
	checks := map[string]web.Check{}

	// Snapshot cache, shared by every caller of the client
	var cache truckapi.Cache
	switch {
	case !cfg.API.CacheEnabled:
	case cfg.Redis.Addr != "":
		rdb, err := truckapi.ConnectRedis(ctx, truckapi.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()
		cache = truckapi.NewRedisCache(rdb, cfg.API.CacheTTL, logger.Component(log, "cache"))
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	default:
		cache = truckapi.NewMemoryCache(cfg.API.CacheTTL)
	}

	client := truckapi.New(truckapi.Options{
		BaseURL:    cfg.API.BaseURL,
		Timeout:    cfg.API.Timeout,
		RetryCount: cfg.API.RetryCount,
		RetryDelay: cfg.API.RetryDelay,
		Cache:      cache,
		Metrics:    mets,
		Logger:     logger.Component(log, "truckapi"),
	})

	window, err := logic.NewTrackingWindow(cfg.Tracking.EnterPoint, cfg.Tracking.ExitPoint)
	if err != nil {
		return fmt.Errorf("tracking window: %w", err)
	}
	matcher, err := logic.NewMatcher(
		logic.Strategy(cfg.Tracking.Strategy),
		window,
		cfg.Tracking.LookaheadThreshold,
		logic.TriggerMode(cfg.Tracking.TriggerMode),
	)
	if err != nil {
		return fmt.Errorf("matcher: %w", err)
	}

	manager := status.NewManager(clock(), clock)
	mets.SetState(logic.StateIdle)

	svcOpts := monitor.Options{
		Fetcher: client,
		Matcher: matcher,
		Manager: manager,
		Query: truckapi.Query{
			Lat:  cfg.Tracking.Lat,
			Lng:  cfg.Tracking.Lng,
			Time: cfg.Tracking.TimeFilter,
			Week: cfg.Tracking.Week,
		},
		Routes:  cfg.Tracking.Routes,
		Metrics: mets,
		Logger:  logger.Component(log, "monitor"),
		Clock:   clock,
	}

	if once {
		svc := monitor.New(svcOpts)
		resp := svc.Query(ctx)
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return nil
	}

	// Notification sinks
	var publisher mqtt.Publisher
	var mqttStatus web.ConnectionStatus
	if cfg.MQTT.Broker != "" {
		p, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:     cfg.MQTT.Broker,
			ClientID:   cfg.MQTT.ClientID,
			BufferSize: cfg.MQTT.BufferSize,
			Logger:     logger.Component(log, "mqtt"),
			Metrics:    mets.Sink("mqtt"),
		})
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer p.Close()
		publisher = p
		mqttStatus = p
		svcOpts.Notifiers = append(svcOpts.Notifiers, &mqtt.Notifier{
			Publisher: p,
			State:     func() status.Response { return status.Build(manager.Snapshot()) },
			Metrics:   mets.Sink("mqtt"),
		})
	}
	if cfg.NATS.URL != "" {
		np, err := natspub.Connect(natspub.Options{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Logger:        logger.Component(log, "nats"),
			Metrics:       mets.Sink("nats"),
		})
		if err != nil {
			return err
		}
		defer np.Close()
		svcOpts.Notifiers = append(svcOpts.Notifiers, np)
	}

	svc := monitor.New(svcOpts)

	if publisher != nil {
		snap := svc.Snapshot()
		startup := mqtt.SystemEvent{
			Timestamp:  clock(),
			Event:      "STARTUP",
			Retained:   true,
			RawPayload: status.FormatStatusEvent(snap, clock(), "STARTUP", ""),
		}
		if err := publisher.PublishSystem(startup); err != nil {
			log.Error().Err(err).Msg("failed to publish startup event")
		}
		if resetOnStart {
			if err := publisher.PublishState(svc.Current()); err != nil {
				log.Error().Err(err).Msg("failed to publish reset state")
			}
		}
	}

	// Start HTTP server
	if cfg.HTTPAddr != "" {
		srv := web.New(web.Options{
			Addr:     cfg.HTTPAddr,
			Service:  svc,
			Logger:   logger.Component(log, "web"),
			Registry: mets.Registry(),
			Checks:   checks,
			MQTT:     mqttStatus,
			Info: web.Info{
				EnterPoint:   cfg.Tracking.EnterPoint,
				ExitPoint:    cfg.Tracking.ExitPoint,
				Routes:       cfg.Tracking.Routes,
				Strategy:     cfg.Tracking.Strategy,
				PollInterval: cfg.PollInterval,
				Broker:       cfg.MQTT.Broker,
				HTTPAddr:     cfg.HTTPAddr,
			},
			Clock: clock,
		})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
	}

	log.Info().
		Str("enter", cfg.Tracking.EnterPoint).
		Str("exit", cfg.Tracking.ExitPoint).
		Str("strategy", cfg.Tracking.Strategy).
		Dur("poll", cfg.PollInterval).
		Dur("heartbeat", cfg.Heartbeat).
		Msg("started")

	svc.Query(ctx)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(ctx, svc, publisher, cfg.Heartbeat, clock, log, ticker.C, sigCh)
}

// cycler runs evaluation cycles and exposes the state they produce.
type cycler interface {
	Query(ctx context.Context) status.Response
	Snapshot() status.Snapshot
}

// runLoop runs one cycle per tick until a signal arrives. publisher may be
// nil, in which case lifecycle events are only logged.
func runLoop(ctx context.Context, svc cycler, publisher mqtt.Publisher, heartbeat time.Duration, now func() time.Time, log zerolog.Logger, tick <-chan time.Time, sig <-chan os.Signal) error {
	startTime := now()
	hb := logic.NewHeartbeat(startTime)

	for {
		select {
		case s := <-sig:
			log.Info().Str("signal", s.String()).Msg("shutting down")
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			t := now()
			publishSystem(publisher, log, mqtt.SystemEvent{
				Timestamp:  t,
				Event:      "SHUTDOWN",
				Reason:     signalName,
				Retained:   true,
				RawPayload: status.FormatStatusEvent(svc.Snapshot(), t, "SHUTDOWN", signalName),
			})
			return nil

		case <-ctx.Done():
			return ctx.Err()

		case <-tick:
			resp := svc.Query(ctx)
			if resp.Error != "" {
				log.Warn().Str("error", resp.Error).Str("state", resp.Status).Msg("cycle failed")
			}

			t := now()
			if hb.Check(t, heartbeat) {
				snap := svc.Snapshot()
				log.Info().
					Dur("uptime", hb.Uptime(t)).
					Str("state", string(snap.State)).
					Int("nearby", snap.Counts.Nearby).
					Int("idle", snap.Counts.Idle).
					Msg("heartbeat")
				publishSystem(publisher, log, mqtt.SystemEvent{
					Timestamp:  t,
					Event:      "HEARTBEAT",
					RawPayload: status.FormatStatusEvent(snap, t, "HEARTBEAT", ""),
				})
			}
		}
	}
}

func publishSystem(publisher mqtt.Publisher, log zerolog.Logger, ev mqtt.SystemEvent) {
	if publisher == nil {
		return
	}
	if err := publisher.PublishSystem(ev); err != nil {
		log.Error().Err(err).Str("event", ev.Event).Msg("system event publish failed")
	}
}
