// Command feedd receives the NSE and BSE cash and derivatives broadcast
// feeds, keeps the consolidated state of every instrument and fans updates
// out to Redis, Kafka and WebSocket views.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"feedsync/config"
	"feedsync/internal/gateway"
	"feedsync/internal/instrument"
	"feedsync/internal/logger"
	"feedsync/internal/marketdata/feed"
	"feedsync/internal/marketdata/hub"
	"feedsync/internal/markethours"
	"feedsync/internal/metrics"
	"feedsync/internal/model"
	"feedsync/internal/store/checkpoint"
	redisstore "feedsync/internal/store/redis"
	sqlitestore "feedsync/internal/store/sqlite"
	"feedsync/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[feedd] %v", err)
	}
	lg := logger.Init(cfg.App.Service, cfg.App.LogLevel)
	defer lg.Sync()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("feedd stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := cfg.Profiling.ServerAddress; addr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.App.Service,
			ServerAddress:   addr,
			Logger:          lg.Named("pyroscope").Sugar(),
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			lg.Warn("pyroscope start failed, continuing without profiling", zap.Error(err))
		} else {
			defer profiler.Stop()
		}
	}

	segs := cfg.Feed.Enabled()
	if len(segs) == 0 {
		return errors.New("no feed segment enabled")
	}

	// ---- Contract master → instrument indexes ----
	if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
		return fmt.Errorf("sqlite dir: %w", err)
	}
	master, err := sqlitestore.Open(cfg.SQLite.Path, logger.Component(lg, "sqlite"))
	if err != nil {
		return err
	}
	defer master.Close()

	indexes, err := instrument.Load(ctx, master, segs)
	if err != nil {
		return err
	}

	// ---- Metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom := metrics.New(reg)

	// ---- Hub + per-segment pipelines ----
	h := hub.New(logger.Component(lg, "hub"))
	receivers := make(map[model.Segment]feed.ReceiverConfig, len(segs))
	for _, seg := range segs {
		sc := cfg.Feed.Segment(seg)
		receivers[seg] = feed.ReceiverConfig{
			Group:      sc.Group,
			Port:       sc.Port,
			Interface:  sc.Interface,
			ReadBuffer: sc.ReadBuffer,
		}
	}
	svc, err := feed.New(feed.Config{
		Segments:             segs,
		UnknownTokenLogEvery: cfg.Feed.UnknownTokenLogEvery,
		Receivers:            receivers,
	}, indexes, h, logger.Component(lg, "feed"), prom)
	if err != nil {
		return err
	}

	holidays, err := markethours.ParseHolidays(cfg.Session.Holidays)
	if err != nil {
		return err
	}
	cal := markethours.NewCalendar(holidays...)

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// ---- Checkpoint restore (before any receiver starts) ----
	var ckpt *checkpoint.Store
	if cfg.Checkpoint.Enabled {
		ckpt, err = checkpoint.Open(cfg.Checkpoint.Dir, logger.Component(lg, "checkpoint"))
		if err != nil {
			return err
		}
		defer ckpt.Close()
		restoreCheckpoint(ckpt, svc, segs, cal, lg)
	}

	// ---- Health ----
	health := metrics.NewHealthStatus(func() map[string]time.Time {
		if !cal.IsMarketOpen(time.Now()) {
			return nil
		}
		return svc.LastPackets()
	}, 5*time.Second)
	health.SetRedisEnabled(cfg.Redis.Enabled)

	// ---- Redis mirror ----
	var mirror *redisstore.Mirror
	if cfg.Redis.Enabled {
		client, err := redisstore.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			lg.Warn("redis unavailable, continuing without mirror", zap.Error(err))
			health.SetRedisConnected(false)
			health.StartLivenessChecker(ctx, nil, master.DB(), 10*time.Second)
		} else {
			defer client.Close()
			health.SetRedisConnected(true)
			health.StartLivenessChecker(ctx, client, master.DB(), 10*time.Second)
			mirror = startMirror(ctx, cfg, client, h, segs, prom, lg, spawn)
		}
	} else {
		health.StartLivenessChecker(ctx, nil, master.DB(), 10*time.Second)
	}

	// ---- Kafka telemetry ----
	if cfg.Kafka.Enabled {
		if err := startTelemetry(ctx, cfg, h, segs, prom, lg, spawn); err != nil {
			return err
		}
	}

	// ---- WebSocket gateway ----
	gw := gateway.NewServer(gateway.Config{}, svc, h, logger.Component(lg, "gateway"))
	gw.OnClients = func(n int) { prom.GatewayClients.Set(float64(n)) }
	gatewayDrops := prom.SinkDropsTotal.WithLabelValues("gateway")
	gw.OnDrop = gatewayDrops.Inc
	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, gw)
	httpSrv := &http.Server{Addr: cfg.App.WSAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		lg.Info("gateway listening", zap.String("addr", cfg.App.WSAddr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			lg.Error("gateway server error", zap.Error(err))
		}
	}()

	metricsSrv := metrics.NewServer(cfg.App.MetricsAddr, reg, health, logger.Component(lg, "metrics"))
	metricsSrv.Start()

	// ---- Session reset at pre-open ----
	if cfg.Session.ResetEnabled {
		sched := markethours.NewScheduler(cal, logger.Component(lg, "session"))
		spawn(func() { _ = sched.Run(ctx, svc.ResetSession) })
	}

	// ---- Contract master reloads ----
	if iv := cfg.SQLite.ReloadInterval; iv > 0 {
		spawn(func() { svc.WatchMaster(ctx, master, iv) })
	}

	// ---- Periodic checkpoint ----
	if ckpt != nil {
		sources := make([]checkpoint.Source, 0, len(segs))
		for _, seg := range segs {
			sources = append(sources, svc.Cache(seg))
		}
		spawn(func() {
			ckpt.Run(ctx, cfg.Checkpoint.Interval, func(n int, took time.Duration, err error) {
				prom.CheckpointDur.Observe(took.Seconds())
				if err == nil {
					prom.CheckpointSlots.Set(float64(n))
				}
			}, sources...)
		})
	}

	spawn(func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				prom.Subscriptions.Set(float64(h.Stats().Subscriptions))
			}
		}
	})

	// ---- Receivers ----
	feedErr := make(chan error, 1)
	go func() { feedErr <- svc.Run(ctx) }()

	lg.Info("feedd running",
		zap.Stringers("segments", segs),
		zap.Bool("redis", mirror != nil),
		zap.Bool("kafka", cfg.Kafka.Enabled),
		zap.Bool("checkpoint", ckpt != nil),
		zap.String("market", cal.StatusString(time.Now())))

	var runErr error
	select {
	case <-ctx.Done():
		lg.Info("shutdown signal received, cleaning up")
	case runErr = <-feedErr:
		lg.Error("feed service stopped", zap.Error(runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gw.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("gateway shutdown", zap.Error(err))
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		lg.Warn("metrics shutdown", zap.Error(err))
	}
	// Sinks flush on cancel; the checkpoint loop saves once more.
	wg.Wait()

	for _, seg := range segs {
		c := svc.Counters(seg)
		lg.Info("segment totals",
			zap.Stringer("segment", seg),
			zap.Uint64("packets", c.PacketsReceived),
			zap.Uint64("decoded", c.RecordsDecoded),
			zap.Uint64("dropped", c.RecordsDropped),
			zap.Uint64("unknown_tokens", c.UnknownTokens),
			zap.Uint64("packet_errors", c.PacketErrors))
	}
	lg.Info("shutdown complete")
	return runErr
}

// restoreCheckpoint reloads slots saved during the current session. A
// checkpoint from an earlier session would carry stale open, high and low.
func restoreCheckpoint(ckpt *checkpoint.Store, svc *feed.Service, segs []model.Segment, cal *markethours.Calendar, lg *zap.Logger) {
	session := cal.LastSessionStart(time.Now())
	targets := make([]checkpoint.Target, 0, len(segs))
	for _, seg := range segs {
		at, err := ckpt.SavedAt(seg)
		if err != nil || at.Before(session) {
			lg.Info("checkpoint skipped", zap.Stringer("segment", seg), zap.Time("saved_at", at), zap.Time("session", session))
			continue
		}
		targets = append(targets, svc.Cache(seg))
	}
	if len(targets) == 0 {
		return
	}
	restored, skipped, err := ckpt.Restore(targets...)
	if err != nil {
		lg.Warn("checkpoint restore failed, starting cold", zap.Error(err))
		return
	}
	lg.Info("checkpoint restored", zap.Int("slots", restored), zap.Int("skipped", skipped))
}

func startMirror(ctx context.Context, cfg *config.Config, client *goredis.Client, h *hub.Hub, segs []model.Segment, prom *metrics.Metrics, lg *zap.Logger, spawn func(func())) *redisstore.Mirror {
	m := redisstore.NewMirror(client, redisstore.Config{QueueSize: cfg.Redis.QueueSize}, logger.Component(lg, "redis"))

	drops := prom.SinkDropsTotal.WithLabelValues("redis")
	writes := prom.SinkWritesTotal.WithLabelValues("redis")
	m.OnDrop = drops.Inc
	m.OnFlush = func(n int, took time.Duration) {
		writes.Add(float64(n))
		prom.RedisWriteDur.Observe(took.Seconds())
	}
	m.OnBuffer = func(int) { prom.RedisBufferedWrites.Inc() }

	cb := m.Breaker()
	logChange := cb.OnStateChange
	cb.OnStateChange = func(from, to redisstore.BreakerState) {
		prom.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			prom.RedisCircuitBreakerTrips.Inc()
		}
		if logChange != nil {
			logChange(from, to)
		}
	}

	cats := make([]model.Category, 0, model.NumCategories)
	for c := model.Category(0); c < model.NumCategories; c++ {
		cats = append(cats, c)
	}
	if _, err := m.Attach(h, segs, cats); err != nil {
		lg.Error("redis mirror attach failed", zap.Error(err))
		return nil
	}
	spawn(func() { m.Run(ctx) })
	return m
}

func startTelemetry(ctx context.Context, cfg *config.Config, h *hub.Hub, segs []model.Segment, prom *metrics.Metrics, lg *zap.Logger, spawn func(func())) error {
	cats := make([]model.Category, 0, len(cfg.Kafka.Categories))
	for _, name := range cfg.Kafka.Categories {
		c, err := model.ParseCategory(name)
		if err != nil {
			return err
		}
		cats = append(cats, c)
	}
	fw := telemetry.New(telemetry.Config{
		Segments:   segs,
		Categories: cats,
		RingSize:   cfg.Kafka.RingSize,
	}, telemetry.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), logger.Component(lg, "kafka"))

	writes := prom.SinkWritesTotal.WithLabelValues("kafka")
	drops := prom.SinkDropsTotal.WithLabelValues("kafka")
	var lastOverflow uint64
	fw.OnBatch = func(n int, took time.Duration, err error) {
		prom.KafkaBatchDur.Observe(took.Seconds())
		if err == nil {
			writes.Add(float64(n))
		}
	}
	if _, err := fw.Attach(h); err != nil {
		return err
	}
	spawn(func() {
		if err := fw.Run(ctx); err != nil {
			lg.Warn("kafka forwarder", zap.Error(err))
		}
	})
	spawn(func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := fw.Stats()
				if st.Overflow > lastOverflow {
					drops.Add(float64(st.Overflow - lastOverflow))
					lastOverflow = st.Overflow
				}
			}
		}
	})
	return nil
}
