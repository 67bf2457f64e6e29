package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatstate/internal/sweeper"
	"chatstate/pkg/analytics"
	"chatstate/pkg/clock"
	"chatstate/pkg/config"
	"chatstate/pkg/hub"
	"chatstate/pkg/logger"
	"chatstate/pkg/presence"
	"chatstate/pkg/store"
	"chatstate/pkg/threads"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")
	cfgVal, metricsVal, setFlags := config.ParseCommandFlags()

	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])
	cfg, envUsed, err := config.LoadEffective(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.InitWithLevel(cfg.Logging.Level)
	logger.Info("chatstated_starting", "version", version, "commit", commit, "build_date", buildDate, "config", cfgPath, "env_overrides", envUsed)

	metricsAddr := cfg.Telemetry.Addr
	if setFlags["metrics"] || metricsAddr == "" {
		metricsAddr = metricsVal
	}

	// Shared event hub; transport adapters subscribe their delivery
	// sinks here.
	events := hub.New(hub.WithDeliveryLimit(cfg.Hub.DeliveryRPS, cfg.Hub.DeliveryBurst))

	var recorder *store.Recorder
	if cfg.Store.Enabled {
		recorder, err = store.Open(cfg.Store.Path)
		if err != nil {
			log.Fatalf("failed to open interaction store at %s: %v", cfg.Store.Path, err)
		}
	}

	clk := clock.System()
	tracker := analytics.NewTracker(clk, cfg.Threads.AnalyticsPeriod.Duration())
	tracker.SetEnabled(config.Enabled(cfg.Threads.AnalyticsEnabled))

	presOpts := []presence.Option{
		presence.WithClock(clk),
		presence.WithHub(events),
		presence.WithTimeout(cfg.Presence.DefaultTimeout.Duration()),
		presence.WithAnalytics(tracker),
	}
	thrOpts := []threads.Option{
		threads.WithClock(clk),
		threads.WithHub(events),
		threads.WithMaxDepth(uint32(cfg.Threads.MaxDepth)),
		threads.WithDefaultMaxParticipants(uint32(cfg.Threads.DefaultMaxMembers)),
		threads.WithAutoArchive(config.Enabled(cfg.Threads.AutoArchive)),
		threads.WithTracker(tracker),
	}
	if recorder != nil {
		presOpts = append(presOpts, presence.WithRecorder(recorder))
		thrOpts = append(thrOpts, threads.WithRecorder(recorder))
	}
	pres := presence.NewRegistry(presOpts...)
	thr := threads.NewRegistry(thrOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	sw, err := sweeper.Start(ctx, pres, thr, cfg)
	if err != nil {
		log.Fatalf("failed to start sweeper: %v", err)
	}

	// Metrics listener. The registries themselves have no wire surface;
	// transports embed them as a library.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics_listening", "addr", metricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics_listener_failed", "addr", metricsAddr, "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("chatstated_stopping")

	cancel()
	sw.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics_shutdown_failed", "error", err)
	}

	pres.Close()
	thr.Close()
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			logger.Warn("interaction_store_close_failed", "error", err)
		}
	}
	logger.Info("chatstated_stopped")
}
