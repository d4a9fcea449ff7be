package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"perpbot/internal/aux"
	"perpbot/internal/cache"
	"perpbot/internal/config"
	"perpbot/internal/eventbus"
	"perpbot/internal/exchange"
	"perpbot/internal/executor"
	"perpbot/internal/filter"
	"perpbot/internal/metrics"
	"perpbot/internal/monitor"
	"perpbot/internal/notify"
	"perpbot/internal/orchestrator"
	"perpbot/internal/risk"
	"perpbot/internal/scanner"
	tradesignal "perpbot/internal/signal"
	"perpbot/internal/storage"
	"perpbot/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := cache.New()
	bus := eventbus.New()

	// Unlike the donor's optional feature store, persistence here is load-
	// bearing: the orchestrator's activity tracking, the risk manager's
	// daily checkpoint, and the monitor's reconciliation pass all depend on
	// a working trade store, so a failure to open it is fatal rather than
	// a silent degrade.
	store, err := storage.New(settings.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("storage initialization failed")
	}
	defer store.Close()

	ex := exchange.New(settings.APIKey, settings.SecretKey, settings.BaseURL, 10*time.Second, c)
	notifier := notify.New(settings.TelegramToken, settings.TelegramChatID)

	calc := risk.NewCalculator()
	manager := risk.NewManager(calc, c)

	sc := scanner.New(ex, c)
	gen := tradesignal.New(nil)
	corr := filter.NewCorrelationFilter(c)

	exec := executor.New(ex, calc, manager, c, store, notifier)
	exec.SetBus(bus)

	mon := monitor.New(ex, store, c, notifier, manager)
	mon.SetBus(bus)

	orch := orchestrator.New(ex, sc, gen, corr, exec, manager, store, mon, notifier, bus)

	sup := supervisor.New(orch, orch, notifier)
	auxRunner := aux.New(ex, store, exec, sc, mon, c, notifier, sup)

	m := metrics.New()
	collector := metrics.NewCollector(m, bus, exec, orch.Dashboard(), manager, orch)
	go collector.Run(ctx)

	var wg sync.WaitGroup

	startMetricsServer(ctx, &wg, settings.MetricsPort)
	startMonitorLoop(ctx, &wg, mon, settings, sup)

	orch.Start()
	sup.Register("dca", settings.HeartbeatThreshold, auxRunner.StartDCA)
	sup.Register("pyramiding", settings.HeartbeatThreshold, auxRunner.StartPyramiding)
	sup.Register("time_exit", settings.HeartbeatThreshold, auxRunner.StartTimeExit)
	sup.Register("sniper", settings.HeartbeatThreshold, auxRunner.StartSniper)

	if err := sup.ScheduleMaintenance(auxRunner, settings); err != nil {
		log.Error().Err(err).Msg("failed to schedule periodic sync maintenance job")
	}
	sup.StartCron()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sup.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context cancelled")
	}

	log.Info().Msg("shutting down gracefully...")
	orch.Stop()
	sup.StopCron()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all loops stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}

// startMetricsServer mounts /metrics the same way the donor's main.go did:
// one HTTP server, shut down alongside everything else on ctx cancellation.
func startMetricsServer(ctx context.Context, wg *sync.WaitGroup, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// startMonitorLoop runs the position monitor on its own ticker, separate
// from the orchestrator's self-paced scan loop, since exits need to be
// checked on a fixed short cadence regardless of how wide the current scan
// interval is.
func startMonitorLoop(ctx context.Context, wg *sync.WaitGroup, mon *monitor.Monitor, settings *config.Settings, sup *supervisor.Supervisor) {
	interval := settings.MonitorInterval
	if interval <= 0 {
		interval = 6 * time.Second
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sup.Heartbeat("monitor")
				if err := mon.RunCycle(ctx, config.Current()); err != nil {
					log.Error().Err(err).Msg("monitor: cycle failed")
				}
			}
		}
	}()
}
