package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"tepmonitor/internal/api"
	"tepmonitor/internal/broadcast"
	"tepmonitor/internal/config"
	"tepmonitor/internal/control"
	"tepmonitor/internal/detector"
	"tepmonitor/internal/dispatch"
	"tepmonitor/internal/dispatch/ratelimit"
	"tepmonitor/internal/driver"
	"tepmonitor/internal/frame"
	"tepmonitor/internal/llm"
	"tepmonitor/internal/simulator"
	"tepmonitor/internal/store"
	"tepmonitor/internal/telemetry/events"
	"tepmonitor/internal/telemetry/health"
	"tepmonitor/internal/telemetry/metrics"
	"tepmonitor/pkg/tep"
)

var (
	listenAddrFlag string
	speedFlag      string
	baselineFlag   string
	simSeedFlag    int64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the monitor: simulation driver, detector, dispatcher and REST/SSE API",
	RunE:  runMonitor,
}

func init() {
	runCmd.Flags().StringVar(&listenAddrFlag, "listen", "", "Override the configured listen address")
	runCmd.Flags().StringVar(&speedFlag, "speed", "", "Override the configured speed preset (real|fast|demo)")
	runCmd.Flags().StringVar(&baselineFlag, "baseline", "", "Override the configured baseline artifact path")
	runCmd.Flags().Int64Var(&simSeedFlag, "sim-seed", 1, "Deterministic seed for the reference simulator")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddrFlag != "" {
		cfg.ListenAddr = listenAddrFlag
	}
	if baselineFlag != "" {
		cfg.BaselinePath = baselineFlag
	}
	if speedFlag != "" {
		preset := tep.SpeedPreset(speedFlag)
		if !preset.Valid() {
			return fmt.Errorf("invalid --speed %q: must be real, fast or demo", speedFlag)
		}
		cfg.SpeedPreset = preset
	}

	model, err := detector.LoadBaseline(cfg.BaselinePath)
	if err != nil {
		return fmt.Errorf("load baseline: %w", err)
	}

	metricsProvider := metrics.NewNoopProvider()
	if cfg.MetricsEnabled {
		metricsProvider = metrics.NewProvider(metrics.Backend(cfg.MetricsBackend), "tepmonitor")
	}
	bus := events.NewBus(metricsProvider)

	ctrl := control.New()
	if err := ctrl.SetSpeed(cfg.SpeedPreset); err != nil {
		return fmt.Errorf("set initial speed: %w", err)
	}

	buf := frame.NewBuffer(cfg.WindowSize)
	det := detector.New(detector.Config{TopK: cfg.Detector.TopK, NConsec: cfg.Detector.NConsec}, model)

	hub := broadcast.NewHub(broadcast.Config{
		SubscriberQueueSize:  cfg.Broadcast.SubscriberQueueSize,
		MaxConsecutiveErrors: cfg.Broadcast.MaxConsecutiveErrors,
		HeartbeatInterval:    cfg.Broadcast.HeartbeatInterval,
	}, metricsProvider)

	analysisStore, err := store.New(store.Config{
		Dir:           cfg.Store.Dir,
		FlushInterval: cfg.Store.FlushInterval,
		FlushEvery:    cfg.Store.FlushEvery,
	})
	if err != nil {
		return fmt.Errorf("open analysis store: %w", err)
	}
	defer analysisStore.Close()

	disp := buildDispatcher(cfg, analysisStore, hub, bus)

	sim := simulator.NewReference(simSeedFlag, cfg.SpeedPreset.Interval().Seconds())
	drv := driver.New(sim, buf, det, ctrl, hub, disp, bus)

	healthEval := health.NewEvaluator(2 * time.Second)
	api.RegisterDefaultProbes(healthEval, drv, disp, hub, cfg.Dispatch.QueueDepth)

	srv := api.NewServer(api.Deps{
		Control:         ctrl,
		Detector:        det,
		Driver:          drv,
		Buffer:          buf,
		Hub:             hub,
		Store:           analysisStore,
		Dispatcher:      disp,
		Health:          healthEval,
		Metrics:         metricsProvider,
		MaxIDVMagnitude: 100,
		BaselinePath:    cfg.BaselinePath,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := api.WatchBaseline(ctx, cfg.BaselinePath, det, buf, bus); err != nil {
		log.Printf("tepmonitor: baseline hot-reload watch disabled: %v", err)
	}

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv}
	serveErrCh := make(chan error, 1)
	go func() {
		log.Printf("tepmonitor: listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
		}
		close(serveErrCh)
	}()

	if err := drv.Start(); err != nil {
		return fmt.Errorf("start driver: %w", err)
	}

	select {
	case <-ctx.Done():
		log.Println("tepmonitor: shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			log.Printf("tepmonitor: http server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = drv.Stop()
	return nil
}

func buildDispatcher(cfg config.Config, st *store.Store, hub *broadcast.Hub, bus events.Bus) *dispatch.Dispatcher {
	if len(cfg.Dispatch.Providers) == 0 {
		return nil
	}
	rlCfgs := make(map[string]tep.RateLimitConfig, len(cfg.Dispatch.Providers))
	providers := make([]llm.Provider, 0, len(cfg.Dispatch.Providers))
	for _, pc := range cfg.Dispatch.Providers {
		rlCfgs[pc.Name] = pc.RateLimit
		if pc.Mock {
			providers = append(providers, llm.NewMockProvider(pc.Name, 200*time.Millisecond, "mock analysis"))
			continue
		}
		apiKey := ""
		if pc.APIKeyEnv != "" {
			apiKey = os.Getenv(pc.APIKeyEnv)
		}
		providers = append(providers, llm.NewHTTPProvider(pc.Name, pc.Endpoint, apiKey, &http.Client{Timeout: cfg.Dispatch.ProviderTimeout}))
	}

	limiter := ratelimit.NewLimiter(rlCfgs, tep.DefaultRateLimitConfig())
	return dispatch.New(dispatch.Config{
		QueueDepth:       cfg.Dispatch.QueueDepth,
		MinInterval:      cfg.Dispatch.MinInterval,
		JaccardThreshold: cfg.Dispatch.JaccardThreshold,
		ProviderTimeout:  cfg.Dispatch.ProviderTimeout,
	}, providers, limiter, st, driver.NewHubPublisher(hub), bus)
}
