package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shadow-router/config"
	"shadow-router/internal/logger"
	"shadow-router/internal/metrics"
	"shadow-router/internal/service"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to config file")

	// Optional override flags
	brokerAddrOverride := flag.String("broker-addr", "", "override broker address (empty = use config)")
	topicPrefixOverride := flag.String("topic-prefix", "", "override topic prefix (empty = use config)")
	listenAddrOverride := flag.String("listen-addr", "", "override websocket listen address (empty = use config)")
	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics server address (empty = use config)")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(
		*brokerAddrOverride,
		*topicPrefixOverride,
		*listenAddrOverride,
		*metricsAddrOverride,
	)

	appLogger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	// Setup metrics if enabled
	var metricsService *metrics.Metrics
	var metricsServer *http.Server
	var svc *service.Service

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			appLogger.Fatal("failed to create metrics service", "error", err)
		}

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			health := svc.HealthStatus()
			w.Header().Set("Content-Type", "application/json")
			if !health.IsHealthy {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			json.NewEncoder(w).Encode(health)
		})

		metricsServer = &http.Server{
			Addr:    cfg.Metrics.Address,
			Handler: mux,
		}

		go func() {
			appLogger.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				appLogger.Error("metrics server error", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc = service.NewService(cfg, appLogger, metricsService)
	if err := svc.Initialize(ctx); err != nil {
		appLogger.Fatal("failed to initialize service", "error", err)
	}

	appLogger.Info("shadow-router started",
		"broker", cfg.Broker.Type,
		"topicPrefix", cfg.Topics.Prefix,
		"listenAddress", cfg.Bridge.ListenAddress,
		"metricsEnabled", cfg.Metrics.Enabled)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			appLogger.Info("received SIGHUP, ignoring")
		case syscall.SIGINT, syscall.SIGTERM:
			appLogger.Info("shutting down...")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)

			if metricsServer != nil {
				if err := metricsServer.Shutdown(shutdownCtx); err != nil {
					appLogger.Error("failed to shutdown metrics server", "error", err)
				}
			}

			svc.Shutdown(shutdownCtx)
			shutdownCancel()
			cancel()
			return
		}
	}
}
