package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phkoenig/marketfeed/internal/auth"
	"github.com/phkoenig/marketfeed/internal/config"
	"github.com/phkoenig/marketfeed/internal/connection"
	"github.com/phkoenig/marketfeed/internal/dispatch"
	"github.com/phkoenig/marketfeed/internal/model"
	"github.com/phkoenig/marketfeed/internal/stream"
	"github.com/phkoenig/marketfeed/internal/version"

	_ "github.com/phkoenig/marketfeed/internal/exchange/bitget"
	_ "github.com/phkoenig/marketfeed/internal/exchange/kucoin"
)

func main() {
	configPath := flag.String("config", "configs/feedd.example.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting feedd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded", "instance_id", cfg.Instance.ID)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Event dispatcher
	dispatcher := dispatch.New(dispatch.Config{
		QueueSize:      cfg.Dispatcher.QueueSize,
		Policy:         dispatch.Policy(cfg.Dispatcher.Policy),
		PublishTimeout: cfg.Dispatcher.PublishTimeout,
	}, logger)

	// Credentials: config file first, environment fallback
	static := make(map[string]auth.Credentials)
	for name, ex := range cfg.Exchanges {
		static[name] = auth.Credentials{
			Key:        ex.APIKey,
			Secret:     ex.SecretKey,
			Passphrase: ex.Passphrase,
		}
	}
	creds := auth.Chain{auth.NewStaticLookup(static), auth.EnvLookup{}}

	endpoints := make(map[string]stream.Endpoint)
	for name, ex := range cfg.Exchanges {
		endpoints[name] = stream.Endpoint{WSURL: ex.WSURL, RestURL: ex.RestURL}
	}

	svc := stream.New(stream.Config{
		Connection: connection.SupervisorConfig{
			ReconnectBaseDelay: cfg.Connection.ReconnectBaseDelay,
			ReconnectMaxDelay:  cfg.Connection.ReconnectMaxDelay,
			MaxRetries:         cfg.Connection.MaxRetries,
			BufferSize:         cfg.Connection.BufferSize,
			WriteTimeout:       cfg.Connection.WriteTimeout,
			HandshakeTimeout:   cfg.Connection.HandshakeTimeout,
		},
		Credentials: creds,
		Endpoints:   endpoints,
		Logger:      logger,
	}, dispatcher)
	svc.Start(ctx)

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := svc.Stop(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	// Open configured connections and seed their subscriptions
	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		for _, mt := range ex.MarketTypes {
			id, err := svc.StartConnection(name, model.MarketType(mt))
			if err != nil {
				logger.Error("failed to start connection", "exchange", name, "market", mt, "error", err)
				os.Exit(1)
			}
			for _, sub := range ex.Subscriptions {
				for _, symbol := range sub.Symbols {
					if err := svc.AddSubscription(id, sub.Channel, symbol); err != nil {
						logger.Error("failed to add subscription",
							"connection", id, "channel", sub.Channel, "symbol", symbol, "error", err)
					}
				}
			}
		}
	}

	// Health server
	var healthServer *http.Server
	if cfg.Health.Enabled {
		healthServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
			Handler: createHealthHandler(svc),
		}
		go func() {
			logger.Info("starting health server", "port", cfg.Health.Port)
			if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("health server error", "error", err)
			}
		}()
	}

	logger.Info("feedd running", "instance_id", cfg.Instance.ID)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	if healthServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		healthServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	logger.Info("feedd stopped")
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(svc *stream.Service) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		statuses := svc.Status()

		overall := "healthy"
		conns := make([]map[string]interface{}, 0, len(statuses))
		for _, st := range statuses {
			entry := map[string]interface{}{
				"id":        st.ID,
				"state":     st.State.String(),
				"retries":   st.Retries,
				"desired":   st.Desired,
				"confirmed": st.Confirmed,
			}
			if !st.LastActivity.IsZero() {
				entry["last_activity"] = st.LastActivity.Format(time.RFC3339)
			}
			if st.FatalError != nil {
				entry["fatal_error"] = st.FatalError.Error()
				overall = "unhealthy"
			} else if st.State != connection.StateStreaming {
				overall = "degraded"
			}
			conns = append(conns, entry)
		}

		w.Header().Set("Content-Type", "application/json")
		if overall == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      overall,
			"connections": conns,
		})
	})

	mux.HandleFunc("/debug/consumers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(svc.DispatcherStats())
	})

	return mux
}
