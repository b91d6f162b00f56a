package main

import (
	"context"
	"log/slog"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Tyrowin/roomchat/internal/credential"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/server"
)

func main() {
	// Local .env is optional.
	_ = godotenv.Load()

	server.SetConfig(server.NewConfigFromEnv())
	cfg := server.CurrentConfig()

	logger := server.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("config.loaded",
		"env", cfg.Env,
		"port", cfg.Port,
		"origins", cfg.AllowedOrigins,
		"static", cfg.StaticDir,
		"max_message_size", cfg.MaxMessageSize,
		"hash_concurrency", cfg.HashConcurrency)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := server.NewMetrics(registry)

	store := credential.NewStore(logger, credential.WithConcurrency(cfg.HashConcurrency))
	manager := presence.NewManager(store, logger, presence.WithRecorder(metrics))

	hub := server.NewHub(manager, logger, metrics)
	go hub.Run()

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(cfg, hub, registry))

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				return server.ShutdownServer(ctx, httpServer, logger)
			},
			"hub": func(ctx context.Context) error {
				return hub.Shutdown(ctx)
			},
		},
	)

	go func() {
		if err := server.StartServer(httpServer, logger); err != nil {
			logger.Error("server.crash", "err", err)
			os.Exit(1)
		}
	}()

	exitCode := <-wait
	logger.Info("server.exit", "code", exitCode)
	os.Exit(exitCode)
}
