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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/devguard/perfcore/internal/api"
	"github.com/devguard/perfcore/internal/auth"
	"github.com/devguard/perfcore/internal/broadcast"
	"github.com/devguard/perfcore/internal/config"
	"github.com/devguard/perfcore/internal/coordinator"
	"github.com/devguard/perfcore/internal/errorreporting"
	"github.com/devguard/perfcore/internal/grpchealth"
	"github.com/devguard/perfcore/internal/relay"
	"github.com/devguard/perfcore/internal/tracing"
	"github.com/devguard/perfcore/internal/ws"
)

// version is set at build time with -ldflags "-X main.version=…".
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		// No .env file: fall back to the process environment.
		slog.Debug("no .env file loaded", "err", err)
	}

	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	slog.Info("perfcore starting", "config", *configPath, "version", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	setupLogging(cfg.Log, level)

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"grpc_port", cfg.Server.GRPCPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"watches", len(cfg.Watcher.Paths),
		"redis", cfg.Redis.Enabled,
	)

	if err := run(cfg, level, *configPath); err != nil {
		slog.Error("perfcore stopped", "err", err)
		errorreporting.CaptureError("main", err)
		errorreporting.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func run(cfg *config.Config, level *slog.LevelVar, configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := errorreporting.Init(errorreporting.Options{
		DSN:         cfg.Sentry.DSN(),
		Environment: cfg.Sentry.Environment,
		Release:     version,
	}); err != nil {
		return err
	}
	defer errorreporting.Flush(2 * time.Second)

	shutdownTracing, err := tracing.Init(ctx, tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown", "err", err)
		}
	}()

	// Consumers attach through the WebSocket hub; the Redis relay forwards
	// the same deliveries to gateway processes.
	hub := ws.New()
	var transport broadcast.Transport = hub
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		rel := relay.NewRedis(rdb, cfg.Redis.ChannelPrefix, cfg.Redis.QueueSize)
		go rel.Run(ctx)
		transport = relay.Fanout{hub, rel}
		slog.Info("redis relay enabled", "addr", cfg.Redis.Addr)
	}

	var healthSrv *grpchealth.Server
	up := coordinator.Upstreams{Transport: transport}
	if cfg.Server.GRPCPort > 0 {
		healthSrv = grpchealth.New(
			cfg.Server.Auth.Mode,
			cfg.Server.Auth.EffectiveHeader(),
			cfg.Server.Auth.Key(),
		)
		up.Health = healthSrv
	}

	coord, err := coordinator.New(cfg, up)
	if err != nil {
		return err
	}
	hub.Bind(coord.Broadcaster())
	go hub.Run(ctx)

	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Stop() //nolint:errcheck

	if healthSrv != nil {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("listen on gRPC port %d: %w", cfg.Server.GRPCPort, err)
		}
		go func() {
			if err := healthSrv.Serve(lis); err != nil {
				slog.Error("gRPC health server stopped", "err", err)
			}
		}()
		defer healthSrv.Stop()
	}

	requireKey := auth.RequireAPIKey(
		cfg.Server.Auth.Mode,
		cfg.Server.Auth.EffectiveHeader(),
		cfg.Server.Auth.Key(),
	)
	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", requireKey(api.New(coord)))
	httpMux.Handle("/ws/stream", requireKey(hub))
	httpMux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	// Hot reload applies the log level; every other setting needs a restart.
	go func() {
		if err := config.Watch(ctx, configPath, func(updated *config.Config) {
			setupLogging(updated.Log, level)
			slog.Info("config hot-reloaded", "log_level", updated.Log.Level)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("perfcore shutting down")

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	return httpSrv.Shutdown(sctx)
}

// setupLogging applies the configured level and, for the text format,
// swaps the default handler.
func setupLogging(c config.LogConfig, level *slog.LevelVar) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		l = slog.LevelInfo
	}
	level.Set(l)

	if c.Format == "text" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	} else {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	}
}
