// hangar-bridge exposes the local Docker daemon as a container backend for a
// remote Hangar control plane.
//
// # Configuration (environment variables, optionally from .env)
//
//	HANGAR_BRIDGE_API_KEY  Shared key checked on every call except /health (required)
//	HANGAR_BRIDGE_ADDR     Listen address (default: :9090)
//	HANGAR_DOCKER_NETWORK  Network runtimes are attached to (default: hangar)
//	LOG_FORMAT             "text" or "json" (default: "text")
//	LOG_LEVEL              debug, info, warn or error (default: info)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bdobrica/Hangar/common/environment"
	"github.com/bdobrica/Hangar/common/version"
	"github.com/bdobrica/Hangar/internal/hangar/runtime"
	"github.com/bdobrica/Hangar/internal/hangar/runtime/bridge"
	"github.com/bdobrica/Hangar/internal/hangar/runtime/docker"
)

func main() {
	setupLogging()

	if err := environment.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	apiKey, err := environment.RequiredString("HANGAR_BRIDGE_API_KEY")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	addr := environment.StringOr("HANGAR_BRIDGE_ADDR", ":9090")
	network := environment.StringOr("HANGAR_DOCKER_NETWORK", runtime.DefaultNetwork)

	adapter, err := docker.New(network)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create Docker backend: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	netCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := adapter.EnsureNetwork(netCtx); err != nil {
		slog.Warn("could not ensure Docker network", "network", network, "err", err)
	}
	cancel()

	srv := &http.Server{
		Addr:              addr,
		Handler:           bridge.NewHandler(adapter, apiKey),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("bridge listening", "addr", addr, "network", network, "version", version.Info())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("bridge server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down bridge")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("bridge shutdown error", "err", err)
	}
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := logLevel.UnmarshalText([]byte(v)); err != nil {
			fmt.Fprintf(os.Stderr, "invalid LOG_LEVEL %q, using info\n", v)
		}
	}
	var logHandler slog.Handler
	if os.Getenv("LOG_FORMAT") == "json" {
		logHandler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		logHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	slog.SetDefault(slog.New(logHandler))
}
