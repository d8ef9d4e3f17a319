// hangar is the agent runtime control plane: it provisions per-user agent
// containers, meters them against a credit ledger and reclaims them when
// their paid time runs out.
//
// # Configuration (environment variables, optionally from .env)
//
//	HANGAR_DOMAIN              Base domain for runtime subdomains (required)
//	HANGAR_DATABASE_PATH       SQLite ledger path (default: hangar.db)
//	HANGAR_HTTP_ADDR           Control API address (default: :8080)
//	HANGAR_INTERNAL_SECRET     X-Internal-Auth secret for /v1 routes
//	HANGAR_CRON_SECRET         Bearer secret for /v1/sweeps routes
//	HANGAR_MASTER_KEY          Hex AES-256 key sealing pending task credentials (optional)
//	HANGAR_PROVISION_RATE      Provision requests per user per minute, 0 disables (default: 10)
//	HANGAR_CATALOG_PATH        Agent catalog YAML (default: built-in catalog)
//	HANGAR_BRIDGE_URL          Remote bridge; local Docker is used when unset
//	HANGAR_BRIDGE_API_KEY      Bridge API key (required with HANGAR_BRIDGE_URL)
//	HANGAR_RECONCILE_INTERVAL  In-process sweep interval, 0 disables (default: 5m)
//	MATRIX_ALERT_ROOM          Matrix room for operator alerts (optional)
//	LOG_FORMAT                 "text" or "json" (default: "text")
//	LOG_LEVEL                  debug, info, warn or error (default: info)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdobrica/Hangar/common/environment"
	"github.com/bdobrica/Hangar/common/version"
	"github.com/bdobrica/Hangar/internal/hangar/app"
)

func main() {
	setupLogging()

	fmt.Printf("Hangar Control Plane\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	if err := environment.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	config, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	hangar, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Hangar: %v\n", err)
		os.Exit(1)
	}
	defer hangar.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := hangar.Run(ctx); err != nil {
		slog.Error("Hangar stopped with an error", "err", err)
		hangar.Close()
		os.Exit(1)
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
