// Command dualcommit runs the governance gate server: the HTTP API, the MCP
// endpoint and the pending-proposal monitor.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashita-ai/dualcommit"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("DUALCOMMIT_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := dualcommit.New(ctx, dualcommit.WithLogger(logger), dualcommit.WithVersion(version))
	if err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	if err := app.Run(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}
