// Command dcctl is the operator CLI for the Dual Commit governance gate.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/dualcommit/internal/cli"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.Execute(ctx, version, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}
