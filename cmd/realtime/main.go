// Package main starts the realtime service and handles termination.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	realtimecmd "github.com/vernite/realtime/internal/cmd/realtime"
	"github.com/vernite/realtime/internal/platform/config"
)

func main() {
	cfg, err := realtimecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := realtimecmd.Run(ctx, cfg); err != nil {
		config.Exitf("failed to serve: %v", err)
	}
}
