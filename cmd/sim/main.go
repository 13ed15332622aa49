package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	simcmd "github.com/louisbranch/wardsim/internal/cmd/sim"
	entrypoint "github.com/louisbranch/wardsim/internal/platform/cmd"
	"github.com/louisbranch/wardsim/internal/platform/config"
)

func main() {
	cfg, err := simcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	config.ExitOnError(err, "parse flags")
	entrypoint.SetupLogging(entrypoint.ServiceSim)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := simcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
