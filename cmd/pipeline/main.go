package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"tangled.sh/cosmos/pipeline/log"
	"tangled.sh/cosmos/pipeline/runner"
)

func main() {
	// PIPELINE_* settings may also come from ./.env
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "pipeline",
		Usage: "run a python project's CI pipeline",
		Commands: []*cli.Command{
			runner.RunCommand(),
			runner.CheckCommand(),
			runner.ServeCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New("pipeline")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
