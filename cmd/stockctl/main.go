package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/google/subcommands"
	"github.com/joho/godotenv"
	"github.com/yourorg/stockfolio/internal/config"
	"github.com/yourorg/stockfolio/internal/logger"
)

var cfgPath = flag.String("config", config.DefaultPath, "path to the yaml config")

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(&migrateCmd{}, "database")
	commander.Register(&backfillCmd{}, "market data")

	flag.Parse()
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(int(commander.Execute(ctx)))
}

func loadConfig() (config.Config, logger.Logger, func(), error) {
	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		return cfg, nil, nil, err
	}
	level, _ := logger.ParseLevel(cfg.LogLevel)
	l, sync, err := logger.NewZapLogger(level)
	if err != nil {
		return cfg, nil, nil, err
	}
	return cfg, l, sync, nil
}
