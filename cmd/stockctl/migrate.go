package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/yourorg/stockfolio/internal/repository/postgres"
)

type migrateCmd struct {
	down  bool
	steps int
}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply or roll back database migrations" }
func (*migrateCmd) Usage() string {
	return `stockctl migrate [-down] [-steps N]

  Applies all pending migrations, or N of them. With -down, rolls back N
  migrations (one by default).
`
}

func (c *migrateCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.down, "down", false, "roll back instead of applying")
	f.IntVar(&c.steps, "steps", 0, "number of migrations; 0 applies all pending ones")
}

func (c *migrateCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.steps < 0 {
		fmt.Fprintln(os.Stderr, "steps must not be negative")
		return subcommands.ExitUsageError
	}
	cfg, l, sync, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer sync()

	steps := c.steps
	if c.down {
		steps = -max(steps, 1)
	}
	if err := postgres.Migrate(&cfg.Postgres, cfg.MigrationsPath, steps); err != nil {
		l.Errorf("%s: migrate failed", err)
		return subcommands.ExitFailure
	}
	l.Infof("migrations done (steps=%d)", steps)
	return subcommands.ExitSuccess
}
