package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/yourorg/stockfolio/internal/ingestion"
	"github.com/yourorg/stockfolio/internal/market"
	"github.com/yourorg/stockfolio/internal/repository/postgres"
)

type backfillCmd struct {
	symbol string
	from   string
	to     string
}

func (*backfillCmd) Name() string     { return "backfill" }
func (*backfillCmd) Synopsis() string { return "load historical bars from Alpaca into stock history" }
func (*backfillCmd) Usage() string {
	return `stockctl backfill -symbol <SYMBOL> -from <YYYY-MM-DD> [-to <YYYY-MM-DD>]

  Downloads historical bars for one symbol and appends the ones that are
  not stored yet.
`
}

func (c *backfillCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.symbol, "symbol", "", "ticker symbol")
	f.StringVar(&c.from, "from", "", "first day to load")
	f.StringVar(&c.to, "to", "", "last day to load (defaults to today)")
}

func (c *backfillCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.symbol == "" || c.from == "" {
		fmt.Fprintln(os.Stderr, "-symbol and -from are required")
		return subcommands.ExitUsageError
	}
	from, err := time.Parse(time.DateOnly, c.from)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing -from: %v\n", err)
		return subcommands.ExitUsageError
	}
	to := time.Now().UTC()
	if c.to != "" {
		if to, err = time.Parse(time.DateOnly, c.to); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing -to: %v\n", err)
			return subcommands.ExitUsageError
		}
	}

	cfg, l, sync, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer sync()
	if !cfg.Alpaca.Enabled() {
		l.Errorf("ALPACA_API_KEY and ALPACA_API_SECRET must be set")
		return subcommands.ExitFailure
	}

	db, err := postgres.Connect(&cfg.Postgres)
	if err != nil {
		l.Errorf("%s: can't connect to db", err)
		return subcommands.ExitFailure
	}
	defer db.Close()

	prices := market.NewService(postgres.NewPriceRepo(db), nil, l)
	b := ingestion.NewBackfiller(cfg.Alpaca, prices, l)
	defer b.Close()

	res, err := b.Backfill(ctx, c.symbol, from, to)
	if err != nil {
		l.Errorf("%s: backfill failed", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("%s: %d appended, %d skipped\n", res.Symbol, res.Appended, res.Skipped)
	return subcommands.ExitSuccess
}
