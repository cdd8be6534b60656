package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/affsync/service/config"
	"github.com/brojonat/affsync/service/db"
	natspkg "github.com/brojonat/affsync/service/nats"
	"github.com/brojonat/affsync/service/platform"
	"github.com/brojonat/affsync/service/ratelimit"
	"github.com/brojonat/affsync/service/reconcile"
	"github.com/brojonat/affsync/service/status"
	"github.com/brojonat/affsync/service/syncer"
)

func syncFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "start",
			Usage: "Backfill start (RFC3339 or YYYY-MM-DD), used when the ledger has no rows for the platform",
		},
		&cli.BoolFlag{
			Name:  "force",
			Usage: "Ignore the watermark and sync from --start",
		},
	}
}

func syncRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run one sync cycle inline",
		ArgsUsage: "<platform>",
		Description: `Runs a sync cycle in this process, bypassing Temporal.

Reads the same environment as the worker (DATABASE_URL, PLATFORMS_FILE,
RATE_MAX_PER_MINUTE, RATE_MAX_PER_DAY, SYNC_SAFETY_MARGIN, ...). Ledger events
are published to NATS when it is reachable.

Example:
  affsync sync run acme --start 2024-01-01`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:  "account-ref",
				Usage: "Override the platform's account reference",
			},
			&cli.StringFlag{
				Name:  "user-ref",
				Usage: "Attribute rows to this user",
			},
			&cli.BoolFlag{
				Name:  "no-publish",
				Usage: "Do not publish ledger events",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log at debug level",
			},
		}, syncFlags()...),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: platform")
			}
			name := c.Args().First()

			opts, err := syncOptions(c.String("start"), c.Bool("force"))
			if err != nil {
				return err
			}
			opts.AccountRef = c.String("account-ref")
			if u := c.String("user-ref"); u != "" {
				opts.UserRef = &u
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			level := slog.LevelInfo
			if c.Bool("verbose") {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()
			store := db.NewStore(pool, nil)

			var publisher syncer.PublisherInterface
			if !c.Bool("no-publish") {
				p, err := natspkg.NewPublisher(cfg.NATSURL, nil, logger)
				if err != nil {
					logger.Warn("NATS unavailable, ledger events disabled", "error", err)
				} else {
					defer p.Close()
					publisher = p
				}
			}

			orch, err := buildOrchestrator(cfg, store, publisher, logger)
			if err != nil {
				return err
			}

			res, runErr := orch.SyncPlatform(ctx, name, time.Now(), opts)
			if res == nil {
				return runErr
			}

			if c.Bool("json") {
				if err := outputJSON(res); err != nil {
					return err
				}
			} else {
				printSyncResult(res)
			}
			// Quota exhaustion ends the run early but keeps what was committed.
			if res.Status == syncer.StatusQuotaExhausted {
				return nil
			}
			return runErr
		},
	}
}

// buildOrchestrator wires the sync pipeline the same way the worker does.
func buildOrchestrator(cfg *config.Config, store *db.Store, publisher syncer.PublisherInterface, logger *slog.Logger) (*syncer.Orchestrator, error) {
	coordinator, err := ratelimit.New(ratelimit.Config{
		MaxPerMinute: cfg.RateMaxPerMinute,
		MaxPerDay:    cfg.RateMaxPerDay,
		Location:     cfg.RateLocation,
	}, ratelimit.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	defs, err := platform.LoadDefinitions(cfg.PlatformsFile)
	if err != nil {
		return nil, err
	}
	registry, err := platform.BuildRegistry(defs, coordinator, nil, nil, logger)
	if err != nil {
		return nil, err
	}

	engine := reconcile.NewEngine(store, reconcile.Config{
		RejectionPolicy: cfg.RejectionPolicy,
		SourceLocation:  cfg.SourceLocation,
	}, nil, logger)

	return syncer.NewOrchestrator(store, engine, registry, publisher, syncer.Config{
		SafetyMargin: cfg.SyncSafetyMargin,
		MaxPages:     cfg.SyncMaxPages,
	}, nil, logger), nil
}

func printSyncResult(res *syncer.SyncResult) {
	fmt.Printf("Run:        %s\n", res.RunID)
	fmt.Printf("Platform:   %s\n", res.Platform)
	fmt.Printf("Status:     %s\n", res.Status)
	fmt.Printf("Window:     %s .. %s\n", res.Begin.Format(time.RFC3339), res.End.Format(time.RFC3339))
	fmt.Printf("Pages:      %d\n", res.Pages)
	fmt.Printf("Saved:      %d\n", res.Saved)
	fmt.Printf("Updated:    %d\n", res.Updated)
	fmt.Printf("Rejected:   %d\n", res.Rejected)
	fmt.Printf("Malformed:  %d\n", res.Malformed)
	fmt.Printf("Failed:     %d\n", res.Failed)
	if res.Error != "" {
		fmt.Printf("Error:      %s\n", res.Error)
	}
}

func syncWindowCommand() *cli.Command {
	return &cli.Command{
		Name:      "window",
		Usage:     "Show the fetch window the next sync would use",
		ArgsUsage: "<platform>",
		Flags: append([]cli.Flag{
			&cli.DurationFlag{
				Name:    "safety-margin",
				Usage:   "How far before the watermark to refetch",
				EnvVars: []string{"SYNC_SAFETY_MARGIN"},
				Value:   syncer.DefaultSafetyMargin,
			},
		}, syncFlags()...),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: platform")
			}
			name := c.Args().First()

			opts, err := syncOptions(c.String("start"), c.Bool("force"))
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			orch := syncer.NewOrchestrator(store, nil, nil, nil, syncer.Config{
				SafetyMargin: c.Duration("safety-margin"),
			}, nil, nil)
			begin, end, err := orch.Window(context.Background(), name, time.Now(), opts)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{"platform": name, "begin": begin, "end": end})
			}
			fmt.Printf("%s: %s .. %s\n", name, begin.Format(time.RFC3339), end.Format(time.RFC3339))
			return nil
		},
	}
}

// syncOptions validates the shared --start/--force flags.
func syncOptions(start string, force bool) (syncer.SyncOptions, error) {
	var opts syncer.SyncOptions
	if start != "" {
		t, err := parseDate(start)
		if err != nil {
			return opts, err
		}
		opts.Start = &t
	}
	if force && opts.Start == nil {
		return opts, fmt.Errorf("--force requires --start")
	}
	opts.Force = force
	return opts, nil
}

// parseDate accepts RFC3339 or a plain date at UTC midnight.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (use RFC3339 or YYYY-MM-DD)", s)
	}
	return t, nil
}

func normalizeCommand() *cli.Command {
	return &cli.Command{
		Name:      "normalize",
		Usage:     "Map raw platform statuses onto the canonical set",
		ArgsUsage: "<raw-status>...",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return fmt.Errorf("requires at least one raw status")
			}

			type row struct {
				Raw    string        `json:"raw"`
				Status status.Status `json:"status"`
				Known  bool          `json:"known"`
			}
			rows := make([]row, 0, c.NArg())
			for _, raw := range c.Args().Slice() {
				rows = append(rows, row{Raw: raw, Status: status.Normalize(raw), Known: status.Known(raw)})
			}

			if c.Bool("json") {
				return outputJSONTo(c.App.Writer, rows)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RAW\tSTATUS\tKNOWN")
			for _, r := range rows {
				fmt.Fprintf(w, "%q\t%s\t%v\n", r.Raw, r.Status, r.Known)
			}
			return w.Flush()
		},
	}
}
