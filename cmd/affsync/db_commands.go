package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/affsync/service/db"
	"github.com/brojonat/affsync/service/status"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the ledger schema",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(context.Background()); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "schema applied")
			return nil
		},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-transactions",
		Usage:   "List ledger transactions, newest first",
		Aliases: []string{"txs"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "platform",
				Aliases: []string{"p"},
				Usage:   "Filter by platform",
			},
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (approved, pending, rejected)",
			},
			&cli.StringFlag{
				Name:  "since",
				Usage: "Only transactions at or after this time (RFC3339)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of transactions",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			params, err := transactionParams(c.String("platform"), c.String("status"), c.String("since"), c.Int("limit"))
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			txs, err := store.ListTransactions(context.Background(), params)
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(txs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PLATFORM\tTRANSACTION\tTIME\tSTATUS\tCOMMISSION\tMERCHANT")
			for _, tx := range txs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s %s\t%s\n",
					tx.Platform,
					tx.TransactionID,
					tx.TransactionTime.Format(time.RFC3339),
					tx.Status,
					tx.CommissionAmount.StringFixed(2),
					tx.Currency,
					formatOptional(tx.Merchant),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txs))
			return nil
		},
	}
}

// transactionParams validates list-transactions flags.
func transactionParams(platform, statusStr, since string, limit int) (db.ListTransactionsParams, error) {
	params := db.ListTransactionsParams{
		Platform: platform,
		Limit:    int32(limit),
	}
	if statusStr != "" {
		st, err := status.Parse(statusStr)
		if err != nil {
			return params, err
		}
		params.Status = st
	}
	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return params, fmt.Errorf("invalid time format (use RFC3339): %w", err)
		}
		params.Start = &t
	}
	return params, nil
}

func getTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-transaction",
		Usage:     "Show one ledger transaction",
		Aliases:   []string{"get"},
		ArgsUsage: "<platform> <transaction-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: platform and transaction id")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			tx, err := store.GetTransaction(context.Background(), c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(tx)
			}

			fmt.Printf("Platform:    %s\n", tx.Platform)
			fmt.Printf("Transaction: %s\n", tx.TransactionID)
			fmt.Printf("Time:        %s\n", tx.TransactionTime.Format(time.RFC3339))
			fmt.Printf("Status:      %s (raw: %s)\n", tx.Status, formatOptional(tx.RawStatus))
			fmt.Printf("Commission:  %s %s\n", tx.CommissionAmount.String(), tx.Currency)
			fmt.Printf("Order:       %s %s\n", tx.OrderAmount.String(), tx.Currency)
			fmt.Printf("Merchant:    %s\n", formatOptional(tx.Merchant))
			fmt.Printf("Account:     %s\n", tx.AccountRef)
			fmt.Printf("User:        %s\n", formatOptional(tx.UserRef))
			fmt.Printf("Updated:     %s\n", tx.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func listRejectionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-rejections",
		Usage:   "List the rejection sub-ledger",
		Aliases: []string{"rejections"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "platform",
				Aliases: []string{"p"},
				Usage:   "Filter by platform",
			},
			&cli.BoolFlag{
				Name:  "include-stale",
				Usage: "Include rejections whose transaction left the rejected status",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			rejections, err := store.ListRejections(context.Background(), db.ListRejectionsParams{
				Platform:     c.String("platform"),
				IncludeStale: c.Bool("include-stale"),
				Limit:        int32(c.Int("limit")),
			})
			if err != nil {
				return fmt.Errorf("failed to list rejections: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(rejections)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PLATFORM\tTRANSACTION\tREJECTED\tCOMMISSION\tREASON\tSTALE")
			for _, r := range rejections {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
					r.Platform,
					r.TransactionID,
					r.RejectTime.Format(time.RFC3339),
					r.CommissionAmount.String(),
					formatOptional(r.RejectReason),
					r.Stale,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d rejections\n", len(rejections))
			return nil
		},
	}
}

func watermarkCommand() *cli.Command {
	return &cli.Command{
		Name:      "watermark",
		Usage:     "Show the latest stored transaction time for a platform",
		ArgsUsage: "<platform>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: platform")
			}
			platform := c.Args().First()

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			latest, err := store.LatestTransactionTime(context.Background(), platform)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{"platform": platform, "watermark": latest})
			}
			if latest == nil {
				fmt.Printf("%s: no transactions\n", platform)
				return nil
			}
			fmt.Printf("%s: %s\n", platform, latest.Format(time.RFC3339))
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool, nil), pool.Close, nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	return outputJSONTo(os.Stdout, v)
}

func outputJSONTo(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatOptional(s *string) string {
	if s != nil && *s != "" {
		return *s
	}
	return "-"
}
