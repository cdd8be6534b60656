package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/affsync/client"
)

func apiClient(c *cli.Context) *client.Client {
	return client.NewClient(c.String("server-url"), nil, nil)
}

func clientTriggerCommand() *cli.Command {
	return &cli.Command{
		Name:      "trigger",
		Usage:     "Trigger a sync through the HTTP API",
		ArgsUsage: "<platform>",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "account-ref", Usage: "Override the platform's account reference"},
			&cli.StringFlag{Name: "user-ref", Usage: "Attribute rows to this user"},
		}, syncFlags()...),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: platform")
			}
			opts, err := syncOptions(c.String("start"), c.Bool("force"))
			if err != nil {
				return err
			}

			req := client.TriggerOptions{
				Start:      opts.Start,
				Force:      opts.Force,
				AccountRef: c.String("account-ref"),
			}
			if u := c.String("user-ref"); u != "" {
				req.UserRef = &u
			}

			id, err := apiClient(c).TriggerSync(context.Background(), c.Args().First(), req)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSONTo(c.App.Writer, map[string]string{"workflow_id": id})
			}
			fmt.Fprintf(c.App.Writer, "✓ Started %s\n", id)
			return nil
		},
	}
}

func clientPlatformsCommand() *cli.Command {
	return &cli.Command{
		Name:  "platforms",
		Usage: "List platforms and their watermarks",
		Action: func(c *cli.Context) error {
			platforms, err := apiClient(c).Platforms(context.Background())
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSONTo(c.App.Writer, platforms)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PLATFORM\tWATERMARK")
			for _, p := range platforms {
				watermark := "never"
				if p.Watermark != nil {
					watermark = p.Watermark.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\n", p.Name, watermark)
			}
			return w.Flush()
		},
	}
}

func clientTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "transactions",
		Usage: "List ledger transactions through the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "platform", Aliases: []string{"p"}},
			&cli.StringFlag{Name: "status", Aliases: []string{"s"}},
			&cli.StringFlag{Name: "since", Usage: "RFC3339 or YYYY-MM-DD"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 50},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Aliases: []string{"jq"},
				Usage:   "jq filter that must evaluate to true for a transaction to be shown (repeatable, all must match)",
			},
		},
		Action: func(c *cli.Context) error {
			match, err := jqMatcher(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			opts := client.ListOptions{
				Platform: c.String("platform"),
				Status:   c.String("status"),
				Limit:    c.Int("limit"),
			}
			if s := c.String("since"); s != "" {
				t, err := parseDate(s)
				if err != nil {
					return err
				}
				opts.Start = &t
			}

			all, err := apiClient(c).ListTransactions(context.Background(), opts)
			if err != nil {
				return err
			}
			txs := make([]*client.Transaction, 0, len(all))
			for _, tx := range all {
				if match(tx) {
					txs = append(txs, tx)
				}
			}

			if c.Bool("json") {
				return outputJSONTo(c.App.Writer, txs)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PLATFORM\tTRANSACTION\tTIME\tSTATUS\tCOMMISSION")
			for _, tx := range txs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s %s\n",
					tx.Platform,
					tx.TransactionID,
					tx.TransactionTime.Format(time.RFC3339),
					tx.Status,
					tx.CommissionAmount.StringFixed(2),
					tx.Currency,
				)
			}
			return w.Flush()
		},
	}
}

// jqMatcher compiles filters into a predicate over a value's JSON form. Every
// filter must yield a truthy first result; errors count as no match.
func jqMatcher(filters []string) (func(v interface{}) bool, error) {
	codes := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}

	return func(v interface{}) bool {
		if len(codes) == 0 {
			return true
		}
		data, err := json.Marshal(v)
		if err != nil {
			return false
		}
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return false
		}
		for _, code := range codes {
			out, ok := code.Run(doc).Next()
			if !ok {
				return false
			}
			if _, isErr := out.(error); isErr {
				return false
			}
			if out == nil || out == false {
				return false
			}
		}
		return true
	}, nil
}
