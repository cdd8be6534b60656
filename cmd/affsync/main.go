package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "affsync",
		Usage: "Affiliate commission ledger sync CLI",
		Description: `A command-line tool for operating the affsync ledger.

Use this CLI to inspect the ledger, run syncs inline, manage Temporal schedules,
and follow ledger events on NATS.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			{
				Name:  "db",
				Usage: "Ledger database commands",
				Subcommands: []*cli.Command{
					migrateCommand(),
					listTransactionsCommand(),
					getTransactionCommand(),
					listRejectionsCommand(),
					watermarkCommand(),
				},
			},
			{
				Name:  "sync",
				Usage: "Run sync cycles without Temporal",
				Subcommands: []*cli.Command{
					syncRunCommand(),
					syncWindowCommand(),
				},
			},
			{
				Name:  "status",
				Usage: "Status normalization helpers",
				Subcommands: []*cli.Command{
					normalizeCommand(),
				},
			},
			{
				Name:  "temporal",
				Usage: "Temporal schedule management commands",
				Subcommands: []*cli.Command{
					listSchedulesCommand(),
					createScheduleCommand(),
					deleteScheduleCommand(),
					reconcileCommand(),
					triggerCommand(),
				},
			},
			{
				Name:  "nats",
				Usage: "NATS ledger event commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
				},
			},
			{
				Name:  "client",
				Usage: "HTTP API commands",
				Subcommands: []*cli.Command{
					clientTriggerCommand(),
					clientPlatformsCommand(),
					clientTransactionsCommand(),
				},
			},
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "affsync-sync",
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "affsync server URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.StringFlag{
				Name:    "platforms-file",
				Usage:   "Platform definitions YAML",
				EnvVars: []string{"PLATFORMS_FILE"},
				Value:   "platforms.yaml",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}
