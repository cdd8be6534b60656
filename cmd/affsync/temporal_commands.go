package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/affsync/service/platform"
	"github.com/brojonat/affsync/service/temporal"
)

func intervalFlag() cli.Flag {
	return &cli.DurationFlag{
		Name:    "interval",
		Usage:   "Schedule interval for platforms without their own",
		EnvVars: []string{"SYNC_INTERVAL"},
		Value:   time.Hour,
	}
}

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-schedules",
		Usage:   "List platforms with a sync schedule",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			platforms, err := tc.ListPlatformSchedules(context.Background())
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(platforms)
			}
			for _, p := range platforms {
				fmt.Println(p)
			}
			fmt.Fprintf(os.Stderr, "\nTotal: %d schedules\n", len(platforms))
			return nil
		},
	}
}

func createScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "create-schedule",
		Usage:     "Create or update the sync schedule for a platform",
		ArgsUsage: "<platform>",
		Flags:     []cli.Flag{intervalFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: platform")
			}
			name := c.Args().First()

			desired, err := desiredSchedules(c.String("platforms-file"), c.Duration("interval"))
			if err != nil {
				return err
			}
			interval, ok := desired[name]
			if !ok {
				return fmt.Errorf("platform %q is not defined in %s", name, c.String("platforms-file"))
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.UpsertPlatformSchedule(context.Background(), name, interval); err != nil {
				return err
			}
			fmt.Printf("✓ Schedule for %s syncs every %s\n", name, interval)
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete-schedule",
		Usage:     "Delete the sync schedule for a platform",
		ArgsUsage: "<platform>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Skip confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: platform")
			}
			name := c.Args().First()

			if !c.Bool("force") {
				fmt.Printf("Delete the sync schedule for %s? [y/N]: ", name)
				var answer string
				fmt.Scanln(&answer)
				if answer != "y" && answer != "Y" {
					fmt.Println("Cancelled")
					return nil
				}
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeletePlatformSchedule(context.Background(), name); err != nil {
				return err
			}
			fmt.Printf("✓ Schedule for %s deleted\n", name)
			return nil
		},
	}
}

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Compare schedules with the platform definitions",
		Description: `Lists platforms defined in the platforms file without a schedule and
schedules for platforms no longer defined. With --fix, missing schedules are
created, intervals are refreshed and orphaned schedules are deleted.`,
		Flags: []cli.Flag{
			intervalFlag(),
			&cli.BoolFlag{
				Name:  "fix",
				Usage: "Apply the changes",
			},
		},
		Action: func(c *cli.Context) error {
			desired, err := desiredSchedules(c.String("platforms-file"), c.Duration("interval"))
			if err != nil {
				return err
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			report, err := temporal.ReconcileSchedules(context.Background(), tc, desired, c.Bool("fix"))
			if report == nil {
				return err
			}

			if c.Bool("json") {
				if jerr := outputJSON(report); jerr != nil {
					return jerr
				}
				return err
			}
			printScheduleReport(c.App.Writer, report)
			if !report.Fixed && len(report.Missing)+len(report.Orphaned) > 0 && err == nil {
				fmt.Fprintf(c.App.Writer, "\nTo fix these issues, run: affsync temporal reconcile --fix\n")
			}
			return err
		},
	}
}

func printScheduleReport(w io.Writer, r *temporal.ScheduleReport) {
	fmt.Fprintf(w, "Scheduled: %d\n", len(r.Present))
	for _, p := range r.Missing {
		fmt.Fprintf(w, "  ✗ missing schedule: %s\n", p)
	}
	for _, p := range r.Orphaned {
		fmt.Fprintf(w, "  ✗ orphaned schedule: %s\n", p)
	}
	if r.Fixed {
		fmt.Fprintf(w, "\nReconciliation complete!\n")
	}
}

// desiredSchedules maps each defined platform to its schedule interval.
func desiredSchedules(path string, fallback time.Duration) (map[string]time.Duration, error) {
	defs, err := platform.LoadDefinitions(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Duration, len(defs))
	for _, d := range defs {
		interval, err := d.IntervalDuration()
		if err != nil {
			return nil, fmt.Errorf("platform %q: %w", d.Name, err)
		}
		if interval == 0 {
			interval = fallback
		}
		if interval < time.Minute {
			return nil, fmt.Errorf("platform %q: interval %s is below one minute", d.Name, interval)
		}
		out[d.Name] = interval
	}
	return out, nil
}

func triggerCommand() *cli.Command {
	return &cli.Command{
		Name:      "trigger",
		Usage:     "Start a sync workflow now",
		ArgsUsage: "<platform>",
		Flags:     syncFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: platform")
			}
			opts, err := syncOptions(c.String("start"), c.Bool("force"))
			if err != nil {
				return err
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			id, err := tc.StartSync(context.Background(), temporal.SyncPlatformInput{
				Platform: c.Args().First(),
				Start:    opts.Start,
				Force:    opts.Force,
			})
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(map[string]string{"workflow_id": id})
			}
			fmt.Printf("✓ Started %s\n", id)
			return nil
		},
	}
}

// Helper function to connect to Temporal
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		logger,
	)
}
