package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/p2k3m/novaharness/internal/adb"
	"github.com/p2k3m/novaharness/internal/fleet"
	"github.com/p2k3m/novaharness/internal/harness"
	"github.com/p2k3m/novaharness/internal/snapshot"
)

func newFleetCmd(root *rootOptions) *cobra.Command {
	var (
		serials         []string
		reportPath      string
		instrumentation string
		checkTimeout    time.Duration
		snapshotScript  string
		snapshotDir     string
	)
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Run the harness healthcheck on every connected device",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := root.logger()

			listing, err := root.bridge().Devices(cmd.Context())
			if err != nil {
				exitCode = fleet.ExitCode(fleet.Report{}, err)
				return err
			}
			records, missing := fleet.Filter(fleet.ParseDevices(listing), serials)

			checker := newHealthChecker(root.adbPath, instrumentation, checkTimeout, logger)
			sweeper := fleet.NewSweeper(checker)
			sweeper.Logger = logger
			if snapshotScript != "" {
				sweeper.Snapshots = snapshot.ScriptCollector{Script: snapshotScript}
				sweeper.SnapshotDir = snapshotDir
			}

			report := sweeper.Sweep(cmd.Context(), records, missing)
			report.Summarize(os.Stdout)
			if reportPath != "" {
				if err := report.WriteJSON(reportPath); err != nil {
					return err
				}
			}
			exitCode = fleet.ExitCode(report, nil)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&serials, "serials", nil, "restrict the sweep to these device serials")
	cmd.Flags().StringVar(&reportPath, "report", "", "write the sweep report to this JSON file")
	cmd.Flags().StringVar(&instrumentation, "instrumentation", harness.DefaultInstrumentation, "instrumentation component running the healthcheck")
	cmd.Flags().DurationVar(&checkTimeout, "check-timeout", harness.HealthcheckTimeout, "per-device healthcheck timeout")
	cmd.Flags().StringVar(&snapshotScript, "snapshot-script", "", "external script collecting a resource snapshot per device")
	cmd.Flags().StringVar(&snapshotDir, "snapshot-dir", "fleet-snapshots", "directory for resource snapshot artifacts")
	return cmd
}

// newHealthChecker launches the dependency-graph healthcheck on one device
// and drains its output within the timeout.
func newHealthChecker(adbPath, instrumentation string, timeout time.Duration, logger *slog.Logger) fleet.CheckerFunc {
	return func(ctx context.Context, serial string) fleet.CheckResult {
		launcher := &harness.AdbLauncher{Bridge: adb.New(adbPath, serial), Logger: logger, DisablePTY: true}
		proc, err := launcher.Launch(ctx, harness.LaunchSpec{
			Component: instrumentation,
			Test:      harness.HealthcheckTest,
		})
		if err != nil {
			return fleet.CheckResult{Err: err}
		}

		var lines []string
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		for {
			select {
			case line, open := <-proc.Lines():
				if !open {
					code, err := proc.Wait(timeout)
					return fleet.CheckResult{ExitCode: code, Lines: lines, Err: err}
				}
				lines = append(lines, line)
			case <-deadline.C:
				proc.Kill()
				return fleet.CheckResult{Lines: lines, Err: errors.New("healthcheck timed out")}
			}
		}
	}
}
