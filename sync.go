package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldwork-tools/fieldsync/internal/engine"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Deliver all due queued operations now",
		Long: `Run one drain cycle: deliver every due queued operation, oldest
first per entity, applying each collection's conflict policy.

Exits with an error when the backend is unreachable; queued operations
stay durable for the next attempt.`,
		RunE: runSync,
	}
}

func runSync(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	a, err := buildApp(resolvedCfg, logger, false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := shutdownContext(cmd.Context(), logger)

	if !a.monitor.CheckNow(ctx) {
		return errors.New("backend unreachable — operations remain queued")
	}

	run, err := a.engine.Drain(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(run)
	}

	printRunSummary(run)

	return nil
}

func printRunSummary(run *engine.SyncRun) {
	if run == nil || run.ItemsAttempted == 0 {
		statusf(flagQuiet, "Nothing to sync.\n")

		return
	}

	statusf(flagQuiet, "Synced %d of %d operation(s) in %s",
		run.ItemsSucceeded, run.ItemsAttempted, run.Duration.Round(timeRounding))

	if run.ItemsFailed > 0 {
		statusf(flagQuiet, " — %d failed (see 'fieldsync queue list')", run.ItemsFailed)
	}

	statusf(flagQuiet, "\n")

	if run.ItemsFailed > 0 {
		fmt.Fprintln(os.Stderr, "Some operations failed permanently. Inspect them with 'fieldsync queue list --failed'.")
	}
}
