package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear all local state",
		Long: `Remove all local snapshots, queued operations, sync tags, and cached
responses. Queued writes that never reached the backend are lost.

Requires --force or interactive confirmation.`,
		RunE: runReset,
	}

	cmd.Flags().Bool("force", false, "skip the confirmation prompt")

	return cmd
}

func runReset(cmd *cobra.Command, _ []string) error {
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	a, err := buildApp(resolvedCfg, buildLogger(), false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()

	pending, err := a.engine.GetPendingCount(ctx, "")
	if err != nil {
		return err
	}

	if !force {
		if pending > 0 {
			fmt.Fprintf(os.Stderr, "Warning: %d queued operation(s) have not been delivered and will be lost.\n", pending)
		}

		fmt.Fprint(os.Stderr, "Clear all local state? [y/N]: ")

		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading confirmation: %w", err)
		}

		if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
			statusf(flagQuiet, "Aborted.\n")

			return nil
		}
	}

	if err := a.store.ClearAll(ctx); err != nil {
		return err
	}

	statusf(flagQuiet, "Local state cleared.\n")

	return nil
}
