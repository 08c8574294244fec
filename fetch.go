package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldwork-tools/fieldsync/internal/cache"
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Read a backend URL through the response cache",
		Long: `Fetch a URL through the configured read strategy. cache_first and
stale_while_revalidate serve stored copies when offline; network_first
falls back to the stored copy when the backend is unreachable.

The response body is written to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: runFetch,
	}

	cmd.Flags().String("strategy", string(cache.NetworkFirst),
		"read strategy: cache_first, network_first, stale_while_revalidate, network_only, cache_only")

	return cmd
}

func runFetch(cmd *cobra.Command, args []string) error {
	raw, err := cmd.Flags().GetString("strategy")
	if err != nil {
		return err
	}

	strategy := cache.Strategy(raw)
	if !strategy.Valid() {
		return fmt.Errorf("unknown strategy %q", raw)
	}

	a, err := buildApp(resolvedCfg, buildLogger(), false)
	if err != nil {
		return err
	}
	defer a.close()

	resp, err := a.cache.Get(cmd.Context(), args[0], strategy)
	if err != nil {
		return err
	}

	if _, err := os.Stdout.Write(resp.Body); err != nil {
		return err
	}

	return nil
}
