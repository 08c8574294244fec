package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldwork-tools/fieldsync/internal/store"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the pending operation queue",
	}

	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueRetryCmd())
	cmd.AddCommand(newQueueRmCmd())

	return cmd
}

func newQueueListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations in creation order",
		RunE:  runQueueList,
	}

	cmd.Flags().Bool("failed", false, "show only failed operations")
	cmd.Flags().String("collection", "", "restrict to one collection")

	return cmd
}

// queueRow is the JSON shape of one listed operation.
type queueRow struct {
	ID          string `json:"id"`
	Collection  string `json:"collection"`
	EntityID    string `json:"entity_id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	CreatedAt   string `json:"created_at"`
	LastError   string `json:"last_error,omitempty"`
	ServerState string `json:"server_state,omitempty"`
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	failedOnly, err := cmd.Flags().GetBool("failed")
	if err != nil {
		return err
	}

	collection, err := cmd.Flags().GetString("collection")
	if err != nil {
		return err
	}

	a, err := buildApp(resolvedCfg, buildLogger(), false)
	if err != nil {
		return err
	}
	defer a.close()

	ops, err := a.store.ListPending(cmd.Context(), collection)
	if err != nil {
		return err
	}

	rows := make([]queueRow, 0, len(ops))

	for _, op := range ops {
		if failedOnly && op.Status != store.StatusFailed {
			continue
		}

		row := queueRow{
			ID:         op.ID,
			Collection: op.Collection,
			EntityID:   op.EntityID,
			Kind:       string(op.Kind),
			Status:     string(op.Status),
			Attempts:   op.AttemptCount,
			CreatedAt:  formatTime(time.Unix(0, op.CreatedAt)),
			LastError:  op.LastError,
		}

		if op.ServerState != nil {
			row.ServerState = string(op.ServerState)
		}

		rows = append(rows, row)
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(rows)
	}

	if len(rows) == 0 {
		statusf(flagQuiet, "Queue is empty.\n")

		return nil
	}

	headers := []string{"ID", "COLLECTION", "ENTITY", "KIND", "STATUS", "ATTEMPTS", "CREATED", "ERROR"}
	table := make([][]string, 0, len(rows))

	for _, r := range rows {
		table = append(table, []string{
			shortID(r.ID), r.Collection, r.EntityID, r.Kind, r.Status,
			fmt.Sprintf("%d", r.Attempts), r.CreatedAt, truncate(r.LastError, maxErrorColumn),
		})
	}

	printTable(os.Stdout, headers, table)

	return nil
}

func newQueueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <operation-id>",
		Short: "Return a failed operation to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(resolvedCfg, buildLogger(), false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.engine.Retry(cmd.Context(), args[0]); err != nil {
				return err
			}

			statusf(flagQuiet, "Operation %s queued for retry.\n", shortID(args[0]))

			return nil
		},
	}
}

func newQueueRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <operation-id>",
		Short: "Discard a failed operation without syncing it",
		Long: `Discard a failed operation. Only failed operations can be removed;
pending work stays in the queue until it reaches a terminal state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(resolvedCfg, buildLogger(), false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.engine.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}

			statusf(flagQuiet, "Operation %s discarded.\n", shortID(args[0]))

			return nil
		},
	}
}
