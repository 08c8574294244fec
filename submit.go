package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldwork-tools/fieldsync/internal/store"
)

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <collection> <create|update|delete> [entity-id]",
		Short: "Queue a write for eventual delivery",
		Long: `Queue a create, update, or delete against a collection.

The payload is read from --payload or stdin (JSON object). The write is
applied to the local snapshot immediately and delivered when
connectivity allows. The printed operation ID tracks it in the queue.

A create without an entity ID gets a generated one.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: runSubmit,
	}

	cmd.Flags().String("payload", "", "JSON payload (reads stdin when omitted)")
	cmd.Flags().Bool("sync", false, "attempt an immediate drain after queueing")

	return cmd
}

func runSubmit(cmd *cobra.Command, args []string) error {
	collection := args[0]

	kind := store.OpKind(args[1])
	if kind != store.OpCreate && kind != store.OpUpdate && kind != store.OpDelete {
		return fmt.Errorf("unknown operation kind %q: use create, update, or delete", args[1])
	}

	entityID := ""
	if len(args) == 3 {
		entityID = args[2]
	}

	var payload json.RawMessage

	if kind != store.OpDelete {
		raw, err := cmd.Flags().GetString("payload")
		if err != nil {
			return err
		}

		if raw == "" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("reading payload from stdin: %w", err)
			}

			raw = string(data)
		}

		payload = json.RawMessage(raw)
	}

	logger := buildLogger()

	a, err := buildApp(resolvedCfg, logger, false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()

	opID, err := a.engine.Submit(ctx, collection, kind, entityID, payload)
	if err != nil {
		return err
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]string{"operation_id": opID})
	}

	fmt.Println(opID)

	syncNow, err := cmd.Flags().GetBool("sync")
	if err != nil {
		return err
	}

	if syncNow {
		if a.monitor.CheckNow(ctx) {
			if _, err := a.engine.Drain(ctx); err != nil {
				return err
			}
		} else {
			statusf(flagQuiet, "Offline — operation queued for later delivery.\n")
		}
	}

	return nil
}
