package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and queue state",
		Long: `Display backend reachability, per-collection queue depth, and the
number of operations parked as failed.`,
		RunE: runStatus,
	}
}

// statusReport is the JSON shape of the status output.
type statusReport struct {
	Online      bool               `json:"online"`
	Pending     int                `json:"pending"`
	Failed      int                `json:"failed"`
	Collections []collectionStatus `json:"collections"`
}

type collectionStatus struct {
	Name    string `json:"name"`
	Policy  string `json:"conflict_policy"`
	Pending int    `json:"pending"`
	Failed  int    `json:"failed"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := buildApp(resolvedCfg, buildLogger(), false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()

	report := statusReport{Online: a.monitor.CheckNow(ctx)}

	report.Pending, err = a.engine.GetPendingCount(ctx, "")
	if err != nil {
		return err
	}

	report.Failed, err = a.engine.GetFailedCount(ctx, "")
	if err != nil {
		return err
	}

	for _, name := range a.engine.Collections() {
		pending, err := a.engine.GetPendingCount(ctx, name)
		if err != nil {
			return err
		}

		failed, err := a.engine.GetFailedCount(ctx, name)
		if err != nil {
			return err
		}

		report.Collections = append(report.Collections, collectionStatus{
			Name:    name,
			Policy:  a.cfg.Collections[name].ConflictPolicy,
			Pending: pending,
			Failed:  failed,
		})
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(report)
	}

	printStatusText(report)

	return nil
}

func printStatusText(report statusReport) {
	state := "offline"
	if report.Online {
		state = "online"
	}

	fmt.Printf("Backend:  %s\n", state)
	fmt.Printf("Queued:   %d operation(s), %d failed\n\n", report.Pending, report.Failed)

	if len(report.Collections) == 0 {
		fmt.Println("No collections configured.")

		return
	}

	headers := []string{"COLLECTION", "POLICY", "PENDING", "FAILED"}
	rows := make([][]string, 0, len(report.Collections))

	for _, c := range report.Collections {
		rows = append(rows, []string{
			c.Name, c.Policy, fmt.Sprintf("%d", c.Pending), fmt.Sprintf("%d", c.Failed),
		})
	}

	printTable(os.Stdout, headers, rows)
}
