package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"docflow/internal/health"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Query the running daemon's dependency health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: 10 * time.Second}
			url := fmt.Sprintf("http://%s/health", cfg.APIBind)
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("daemon not reachable at %s: %w", cfg.APIBind, err)
			}
			defer resp.Body.Close()

			var snapshot health.Snapshot
			if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
				return fmt.Errorf("decode health response: %w", err)
			}

			names := make([]string, 0, len(snapshot.Services))
			for name := range snapshot.Services {
				names = append(names, name)
			}
			sort.Strings(names)

			rows := make([][]string, 0, len(names))
			for _, name := range names {
				result := snapshot.Services[name]
				required := "required"
				if result.Optional {
					required = "optional"
				}
				rows = append(rows, []string{
					name,
					string(result.Status),
					fmt.Sprintf("%dms", result.LatencyMillis),
					required,
					result.Detail,
				})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "overall: %s\n", snapshot.Overall)
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"SERVICE", "STATUS", "LATENCY", "MODE", "DETAIL"},
				rows,
			))
			if snapshot.Overall == health.StatusUnhealthy {
				return fmt.Errorf("pipeline unhealthy")
			}
			return nil
		},
	}
}
