package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"docflow/internal/jobs"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var statusFilter string

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List processing jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := jobs.Open(cfg)
			if err != nil {
				return fmt.Errorf("open job store: %w", err)
			}
			defer store.Close()

			var statuses []jobs.Status
			for _, raw := range strings.Split(statusFilter, ",") {
				raw = strings.TrimSpace(raw)
				if raw == "" {
					continue
				}
				status, ok := jobs.ParseStatus(raw)
				if !ok {
					return fmt.Errorf("unknown status %q", raw)
				}
				statuses = append(statuses, status)
			}

			list, err := store.List(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no jobs")
				return nil
			}

			rows := make([][]string, 0, len(list))
			for _, job := range list {
				errText := ""
				if job.Status == jobs.StatusFailed {
					errText = string(job.ErrorKind)
				}
				rows = append(rows, []string{
					job.ID,
					job.DocumentID,
					string(job.Status),
					strconv.Itoa(job.Progress) + "%",
					job.CurrentStage,
					strconv.Itoa(job.RetryCount),
					errText,
					job.UpdatedAt.Local().Format(time.RFC3339),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"JOB", "DOCUMENT", "STATUS", "PROGRESS", "STAGE", "RETRIES", "ERROR", "UPDATED"},
				rows,
			))
			return nil
		},
	}

	jobsCmd.Flags().StringVar(&statusFilter, "status", "", "Comma-separated status filter (queued,processing,completed,failed)")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := jobs.Open(cfg)
			if err != nil {
				return fmt.Errorf("open job store: %w", err)
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(stats))
			for _, status := range jobs.AllStatuses() {
				rows = append(rows, []string{string(status), strconv.Itoa(stats[status])})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"STATUS", "COUNT"}, rows))
			return nil
		},
	}

	jobsCmd.AddCommand(statsCmd)
	return jobsCmd
}
