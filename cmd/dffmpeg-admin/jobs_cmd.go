// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect job state",
}

var (
	jobsListState       string
	jobsListSubmitterID string
	jobsListAssigneeID  string
	jobsListLimit       int
)

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs matching a filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		filter := store.JobFilter{
			SubmitterID: jobsListSubmitterID,
			AssigneeID:  jobsListAssigneeID,
		}
		if jobsListState != "" {
			filter.States = []model.JobState{model.JobState(jobsListState)}
		}
		jobs, err := st.JobsQuery(cmd.Context(), filter, jobsListLimit)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		for _, j := range jobs {
			cmd.Printf("%s\t%s\tsubmitter=%s\tassignee=%s\tbinary=%s\n", j.JobID, j.State, j.SubmitterID, j.AssigneeID, j.Binary)
		}
		return nil
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job's full state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		j, err := st.JobGet(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		cmd.Printf("job_id:       %s\n", j.JobID)
		cmd.Printf("state:        %s\n", j.State)
		cmd.Printf("submitter_id: %s\n", j.SubmitterID)
		cmd.Printf("assignee_id:  %s\n", j.AssigneeID)
		cmd.Printf("binary:       %s\n", j.Binary)
		cmd.Printf("mode:         %s\n", j.Mode)
		cmd.Printf("created_at:   %s\n", j.CreatedAt.Format(time.RFC3339))
		if j.ExitCode != nil {
			cmd.Printf("exit_code:    %d\n", *j.ExitCode)
		}
		if j.FailureKind != "" {
			cmd.Printf("failure_kind: %s\n", j.FailureKind)
		}
		return nil
	},
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Print a job's captured stdout/stderr",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		lines, err := st.JobLogs(cmd.Context(), args[0], 0, 0)
		if err != nil {
			return fmt.Errorf("get job logs: %w", err)
		}
		for _, ln := range lines {
			cmd.Printf("[%s] %s\n", ln.Stream, ln.Text)
		}
		return nil
	},
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsListState, "state", "", "filter by job state")
	jobsListCmd.Flags().StringVar(&jobsListSubmitterID, "submitter", "", "filter by submitter client_id")
	jobsListCmd.Flags().StringVar(&jobsListAssigneeID, "assignee", "", "filter by assignee worker_id")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 50, "maximum jobs to list (0 = no limit)")
	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsLogsCmd)
}
