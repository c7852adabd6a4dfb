// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/brwyatt/dffmpeg/internal/model"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect registered workers",
}

var workersListOnlineOnly bool

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
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

		var workers []*model.Worker
		if workersListOnlineOnly {
			workers, err = st.WorkersOnline(cmd.Context())
		} else {
			workers, err = st.WorkersAll(cmd.Context())
		}
		if err != nil {
			return fmt.Errorf("list workers: %w", err)
		}
		for _, w := range workers {
			cmd.Printf("%s\t%s\trunning=%d\ttransport=%s\n", w.WorkerID, w.Status, len(w.RunningJobIDs), w.TransportChoice)
		}
		return nil
	},
}

var workersGetCmd = &cobra.Command{
	Use:   "get <worker-id>",
	Short: "Show a worker's full state",
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

		w, err := st.WorkerGet(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get worker: %w", err)
		}
		cmd.Printf("worker_id:            %s\n", w.WorkerID)
		cmd.Printf("status:               %s\n", w.Status)
		cmd.Printf("version:              %s\n", w.Version)
		cmd.Printf("transport_choice:     %s\n", w.TransportChoice)
		cmd.Printf("last_seen_at:         %s\n", w.LastSeenAt.Format(time.RFC3339))
		cmd.Printf("advertised_binaries:  %v\n", w.AdvertisedBinaries)
		cmd.Printf("advertised_variables: %v\n", w.AdvertisedVariables)
		cmd.Printf("running_job_ids:      %v\n", w.RunningJobIDs)
		return nil
	},
}

func init() {
	workersListCmd.Flags().BoolVar(&workersListOnlineOnly, "online-only", false, "list only currently online workers")
	workersCmd.AddCommand(workersListCmd, workersGetCmd)
}
