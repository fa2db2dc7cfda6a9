package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/courseforge/internal/common"
	"github.com/ternarybob/courseforge/internal/engine"
)

// workerView is the CLI-facing projection of a models.Worker, shaped for
// JSON/YAML rendering independent of the store's column layout.
type workerView struct {
	ID            int64  `json:"id" yaml:"id"`
	WorkerType    string `json:"worker_type" yaml:"worker_type"`
	ExecutionMode string `json:"execution_mode" yaml:"execution_mode"`
	Status        string `json:"status" yaml:"status"`
	JobsProcessed int64  `json:"jobs_processed" yaml:"jobs_processed"`
	JobsFailed    int64  `json:"jobs_failed" yaml:"jobs_failed"`
}

func newWorkersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Inspect and clean up registered workers",
	}
	cmd.AddCommand(newWorkersListCmd())
	cmd.AddCommand(newWorkersCleanupCmd())
	return cmd
}

func newWorkersListCmd() *cobra.Command {
	var status string
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := engine.Open(config, logger)
			if err != nil {
				return err
			}
			defer e.Close()

			workers, err := e.Store().ListWorkers(context.Background(), "")
			if err != nil {
				return err
			}

			views := make([]workerView, 0, len(workers))
			for _, w := range workers {
				if status != "" && string(w.Status) != status {
					continue
				}
				views = append(views, workerView{
					ID:            w.ID,
					WorkerType:    string(w.WorkerType),
					ExecutionMode: string(w.ExecutionMode),
					Status:        string(w.Status),
					JobsProcessed: w.JobsProcessed,
					JobsFailed:    w.JobsFailed,
				})
			}

			switch output {
			case "yaml":
				data, err := yaml.Marshal(views)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
			case "json":
				data, err := json.MarshalIndent(views, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			default:
				for _, v := range views {
					fmt.Printf("%d\t%s\t%s\t%s\tprocessed=%d\tfailed=%d\n",
						v.ID, v.WorkerType, v.ExecutionMode, v.Status, v.JobsProcessed, v.JobsFailed)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by worker status (starting|idle|busy|hung|dead)")
	cmd.Flags().StringVar(&output, "output", "table", "Output format: table|json|yaml")
	return cmd
}

func newWorkersCleanupCmd() *cobra.Command {
	var all bool
	var force bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Deregister dead workers and requeue their stranded jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := engine.Open(config, logger)
			if err != nil {
				return err
			}
			defer e.Close()

			if all && !force {
				return fmt.Errorf("--all requires --force to confirm deregistering live workers")
			}

			removed, err := engine.CleanupDeadWorkers(context.Background(), e.Store(), all)
			if err != nil {
				return err
			}

			common.PrintSuccess(fmt.Sprintf("Deregistered %d worker(s)", removed))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Deregister every worker, not only dead ones")
	cmd.Flags().BoolVar(&force, "force", false, "Confirm --all")
	return cmd
}
