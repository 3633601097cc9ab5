package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jmahotiedu/workflow-orchestrator/internal/domain"
)

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Trigger and inspect runs",
	}

	var idempotencyKey string
	triggerCmd := &cobra.Command{
		Use:   "trigger <workflow-id>",
		Short: "Trigger a run of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid workflow id %q: %w", args[0], err)
			}

			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()

			var key *string
			if idempotencyKey != "" {
				key = &idempotencyKey
			}
			result, err := c.service.TriggerRun(cmd.Context(), workflowID, domain.TriggerManual, key)
			if err != nil {
				return err
			}

			fmt.Printf("run_id:  %s\n", result.Run.ID)
			fmt.Printf("status:  %s\n", result.Run.Status)
			fmt.Printf("deduped: %v\n", result.Deduped)
			return nil
		},
	}
	triggerCmd.Flags().StringVar(&idempotencyKey, "key", "", "idempotency key (optional)")

	statusCmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}

			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()

			run, found, err := c.store.GetRun(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("run %s not found", runID)
			}

			fmt.Printf("run_id:      %s\n", run.ID)
			fmt.Printf("workflow_id: %s\n", run.WorkflowID)
			fmt.Printf("status:      %s\n", run.Status)
			fmt.Printf("trigger:     %s\n", run.TriggerSource)
			fmt.Printf("created:     %s\n", run.CreatedAt.Format(time.RFC3339))
			if run.FinishedAt != nil {
				fmt.Printf("finished:    %s\n", run.FinishedAt.Format(time.RFC3339))
			}
			if run.Error != nil {
				fmt.Printf("error:       %s\n", *run.Error)
			}

			tasks, err := c.store.ListTasksForRun(cmd.Context(), runID)
			if err != nil {
				return err
			}
			fmt.Println("tasks:")
			for _, t := range tasks {
				line := fmt.Sprintf("  - %-20s %-12s attempts=%d/%d",
					t.NodeID, t.Status, t.AttemptCount, t.MaxAttempts)
				if t.LastError != nil {
					line += fmt.Sprintf("  last_error=%q", *t.LastError)
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}

			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()

			run, err := c.service.CancelRun(cmd.Context(), runID)
			if err != nil {
				return err
			}
			fmt.Printf("run_id: %s\n", run.ID)
			fmt.Printf("status: %s\n", run.Status)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list [workflow-id]",
		Short: "List recent runs, optionally for one workflow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var workflowID *uuid.UUID
			if len(args) == 1 {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid workflow id %q: %w", args[0], err)
				}
				workflowID = &id
			}

			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()

			runs, err := c.store.ListRuns(cmd.Context(), workflowID)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}
			for _, r := range runs {
				fmt.Printf("- %s  %-10s workflow=%s  trigger=%s  created=%s\n",
					r.ID, r.Status, r.WorkflowID, r.TriggerSource,
					r.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	runCmd.AddCommand(triggerCmd, statusCmd, cancelCmd, listCmd)
	return runCmd
}
