package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmahotiedu/workflow-orchestrator/internal/dag"
	"github.com/jmahotiedu/workflow-orchestrator/internal/domain"
	"github.com/jmahotiedu/workflow-orchestrator/internal/ledger"
)

// workflowFile is the on-disk registration format. YAML is the primary
// format; JSON files parse through the same decoder.
type workflowFile struct {
	Name              string                    `yaml:"name"`
	Schedule          *string                   `yaml:"schedule,omitempty"`
	MaxConcurrentRuns int                       `yaml:"maxConcurrentRuns,omitempty"`
	Definition        domain.WorkflowDefinition `yaml:"definition"`
}

func loadWorkflowFile(path string) (workflowFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return workflowFile{}, err
	}
	var wf workflowFile
	if err := yaml.Unmarshal(raw, &wf); err != nil {
		return workflowFile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if wf.Name == "" {
		return workflowFile{}, fmt.Errorf("%s: name is required", path)
	}
	return wf, nil
}

func newWorkflowCmd() *cobra.Command {
	workflowCmd := &cobra.Command{
		Use:   "workflow",
		Short: "Register and inspect workflows",
	}

	var createFile string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a workflow from a definition file",
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := loadWorkflowFile(createFile)
			if err != nil {
				return err
			}

			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()

			created, err := c.service.CreateWorkflow(cmd.Context(), ledger.CreateWorkflowInput{
				Name:              wf.Name,
				Definition:        wf.Definition,
				Schedule:          wf.Schedule,
				MaxConcurrentRuns: wf.MaxConcurrentRuns,
			})
			var verrs dag.ValidationErrors
			if errors.As(err, &verrs) {
				fmt.Fprintln(os.Stderr, "workflow definition is invalid:")
				for _, v := range verrs {
					fmt.Fprintf(os.Stderr, "  %s: %s\n", v.Path, v.Message)
				}
				os.Exit(1)
			}
			if err != nil {
				return err
			}

			fmt.Printf("workflow_id: %s\n", created.ID)
			fmt.Printf("name:        %s\n", created.Name)
			fmt.Printf("tasks:       %d\n", len(created.Definition.Tasks))
			return nil
		},
	}
	createCmd.Flags().StringVarP(&createFile, "file", "f", "", "workflow definition file (required)")
	_ = createCmd.MarkFlagRequired("file")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()

			workflows, err := c.store.ListWorkflows(cmd.Context())
			if err != nil {
				return err
			}
			if len(workflows) == 0 {
				fmt.Println("No workflows found.")
				return nil
			}
			for _, wf := range workflows {
				fmt.Printf("- %s  %s  tasks=%d  max_concurrent=%d  created=%s\n",
					wf.ID, wf.Name, len(wf.Definition.Tasks),
					wf.MaxConcurrentRuns, wf.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	workflowCmd.AddCommand(createCmd, listCmd)
	return workflowCmd
}

func newValidateCmd() *cobra.Command {
	var file string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a workflow definition file without registering it",
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := loadWorkflowFile(file)
			if err != nil {
				return err
			}
			result := dag.Validate(wf.Definition)
			if result.Valid {
				fmt.Printf("%s: valid (%d tasks)\n", file, len(wf.Definition.Tasks))
				return nil
			}
			fmt.Fprintf(os.Stderr, "%s: invalid\n", file)
			for _, v := range result.Errors {
				fmt.Fprintf(os.Stderr, "  %s: %s\n", v.Path, v.Message)
			}
			os.Exit(1)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&file, "file", "f", "", "workflow definition file (required)")
	_ = validateCmd.MarkFlagRequired("file")
	return validateCmd
}
