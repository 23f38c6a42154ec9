package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fentz26/contextmem/internal/models"
	"github.com/spf13/cobra"
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Record and query workflow executions",
}

var execStartCmd = &cobra.Command{
	Use:   "record [workflow-id]",
	Short: "Record a workflow execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecRecord,
}

var execCompleteCmd = &cobra.Command{
	Use:   "complete [record-id] [status]",
	Short: "Finalize a running execution (success, failure, partial, cancelled)",
	Args:  cobra.ExactArgs(2),
	RunE:  runExecComplete,
}

var execListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions",
	RunE:  runExecList,
}

var execShowCmd = &cobra.Command{
	Use:   "show [record-id]",
	Short: "Show execution details",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecShow,
}

var (
	execID         string
	execStatus     string
	execEntities   []string
	execTasks      int
	execCompleted  int
	execFailed     int
	execRetries    int
	execCPU        float64
	execMemory     float64
	execError      string
	execDurationMS int64
	execWorkflow   string
	execSince      time.Duration
	execLimit      int
)

func init() {
	execCmd.AddCommand(execStartCmd, execCompleteCmd, execListCmd, execShowCmd)

	execStartCmd.Flags().StringVar(&execID, "execution-id", "", "Engine-side execution ID")
	execStartCmd.Flags().StringVar(&execStatus, "status", string(models.ExecutionRunning), "Initial status")
	execStartCmd.Flags().StringSliceVar(&execEntities, "entity", nil, "Entity ID accessed by the run (repeatable)")
	execStartCmd.Flags().IntVar(&execTasks, "tasks", 0, "Task count")
	execStartCmd.Flags().IntVar(&execCompleted, "tasks-completed", 0, "Tasks completed")
	execStartCmd.Flags().IntVar(&execFailed, "tasks-failed", 0, "Tasks failed")
	execStartCmd.Flags().IntVar(&execRetries, "retries", 0, "Retry count")
	execStartCmd.Flags().Float64Var(&execCPU, "cpu", -1, "CPU percent, when known")
	execStartCmd.Flags().Float64Var(&execMemory, "memory-mb", -1, "Memory in MB, when known")
	execStartCmd.Flags().StringVar(&execError, "error", "", "Error message")

	execCompleteCmd.Flags().Int64Var(&execDurationMS, "duration-ms", 0, "Run duration in milliseconds")
	execCompleteCmd.Flags().StringVar(&execError, "error", "", "Error message")

	execListCmd.Flags().StringVar(&execWorkflow, "workflow", "", "Filter by workflow")
	execListCmd.Flags().StringVar(&execStatus, "status", "", "Filter by status")
	execListCmd.Flags().DurationVar(&execSince, "since", 0, "Only runs started within this duration (e.g. 24h)")
	execListCmd.Flags().IntVar(&execLimit, "limit", 50, "Maximum rows")
}

func runExecRecord(cmd *cobra.Command, args []string) error {
	in := models.NewExecution{
		WorkflowID:       args[0],
		ExecutionID:      execID,
		Status:           models.ExecutionStatus(execStatus),
		EntitiesAccessed: execEntities,
		ErrorMessage:     execError,
		RetryCount:       execRetries,
		Metrics: models.ExecutionMetrics{
			TaskCount:      execTasks,
			TasksCompleted: execCompleted,
			TasksFailed:    execFailed,
			RetryCount:     execRetries,
		},
	}
	if execCPU >= 0 || execMemory >= 0 {
		in.Metrics.Resources = &models.ResourceUsage{CPUPercent: max(execCPU, 0), MemoryMB: max(execMemory, 0)}
	}

	resp, err := apiPost("/executions", in)
	if err != nil {
		return err
	}

	var rec models.WorkflowExecutionRecord
	if ok, err := decode(resp, &rec); !ok {
		return err
	}
	fmt.Printf("Recorded execution %s (%s, %s)\n", rec.ID, rec.WorkflowID, rec.Status)
	return nil
}

func runExecComplete(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"status":        args[1],
		"duration_ms":   execDurationMS,
		"error_message": execError,
	}

	resp, err := apiPost("/executions/"+url.PathEscape(args[0])+"/complete", body)
	if err != nil {
		return err
	}

	var rec models.WorkflowExecutionRecord
	if ok, err := decode(resp, &rec); !ok {
		return err
	}
	fmt.Printf("Completed %s as %s", rec.ID, rec.Status)
	if rec.DurationMS != nil {
		fmt.Printf(" in %s", time.Duration(*rec.DurationMS)*time.Millisecond)
	}
	fmt.Println()
	return nil
}

func runExecList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if execWorkflow != "" {
		q.Set("workflow_id", execWorkflow)
	}
	if execStatus != "" {
		q.Set("status", execStatus)
	}
	if execSince > 0 {
		q.Set("from", time.Now().Add(-execSince).UTC().Format(time.RFC3339))
	}
	q.Set("limit", strconv.Itoa(execLimit))

	resp, err := apiGet("/executions?" + q.Encode())
	if err != nil {
		return err
	}

	var list []models.WorkflowExecutionRecord
	if ok, err := decode(resp, &list); !ok {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No executions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKFLOW\tSTATUS\tSTARTED\tDURATION\tRETRIES")
	for _, r := range list {
		dur := "-"
		if r.DurationMS != nil {
			dur = (time.Duration(*r.DurationMS) * time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			truncateID(r.ID), truncate(r.WorkflowID, 30), r.Status, r.StartedAt.Local().Format("2006-01-02 15:04:05"), dur, r.RetryCount)
	}
	w.Flush()
	return nil
}

func runExecShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/executions/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}

	var r models.WorkflowExecutionRecord
	if ok, err := decode(resp, &r); !ok {
		return err
	}

	fmt.Printf("ID:        %s\n", r.ID)
	fmt.Printf("Workflow:  %s\n", r.WorkflowID)
	if r.ExecutionID != "" {
		fmt.Printf("Execution: %s\n", r.ExecutionID)
	}
	fmt.Printf("Status:    %s\n", r.Status)
	fmt.Printf("Started:   %s\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if r.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", r.CompletedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if r.DurationMS != nil {
		fmt.Printf("Duration:  %s\n", time.Duration(*r.DurationMS)*time.Millisecond)
	}
	fmt.Printf("Tasks:     %d total, %d completed, %d failed\n", r.Metrics.TaskCount, r.Metrics.TasksCompleted, r.Metrics.TasksFailed)
	fmt.Printf("Retries:   %d\n", r.RetryCount)
	if res := r.Metrics.Resources; res != nil {
		fmt.Printf("Resources: %.1f%% cpu, %.0f MB\n", res.CPUPercent, res.MemoryMB)
	}
	if len(r.EntitiesAccessed) > 0 {
		fmt.Printf("Entities:  %d accessed\n", len(r.EntitiesAccessed))
	}
	if r.ErrorMessage != "" {
		fmt.Printf("Error:     %s\n", r.ErrorMessage)
	}
	return nil
}
