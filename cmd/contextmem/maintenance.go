package main

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/fentz26/contextmem/internal/models"
	"github.com/fentz26/contextmem/internal/store"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove entities, executions and patterns past retention",
	RunE:  runCleanup,
}

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "Show recent decision records",
	RunE:  runDecisions,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show daemon, entity or workflow statistics",
	RunE:  runStats,
}

var (
	retentionDays  int
	decisionAction string
	decisionLimit  int
	statsWorkflow  string
)

func init() {
	cleanupCmd.Flags().IntVar(&retentionDays, "days", 90, "Retention in days")

	decisionsCmd.Flags().StringVar(&decisionAction, "action", "", "Filter by action (e.g. model.train)")
	decisionsCmd.Flags().IntVar(&decisionLimit, "limit", 20, "Maximum records")

	statsCmd.Flags().StringVar(&statsWorkflow, "workflow", "", "Show statistics for one workflow")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/maintenance/cleanup", map[string]int{"retention_days": retentionDays})
	if err != nil {
		return err
	}

	var report models.CleanupReport
	if ok, err := decode(resp, &report); !ok {
		return err
	}
	fmt.Printf("Cleanup (retention %d days): %d entities, %d executions, %d patterns removed\n",
		report.RetentionDays, report.Entities, report.Executions, report.Patterns)
	return nil
}

func runDecisions(cmd *cobra.Command, args []string) error {
	q := url.Values{"limit": {strconv.Itoa(decisionLimit)}}
	if decisionAction != "" {
		q.Set("action", decisionAction)
	}

	resp, err := apiGet("/decisions?" + q.Encode())
	if err != nil {
		return err
	}

	var list []store.PDREntry
	if ok, err := decode(resp, &list); !ok {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No decisions recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tSUBJECT\tDETAILS")
	for _, d := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.Timestamp.Local().Format("2006-01-02 15:04:05"), d.Action, d.Outcome, truncateID(d.SubjectID), truncate(d.Details, 60))
	}
	w.Flush()
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	if statsWorkflow != "" {
		return workflowStats(statsWorkflow)
	}

	health, err := CheckHealth()
	if health == nil {
		return err
	}
	status := "healthy"
	if err != nil {
		status = "degraded"
	}
	fmt.Printf("Daemon:   %s (version %s, db %s)\n", status, health.Version, health.DB)
	if len(health.Detector) > 0 {
		fmt.Printf("Detector: %s\n", formatStats(health.Detector))
	}
	if len(health.Scheduler) > 0 {
		fmt.Printf("Scheduler: enabled=%v entries=%v\n", health.Scheduler["enabled"], health.Scheduler["entries"])
	}

	resp, err := apiGet("/stats/entities")
	if err != nil {
		return err
	}
	var es models.EntityStats
	if ok, err := decode(resp, &es); !ok {
		return err
	}
	fmt.Printf("\nEntities: %d total, %d relationships, avg importance %.2f\n",
		es.Total, es.Relationships, es.AverageImportance)
	types := make([]string, 0, len(es.ByType))
	for t := range es.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("  %-14s %d\n", t, es.ByType[models.EntityType(t)])
	}
	return nil
}

func workflowStats(workflowID string) error {
	resp, err := apiGet("/workflows/" + url.PathEscape(workflowID) + "/stats")
	if err != nil {
		return err
	}

	var ws models.WorkflowStats
	if ok, err := decode(resp, &ws); !ok {
		return err
	}
	fmt.Printf("Workflow:     %s\n", ws.WorkflowID)
	fmt.Printf("Executions:   %d\n", ws.Total)
	fmt.Printf("Success rate: %.1f%%\n", ws.SuccessRate*100)
	fmt.Printf("Avg duration: %.0f ms\n", ws.AverageDurationMS)
	for status, n := range ws.ByStatus {
		fmt.Printf("  %-10s %d\n", status, n)
	}
	return nil
}

func formatStats(stats map[string]interface{}) string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%v", k, stats[k])
	}
	return out
}
