package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/contextmem/internal/models"
	"github.com/spf13/cobra"
)

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Track and query entities",
}

var entityTrackCmd = &cobra.Command{
	Use:   "track [type] [name]",
	Short: "Register or refresh an entity",
	Args:  cobra.ExactArgs(2),
	RunE:  runEntityTrack,
}

var entityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entities",
	RunE:  runEntityList,
}

var entityShowCmd = &cobra.Command{
	Use:   "show [entity-id]",
	Short: "Show entity details and relationships",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntityShow,
}

var entityLinkCmd = &cobra.Command{
	Use:   "link [source-id] [target-id] [type]",
	Short: "Create a relationship between two entities",
	Args:  cobra.ExactArgs(3),
	RunE:  runEntityLink,
}

var entityImportanceCmd = &cobra.Command{
	Use:   "importance [entity-id] [score]",
	Short: "Set an entity's importance score (0-100)",
	Args:  cobra.ExactArgs(2),
	RunE:  runEntityImportance,
}

var entityAssociateCmd = &cobra.Command{
	Use:   "associate [entity-id] [workflow-id]",
	Short: "Associate an entity with a workflow",
	Args:  cobra.ExactArgs(2),
	RunE:  runEntityAssociate,
}

var (
	entityTags       []string
	entityMeta       []string
	entityType       string
	entityWorkflow   string
	entitySortBy     string
	entityLimit      int
	entityMinImport  float64
	relationStrength float64
)

func init() {
	entityCmd.AddCommand(entityTrackCmd, entityListCmd, entityShowCmd, entityLinkCmd, entityImportanceCmd, entityAssociateCmd)

	entityTrackCmd.Flags().StringSliceVar(&entityTags, "tag", nil, "Tag to attach (repeatable)")
	entityTrackCmd.Flags().StringSliceVar(&entityMeta, "meta", nil, "Metadata key=value (repeatable)")

	entityListCmd.Flags().StringVar(&entityType, "type", "", "Filter by entity type")
	entityListCmd.Flags().StringVar(&entityWorkflow, "workflow", "", "Filter by associated workflow")
	entityListCmd.Flags().StringSliceVar(&entityTags, "tag", nil, "Require every tag")
	entityListCmd.Flags().StringVar(&entitySortBy, "sort", models.SortByLastSeen, "Sort by importance, access_count or last_seen")
	entityListCmd.Flags().IntVar(&entityLimit, "limit", 50, "Maximum entities to show")
	entityListCmd.Flags().Float64Var(&entityMinImport, "min-importance", -1, "Only entities at or above this importance")

	entityLinkCmd.Flags().Float64Var(&relationStrength, "strength", 1.0, "Relationship strength (0-1)")
}

func parseMeta(pairs []string) (map[string]any, error) {
	meta := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", p)
		}
		meta[k] = v
	}
	return meta, nil
}

func runEntityTrack(cmd *cobra.Command, args []string) error {
	meta, err := parseMeta(entityMeta)
	if err != nil {
		return err
	}
	body := map[string]interface{}{
		"type":     args[0],
		"name":     args[1],
		"metadata": meta,
		"tags":     entityTags,
	}

	resp, err := apiPost("/entities", body)
	if err != nil {
		return err
	}

	var e models.Entity
	if ok, err := decode(resp, &e); !ok {
		return err
	}
	fmt.Printf("Tracked %s %q: %s (seen %d×)\n", e.Type, e.Name, e.ID, e.AccessCount)
	return nil
}

func runEntityList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if entityType != "" {
		q.Set("type", entityType)
	}
	if entityWorkflow != "" {
		q.Set("workflow_id", entityWorkflow)
	}
	if len(entityTags) > 0 {
		q.Set("tags", strings.Join(entityTags, ","))
	}
	if entityMinImport >= 0 {
		q.Set("min_importance", strconv.FormatFloat(entityMinImport, 'f', -1, 64))
	}
	q.Set("sort_by", entitySortBy)
	q.Set("limit", strconv.Itoa(entityLimit))

	resp, err := apiGet("/entities?" + q.Encode())
	if err != nil {
		return err
	}

	var list []models.Entity
	if ok, err := decode(resp, &list); !ok {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No entities found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tNAME\tIMPORTANCE\tACCESSES\tLAST SEEN")
	for _, e := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%d\t%s\n",
			truncateID(e.ID), e.Type, truncate(e.Name, 40), e.Context.ImportanceScore, e.AccessCount, e.LastSeen.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func runEntityShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/entities/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}

	var e models.Entity
	if ok, err := decode(resp, &e); !ok {
		return err
	}

	fmt.Printf("ID:         %s\n", e.ID)
	fmt.Printf("Type:       %s\n", e.Type)
	fmt.Printf("Name:       %s\n", e.Name)
	fmt.Printf("Importance: %.1f\n", e.Context.ImportanceScore)
	fmt.Printf("Accesses:   %d\n", e.AccessCount)
	fmt.Printf("First Seen: %s\n", e.FirstSeen.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Last Seen:  %s\n", e.LastSeen.Local().Format("2006-01-02 15:04:05"))
	if len(e.Tags) > 0 {
		fmt.Printf("Tags:       %s\n", strings.Join(e.Tags, ", "))
	}
	if len(e.Context.WorkflowIDs) > 0 {
		fmt.Printf("Workflows:  %s\n", strings.Join(e.Context.WorkflowIDs, ", "))
	}
	for k, v := range e.Metadata {
		fmt.Printf("  %s = %v\n", k, v)
	}

	resp, err = apiGet("/entities/" + url.PathEscape(args[0]) + "/relationships")
	if err != nil {
		return err
	}
	var rels []models.EntityRelationship
	if err := json.Unmarshal(resp, &rels); err != nil {
		return err
	}
	if len(rels) > 0 {
		fmt.Println("\nRelationships:")
		for _, r := range rels {
			fmt.Printf("  %s -[%s %.2f]-> %s\n", truncateID(r.SourceID), r.Type, r.Strength, truncateID(r.TargetID))
		}
	}
	return nil
}

func runEntityLink(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"source_id": args[0],
		"target_id": args[1],
		"type":      args[2],
		"strength":  relationStrength,
	}

	resp, err := apiPost("/relationships", body)
	if err != nil {
		return err
	}

	var r models.EntityRelationship
	if ok, err := decode(resp, &r); !ok {
		return err
	}
	fmt.Printf("Linked %s -[%s]-> %s\n", truncateID(r.SourceID), r.Type, truncateID(r.TargetID))
	return nil
}

func runEntityImportance(cmd *cobra.Command, args []string) error {
	score, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid score %q: %w", args[1], err)
	}

	resp, err := apiPut("/entities/"+url.PathEscape(args[0])+"/importance", map[string]float64{"score": score})
	if err != nil {
		return err
	}

	var e models.Entity
	if ok, err := decode(resp, &e); !ok {
		return err
	}
	fmt.Printf("Importance of %s is now %.1f\n", e.Name, e.Context.ImportanceScore)
	return nil
}

func runEntityAssociate(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/entities/"+url.PathEscape(args[0])+"/workflows", map[string]string{"workflow_id": args[1]})
	if err != nil {
		return err
	}
	if outputJSON {
		_, err := decode(resp, nil)
		return err
	}
	fmt.Printf("Associated %s with workflow %s\n", args[0], args[1])
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
