package main

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/contextmem/internal/models"
	"github.com/spf13/cobra"
)

var patternCmd = &cobra.Command{
	Use:   "pattern",
	Short: "Inspect detected workflow patterns",
}

var patternListCmd = &cobra.Command{
	Use:   "list",
	Short: "List patterns",
	RunE:  runPatternList,
}

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Train and inspect learning models",
}

var modelTrainCmd = &cobra.Command{
	Use:   "train [type]",
	Short: "Train a model (" + modelTypeList() + ")",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelTrain,
}

var modelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trained models",
	RunE:  runModelList,
}

var modelShowCmd = &cobra.Command{
	Use:   "show [model-id]",
	Short: "Show model parameters and performance history",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelShow,
}

var suggestionCmd = &cobra.Command{
	Use:   "suggestion",
	Short: "Generate and apply suggestions",
}

var suggestionGenerateCmd = &cobra.Command{
	Use:   "generate [model-id]",
	Short: "Generate suggestions from a trained model",
	Args:  cobra.ExactArgs(1),
	RunE:  runSuggestionGenerate,
}

var suggestionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List suggestions",
	RunE:  runSuggestionList,
}

var suggestionApplyCmd = &cobra.Command{
	Use:   "apply [suggestion-id]",
	Short: "Mark a suggestion applied and record feedback",
	Args:  cobra.ExactArgs(1),
	RunE:  runSuggestionApply,
}

var (
	patternWorkflow string
	patternMinConf  float64

	trainWindowDays int
	trainMinSamples int
	trainThreshold  float64
	trainWorkflow   string
	trainGenerate   bool

	suggestWorkflow string
	suggestModel    string
	suggestAll      bool
	feedbackBad     bool
	feedbackComment string
)

func init() {
	patternCmd.AddCommand(patternListCmd)
	patternListCmd.Flags().StringVar(&patternWorkflow, "workflow", "", "Only patterns for this workflow")
	patternListCmd.Flags().Float64Var(&patternMinConf, "min-confidence", 0, "Minimum confidence")

	modelCmd.AddCommand(modelTrainCmd, modelListCmd, modelShowCmd)
	modelTrainCmd.Flags().IntVar(&trainWindowDays, "window-days", 0, "Training window in days (0 uses the daemon default)")
	modelTrainCmd.Flags().IntVar(&trainMinSamples, "min-samples", 0, "Minimum samples (0 uses the daemon default)")
	modelTrainCmd.Flags().Float64Var(&trainThreshold, "threshold", 0, "Confidence threshold (0 uses the daemon default)")
	modelTrainCmd.Flags().StringVar(&trainWorkflow, "workflow", "", "Train on one workflow only")
	modelTrainCmd.Flags().BoolVar(&trainGenerate, "suggest", false, "Generate suggestions after training")

	suggestionCmd.AddCommand(suggestionGenerateCmd, suggestionListCmd, suggestionApplyCmd)
	suggestionGenerateCmd.Flags().StringVar(&suggestWorkflow, "workflow", "", "Attach suggestions to a workflow")
	suggestionListCmd.Flags().StringVar(&suggestWorkflow, "workflow", "", "Filter by workflow")
	suggestionListCmd.Flags().StringVar(&suggestModel, "model", "", "Filter by model")
	suggestionListCmd.Flags().BoolVar(&suggestAll, "all", false, "Include applied suggestions")
	suggestionApplyCmd.Flags().BoolVar(&feedbackBad, "unhelpful", false, "Record the suggestion as not helpful")
	suggestionApplyCmd.Flags().StringVar(&feedbackComment, "comment", "", "Feedback comment")
}

func modelTypeList() string {
	names := make([]string, len(models.ModelTypes))
	for i, t := range models.ModelTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func runPatternList(cmd *cobra.Command, args []string) error {
	path := "/patterns?min_confidence=" + strconv.FormatFloat(patternMinConf, 'f', -1, 64)
	if patternWorkflow != "" {
		path = "/workflows/" + url.PathEscape(patternWorkflow) + "/patterns"
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var list []models.WorkflowPattern
	if ok, err := decode(resp, &list); !ok {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No patterns found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tCONFIDENCE\tSEEN\tLAST\tDESCRIPTION")
	for _, p := range list {
		fmt.Fprintf(w, "%s\t%.2f\t%d\t%s\t%s\n",
			p.Type, p.Confidence, p.Occurrences, p.LastDetected.Local().Format("2006-01-02 15:04"), truncate(p.Description, 60))
	}
	w.Flush()
	return nil
}

func runModelTrain(cmd *cobra.Command, args []string) error {
	cfg := models.TrainingConfig{
		ModelType:           models.ModelType(args[0]),
		TrainingWindowDays:  trainWindowDays,
		MinSamples:          trainMinSamples,
		ConfidenceThreshold: trainThreshold,
		WorkflowID:          trainWorkflow,
	}

	resp, err := apiPost("/models/train", cfg)
	if err != nil {
		return err
	}

	var m models.LearningModel
	if ok, err := decode(resp, &m); !ok {
		return err
	}
	fmt.Printf("Trained %s v%d: accuracy %.3f on %d samples (%s)\n", m.Type, m.Version, m.Accuracy, m.TrainingSamples, m.ID)

	if trainGenerate {
		return generateSuggestions(m.ID, trainWorkflow)
	}
	return nil
}

func runModelList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/models")
	if err != nil {
		return err
	}

	var list []models.LearningModel
	if ok, err := decode(resp, &list); !ok {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No models trained yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tVERSION\tACCURACY\tSAMPLES\tTRAINED")
	for _, m := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.3f\t%d\t%s\n",
			truncateID(m.ID), m.Type, m.Version, m.Accuracy, m.TrainingSamples, m.TrainedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func runModelShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/models/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}

	var m models.LearningModel
	if ok, err := decode(resp, &m); !ok {
		return err
	}

	fmt.Printf("ID:       %s\n", m.ID)
	fmt.Printf("Type:     %s\n", m.Type)
	fmt.Printf("Version:  %d\n", m.Version)
	fmt.Printf("Accuracy: %.3f\n", m.Accuracy)
	fmt.Printf("Samples:  %d\n", m.TrainingSamples)
	fmt.Printf("Trained:  %s\n", m.TrainedAt.Local().Format("2006-01-02 15:04:05"))

	keys := make([]string, 0, len(m.Parameters))
	for k := range m.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Println("\nParameters:")
	for _, k := range keys {
		fmt.Printf("  %-24s %.4f\n", k, m.Parameters[k])
	}

	if len(m.PerformanceHistory) > 0 {
		fmt.Println("\nPerformance:")
		for _, p := range m.PerformanceHistory {
			fmt.Printf("  %s  accuracy %.3f  samples %d\n", p.Timestamp.Local().Format("2006-01-02 15:04"), p.Accuracy, p.SampleCount)
		}
	}
	return nil
}

func runSuggestionGenerate(cmd *cobra.Command, args []string) error {
	return generateSuggestions(args[0], suggestWorkflow)
}

func generateSuggestions(modelID, workflowID string) error {
	resp, err := apiPost("/models/"+url.PathEscape(modelID)+"/suggestions", map[string]string{"workflow_id": workflowID})
	if err != nil {
		return err
	}

	var list []models.Suggestion
	if ok, err := decode(resp, &list); !ok {
		return err
	}
	fmt.Printf("Generated %d suggestions\n", len(list))
	printSuggestions(list)
	return nil
}

func runSuggestionList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if suggestWorkflow != "" {
		q.Set("workflow_id", suggestWorkflow)
	}
	if suggestModel != "" {
		q.Set("model_id", suggestModel)
	}
	q.Set("pending", strconv.FormatBool(!suggestAll))

	resp, err := apiGet("/suggestions?" + q.Encode())
	if err != nil {
		return err
	}

	var list []models.Suggestion
	if ok, err := decode(resp, &list); !ok {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No suggestions found")
		return nil
	}
	printSuggestions(list)
	return nil
}

func printSuggestions(list []models.Suggestion) {
	if len(list) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tCONFIDENCE\tACTIONABLE\tAUTO\tDESCRIPTION")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%t\t%t\t%s\n",
			truncateID(s.ID), s.Type, s.Confidence, s.Actionable, s.AutoApply, truncate(s.Description, 60))
	}
	w.Flush()
}

func runSuggestionApply(cmd *cobra.Command, args []string) error {
	fb := models.Feedback{
		Applied: true,
		Helpful: !feedbackBad,
		Comment: feedbackComment,
	}

	resp, err := apiPost("/suggestions/"+url.PathEscape(args[0])+"/apply", fb)
	if err != nil {
		return err
	}

	var s models.Suggestion
	if ok, err := decode(resp, &s); !ok {
		return err
	}
	fmt.Printf("Applied %s (%s, helpful=%t)\n", s.ID, s.Type, fb.Helpful)
	return nil
}
