package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"conductor/internal/hitl"
)

var (
	reviewNotes    string
	reviewReviewer string
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Inspect and decide human review items",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open review items",
	RunE:  listReviews,
}

var reviewDecideCmd = &cobra.Command{
	Use:   "decide [task-id] [approve|reject|rework]",
	Short: "Submit a review decision",
	Long: `Writes a decision file into the decision spool. The running engine
picks it up, applies it, and archives the file. Decisions for unknown or
already-settled items land in the spool's rejected/ directory.`,
	Args: cobra.ExactArgs(2),
	RunE: decideReview,
}

func init() {
	reviewDecideCmd.Flags().StringVarP(&reviewNotes, "notes", "n", "", "Reviewer notes (required for rework)")
	reviewDecideCmd.Flags().StringVarP(&reviewReviewer, "reviewer", "r", "", "Reviewer token (defaults to $USER)")
	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewDecideCmd)
}

func listReviews(cmd *cobra.Command, args []string) error {
	stateDir := filepath.Join(workspace, ".conductor", "tasks")
	entries, err := os.ReadDir(stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no run state found")
			return nil
		}
		return err
	}

	var items []hitl.Item
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(stateDir, e.Name(), "hitl.json"))
		if err != nil {
			continue
		}
		var item hitl.Item
		if err := json.Unmarshal(data, &item); err != nil {
			continue
		}
		if !item.State.Terminal() && item.Verdict == "" {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].Deadline.Equal(items[j].Deadline) {
			return items[i].Deadline.Before(items[j].Deadline)
		}
		return items[i].Score > items[j].Score
	})

	if len(items) == 0 {
		fmt.Println("no open reviews")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSCORE\tSTATE\tLEVEL\tDEADLINE")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			item.TaskID, item.Score, item.State, item.ReviewerRole(),
			item.Deadline.Format(time.RFC3339))
	}
	return w.Flush()
}

func decideReview(cmd *cobra.Command, args []string) error {
	taskID := args[0]
	verdict, err := hitl.ParseVerdict(args[1])
	if err != nil {
		return err
	}
	if verdict == hitl.VerdictRework && reviewNotes == "" {
		return fmt.Errorf("rework requires --notes")
	}
	reviewer := reviewReviewer
	if reviewer == "" {
		reviewer = os.Getenv("USER")
	}
	if reviewer == "" {
		return fmt.Errorf("reviewer token required (--reviewer or $USER)")
	}

	decisionDir := filepath.Join(workspace, ".conductor", "decisions")
	if err := os.MkdirAll(decisionDir, 0755); err != nil {
		return err
	}

	d := hitl.Decision{
		TaskID:    taskID,
		Reviewer:  reviewer,
		Verdict:   verdict,
		Notes:     reviewNotes,
		Timestamp: time.Now(),
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}

	// Write-then-rename so the spool watcher never reads a torn file.
	name := fmt.Sprintf("%s-%s.json", taskID, uuid.NewString()[:8])
	tmp := filepath.Join(decisionDir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(decisionDir, name)); err != nil {
		os.Remove(tmp)
		return err
	}
	fmt.Printf("decision %s for %s spooled\n", verdict, taskID)
	return nil
}
