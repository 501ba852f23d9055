package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"conductor/internal/task"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every task in the workspace",
	Long: `Reads task records directly from the workspace state directory. Works
while a run is active; records are written atomically so a reader never
observes a torn state.`,
	RunE: showStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Emit records as JSON")
}

type statusRow struct {
	ID            string         `json:"id"`
	State         task.State     `json:"state"`
	Attempts      int            `json:"attempts"`
	QAVerdict     task.QAVerdict `json:"qa_verdict,omitempty"`
	LastErrorCode string         `json:"last_error_code,omitempty"`
}

func showStatus(cmd *cobra.Command, args []string) error {
	stateDir := filepath.Join(workspace, ".conductor", "tasks")
	entries, err := os.ReadDir(stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no run state found")
			return nil
		}
		return err
	}

	var rows []statusRow
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(stateDir, e.Name(), "record.json"))
		if err != nil {
			continue
		}
		var rec task.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		rows = append(rows, statusRow{
			ID:            e.Name(),
			State:         rec.State,
			Attempts:      rec.Attempts,
			QAVerdict:     rec.QAVerdict,
			LastErrorCode: rec.LastErrorCode,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	if statusJSON {
		return json.NewEncoder(os.Stdout).Encode(rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATE\tATTEMPTS\tQA\tERROR")
	counts := make(map[task.State]int)
	for _, r := range rows {
		counts[r.State]++
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.State, r.Attempts, r.QAVerdict, r.LastErrorCode)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d tasks", len(rows))
	for _, st := range []task.State{task.StateDone, task.StateFailed, task.StateCancelled, task.StateRunning} {
		if counts[st] > 0 {
			fmt.Printf(", %d %s", counts[st], st)
		}
	}
	fmt.Println()
	return nil
}
