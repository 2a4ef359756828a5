package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpequegn/procrun/internal/plan"
	"github.com/jpequegn/procrun/internal/runstore"
)

var historyCmd = &cobra.Command{
	Use:   "history <binary-id> <test-name>",
	Short: "Show recorded verdict history for one test",
	Args:  cobra.ExactArgs(2),
	RunE:  showHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().String("store", "", "path to the run history sqlite database (default: .procrun-history.db)")
	historyCmd.Flags().Int("limit", 20, "maximum number of records to show")
}

func showHistory(cmd *cobra.Command, args []string) error {
	storePath, _ := cmd.Flags().GetString("store")
	if storePath == "" {
		storePath = ".procrun-history.db"
	}
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := runstore.Open(storePath)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer store.Close()

	id := plan.TestID{BinaryID: args[0], TestName: args[1], StressIndex: -1}
	records, err := store.History(id, limit)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("no recorded history for this test")
		return nil
	}
	for _, r := range records {
		fmt.Printf("%-12s run=%s attempts=%d\n", r.Verdict, r.RunID, r.Attempts)
	}
	return nil
}
