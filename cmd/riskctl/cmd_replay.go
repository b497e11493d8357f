package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/workflows"
)

var replayCmd = &cobra.Command{
	Use:   "replay HISTORY.json",
	Short: "Replay a case workflow history to check the workflow is still deterministic",
	Long: `Replay runs CaseWorkflow against a history exported with
"temporal workflow show --output json". It fails when the current code would
make different decisions than the recorded execution.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()

		replayer := worker.NewWorkflowReplayer()
		replayer.RegisterWorkflow(workflows.CaseWorkflow)
		if err := replayer.ReplayWorkflowHistoryFromJSONFile(workflows.NewLogger(logger), args[0]); err != nil {
			return fmt.Errorf("replay %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "replay succeeded for %s\n", args[0])
		return nil
	},
}
