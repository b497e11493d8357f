package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/riskcase/internal/scoring"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Inspect the risk model",
}

var modelShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configured risk model, or the built-in one if it cannot be loaded",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		m, err := scoring.LoadModel(cfg.Scoring.ModelPath)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "using built-in model: %v\n", err)
			m = scoring.DefaultModel()
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(m)
	},
}

var modelValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Check a risk model file before deploying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		m, err := scoring.ParseModel(data)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: model %s with %d features\n", args[0], m.Version, len(m.Features))
		return nil
	},
}

func init() {
	modelCmd.AddCommand(modelShowCmd)
	modelCmd.AddCommand(modelValidateCmd)
}
